package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/domain"
)

// CancellationReason reads a cancellation reason by id.
// Returns an UNKNOWN_REFERENCE domain error for ids outside the catalog.
func (t *Tx) CancellationReason(ctx context.Context, id int64) (domain.Reason, error) {
	return t.reason(ctx, "cancellation_reasons", id)
}

// RemovalReason reads an attendee removal reason by id.
func (t *Tx) RemovalReason(ctx context.Context, id int64) (domain.Reason, error) {
	return t.reason(ctx, "removal_reasons", id)
}

// CancellationReasons lists the cancellation catalog ordered by id.
func (t *Tx) CancellationReasons(ctx context.Context) ([]domain.Reason, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, code, description, is_delete FROM cancellation_reasons ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query cancellation reasons: %w", err)
	}
	defer rows.Close()

	var reasons []domain.Reason
	for rows.Next() {
		var r domain.Reason
		if err := rows.Scan(&r.ID, &r.Code, &r.Description, &r.IsDelete); err != nil {
			return nil, fmt.Errorf("scan cancellation reason: %w", err)
		}
		reasons = append(reasons, r)
	}
	return reasons, rows.Err()
}

// table is one of two fixed catalog names, never caller input.
func (t *Tx) reason(ctx context.Context, table string, id int64) (domain.Reason, error) {
	var r domain.Reason
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, code, description, is_delete FROM `+table+` WHERE id = ?`, id,
	).Scan(&r.ID, &r.Code, &r.Description, &r.IsDelete)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Reason{}, domain.Errorf(domain.ErrCodeUnknownReference, "unknown reason %d", id)
	}
	if err != nil {
		return domain.Reason{}, fmt.Errorf("get reason: %w", err)
	}
	return r, nil
}
