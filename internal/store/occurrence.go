package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/domain"
)

const occurrenceColumns = `id, series_id, sequence_number, start_date, ` +
	detailsColumns + `, state, cancellation_reason_id, cancelled_at, cancelled_by,
	edited, created_at, created_by, updated_at, updated_by`

// InsertOccurrence writes an occurrence row.
// Uses ON CONFLICT(series_id, sequence_number) DO NOTHING for idempotency:
// returns inserted=false when the sequence number already exists.
func (t *Tx) InsertOccurrence(ctx context.Context, o *domain.Occurrence) (bool, error) {
	args := []any{o.ID, o.SeriesID, o.SequenceNumber, formatDate(o.StartDate)}
	args = append(args, detailsArgs(o.Details)...)
	args = append(args, stateArgs(o)...)
	args = append(args, o.Edited, formatTimestamp(o.CreatedAt), o.CreatedBy, nullTimestamp(o.UpdatedAt), o.UpdatedBy)

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO occurrences (`+occurrenceColumns+`)
		VALUES (`+placeholders(len(args))+`)
		ON CONFLICT(series_id, sequence_number) DO NOTHING
	`, args...)
	if err != nil {
		return false, fmt.Errorf("insert occurrence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert occurrence: rows affected: %w", err)
	}
	return n > 0, nil
}

// GetOccurrence reads an occurrence by id.
// Returns a NOT_FOUND domain error when the occurrence does not exist.
func (t *Tx) GetOccurrence(ctx context.Context, id string) (*domain.Occurrence, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+occurrenceColumns+` FROM occurrences WHERE id = ?`, id)
	o, err := scanOccurrence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("occurrence", id).WithOccurrence(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get occurrence: %w", err)
	}
	return o, nil
}

// ListOccurrences returns every occurrence of a series ordered by sequence number.
// Returns an empty slice (not nil) if the series has none.
func (t *Tx) ListOccurrences(ctx context.Context, seriesID string) ([]domain.Occurrence, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+occurrenceColumns+`
		FROM occurrences
		WHERE series_id = ?
		ORDER BY sequence_number ASC
	`, seriesID)
	if err != nil {
		return nil, fmt.Errorf("query occurrences: %w", err)
	}
	defer rows.Close()

	occurrences := []domain.Occurrence{}
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, fmt.Errorf("scan occurrence: %w", err)
		}
		occurrences = append(occurrences, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate occurrences: %w", err)
	}
	return occurrences, nil
}

// UpdateOccurrence overwrites the mutable columns of an occurrence.
func (t *Tx) UpdateOccurrence(ctx context.Context, o *domain.Occurrence) error {
	args := []any{formatDate(o.StartDate)}
	args = append(args, detailsArgs(o.Details)...)
	args = append(args, stateArgs(o)...)
	args = append(args, o.Edited, nullTimestamp(o.UpdatedAt), o.UpdatedBy, o.ID)

	res, err := t.tx.ExecContext(ctx, `
		UPDATE occurrences SET
			start_date = ?,
			category_code = ?, tier_code = ?, organiser_code = ?, custom_name = ?,
			internal_location_id = ?, in_cell = ?, start_time = ?, end_time = ?, notes = ?,
			state = ?, cancellation_reason_id = ?, cancelled_at = ?, cancelled_by = ?,
			edited = ?, updated_at = ?, updated_by = ?
		WHERE id = ?
	`, args...)
	if err != nil {
		return fmt.Errorf("update occurrence: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.NotFound("occurrence", o.ID).WithOccurrence(o.ID)
	}
	return nil
}

func stateArgs(o *domain.Occurrence) []any {
	if o.Cancellation == nil {
		return []any{string(o.State), nil, nil, ""}
	}
	c := o.Cancellation
	return []any{string(o.State), c.ReasonID, formatTimestamp(c.CancelledAt), c.CancelledBy}
}

func scanOccurrence(row scanner) (*domain.Occurrence, error) {
	var (
		o           domain.Occurrence
		startDate   string
		state       string
		reasonID    sql.NullInt64
		cancelledAt sql.NullString
		cancelledBy string
		createdAt   string
		updatedAt   sql.NullString
		d           detailsScan
	)

	dest := []any{&o.ID, &o.SeriesID, &o.SequenceNumber, &startDate}
	dest = append(dest, d.targets()...)
	dest = append(dest, &state, &reasonID, &cancelledAt, &cancelledBy,
		&o.Edited, &createdAt, &o.CreatedBy, &updatedAt, &o.UpdatedBy)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	var err error
	o.State = domain.OccurrenceState(state)
	if o.StartDate, err = parseDate(startDate); err != nil {
		return nil, err
	}
	if o.Details, err = d.details(); err != nil {
		return nil, err
	}
	if o.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = parseNullTimestamp(updatedAt); err != nil {
		return nil, err
	}
	if reasonID.Valid {
		c := domain.Cancellation{ReasonID: reasonID.Int64, CancelledBy: cancelledBy}
		at, err := parseNullTimestamp(cancelledAt)
		if err != nil {
			return nil, err
		}
		if at != nil {
			c.CancelledAt = *at
		}
		o.Cancellation = &c
	}
	return &o, nil
}
