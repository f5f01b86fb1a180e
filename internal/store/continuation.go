package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Continuation status values.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// ContinuationRecord is a queued deferred leg. Payload is opaque JSON owned
// by the continuation package.
type ContinuationRecord struct {
	ID          string
	Kind        string
	SeriesID    string
	Payload     []byte
	Status      string
	Attempts    int
	AvailableAt time.Time
	LeasedUntil *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const continuationColumns = `id, kind, series_id, payload, status, attempts,
	available_at, leased_until, last_error, created_at, updated_at`

// InsertContinuation queues a continuation.
// Uses ON CONFLICT(id) DO NOTHING: returns inserted=false when a record with
// the same id already exists.
func (t *Tx) InsertContinuation(ctx context.Context, rec ContinuationRecord) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO continuations (`+continuationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		rec.Kind,
		rec.SeriesID,
		string(rec.Payload),
		StatusPending,
		0,
		formatTimestamp(rec.AvailableAt),
		nil,
		"",
		formatTimestamp(rec.CreatedAt),
		formatTimestamp(rec.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert continuation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert continuation: rows affected: %w", err)
	}
	return n > 0, nil
}

// ClaimContinuation leases the oldest pending continuation available at now.
// Returns nil when nothing is ready.
func (t *Tx) ClaimContinuation(ctx context.Context, now time.Time, lease time.Duration) (*ContinuationRecord, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+continuationColumns+`
		FROM continuations
		WHERE status = ? AND available_at <= ?
		ORDER BY available_at ASC, created_at ASC, id ASC
		LIMIT 1
	`, StatusPending, formatTimestamp(now))
	rec, err := scanContinuation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim continuation: %w", err)
	}

	until := now.Add(lease)
	_, err = t.tx.ExecContext(ctx, `
		UPDATE continuations
		SET status = ?, attempts = attempts + 1, leased_until = ?, updated_at = ?
		WHERE id = ?
	`, StatusRunning, formatTimestamp(until), formatTimestamp(now), rec.ID)
	if err != nil {
		return nil, fmt.Errorf("claim continuation: %w", err)
	}

	rec.Status = StatusRunning
	rec.Attempts++
	rec.LeasedUntil = &until
	rec.UpdatedAt = now
	return rec, nil
}

// CompleteContinuation marks a continuation done.
func (t *Tx) CompleteContinuation(ctx context.Context, id string, now time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE continuations
		SET status = ?, leased_until = NULL, last_error = '', updated_at = ?
		WHERE id = ?
	`, StatusDone, formatTimestamp(now), id)
	if err != nil {
		return fmt.Errorf("complete continuation: %w", err)
	}
	return nil
}

// FailContinuation records a failed attempt. A nil retryAt marks the
// continuation permanently failed; otherwise it becomes pending again at
// retryAt.
func (t *Tx) FailContinuation(ctx context.Context, id, msg string, now time.Time, retryAt *time.Time) error {
	status, available := StatusFailed, sql.NullString{}
	if retryAt != nil {
		status = StatusPending
		available = sql.NullString{String: formatTimestamp(*retryAt), Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE continuations
		SET status = ?, available_at = COALESCE(?, available_at), leased_until = NULL,
			last_error = ?, updated_at = ?
		WHERE id = ?
	`, status, available, msg, formatTimestamp(now), id)
	if err != nil {
		return fmt.Errorf("fail continuation: %w", err)
	}
	return nil
}

// ReleaseExpired returns running continuations whose lease ended before now
// to pending, so work claimed by a crashed worker runs again.
func (t *Tx) ReleaseExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE continuations
		SET status = ?, leased_until = NULL, updated_at = ?
		WHERE status = ? AND leased_until < ?
	`, StatusPending, formatTimestamp(now), StatusRunning, formatTimestamp(now))
	if err != nil {
		return 0, fmt.Errorf("release expired continuations: %w", err)
	}
	return res.RowsAffected()
}

// GetContinuation reads a continuation by id. Returns nil when absent.
func (t *Tx) GetContinuation(ctx context.Context, id string) (*ContinuationRecord, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+continuationColumns+` FROM continuations WHERE id = ?`, id)
	rec, err := scanContinuation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get continuation: %w", err)
	}
	return rec, nil
}

// ListContinuations returns continuations ordered by creation time. An empty
// status lists every record.
func (t *Tx) ListContinuations(ctx context.Context, status string) ([]ContinuationRecord, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+continuationColumns+`
		FROM continuations
		WHERE ? = '' OR status = ?
		ORDER BY created_at ASC, id ASC
	`, status, status)
	if err != nil {
		return nil, fmt.Errorf("query continuations: %w", err)
	}
	defer rows.Close()

	records := []ContinuationRecord{}
	for rows.Next() {
		rec, err := scanContinuation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan continuation: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate continuations: %w", err)
	}
	return records, nil
}

func scanContinuation(row scanner) (*ContinuationRecord, error) {
	var (
		rec                             ContinuationRecord
		payload                         string
		availableAt, createdAt, updated string
		leasedUntil                     sql.NullString
	)
	if err := row.Scan(
		&rec.ID, &rec.Kind, &rec.SeriesID, &payload, &rec.Status, &rec.Attempts,
		&availableAt, &leasedUntil, &rec.LastError, &createdAt, &updated,
	); err != nil {
		return nil, err
	}

	var err error
	rec.Payload = []byte(payload)
	if rec.AvailableAt, err = parseTimestamp(availableAt); err != nil {
		return nil, err
	}
	if rec.LeasedUntil, err = parseNullTimestamp(leasedUntil); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTimestamp(updated); err != nil {
		return nil, err
	}
	return &rec, nil
}
