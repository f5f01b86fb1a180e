package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/domain"
)

const attendeeColumns = `id, occurrence_id, prisoner_number, booking_id, added_at, added_by,
	attendance, attendance_recorded_at, attendance_recorded_by,
	removed_at, removed_by, removal_reason_id, is_deleted`

// InsertAttendee adds an active attendee unless the participant already has
// an active attendee on the occurrence. Returns inserted=false in that case.
func (t *Tx) InsertAttendee(ctx context.Context, a *domain.Attendee) (bool, error) {
	args := attendeeArgs(a)
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO attendees (`+attendeeColumns+`)
		VALUES (`+placeholders(len(args))+`)
		ON CONFLICT DO NOTHING
	`, args...)
	if err != nil {
		return false, fmt.Errorf("insert attendee: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert attendee: rows affected: %w", err)
	}
	return n > 0, nil
}

// InsertAttendeeIfNew adds an attendee only when the participant never had
// any attendee row on the occurrence, active or removed. Materialization
// uses this so a retried leg never brings back a removed participant.
func (t *Tx) InsertAttendeeIfNew(ctx context.Context, a *domain.Attendee) (bool, error) {
	args := append(attendeeArgs(a), a.OccurrenceID, a.PrisonerNumber)
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO attendees (`+attendeeColumns+`)
		SELECT `+placeholders(len(args)-2)+`
		WHERE NOT EXISTS (
			SELECT 1 FROM attendees WHERE occurrence_id = ? AND prisoner_number = ?
		)
		ON CONFLICT DO NOTHING
	`, args...)
	if err != nil {
		return false, fmt.Errorf("insert attendee: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert attendee: rows affected: %w", err)
	}
	return n > 0, nil
}

// GetAttendee reads an attendee by id.
func (t *Tx) GetAttendee(ctx context.Context, id string) (*domain.Attendee, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+attendeeColumns+` FROM attendees WHERE id = ?`, id)
	a, err := scanAttendee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("attendee", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get attendee: %w", err)
	}
	return a, nil
}

// ListAttendees returns every attendee row of an occurrence, active and
// removed, in the order they were added.
func (t *Tx) ListAttendees(ctx context.Context, occurrenceID string) ([]domain.Attendee, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+attendeeColumns+`
		FROM attendees
		WHERE occurrence_id = ?
		ORDER BY rowid ASC
	`, occurrenceID)
	if err != nil {
		return nil, fmt.Errorf("query attendees: %w", err)
	}
	defer rows.Close()

	attendees := []domain.Attendee{}
	for rows.Next() {
		a, err := scanAttendee(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attendee: %w", err)
		}
		attendees = append(attendees, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attendees: %w", err)
	}
	return attendees, nil
}

// UpdateAttendee overwrites the attendance and removal columns of an attendee.
func (t *Tx) UpdateAttendee(ctx context.Context, a *domain.Attendee) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE attendees SET
			attendance = ?, attendance_recorded_at = ?, attendance_recorded_by = ?,
			removed_at = ?, removed_by = ?, removal_reason_id = ?, is_deleted = ?
		WHERE id = ?
	`,
		string(a.Attendance),
		nullTimestamp(a.AttendanceRecordedAt),
		a.AttendanceRecordedBy,
		nullTimestamp(a.RemovedAt),
		a.RemovedBy,
		nullInt64(a.RemovalReasonID),
		a.IsDeleted,
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("update attendee: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.NotFound("attendee", a.ID)
	}
	return nil
}

func attendeeArgs(a *domain.Attendee) []any {
	return []any{
		a.ID,
		a.OccurrenceID,
		a.PrisonerNumber,
		a.BookingID,
		formatTimestamp(a.AddedAt),
		a.AddedBy,
		string(a.Attendance),
		nullTimestamp(a.AttendanceRecordedAt),
		a.AttendanceRecordedBy,
		nullTimestamp(a.RemovedAt),
		a.RemovedBy,
		nullInt64(a.RemovalReasonID),
		a.IsDeleted,
	}
}

func scanAttendee(row scanner) (*domain.Attendee, error) {
	var (
		a          domain.Attendee
		addedAt    string
		attendance string
		recordedAt sql.NullString
		removedAt  sql.NullString
		reasonID   sql.NullInt64
	)
	if err := row.Scan(
		&a.ID, &a.OccurrenceID, &a.PrisonerNumber, &a.BookingID, &addedAt, &a.AddedBy,
		&attendance, &recordedAt, &a.AttendanceRecordedBy,
		&removedAt, &a.RemovedBy, &reasonID, &a.IsDeleted,
	); err != nil {
		return nil, err
	}

	var err error
	a.Attendance = domain.Attendance(attendance)
	a.RemovalReasonID = int64Ptr(reasonID)
	if a.AddedAt, err = parseTimestamp(addedAt); err != nil {
		return nil, err
	}
	if a.AttendanceRecordedAt, err = parseNullTimestamp(recordedAt); err != nil {
		return nil, err
	}
	if a.RemovedAt, err = parseNullTimestamp(removedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
