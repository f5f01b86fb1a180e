package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/domain"
)

const seriesColumns = `id, facility_code, type, frequency, occurrence_count, start_date, ` +
	detailsColumns + `, created_at, created_by, updated_at, updated_by,
	cancel_from_date, cancel_from_time, cancel_reason_id, cancelled_at, cancelled_by`

// InsertSeries writes a new series row.
func (t *Tx) InsertSeries(ctx context.Context, s *domain.Series) error {
	args := []any{s.ID, s.FacilityCode, string(s.Type), string(s.Frequency), s.OccurrenceCount, formatDate(s.StartDate)}
	args = append(args, detailsArgs(s.Details)...)
	args = append(args, formatTimestamp(s.CreatedAt), s.CreatedBy, nullTimestamp(s.UpdatedAt), s.UpdatedBy)
	args = append(args, cancelFromArgs(s.CancelFrom)...)

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO series (`+seriesColumns+`)
		VALUES (`+placeholders(len(args))+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("insert series: %w", err)
	}
	return nil
}

// GetSeries reads a series by id.
// Returns a NOT_FOUND domain error when the series does not exist.
func (t *Tx) GetSeries(ctx context.Context, id string) (*domain.Series, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+seriesColumns+` FROM series WHERE id = ?`, id)
	s, err := scanSeries(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("series", id).WithSeries(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get series: %w", err)
	}
	return s, nil
}

// UpdateSeries overwrites the mutable columns of a series.
func (t *Tx) UpdateSeries(ctx context.Context, s *domain.Series) error {
	args := []any{s.OccurrenceCount, formatDate(s.StartDate)}
	args = append(args, detailsArgs(s.Details)...)
	args = append(args, nullTimestamp(s.UpdatedAt), s.UpdatedBy)
	args = append(args, cancelFromArgs(s.CancelFrom)...)
	args = append(args, s.ID)

	res, err := t.tx.ExecContext(ctx, `
		UPDATE series SET
			occurrence_count = ?, start_date = ?,
			category_code = ?, tier_code = ?, organiser_code = ?, custom_name = ?,
			internal_location_id = ?, in_cell = ?, start_time = ?, end_time = ?, notes = ?,
			updated_at = ?, updated_by = ?,
			cancel_from_date = ?, cancel_from_time = ?, cancel_reason_id = ?, cancelled_at = ?, cancelled_by = ?
		WHERE id = ?
	`, args...)
	if err != nil {
		return fmt.Errorf("update series: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.NotFound("series", s.ID).WithSeries(s.ID)
	}
	return nil
}

func cancelFromArgs(c *domain.CancelFrom) []any {
	if c == nil {
		return []any{nil, nil, nil, nil, ""}
	}
	return []any{
		formatDate(c.Date),
		c.Time.String(),
		c.ReasonID,
		formatTimestamp(c.CancelledAt),
		c.CancelledBy,
	}
}

func scanSeries(row scanner) (*domain.Series, error) {
	var (
		s                      domain.Series
		typ, freq, startDate   string
		createdAt              string
		updatedAt              sql.NullString
		cancelDate, cancelTime sql.NullString
		cancelReason           sql.NullInt64
		cancelledAt            sql.NullString
		cancelledBy            string
		d                      detailsScan
	)

	dest := []any{&s.ID, &s.FacilityCode, &typ, &freq, &s.OccurrenceCount, &startDate}
	dest = append(dest, d.targets()...)
	dest = append(dest, &createdAt, &s.CreatedBy, &updatedAt, &s.UpdatedBy,
		&cancelDate, &cancelTime, &cancelReason, &cancelledAt, &cancelledBy)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	var err error
	s.Type = domain.SeriesType(typ)
	s.Frequency = domain.Frequency(freq)
	if s.StartDate, err = parseDate(startDate); err != nil {
		return nil, err
	}
	if s.Details, err = d.details(); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseNullTimestamp(updatedAt); err != nil {
		return nil, err
	}

	if cancelDate.Valid {
		cf := domain.CancelFrom{ReasonID: cancelReason.Int64, CancelledBy: cancelledBy}
		if cf.Date, err = parseDate(cancelDate.String); err != nil {
			return nil, err
		}
		if cf.Time, err = domain.ParseTimeOfDay(cancelTime.String); err != nil {
			return nil, err
		}
		at, err := parseNullTimestamp(cancelledAt)
		if err != nil {
			return nil, err
		}
		if at != nil {
			cf.CancelledAt = *at
		}
		s.CancelFrom = &cf
	}

	return &s, nil
}

// SeriesDetails reads a series with every occurrence and every attendee row.
func (t *Tx) SeriesDetails(ctx context.Context, id string) (*domain.SeriesDetails, error) {
	s, err := t.GetSeries(ctx, id)
	if err != nil {
		return nil, err
	}
	occs, err := t.ListOccurrences(ctx, id)
	if err != nil {
		return nil, err
	}
	details := &domain.SeriesDetails{Series: *s, Occurrences: make([]domain.OccurrenceDetails, 0, len(occs))}
	for _, o := range occs {
		attendees, err := t.ListAttendees(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		details.Occurrences = append(details.Occurrences, domain.OccurrenceDetails{Occurrence: o, Attendees: attendees})
	}
	return details, nil
}
