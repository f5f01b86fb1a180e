package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/domain"
)

// timestampLayout is fixed width so stored timestamps compare correctly as
// strings in SQL.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func formatDate(t time.Time) string {
	return t.Format(time.DateOnly)
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTimestamp(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTimestamp(*t), Valid: true}
}

func parseNullTimestamp(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTimestamp(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTimeOfDay(t *domain.TimeOfDay) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.String(), Valid: true}
}

func parseNullTimeOfDay(ns sql.NullString) (*domain.TimeOfDay, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := domain.ParseTimeOfDay(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// detailsColumns is the column list shared by series and occurrences.
const detailsColumns = `category_code, tier_code, organiser_code, custom_name,
	internal_location_id, in_cell, start_time, end_time, notes`

// detailsArgs returns the values for detailsColumns in order.
func detailsArgs(d domain.Details) []any {
	return []any{
		d.CategoryCode,
		d.TierCode,
		d.OrganiserCode,
		d.CustomName,
		nullInt64(d.Location.InternalLocationID),
		d.Location.InCell,
		d.StartTime.String(),
		nullTimeOfDay(d.EndTime),
		d.Notes,
	}
}

// detailsScan holds scan targets for detailsColumns.
type detailsScan struct {
	category, tier, organiser, name string
	location                        sql.NullInt64
	inCell                          bool
	startTime                       string
	endTime                         sql.NullString
	notes                           string
}

func (d *detailsScan) targets() []any {
	return []any{
		&d.category, &d.tier, &d.organiser, &d.name,
		&d.location, &d.inCell, &d.startTime, &d.endTime, &d.notes,
	}
}

func (d *detailsScan) details() (domain.Details, error) {
	start, err := domain.ParseTimeOfDay(d.startTime)
	if err != nil {
		return domain.Details{}, err
	}
	end, err := parseNullTimeOfDay(d.endTime)
	if err != nil {
		return domain.Details{}, err
	}
	return domain.Details{
		CategoryCode:  d.category,
		TierCode:      d.tier,
		OrganiserCode: d.organiser,
		CustomName:    d.name,
		Location: domain.Location{
			InternalLocationID: int64Ptr(d.location),
			InCell:             d.inCell,
		},
		StartTime: start,
		EndTime:   end,
		Notes:     d.notes,
	}, nil
}
