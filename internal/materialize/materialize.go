// Package materialize builds a series' occurrences and attendees from its
// recurrence definition.
//
// Materialization is idempotent. An occurrence is only inserted for a
// sequence number that does not exist yet, and an attendee only for a
// participant that never had a row on that occurrence. The synchronous leg
// of a large create produces sequence 1 and a continuation later produces
// the rest by calling Materialize again over the whole range.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/domain"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/recurrence"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/store"
)

// Request describes one materialization pass.
type Request struct {
	SeriesID     string
	Participants []domain.Participant

	// FirstOnly limits the pass to sequence 1.
	FirstOnly bool

	Actor string
	Now   time.Time
}

// Result is the state after a pass.
type Result struct {
	// Series is re-read from the store after all inserts.
	Series *domain.SeriesDetails

	// CreatedOccurrences lists ids of occurrences inserted by this pass.
	CreatedOccurrences []string

	// CreatedAttendees lists attendees inserted by this pass on scheduled
	// occurrences. Attendees placed on occurrences that were born cancelled
	// are persisted but not listed, so they produce no notification.
	CreatedAttendees []domain.Attendee
}

// Materializer creates occurrences and attendees.
type Materializer struct {
	ids domain.IDGenerator
	loc *time.Location
}

// New creates a Materializer. loc is the facility time zone used to compare
// occurrence starts with the series cancellation anchor.
func New(ids domain.IDGenerator, loc *time.Location) *Materializer {
	if loc == nil {
		loc = time.UTC
	}
	return &Materializer{ids: ids, loc: loc}
}

// Materialize runs one pass inside tx.
func (m *Materializer) Materialize(ctx context.Context, tx *store.Tx, req Request) (*Result, error) {
	series, err := tx.GetSeries(ctx, req.SeriesID)
	if err != nil {
		return nil, err
	}

	dates, err := recurrence.Dates(series.StartDate, series.Frequency, series.OccurrenceCount)
	if err != nil {
		return nil, domainErr(err, series.ID)
	}
	if req.FirstOnly {
		dates = dates[:1]
	}

	var cancelReason *domain.Reason
	if series.CancelFrom != nil {
		r, err := tx.CancellationReason(ctx, series.CancelFrom.ReasonID)
		if err != nil {
			return nil, err
		}
		cancelReason = &r
	}

	res := &Result{}
	for i, date := range dates {
		o := &domain.Occurrence{
			ID:             m.ids.NewID(),
			SeriesID:       series.ID,
			SequenceNumber: i + 1,
			StartDate:      date,
			Details:        series.Details,
			State:          domain.StateScheduled,
			CreatedAt:      req.Now,
			CreatedBy:      req.Actor,
		}
		if cancelReason != nil && !m.before(o, series.CancelFrom) {
			o.Cancel(*cancelReason, series.CancelFrom.CancelledBy, series.CancelFrom.CancelledAt)
		}
		inserted, err := tx.InsertOccurrence(ctx, o)
		if err != nil {
			return nil, fmt.Errorf("materialize sequence %d: %w", i+1, err)
		}
		if inserted {
			res.CreatedOccurrences = append(res.CreatedOccurrences, o.ID)
		}
	}

	occurrences, err := tx.ListOccurrences(ctx, series.ID)
	if err != nil {
		return nil, err
	}
	for _, o := range occurrences {
		if o.SequenceNumber > len(dates) {
			break
		}
		for _, p := range req.Participants {
			a := &domain.Attendee{
				ID:             m.ids.NewID(),
				OccurrenceID:   o.ID,
				PrisonerNumber: p.PrisonerNumber,
				BookingID:      p.BookingID,
				AddedAt:        req.Now,
				AddedBy:        req.Actor,
			}
			inserted, err := tx.InsertAttendeeIfNew(ctx, a)
			if err != nil {
				return nil, fmt.Errorf("materialize attendee %s on sequence %d: %w", p.PrisonerNumber, o.SequenceNumber, err)
			}
			if inserted && o.IsScheduled() {
				res.CreatedAttendees = append(res.CreatedAttendees, *a)
			}
		}
	}

	res.Series, err = tx.SeriesDetails(ctx, series.ID)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// before reports whether o starts strictly before the cancellation anchor.
func (m *Materializer) before(o *domain.Occurrence, cf *domain.CancelFrom) bool {
	return o.Start(m.loc).Before(domain.At(cf.Date, cf.Time, m.loc))
}

func domainErr(err error, seriesID string) error {
	var de *domain.Error
	if errors.As(err, &de) {
		de.WithSeries(seriesID)
	}
	return err
}
