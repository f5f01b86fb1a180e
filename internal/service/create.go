package service

import (
	"context"
	"time"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/audit"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/continuation"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/domain"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/materialize"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/metrics"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/notify"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/recurrence"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/store"
)

// CreateRequest creates a series and materializes its occurrences.
type CreateRequest struct {
	FacilityCode    string
	Type            domain.SeriesType
	Frequency       domain.Frequency
	OccurrenceCount int
	StartDate       time.Time
	Details         domain.Details
	PrisonerNumbers []string
	Actor           string
}

const actionCreate = "create"

// CreateSeries validates and creates a series. Large series materialize
// sequence 1 now and the rest in a create continuation.
func (s *Service) CreateSeries(ctx context.Context, req CreateRequest) (*Result, error) {
	now := s.clock.Now()

	if err := s.authorize(ctx, req.Actor, req.FacilityCode); err != nil {
		return nil, s.reject(actionCreate, err)
	}
	if req.Frequency == "" {
		req.Frequency = domain.FrequencyNone
	}
	if req.Frequency == domain.FrequencyNone {
		req.OccurrenceCount = 1
	}
	if req.Type != domain.SeriesIndividual && req.Type != domain.SeriesGroup {
		return nil, s.reject(actionCreate, domain.Errorf(domain.ErrCodeInvalidRequest, "unknown series type %q", req.Type))
	}
	dates, err := recurrence.Dates(req.StartDate, req.Frequency, req.OccurrenceCount)
	if err != nil {
		return nil, s.reject(actionCreate, err)
	}
	if err := s.checkStartDate(req.StartDate, now); err != nil {
		return nil, s.reject(actionCreate, err)
	}
	if err := checkTimes(req.Details.StartTime, req.Details.EndTime); err != nil {
		return nil, s.reject(actionCreate, err)
	}
	if req.Details.CategoryCode == "" {
		return nil, s.reject(actionCreate, domain.Errorf(domain.ErrCodeInvalidRequest, "category is required"))
	}
	if err := s.checkReferences(ctx, req.FacilityCode, &req.Details.CategoryCode, req.Details.Location.InternalLocationID); err != nil {
		return nil, s.reject(actionCreate, err)
	}

	participants, err := s.resolveParticipants(ctx, req.FacilityCode, req.PrisonerNumbers)
	if err != nil {
		return nil, s.reject(actionCreate, err)
	}
	if req.Type == domain.SeriesIndividual && len(participants) != 1 {
		return nil, s.reject(actionCreate, domain.Errorf(domain.ErrCodeInvalidRequest,
			"an individual series needs exactly one participant, got %d", len(participants)))
	}

	instances := len(dates) * len(participants)
	split, err := s.limits.sizeRequest(instances, len(dates))
	if err != nil {
		return nil, s.reject(actionCreate, err)
	}

	details := req.Details
	details.CustomName = domain.NormalizeText(details.CustomName)
	details.Notes = domain.NormalizeText(details.Notes)
	series := &domain.Series{
		ID:              s.ids.NewID(),
		FacilityCode:    req.FacilityCode,
		Type:            req.Type,
		Frequency:       req.Frequency,
		OccurrenceCount: len(dates),
		StartDate:       domain.DateOf(req.StartDate),
		Details:         details,
		CreatedAt:       now,
		CreatedBy:       req.Actor,
	}

	var (
		res    *materialize.Result
		contID string
	)
	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertSeries(ctx, series); err != nil {
			return err
		}
		var err error
		res, err = s.materializer.Materialize(ctx, tx, materialize.Request{
			SeriesID:     series.ID,
			Participants: participants,
			FirstOnly:    split == RunFirst,
			Actor:        req.Actor,
			Now:          now,
		})
		if err != nil {
			return err
		}
		if split == RunFirst {
			contID, err = s.queue.Enqueue(ctx, tx, continuation.Job{
				Kind:             continuation.KindCreate,
				FacilityCode:     req.FacilityCode,
				SeriesID:         series.ID,
				Participants:     participants,
				Actor:            req.Actor,
				StartedAt:        now,
				TotalOccurrences: len(dates),
				TotalInstances:   instances,
			}, now)
		}
		return err
	})
	if err != nil {
		return nil, s.reject(actionCreate, err)
	}

	events := createdEvents(res.CreatedAttendees)
	s.finish(ctx, commit{
		action: actionCreate,
		events: events,
		entry: &audit.Entry{
			Action:        audit.ActionCreate,
			Facility:      req.FacilityCode,
			SeriesID:      series.ID,
			OccurrenceIDs: res.CreatedOccurrences,
			Actor:         req.Actor,
			After:         domain.CascadingFields(&res.Series.Series),
			InstanceCount: instances,
			StartedAt:     now,
			FinishedAt:    s.clock.Now(),
		},
		leg:       metrics.LegSync,
		instances: len(res.CreatedAttendees),
		startedAt: now,
		enqueued:  contID != "",
	})
	s.metrics.Operation(actionCreate, "ok")

	return &Result{
		Series:         res.Series,
		Affected:       res.CreatedOccurrences,
		ContinuationID: contID,
		Instances:      instances,
		Notifications:  len(events),
	}, nil
}

// continueCreate materializes the whole series again. Sequences and
// attendees that already exist are skipped.
func (s *Service) continueCreate(ctx context.Context, job continuation.Job) error {
	now := s.clock.Now()
	var res *materialize.Result
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := s.loadSeries(ctx, tx, job.FacilityCode, job.SeriesID); err != nil {
			return err
		}
		var err error
		res, err = s.materializer.Materialize(ctx, tx, materialize.Request{
			SeriesID:     job.SeriesID,
			Participants: job.Participants,
			Actor:        job.Actor,
			Now:          now,
		})
		return err
	})
	if err != nil {
		return err
	}

	s.finish(ctx, commit{
		action: actionCreate,
		events: createdEvents(res.CreatedAttendees),
		entry: &audit.Entry{
			Action:        audit.ActionCreate,
			Facility:      job.FacilityCode,
			SeriesID:      job.SeriesID,
			OccurrenceIDs: res.CreatedOccurrences,
			Actor:         job.Actor,
			After:         domain.CascadingFields(&res.Series.Series),
			InstanceCount: job.TotalInstances,
			Deferred:      true,
			StartedAt:     job.StartedAt,
			FinishedAt:    s.clock.Now(),
		},
		leg:       metrics.LegDeferred,
		instances: len(res.CreatedAttendees),
		startedAt: job.StartedAt,
	})
	return nil
}

func createdEvents(attendees []domain.Attendee) []notify.Event {
	events := make([]notify.Event, 0, len(attendees))
	for _, a := range attendees {
		events = append(events, notify.Event{Kind: notify.KindCreated, AttendeeID: a.ID})
	}
	return events
}
