package service

import (
	"context"
	"time"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/audit"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/continuation"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/domain"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/metrics"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/notify"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/planner"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/store"
)

// CancelRequest cancels or deletes the target occurrence and, depending on
// Scope, its siblings.
type CancelRequest struct {
	FacilityCode string
	OccurrenceID string
	Scope        domain.Scope
	ReasonID     int64
	Actor        string
}

// UncancelRequest restores cancelled occurrences.
type UncancelRequest struct {
	FacilityCode string
	OccurrenceID string
	Scope        domain.Scope
	Actor        string
}

const (
	actionCancel   = "cancel"
	actionUncancel = "uncancel"
)

// Cancel moves scheduled occurrences to Cancelled, or Deleted when the
// reason is deletion-class.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (*Result, error) {
	now := s.clock.Now()

	if err := s.authorize(ctx, req.Actor, req.FacilityCode); err != nil {
		return nil, s.reject(actionCancel, err)
	}
	var (
		details *domain.SeriesDetails
		reason  domain.Reason
	)
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		if reason, err = tx.CancellationReason(ctx, req.ReasonID); err != nil {
			return err
		}
		details, err = s.loadForOccurrence(ctx, tx, req.FacilityCode, req.OccurrenceID)
		return err
	})
	if err != nil {
		return nil, s.reject(actionCancel, err)
	}
	occs, err := planner.Resolve(s.plannerInput(details, req.OccurrenceID, req.Scope, now))
	if err != nil {
		return nil, s.reject(actionCancel, err)
	}
	instances := activeInstances(index(details), occs)
	if _, err := s.limits.sizeRequest(instances, len(occs)); err != nil {
		return nil, s.reject(actionCancel, err)
	}

	var (
		leg    legResult
		contID string
	)
	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		current, err := s.loadForOccurrence(ctx, tx, req.FacilityCode, req.OccurrenceID)
		if err != nil {
			return err
		}
		occs, err := planner.Resolve(s.plannerInput(current, req.OccurrenceID, req.Scope, now))
		if err != nil {
			return err
		}
		instances = activeInstances(index(current), occs)
		split, err := s.limits.sizeRequest(instances, len(occs))
		if err != nil {
			return err
		}
		syncOccs, deferred := syncSet(occs, req.OccurrenceID, split)

		if req.Scope.CoversFuture() {
			first := occs[0]
			current.CancelFrom = &domain.CancelFrom{
				Date:        first.StartDate,
				Time:        first.StartTime,
				ReasonID:    reason.ID,
				CancelledAt: now,
				CancelledBy: req.Actor,
			}
			current.UpdatedAt = &now
			current.UpdatedBy = req.Actor
			if err := tx.UpdateSeries(ctx, &current.Series); err != nil {
				return err
			}
		}

		leg, err = s.applyCancel(ctx, tx, current, syncOccs, reason, req.Actor, now)
		if err != nil {
			return err
		}
		if len(deferred) == 0 {
			return nil
		}
		leg.deferred = deferred
		contID, err = s.queue.Enqueue(ctx, tx, continuation.Job{
			Kind:                 continuation.KindCancel,
			FacilityCode:         req.FacilityCode,
			SeriesID:             current.ID,
			AnchorOccurrenceID:   req.OccurrenceID,
			OccurrenceIDs:        deferred,
			Scope:                req.Scope,
			CancellationReasonID: reason.ID,
			Actor:                req.Actor,
			StartedAt:            now,
			TotalOccurrences:     len(occs),
			TotalInstances:       instances,
		}, now)
		return err
	})
	if err != nil {
		return nil, s.reject(actionCancel, err)
	}

	s.finish(ctx, commit{
		action: actionCancel,
		events: leg.events,
		entry: &audit.Entry{
			Action:        cancelAction(reason),
			Facility:      req.FacilityCode,
			SeriesID:      details.ID,
			OccurrenceIDs: leg.affected,
			Scope:         string(req.Scope),
			Actor:         req.Actor,
			InstanceCount: instances,
			StartedAt:     now,
			FinishedAt:    s.clock.Now(),
		},
		leg:       metrics.LegSync,
		instances: leg.instances,
		startedAt: now,
		enqueued:  contID != "",
	})
	s.metrics.Operation(actionCancel, "ok")
	return s.result(ctx, req.FacilityCode, details.ID, leg, contID, instances)
}

func (s *Service) applyCancel(ctx context.Context, tx *store.Tx, details *domain.SeriesDetails, occs []domain.Occurrence, reason domain.Reason, actor string, now time.Time) (legResult, error) {
	var leg legResult
	kind := notify.KindCancelled
	if reason.IsDelete {
		kind = notify.KindDeleted
	}
	idx := index(details)
	for _, o := range occs {
		od := idx[o.ID]
		if od == nil {
			continue
		}
		occ := od.Occurrence
		occ.Cancel(reason, actor, now)
		if err := tx.UpdateOccurrence(ctx, &occ); err != nil {
			return leg, err
		}
		for _, a := range od.ActiveAttendees() {
			leg.events = append(leg.events, notify.Event{Kind: kind, AttendeeID: a.ID})
		}
		leg.affected = append(leg.affected, occ.ID)
	}
	leg.instances = activeInstances(idx, occs)
	return leg, nil
}

func (s *Service) continueCancel(ctx context.Context, job continuation.Job) error {
	now := s.clock.Now()
	var (
		leg    legResult
		reason domain.Reason
	)
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		if reason, err = tx.CancellationReason(ctx, job.CancellationReasonID); err != nil {
			return err
		}
		details, err := s.loadSeries(ctx, tx, job.FacilityCode, job.SeriesID)
		if err != nil {
			return err
		}
		occs := s.pending(details, job.OccurrenceIDs, (*domain.Occurrence).IsScheduled, now)
		leg, err = s.applyCancel(ctx, tx, details, occs, reason, job.Actor, now)
		return err
	})
	if err != nil {
		return err
	}
	s.finishDeferred(ctx, actionCancel, cancelAction(reason), job, leg)
	return nil
}

// Uncancel returns cancelled occurrences to Scheduled. Deleted occurrences
// are never restored: a deleted target fails with UNCANCEL_DELETED and
// deleted siblings are left out of the range.
func (s *Service) Uncancel(ctx context.Context, req UncancelRequest) (*Result, error) {
	now := s.clock.Now()

	if err := s.authorize(ctx, req.Actor, req.FacilityCode); err != nil {
		return nil, s.reject(actionUncancel, err)
	}
	details, err := s.readSeries(ctx, req.FacilityCode, req.OccurrenceID)
	if err != nil {
		return nil, s.reject(actionUncancel, err)
	}
	occs, err := planner.ResolveCancelled(s.plannerInput(details, req.OccurrenceID, req.Scope, now))
	if err != nil {
		return nil, s.reject(actionUncancel, err)
	}
	instances := activeInstances(index(details), occs)
	if _, err := s.limits.sizeRequest(instances, len(occs)); err != nil {
		return nil, s.reject(actionUncancel, err)
	}

	var (
		leg    legResult
		contID string
	)
	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		current, err := s.loadForOccurrence(ctx, tx, req.FacilityCode, req.OccurrenceID)
		if err != nil {
			return err
		}
		occs, err := planner.ResolveCancelled(s.plannerInput(current, req.OccurrenceID, req.Scope, now))
		if err != nil {
			return err
		}
		instances = activeInstances(index(current), occs)
		split, err := s.limits.sizeRequest(instances, len(occs))
		if err != nil {
			return err
		}
		syncOccs, deferred := syncSet(occs, req.OccurrenceID, split)

		if req.Scope.CoversFuture() && current.CancelFrom != nil {
			current.CancelFrom = nil
			current.UpdatedAt = &now
			current.UpdatedBy = req.Actor
			if err := tx.UpdateSeries(ctx, &current.Series); err != nil {
				return err
			}
		}

		leg, err = s.applyUncancel(ctx, tx, current, syncOccs, req.Actor, now)
		if err != nil {
			return err
		}
		if len(deferred) == 0 {
			return nil
		}
		leg.deferred = deferred
		contID, err = s.queue.Enqueue(ctx, tx, continuation.Job{
			Kind:               continuation.KindUncancel,
			FacilityCode:       req.FacilityCode,
			SeriesID:           current.ID,
			AnchorOccurrenceID: req.OccurrenceID,
			OccurrenceIDs:      deferred,
			Scope:              req.Scope,
			Actor:              req.Actor,
			StartedAt:          now,
			TotalOccurrences:   len(occs),
			TotalInstances:     instances,
		}, now)
		return err
	})
	if err != nil {
		return nil, s.reject(actionUncancel, err)
	}

	s.finish(ctx, commit{
		action: actionUncancel,
		events: leg.events,
		entry: &audit.Entry{
			Action:        audit.ActionUncancel,
			Facility:      req.FacilityCode,
			SeriesID:      details.ID,
			OccurrenceIDs: leg.affected,
			Scope:         string(req.Scope),
			Actor:         req.Actor,
			InstanceCount: instances,
			StartedAt:     now,
			FinishedAt:    s.clock.Now(),
		},
		leg:       metrics.LegSync,
		instances: leg.instances,
		startedAt: now,
		enqueued:  contID != "",
	})
	s.metrics.Operation(actionUncancel, "ok")
	return s.result(ctx, req.FacilityCode, details.ID, leg, contID, instances)
}

func (s *Service) applyUncancel(ctx context.Context, tx *store.Tx, details *domain.SeriesDetails, occs []domain.Occurrence, actor string, now time.Time) (legResult, error) {
	var leg legResult
	idx := index(details)
	for _, o := range occs {
		od := idx[o.ID]
		if od == nil {
			continue
		}
		occ := od.Occurrence
		occ.Uncancel(actor, now)
		if err := tx.UpdateOccurrence(ctx, &occ); err != nil {
			return leg, err
		}
		for _, a := range od.ActiveAttendees() {
			leg.events = append(leg.events, notify.Event{Kind: notify.KindUncancelled, AttendeeID: a.ID})
		}
		leg.affected = append(leg.affected, occ.ID)
	}
	leg.instances = activeInstances(idx, occs)
	return leg, nil
}

func (s *Service) continueUncancel(ctx context.Context, job continuation.Job) error {
	now := s.clock.Now()
	var leg legResult
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		details, err := s.loadSeries(ctx, tx, job.FacilityCode, job.SeriesID)
		if err != nil {
			return err
		}
		occs := s.pending(details, job.OccurrenceIDs, (*domain.Occurrence).IsCancelled, now)
		leg, err = s.applyUncancel(ctx, tx, details, occs, job.Actor, now)
		return err
	})
	if err != nil {
		return err
	}
	s.finishDeferred(ctx, actionUncancel, audit.ActionUncancel, job, leg)
	return nil
}

// finishDeferred reports a deferred cancel or uncancel leg against the
// totals and start time of the original request.
func (s *Service) finishDeferred(ctx context.Context, action string, auditAction audit.Action, job continuation.Job, leg legResult) {
	s.finish(ctx, commit{
		action: action,
		events: leg.events,
		entry: &audit.Entry{
			Action:        auditAction,
			Facility:      job.FacilityCode,
			SeriesID:      job.SeriesID,
			OccurrenceIDs: leg.affected,
			Scope:         string(job.Scope),
			Actor:         job.Actor,
			InstanceCount: job.TotalInstances,
			Deferred:      true,
			StartedAt:     job.StartedAt,
			FinishedAt:    s.clock.Now(),
		},
		leg:       metrics.LegDeferred,
		instances: leg.instances,
		startedAt: job.StartedAt,
	})
}

func cancelAction(r domain.Reason) audit.Action {
	if r.IsDelete {
		return audit.ActionDelete
	}
	return audit.ActionCancel
}

// activeInstances counts the active attendees of occs.
func activeInstances(idx map[string]*domain.OccurrenceDetails, occs []domain.Occurrence) int {
	n := 0
	for _, o := range occs {
		if od := idx[o.ID]; od != nil {
			n += len(od.ActiveAttendees())
		}
	}
	return n
}
