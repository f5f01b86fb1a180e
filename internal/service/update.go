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
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/recurrence"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/store"
)

// UpdateRequest edits the target occurrence and, depending on Scope, its
// siblings. Changes.AddParticipants is ignored: participants to add are
// given as numbers and resolved by the service.
type UpdateRequest struct {
	FacilityCode       string
	OccurrenceID       string
	Scope              domain.Scope
	Changes            domain.Changes
	AddPrisonerNumbers []string
	Actor              string
}

const actionEdit = "edit"

// Update applies field and participant changes.
func (s *Service) Update(ctx context.Context, req UpdateRequest) (*Result, error) {
	now := s.clock.Now()

	if err := s.authorize(ctx, req.Actor, req.FacilityCode); err != nil {
		return nil, s.reject(actionEdit, err)
	}
	changes := req.Changes
	changes.AddParticipants = nil
	changes.RemovePrisonerNumbers = dedupe(changes.RemovePrisonerNumbers)
	if changes.IsEmpty() && len(req.AddPrisonerNumbers) == 0 {
		return nil, s.reject(actionEdit, domain.Errorf(domain.ErrCodeInvalidRequest, "no changes requested"))
	}
	if changes.InCell != nil && *changes.InCell && changes.InternalLocationID != nil {
		return nil, s.reject(actionEdit, domain.Errorf(domain.ErrCodeInvalidRequest, "an in-cell appointment has no internal location"))
	}

	details, err := s.readSeries(ctx, req.FacilityCode, req.OccurrenceID)
	if err != nil {
		return nil, s.reject(actionEdit, err)
	}
	if details.Type == domain.SeriesIndividual && (len(req.AddPrisonerNumbers) > 0 || len(changes.RemovePrisonerNumbers) > 0) {
		return nil, s.reject(actionEdit, domain.Errorf(domain.ErrCodeParticipantsNotEditable,
			"participants of an individual series cannot be changed").WithSeries(details.ID))
	}

	occs, err := planner.Resolve(s.plannerInput(details, req.OccurrenceID, req.Scope, now))
	if err != nil {
		return nil, s.reject(actionEdit, err)
	}
	target := index(details)[req.OccurrenceID]
	if err := s.validateChanges(ctx, req.FacilityCode, &changes, &target.Occurrence, now); err != nil {
		return nil, s.reject(actionEdit, err)
	}
	changes.AddParticipants, err = s.resolveParticipants(ctx, req.FacilityCode, req.AddPrisonerNumbers)
	if err != nil {
		return nil, s.reject(actionEdit, err)
	}
	if changes.IsEmpty() {
		return nil, s.reject(actionEdit, domain.Errorf(domain.ErrCodeInvalidRequest, "no changes requested"))
	}

	if err := checkDateOrder(details, occs, changes.StartDate); err != nil {
		return nil, s.reject(actionEdit, err)
	}
	instances := updateInstances(index(details), occs, &changes)
	if _, err := s.limits.sizeRequest(instances, len(occs)); err != nil {
		return nil, s.reject(actionEdit, err)
	}

	before := domain.CascadingFields(&details.Series)
	var (
		leg    legResult
		after  map[string]string
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
		if err := checkDateOrder(current, occs, changes.StartDate); err != nil {
			return err
		}
		instances = updateInstances(index(current), occs, &changes)
		split, err := s.limits.sizeRequest(instances, len(occs))
		if err != nil {
			return err
		}
		syncOccs, deferred := syncSet(occs, req.OccurrenceID, split)
		firstSeq := occs[0].SequenceNumber

		if err := s.updateSeries(ctx, tx, &current.Series, occs, &changes, req.Actor, now); err != nil {
			return err
		}
		after = domain.CascadingFields(&current.Series)

		leg, err = s.applyUpdate(ctx, tx, current, syncOccs, &changes, firstSeq, req.Actor, now, nil)
		if err != nil {
			return err
		}
		if len(deferred) == 0 {
			return nil
		}
		leg.deferred = deferred
		c := changes
		contID, err = s.queue.Enqueue(ctx, tx, continuation.Job{
			Kind:               continuation.KindUpdate,
			FacilityCode:       req.FacilityCode,
			SeriesID:           current.ID,
			AnchorOccurrenceID: req.OccurrenceID,
			OccurrenceIDs:      deferred,
			Scope:              req.Scope,
			Changes:            &c,
			FirstSequence:      firstSeq,
			Actor:              req.Actor,
			StartedAt:          now,
			TotalOccurrences:   len(occs),
			TotalInstances:     instances,
		}, now)
		return err
	})
	if err != nil {
		return nil, s.reject(actionEdit, err)
	}

	s.finish(ctx, commit{
		action: actionEdit,
		events: leg.events,
		entry: &audit.Entry{
			Action:        audit.ActionEdit,
			Facility:      req.FacilityCode,
			SeriesID:      details.ID,
			OccurrenceIDs: leg.affected,
			Scope:         string(req.Scope),
			Actor:         req.Actor,
			Before:        before,
			After:         after,
			InstanceCount: instances,
			StartedAt:     now,
			FinishedAt:    s.clock.Now(),
		},
		leg:       metrics.LegSync,
		instances: leg.instances,
		startedAt: now,
		enqueued:  contID != "",
	})
	s.metrics.Operation(actionEdit, "ok")
	return s.result(ctx, req.FacilityCode, details.ID, leg, contID, instances)
}

// validateChanges checks the field changes against the target occurrence.
func (s *Service) validateChanges(ctx context.Context, facility string, c *domain.Changes, target *domain.Occurrence, now time.Time) error {
	if c.CategoryCode != nil && *c.CategoryCode == "" {
		return domain.Errorf(domain.ErrCodeInvalidRequest, "category cannot be cleared")
	}
	if c.InCell != nil && !*c.InCell && c.InternalLocationID == nil {
		return domain.Errorf(domain.ErrCodeInvalidRequest, "leaving in-cell requires an internal location")
	}
	if c.StartDate != nil {
		if err := s.checkStartDate(*c.StartDate, now); err != nil {
			return err
		}
		d := domain.DateOf(*c.StartDate)
		c.StartDate = &d
	}
	start, end := target.StartTime, target.EndTime
	if c.StartTime != nil {
		start = *c.StartTime
	}
	if c.EndTime != nil {
		end = c.EndTime
	}
	if err := checkTimes(start, end); err != nil {
		return err
	}
	return s.checkReferences(ctx, facility, c.CategoryCode, c.InternalLocationID)
}

// checkDateOrder rejects a start date change that would date a sequence on
// or before the sequence preceding it. Occurrences outside occs keep their
// stored dates.
func checkDateOrder(details *domain.SeriesDetails, occs []domain.Occurrence, start *time.Time) error {
	if start == nil || len(occs) == 0 {
		return nil
	}
	firstSeq := occs[0].SequenceNumber
	moved := make(map[string]time.Time, len(occs))
	for _, o := range occs {
		d, err := recurrence.DateAt(*start, details.Frequency, o.SequenceNumber-firstSeq+1)
		if err != nil {
			return err
		}
		moved[o.ID] = d
	}

	var prev *domain.Occurrence
	var prevDate time.Time
	for i := range details.Occurrences {
		o := &details.Occurrences[i].Occurrence
		d, ok := moved[o.ID]
		if !ok {
			d = o.StartDate
		}
		if prev != nil && !d.After(prevDate) {
			return domain.Errorf(domain.ErrCodeInvalidRequest,
				"start date would place sequence %d on %s, not after sequence %d on %s",
				o.SequenceNumber, d.Format(time.DateOnly), prev.SequenceNumber, prevDate.Format(time.DateOnly)).
				WithSeries(details.ID)
		}
		prev, prevDate = o, d
	}
	return nil
}

// updateInstances counts the attendee instances an update touches.
// Attendees of an occurrence count only when its fields change; every add
// and remove counts once per occurrence.
func updateInstances(idx map[string]*domain.OccurrenceDetails, occs []domain.Occurrence, c *domain.Changes) int {
	n := 0
	for _, o := range occs {
		if c.HasFieldChanges() {
			if od := idx[o.ID]; od != nil {
				n += len(od.ActiveAttendees())
			}
		}
		n += len(c.AddParticipants) + len(c.RemovePrisonerNumbers)
	}
	return n
}

// updateSeries writes field changes to the series copy so occurrences
// materialized later inherit them. The anchor date moves only when
// sequence 1 is part of the update.
func (s *Service) updateSeries(ctx context.Context, tx *store.Tx, series *domain.Series, occs []domain.Occurrence, c *domain.Changes, actor string, now time.Time) error {
	if !c.HasFieldChanges() {
		return nil
	}
	c.ApplyDetails(&series.Details)
	if c.StartDate != nil && occs[0].SequenceNumber == 1 {
		series.StartDate = *c.StartDate
	}
	series.UpdatedAt = &now
	series.UpdatedBy = actor
	return tx.UpdateSeries(ctx, series)
}

// applyUpdate mutates occs and reconciles the resulting notifications.
//
// An attendee created and removed in the same leg produces no event. A
// created attendee produces Created, a removed one Deleted or Cancelled by
// the removal reason, and every other active attendee of an occurrence whose
// fields changed produces Updated.
//
// A deferred leg passes the start of the original request as since. A
// participant both added and removed is then not added again when this actor
// already removed them at or after since, so a re-run leaves no extra row.
func (s *Service) applyUpdate(ctx context.Context, tx *store.Tx, details *domain.SeriesDetails, occs []domain.Occurrence, c *domain.Changes, firstSeq int, actor string, now time.Time, since *time.Time) (legResult, error) {
	var leg legResult
	idx := index(details)
	fields := c.HasFieldChanges()

	removeSet := make(map[string]bool, len(c.RemovePrisonerNumbers))
	for _, n := range c.RemovePrisonerNumbers {
		removeSet[n] = true
	}
	var removal domain.Reason
	if len(removeSet) > 0 {
		var err error
		if removal, err = tx.RemovalReason(ctx, domain.RemovalPermanentByUser); err != nil {
			return leg, err
		}
	}
	removedKind := notify.KindCancelled
	if removal.IsDelete {
		removedKind = notify.KindDeleted
	}

	for _, o := range occs {
		od := idx[o.ID]
		if od == nil {
			continue
		}
		occ := od.Occurrence

		if fields {
			c.ApplyDetails(&occ.Details)
			if c.StartDate != nil {
				d, err := recurrence.DateAt(*c.StartDate, details.Frequency, occ.SequenceNumber-firstSeq+1)
				if err != nil {
					return leg, err
				}
				occ.StartDate = d
			}
			occ.Edited = true
			occ.UpdatedAt = &now
			occ.UpdatedBy = actor
			if err := tx.UpdateOccurrence(ctx, &occ); err != nil {
				return leg, err
			}
		}

		var created []string
		createdSet := make(map[string]bool)
		for _, p := range c.AddParticipants {
			if since != nil && removeSet[p.PrisonerNumber] && removedSince(od.Attendees, p.PrisonerNumber, actor, *since) {
				continue
			}
			a := &domain.Attendee{
				ID:             s.ids.NewID(),
				OccurrenceID:   occ.ID,
				PrisonerNumber: p.PrisonerNumber,
				BookingID:      p.BookingID,
				AddedAt:        now,
				AddedBy:        actor,
			}
			inserted, err := tx.InsertAttendee(ctx, a)
			if err != nil {
				return leg, err
			}
			if inserted {
				created = append(created, a.ID)
				createdSet[a.ID] = true
			}
		}

		attendees := od.Attendees
		if len(created) > 0 || len(removeSet) > 0 {
			var err error
			if attendees, err = tx.ListAttendees(ctx, occ.ID); err != nil {
				return leg, err
			}
		}
		var removed []string
		removedSet := make(map[string]bool)
		for i := range attendees {
			a := &attendees[i]
			if !a.IsActive() || !removeSet[a.PrisonerNumber] {
				continue
			}
			a.Remove(removal, actor, now)
			if err := tx.UpdateAttendee(ctx, a); err != nil {
				return leg, err
			}
			removed = append(removed, a.ID)
			removedSet[a.ID] = true
		}

		for _, id := range created {
			if !removedSet[id] {
				leg.events = append(leg.events, notify.Event{Kind: notify.KindCreated, AttendeeID: id})
			}
		}
		for _, id := range removed {
			if !createdSet[id] {
				leg.events = append(leg.events, notify.Event{Kind: removedKind, AttendeeID: id})
			}
		}
		if fields {
			for _, a := range attendees {
				if a.IsActive() && !createdSet[a.ID] {
					leg.events = append(leg.events, notify.Event{Kind: notify.KindUpdated, AttendeeID: a.ID})
				}
			}
		}
		leg.affected = append(leg.affected, occ.ID)
	}
	leg.instances = updateInstances(idx, occs, c)
	return leg, nil
}

// removedSince reports whether actor removed number at or after since.
// Stored timestamps carry milliseconds.
func removedSince(attendees []domain.Attendee, number, actor string, since time.Time) bool {
	since = since.Truncate(time.Millisecond)
	for i := range attendees {
		a := &attendees[i]
		if a.PrisonerNumber == number && !a.IsActive() && a.RemovedBy == actor && !a.RemovedAt.Before(since) {
			return true
		}
	}
	return false
}

// continueUpdate applies a deferred update leg. Occurrences that stopped
// being eligible since the synchronous leg are skipped.
func (s *Service) continueUpdate(ctx context.Context, job continuation.Job) error {
	if job.Changes == nil {
		return domain.Errorf(domain.ErrCodeInvalidRequest, "update continuation without changes").WithSeries(job.SeriesID)
	}
	now := s.clock.Now()
	var (
		leg    legResult
		fields map[string]string
	)
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		details, err := s.loadSeries(ctx, tx, job.FacilityCode, job.SeriesID)
		if err != nil {
			return err
		}
		fields = domain.CascadingFields(&details.Series)
		occs := s.pending(details, job.OccurrenceIDs, (*domain.Occurrence).IsScheduled, now)
		leg, err = s.applyUpdate(ctx, tx, details, occs, job.Changes, job.FirstSequence, job.Actor, now, &job.StartedAt)
		return err
	})
	if err != nil {
		return err
	}

	s.finish(ctx, commit{
		action: actionEdit,
		events: leg.events,
		entry: &audit.Entry{
			Action:        audit.ActionEdit,
			Facility:      job.FacilityCode,
			SeriesID:      job.SeriesID,
			OccurrenceIDs: leg.affected,
			Scope:         string(job.Scope),
			Actor:         job.Actor,
			Before:        fields,
			After:         fields,
			InstanceCount: job.TotalInstances,
			Deferred:      true,
			StartedAt:     job.StartedAt,
			FinishedAt:    s.clock.Now(),
		},
		leg:       metrics.LegDeferred,
		instances: leg.instances,
		startedAt: job.StartedAt,
	})
	return nil
}
