package service

import (
	"context"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/domain"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/metrics"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/notify"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/store"
)

// AttendanceRequest records attendance outcomes on one occurrence.
type AttendanceRequest struct {
	FacilityCode string
	OccurrenceID string
	Attended     []string
	NotAttended  []string
	Actor        string
}

const actionAttendance = "attendance"

// RecordAttendance sets the outcome of active attendees. Only a scheduled
// occurrence dated today or earlier accepts attendance. Attendees whose
// outcome is already the requested one are left untouched and produce no
// notification.
func (s *Service) RecordAttendance(ctx context.Context, req AttendanceRequest) (*Result, error) {
	now := s.clock.Now()

	if err := s.authorize(ctx, req.Actor, req.FacilityCode); err != nil {
		return nil, s.reject(actionAttendance, err)
	}
	outcomes := make(map[string]domain.Attendance, len(req.Attended)+len(req.NotAttended))
	for _, n := range dedupe(req.Attended) {
		outcomes[n] = domain.AttendanceAttended
	}
	for _, n := range dedupe(req.NotAttended) {
		if _, dup := outcomes[n]; dup {
			return nil, s.reject(actionAttendance, domain.Errorf(domain.ErrCodeInvalidRequest,
				"participant %s is both attended and not attended", n).WithOccurrence(req.OccurrenceID))
		}
		outcomes[n] = domain.AttendanceNotAttended
	}
	if len(outcomes) == 0 {
		return nil, s.reject(actionAttendance, domain.Errorf(domain.ErrCodeInvalidRequest, "no attendance given"))
	}

	var (
		seriesID string
		leg      legResult
	)
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		details, err := s.loadForOccurrence(ctx, tx, req.FacilityCode, req.OccurrenceID)
		if err != nil {
			return err
		}
		seriesID = details.ID
		od := index(details)[req.OccurrenceID]
		switch {
		case od.IsDeleted():
			return domain.Errorf(domain.ErrCodeTargetDeleted, "occurrence has been deleted").WithOccurrence(od.ID)
		case od.IsCancelled():
			return domain.Errorf(domain.ErrCodeTargetCancelled, "occurrence has been cancelled").WithOccurrence(od.ID)
		case od.StartDate.After(domain.DateOf(now.In(s.loc))):
			return domain.Errorf(domain.ErrCodeInvalidRequest, "attendance cannot be recorded before the appointment date").WithOccurrence(od.ID)
		}

		active := make(map[string]*domain.Attendee)
		attendees := od.ActiveAttendees()
		for i := range attendees {
			active[attendees[i].PrisonerNumber] = &attendees[i]
		}
		var unknown []string
		for n := range outcomes {
			if active[n] == nil {
				unknown = append(unknown, n)
			}
		}
		if len(unknown) > 0 {
			return domain.UnknownParticipants(unknown).WithOccurrence(od.ID)
		}

		for i := range attendees {
			a := &attendees[i]
			outcome, ok := outcomes[a.PrisonerNumber]
			if !ok || a.Attendance == outcome {
				continue
			}
			a.Attendance = outcome
			a.AttendanceRecordedAt = &now
			a.AttendanceRecordedBy = req.Actor
			if err := tx.UpdateAttendee(ctx, a); err != nil {
				return err
			}
			leg.events = append(leg.events, notify.Event{Kind: notify.KindUpdated, AttendeeID: a.ID})
		}
		leg.affected = []string{od.ID}
		leg.instances = len(leg.events)
		return nil
	})
	if err != nil {
		return nil, s.reject(actionAttendance, err)
	}

	s.finish(ctx, commit{
		action:    actionAttendance,
		events:    leg.events,
		leg:       metrics.LegSync,
		instances: leg.instances,
		startedAt: now,
	})
	s.metrics.Operation(actionAttendance, "ok")
	return s.result(ctx, req.FacilityCode, seriesID, leg, "", len(outcomes))
}
