package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/continuation"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/domain"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/notify"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/planner"
)

// legResult is what one leg mutated and must report after commit.
type legResult struct {
	affected  []string
	deferred  []string
	events    []notify.Event
	instances int
}

func (s *Service) plannerInput(details *domain.SeriesDetails, targetID string, scope domain.Scope, now time.Time) planner.Input {
	return planner.Input{
		Occurrences: plainOccurrences(details),
		TargetID:    targetID,
		Scope:       scope,
		Now:         now,
		Location:    s.loc,
	}
}

// syncSet splits resolved occurrences into the synchronous leg and the ids
// deferred to a continuation.
func syncSet(occs []domain.Occurrence, targetID string, split Split) ([]domain.Occurrence, []string) {
	if split == RunAll {
		return occs, nil
	}
	var (
		target   []domain.Occurrence
		deferred []string
	)
	for _, o := range occs {
		if o.ID == targetID {
			target = append(target, o)
			continue
		}
		deferred = append(deferred, o.ID)
	}
	return target, deferred
}

// pending returns the occurrences of a deferred leg that are still eligible
// and not started, in job order.
func (s *Service) pending(details *domain.SeriesDetails, ids []string, eligible func(*domain.Occurrence) bool, now time.Time) []domain.Occurrence {
	idx := index(details)
	var occs []domain.Occurrence
	for _, id := range ids {
		od := idx[id]
		if od == nil || !eligible(&od.Occurrence) || od.Start(s.loc).Before(now) {
			continue
		}
		occs = append(occs, od.Occurrence)
	}
	return occs
}

// result re-reads the series after commit.
func (s *Service) result(ctx context.Context, facility, seriesID string, leg legResult, contID string, instances int) (*Result, error) {
	series, err := s.GetSeries(ctx, facility, seriesID)
	if err != nil {
		return nil, fmt.Errorf("read series after commit: %w", err)
	}
	return &Result{
		Series:         series,
		Affected:       leg.affected,
		Deferred:       leg.deferred,
		ContinuationID: contID,
		Instances:      instances,
		Notifications:  len(leg.events),
	}, nil
}

// HandleContinuation runs a deferred leg. It is the continuation.Handler of
// the worker.
func (s *Service) HandleContinuation(ctx context.Context, job continuation.Job) error {
	switch job.Kind {
	case continuation.KindCreate:
		return s.continueCreate(ctx, job)
	case continuation.KindUpdate:
		return s.continueUpdate(ctx, job)
	case continuation.KindCancel:
		return s.continueCancel(ctx, job)
	case continuation.KindUncancel:
		return s.continueUncancel(ctx, job)
	}
	return domain.Errorf(domain.ErrCodeInvalidRequest, "unknown continuation kind %q", job.Kind)
}
