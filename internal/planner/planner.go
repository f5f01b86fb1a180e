// Package planner resolves an apply-to scope against a series into the
// concrete set of occurrences a mutation touches.
//
// Preconditions on the target are checked before any set is produced, so a
// rejected request never yields a partial resolution.
package planner

import (
	"sort"
	"time"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/domain"
)

// Input is the series state and request a resolution runs against.
type Input struct {
	Occurrences []domain.Occurrence
	TargetID    string
	Scope       domain.Scope
	Now         time.Time
	Location    *time.Location
}

// Resolve returns the scheduled occurrences an update or cancel applies to,
// ordered by sequence number. The target must be scheduled and not started.
func Resolve(in Input) ([]domain.Occurrence, error) {
	target, err := in.target()
	if err != nil {
		return nil, err
	}
	switch {
	case target.IsDeleted():
		return nil, domain.Errorf(domain.ErrCodeTargetDeleted, "occurrence has been deleted").WithOccurrence(target.ID)
	case target.IsCancelled():
		return nil, domain.Errorf(domain.ErrCodeTargetCancelled, "occurrence has been cancelled").WithOccurrence(target.ID)
	case in.past(target):
		return nil, domain.Errorf(domain.ErrCodeTargetInPast, "occurrence has already started").WithOccurrence(target.ID)
	}
	return in.collect(target, (*domain.Occurrence).IsScheduled), nil
}

// ResolveCancelled returns the cancelled occurrences an uncancel applies to,
// ordered by sequence number. The target must be cancelled with a
// non-deletion reason and not started. Deleted occurrences are never part of
// the result.
func ResolveCancelled(in Input) ([]domain.Occurrence, error) {
	target, err := in.target()
	if err != nil {
		return nil, err
	}
	switch {
	case target.IsDeleted():
		return nil, domain.Errorf(domain.ErrCodeUncancelDeleted, "occurrence was deleted and cannot be uncancelled").WithOccurrence(target.ID)
	case target.IsScheduled():
		return nil, domain.Errorf(domain.ErrCodeTargetNotCancelled, "occurrence is not cancelled").WithOccurrence(target.ID)
	case in.past(target):
		return nil, domain.Errorf(domain.ErrCodeTargetInPast, "occurrence has already started").WithOccurrence(target.ID)
	}
	return in.collect(target, (*domain.Occurrence).IsCancelled), nil
}

func (in Input) target() (*domain.Occurrence, error) {
	if !in.Scope.Valid() {
		return nil, domain.Errorf(domain.ErrCodeInvalidRequest, "unknown scope %q", in.Scope)
	}
	for i := range in.Occurrences {
		if in.Occurrences[i].ID == in.TargetID {
			return &in.Occurrences[i], nil
		}
	}
	return nil, domain.NotFound("occurrence", in.TargetID).WithOccurrence(in.TargetID)
}

func (in Input) past(o *domain.Occurrence) bool {
	return o.Start(in.loc()).Before(in.Now)
}

func (in Input) loc() *time.Location {
	if in.Location == nil {
		return time.UTC
	}
	return in.Location
}

// collect applies the scope. eligible selects the occurrences other than the
// target that may join the set.
func (in Input) collect(target *domain.Occurrence, eligible func(*domain.Occurrence) bool) []domain.Occurrence {
	if in.Scope == domain.ScopeThisOnly {
		return []domain.Occurrence{*target}
	}

	targetStart := target.Start(in.loc())
	result := []domain.Occurrence{*target}
	for i := range in.Occurrences {
		o := &in.Occurrences[i]
		if o.ID == target.ID || !eligible(o) || in.past(o) {
			continue
		}
		if in.Scope == domain.ScopeThisAndAllFuture && !o.Start(in.loc()).After(targetStart) {
			continue
		}
		result = append(result, *o)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].SequenceNumber < result[j].SequenceNumber
	})
	return result
}
