package service

import (
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/domain"
)

// Limits bounds the cost of a single request.
type Limits struct {
	// MaxInstances is the absolute ceiling. Requests above it are rejected
	// before any mutation.
	MaxInstances int

	// MaxSyncInstances is the synchronous ceiling. Requests above it run the
	// target occurrence now and defer the rest to a continuation.
	MaxSyncInstances int

	// MaxStartDateOffsetDays is how far into the future a start date may be set.
	MaxStartDateOffsetDays int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxInstances: 20000, MaxSyncInstances: 500, MaxStartDateOffsetDays: 370}
}

// Split is the outcome of sizing a request.
type Split int

const (
	// RunAll executes every occurrence synchronously.
	RunAll Split = iota
	// RunFirst executes only the target synchronously and defers the rest.
	RunFirst
)

// sizeRequest checks instances against the ceilings.
//
// Returns INSTANCE_CEILING_EXCEEDED over the absolute ceiling. Over the
// synchronous ceiling, a multi-occurrence request is split; a single
// occurrence cannot be split and runs synchronously.
func (l Limits) sizeRequest(instances, occurrences int) (Split, error) {
	if l.MaxInstances > 0 && instances > l.MaxInstances {
		return RunAll, domain.InstanceCeiling(instances, l.MaxInstances)
	}
	if l.MaxSyncInstances > 0 && instances > l.MaxSyncInstances && occurrences > 1 {
		return RunFirst, nil
	}
	return RunAll, nil
}
