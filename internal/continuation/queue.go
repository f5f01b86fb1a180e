package continuation

import (
	"context"
	"log/slog"
	"time"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/metrics"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/store"
)

// Queue persists jobs and wakes the worker.
//
// The signal channel is buffered with size 1 so several wakes between two
// worker passes coalesce into one.
type Queue struct {
	metrics *metrics.Metrics
	signal  chan struct{}
}

// NewQueue creates a queue. m may be nil.
func NewQueue(m *metrics.Metrics) *Queue {
	return &Queue{metrics: m, signal: make(chan struct{}, 1)}
}

// Enqueue writes job inside the caller's transaction and returns its id.
// Re-enqueueing an identical payload is a no-op.
func (q *Queue) Enqueue(ctx context.Context, tx *store.Tx, job Job, now time.Time) (string, error) {
	id, payload, err := job.Encode()
	if err != nil {
		return "", err
	}
	inserted, err := tx.InsertContinuation(ctx, store.ContinuationRecord{
		ID:          id,
		Kind:        string(job.Kind),
		SeriesID:    job.SeriesID,
		Payload:     payload,
		AvailableAt: now,
		CreatedAt:   now,
	})
	if err != nil {
		return "", err
	}
	if inserted {
		q.metrics.Continuation(string(job.Kind), "enqueued")
		slog.Debug("continuation enqueued",
			"id", id,
			"kind", job.Kind,
			"series", job.SeriesID,
			"occurrences", len(job.OccurrenceIDs),
		)
	}
	return id, nil
}

// Wake signals the worker that work may be available. Call it after the
// enqueueing transaction commits.
// Non-blocking: a pending signal absorbs further wakes.
func (q *Queue) Wake() {
	if q == nil {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Wait returns a channel that signals when work may be available.
// Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    // claim
//	}
func (q *Queue) Wait() <-chan struct{} {
	return q.signal
}
