package continuation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/domain"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/metrics"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/store"
)

// Handler executes a deferred leg in its own transaction.
type Handler interface {
	HandleContinuation(ctx context.Context, job Job) error
}

// Options tune the worker.
type Options struct {
	// Lease is how long a claimed job is reserved before the sweep returns
	// it to pending.
	Lease time.Duration

	// MaxAttempts bounds retries of a failing job.
	MaxAttempts int

	// Backoff is multiplied by the attempt number to delay the next retry.
	Backoff time.Duration

	// Poll is the fallback interval between passes when no wake arrives.
	Poll time.Duration

	// Sweep is the cron spec of the expired-lease sweep, e.g. "@every 1m".
	Sweep string
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Lease:       5 * time.Minute,
		MaxAttempts: 5,
		Backoff:     30 * time.Second,
		Poll:        10 * time.Second,
		Sweep:       "@every 1m",
	}
}

// Worker claims and executes continuation jobs.
//
// Run processes jobs one at a time; several workers may share a database
// because claims are made inside a transaction.
type Worker struct {
	store   *store.Store
	queue   *Queue
	handler Handler
	clock   domain.Clock
	opts    Options
	metrics *metrics.Metrics
	cron    *cron.Cron
}

// NewWorker creates a worker. Zero option fields take their defaults.
func NewWorker(st *store.Store, q *Queue, h Handler, clock domain.Clock, m *metrics.Metrics, opts Options) *Worker {
	def := DefaultOptions()
	if opts.Lease <= 0 {
		opts.Lease = def.Lease
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.Poll <= 0 {
		opts.Poll = def.Poll
	}
	if opts.Sweep == "" {
		opts.Sweep = def.Sweep
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Worker{
		store:   st,
		queue:   q,
		handler: h,
		clock:   clock,
		opts:    opts,
		metrics: m,
		cron:    cron.New(cron.WithSeconds()),
	}
}

// Run processes jobs until ctx is cancelled. The lease sweep runs on its
// own cron schedule for the lifetime of Run.
func (w *Worker) Run(ctx context.Context) error {
	if _, err := w.cron.AddFunc(w.opts.Sweep, func() {
		if _, err := w.Sweep(ctx); err != nil {
			slog.Error("continuation sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule continuation sweep %q: %w", w.opts.Sweep, err)
	}
	w.cron.Start()
	defer func() {
		<-w.cron.Stop().Done()
	}()

	slog.Info("continuation worker starting", "sweep", w.opts.Sweep, "lease", w.opts.Lease)

	ticker := time.NewTicker(w.opts.Poll)
	defer ticker.Stop()

	for {
		if _, err := w.Drain(ctx); err != nil && ctx.Err() == nil {
			slog.Error("continuation pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			slog.Info("continuation worker stopping: context cancelled")
			return ctx.Err()
		case <-w.queue.Wait():
		case <-ticker.C:
		}
	}
}

// Drain runs jobs until none is ready and returns how many ran.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ran, err := w.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !ran {
			return n, nil
		}
		n++
	}
}

// RunOnce claims and executes at most one ready job. It reports whether a
// job was claimed. A failing handler is not an error of RunOnce: the job is
// rescheduled or marked failed and RunOnce returns true.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	var rec *store.ContinuationRecord
	err := w.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		rec, err = tx.ClaimContinuation(ctx, w.clock.Now(), w.opts.Lease)
		return err
	})
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}

	job, err := Decode(rec.ID, rec.Payload)
	if err == nil {
		slog.Debug("continuation claimed", "id", rec.ID, "kind", rec.Kind, "attempt", rec.Attempts)
		err = w.handler.HandleContinuation(ctx, job)
	}

	now := w.clock.Now()
	if err == nil {
		w.metrics.Continuation(rec.Kind, "completed")
		slog.Info("continuation completed",
			"id", rec.ID,
			"kind", rec.Kind,
			"series", rec.SeriesID,
			"attempt", rec.Attempts,
		)
		return true, w.store.WithTx(ctx, func(tx *store.Tx) error {
			return tx.CompleteContinuation(ctx, rec.ID, now)
		})
	}

	var retryAt *time.Time
	if rec.Attempts < w.opts.MaxAttempts && retryable(err) {
		at := now.Add(time.Duration(rec.Attempts) * w.opts.Backoff)
		retryAt = &at
		w.metrics.Continuation(rec.Kind, "retried")
		slog.Warn("continuation failed, will retry",
			"id", rec.ID,
			"kind", rec.Kind,
			"attempt", rec.Attempts,
			"retry_at", at,
			"error", err,
		)
	} else {
		w.metrics.Continuation(rec.Kind, "failed")
		slog.Error("continuation failed permanently",
			"id", rec.ID,
			"kind", rec.Kind,
			"series", rec.SeriesID,
			"attempt", rec.Attempts,
			"error", err,
		)
	}
	return true, w.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.FailContinuation(ctx, rec.ID, err.Error(), now, retryAt)
	})
}

// Sweep returns jobs whose lease expired to pending.
func (w *Worker) Sweep(ctx context.Context) (int64, error) {
	var n int64
	err := w.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		n, err = tx.ReleaseExpired(ctx, w.clock.Now())
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		w.metrics.ContinuationsReleased(n)
		slog.Warn("released expired continuation leases", "count", n)
		w.queue.Wake()
	}
	return n, nil
}

// retryable reports whether err may succeed on a later attempt. Domain
// errors are deterministic against the same state, so they are not retried.
func retryable(err error) bool {
	return domain.CodeOf(err) == ""
}
