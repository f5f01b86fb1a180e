// Package notify delivers per-attendee change notifications to the external
// synchroniser after the owning state change has committed.
//
// Delivery is best-effort: a failed send is logged and counted, never
// returned, so it cannot unwind the committed change. Consumers must treat
// each (attendee id, kind) pair idempotently.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/metrics"
)

// Kind is the change being reported for an attendee.
type Kind string

const (
	KindCreated     Kind = "appointments.appointment-instance.created"
	KindUpdated     Kind = "appointments.appointment-instance.updated"
	KindCancelled   Kind = "appointments.appointment-instance.cancelled"
	KindDeleted     Kind = "appointments.appointment-instance.deleted"
	KindUncancelled Kind = "appointments.appointment-instance.uncancelled"
)

// Short returns the last segment of the kind, used as a metric label.
func (k Kind) Short() string {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == '.' {
			return string(k[i+1:])
		}
	}
	return string(k)
}

// Event is one notification.
type Event struct {
	Kind       Kind   `json:"kind"`
	AttendeeID string `json:"attendee_id"`
}

// Sink sends events to the external synchroniser.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Notifier paces and delivers events to a Sink.
type Notifier struct {
	sink    Sink
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithRate paces delivery at rps events per second with the given burst.
// A non-positive rps disables pacing.
func WithRate(rps float64, burst int) Option {
	return func(n *Notifier) {
		if rps <= 0 {
			n.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithMetrics records one counter sample per delivery attempt.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// WithLogger sets the logger used for delivery failures.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// New creates a Notifier delivering to sink.
func New(sink Sink, opts ...Option) *Notifier {
	n := &Notifier{sink: sink, logger: slog.Default()}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Emit delivers every event in order. Failures are logged per event and
// delivery continues with the next one.
func (n *Notifier) Emit(ctx context.Context, events []Event) {
	if n == nil || n.sink == nil {
		return
	}
	for i, e := range events {
		if n.limiter != nil {
			if err := n.limiter.Wait(ctx); err != nil {
				n.logger.Warn("notification pacing interrupted",
					"remaining", len(events)-i,
					"error", err,
				)
				return
			}
		}
		err := n.sink.Send(ctx, e)
		n.metrics.Notification(e.Kind.Short(), err)
		if err != nil {
			n.logger.Warn("notification delivery failed",
				"kind", e.Kind,
				"attendee", e.AttendeeID,
				"error", err,
			)
		}
	}
}

// LogSink writes each event as a log record.
type LogSink struct {
	Logger *slog.Logger
}

// Send implements Sink.
func (s LogSink) Send(ctx context.Context, e Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification", "kind", e.Kind, "attendee", e.AttendeeID)
	return nil
}

// WriterSink writes each event as one JSON line.
//
// Thread-safety: safe for concurrent use via internal mutex.
type WriterSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriterSink creates a sink writing JSON lines to w.
func NewWriterSink(w io.Writer) *WriterSink {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &WriterSink{enc: enc}
}

// Send implements Sink.
func (s *WriterSink) Send(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(e); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// Fanout sends every event to each sink. A failing sink does not stop the
// others; their errors are joined.
type Fanout []Sink

// Send implements Sink.
func (f Fanout) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
