// Package metrics exposes Prometheus collectors for appointment operations.
//
// A nil *Metrics is valid and records nothing, so callers never need to
// guard individual calls.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "appointments"

// Metrics groups the collectors recorded by the services, the notifier and
// the continuation worker.
type Metrics struct {
	operations    *prometheus.CounterVec
	instances     *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	notifications *prometheus.CounterVec
	continuations *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Logical operations by action and outcome.",
		}, []string{"action", "outcome"}),
		instances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_total",
			Help:      "Attendee instances affected by action and leg.",
		}, []string{"action", "leg"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Elapsed time from the original request to the end of each leg.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"action", "leg"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Change notifications by kind and delivery result.",
		}, []string{"kind", "result"}),
		continuations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "continuations_total",
			Help:      "Continuation lifecycle events.",
		}, []string{"kind", "event"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.instances, m.duration, m.notifications, m.continuations)
	}
	return m
}

// Leg labels.
const (
	LegSync     = "sync"
	LegDeferred = "deferred"
)

// Operation records the outcome of a logical operation.
func (m *Metrics) Operation(action, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(action, outcome).Inc()
}

// Leg records the instances handled by one leg and the elapsed time since
// the original request started.
func (m *Metrics) Leg(action, leg string, instances int, startedAt, now time.Time) {
	if m == nil {
		return
	}
	m.instances.WithLabelValues(action, leg).Add(float64(instances))
	m.duration.WithLabelValues(action, leg).Observe(now.Sub(startedAt).Seconds())
}

// Notification records one delivery attempt.
func (m *Metrics) Notification(kind string, err error) {
	if m == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "failed"
	}
	m.notifications.WithLabelValues(kind, result).Inc()
}

// Continuation records a continuation event such as enqueued, completed,
// retried, failed or released.
func (m *Metrics) Continuation(kind, event string) {
	if m == nil {
		return
	}
	m.continuations.WithLabelValues(kind, event).Inc()
}

// ContinuationsReleased records jobs returned to pending by the lease sweep.
func (m *Metrics) ContinuationsReleased(n int64) {
	if m == nil {
		return
	}
	m.continuations.WithLabelValues("any", "released").Add(float64(n))
}
