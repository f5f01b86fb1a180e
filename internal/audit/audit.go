// Package audit records appointment transitions for an external audit log.
package audit

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Action is the audited transition.
type Action string

const (
	ActionCreate   Action = "create"
	ActionEdit     Action = "edit"
	ActionCancel   Action = "cancel"
	ActionDelete   Action = "delete"
	ActionUncancel Action = "uncancel"
)

// Entry describes one leg of a logical operation.
type Entry struct {
	Action        Action
	Facility      string
	SeriesID      string
	OccurrenceIDs []string
	Scope         string
	Actor         string

	// Before and After hold the cascading series fields.
	Before map[string]string
	After  map[string]string

	// InstanceCount is the total for the whole logical operation, not just
	// this leg.
	InstanceCount int
	Deferred      bool
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Recorder persists audit entries. Failures are reported to the caller,
// which logs them and carries on.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// SlogRecorder writes entries as structured log records.
type SlogRecorder struct {
	Logger *slog.Logger
}

// Record implements Recorder.
func (r SlogRecorder) Record(ctx context.Context, e Entry) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "audit",
		"action", e.Action,
		"facility", e.Facility,
		"series", e.SeriesID,
		"occurrences", len(e.OccurrenceIDs),
		"scope", e.Scope,
		"actor", e.Actor,
		"changed", Changed(e.Before, e.After),
		"instances", e.InstanceCount,
		"deferred", e.Deferred,
		"elapsed", e.FinishedAt.Sub(e.StartedAt),
	)
	return nil
}

// Memory keeps entries in memory.
//
// Thread-safety: safe for concurrent use via internal mutex.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// Record implements Recorder.
func (m *Memory) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns a copy of the recorded entries.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Changed returns the sorted names of fields whose value differs.
func Changed(before, after map[string]string) []string {
	var keys []string
	for k, v := range after {
		if before[k] != v {
			keys = append(keys, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
