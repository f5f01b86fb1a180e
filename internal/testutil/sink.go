package testutil

import (
	"context"
	"sync"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/notify"
)

// RecordingSink captures every notification it is sent.
//
// When Err is set, Send records the event and then returns Err, which lets
// tests check that delivery failures never affect committed state.
//
// Thread-safety: safe for concurrent use via internal mutex.
type RecordingSink struct {
	mu     sync.Mutex
	events []notify.Event
	Err    error
}

// Send implements notify.Sink.
func (s *RecordingSink) Send(_ context.Context, e notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.Err
}

// Events returns a copy of the captured events.
func (s *RecordingSink) Events() []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Event(nil), s.events...)
}

// Count returns how many events of the given kind were captured.
func (s *RecordingSink) Count(kind notify.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Reset discards captured events.
func (s *RecordingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}
