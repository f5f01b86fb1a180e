package domain

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator produces record identifiers.
// Implemented by UUIDv7Generator (production) and SequenceGenerator (tests).
type IDGenerator interface {
	NewID() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers, so records
// created later sort after earlier ones.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// NewID returns a new hyphenated UUIDv7.
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// SequenceGenerator returns "<prefix>-0001", "<prefix>-0002", ... for
// deterministic tests and golden output.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	next   int
}

// NewSequenceGenerator creates a generator with the given prefix.
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &SequenceGenerator{prefix: prefix}
}

// NewID returns the next identifier in sequence.
func (g *SequenceGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s-%04d", g.prefix, g.next)
}
