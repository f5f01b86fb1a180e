// Package lookup defines the external collaborators consulted on the
// synchronous leg of a request, together with in-memory implementations
// used by the CLI and tests.
package lookup

import (
	"context"
	"fmt"
	"sync"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/domain"
)

// Prisoner is a resolved participant identity.
type Prisoner struct {
	Number    string
	BookingID int64
	Facility  string
}

// PrisonerLookup resolves participant identifiers in batch. Numbers the
// lookup does not know are simply absent from the returned map.
type PrisonerLookup interface {
	FindPrisoners(ctx context.Context, facility string, numbers []string) (map[string]Prisoner, error)
}

// ReferenceLookup resolves category and location identifiers to display text.
// Unknown identifiers return an UNKNOWN_REFERENCE domain error.
type ReferenceLookup interface {
	Category(ctx context.Context, code string) (string, error)
	Location(ctx context.Context, facility string, id int64) (string, error)
}

// Authorizer checks that an actor may act on a facility. Denial returns a
// FORBIDDEN domain error.
type Authorizer interface {
	Authorize(ctx context.Context, actor, facility string) error
}

// Static is an in-memory PrisonerLookup, ReferenceLookup and Authorizer.
//
// Thread-safety: safe for concurrent use via internal mutex.
type Static struct {
	mu         sync.RWMutex
	prisoners  map[string]Prisoner
	categories map[string]string
	locations  map[string]map[int64]string
	actors     map[string]map[string]bool
}

// NewStatic creates an empty lookup. An actor with no grants is allowed
// everywhere until the first Grant call for that actor.
func NewStatic() *Static {
	return &Static{
		prisoners:  make(map[string]Prisoner),
		categories: make(map[string]string),
		locations:  make(map[string]map[int64]string),
		actors:     make(map[string]map[string]bool),
	}
}

// AddPrisoner registers a participant.
func (s *Static) AddPrisoner(p Prisoner) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prisoners[p.Number] = p
	return s
}

// AddCategory registers a category code.
func (s *Static) AddCategory(code, description string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories[code] = description
	return s
}

// AddLocation registers an internal location at a facility.
func (s *Static) AddLocation(facility string, id int64, description string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locations[facility] == nil {
		s.locations[facility] = make(map[int64]string)
	}
	s.locations[facility][id] = description
	return s
}

// Grant restricts actor to the listed facilities.
func (s *Static) Grant(actor string, facilities ...string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actors[actor] == nil {
		s.actors[actor] = make(map[string]bool)
	}
	for _, f := range facilities {
		s.actors[actor][f] = true
	}
	return s
}

// FindPrisoners implements PrisonerLookup. Prisoners registered with a
// different facility are treated as unknown.
func (s *Static) FindPrisoners(_ context.Context, facility string, numbers []string) (map[string]Prisoner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := make(map[string]Prisoner, len(numbers))
	for _, n := range numbers {
		p, ok := s.prisoners[n]
		if !ok || (p.Facility != "" && p.Facility != facility) {
			continue
		}
		found[n] = p
	}
	return found, nil
}

// Category implements ReferenceLookup.
func (s *Static) Category(_ context.Context, code string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.categories[code]
	if !ok {
		return "", domain.Errorf(domain.ErrCodeUnknownReference, "unknown category %q", code)
	}
	return d, nil
}

// Location implements ReferenceLookup.
func (s *Static) Location(_ context.Context, facility string, id int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.locations[facility][id]
	if !ok {
		return "", domain.Errorf(domain.ErrCodeUnknownReference, "unknown location %d at %s", id, facility)
	}
	return d, nil
}

// Authorize implements Authorizer.
func (s *Static) Authorize(_ context.Context, actor, facility string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	grants, ok := s.actors[actor]
	if !ok || grants[facility] {
		return nil
	}
	return domain.Errorf(domain.ErrCodeForbidden, "%s may not act on %s", actor, facility)
}

// Missing returns the numbers absent from found, in request order.
func Missing(numbers []string, found map[string]Prisoner) []string {
	var missing []string
	for _, n := range numbers {
		if _, ok := found[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}

// String implements fmt.Stringer for log output.
func (p Prisoner) String() string {
	return fmt.Sprintf("%s/%d", p.Number, p.BookingID)
}
