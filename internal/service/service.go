// Package service implements the appointment domain services: create,
// update, cancel, uncancel and attendance, plus the continuation handler
// that replays deferred legs through the same code paths.
//
// Every entry point follows the same shape:
//
//  1. Read the series and run external lookups outside the write
//     transaction.
//  2. Size the request and decide whether to split it.
//  3. Re-read, re-resolve and mutate inside one store transaction; enqueue
//     a continuation in that same transaction when split.
//  4. After commit, emit notifications, write the audit entry and wake
//     the continuation worker. Failures in this step are logged only.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/audit"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/continuation"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/domain"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/lookup"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/materialize"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/metrics"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/notify"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/store"
)

// Deps are the collaborators of a Service. Store, Prisoners and Queue are
// required; the rest have no-op or system defaults.
type Deps struct {
	Store      *store.Store
	Prisoners  lookup.PrisonerLookup
	References lookup.ReferenceLookup
	Authorizer lookup.Authorizer
	Notifier   *notify.Notifier
	Audit      audit.Recorder
	Queue      *continuation.Queue
	Metrics    *metrics.Metrics
	IDs        domain.IDGenerator
	Clock      domain.Clock
	Location   *time.Location
	Limits     Limits
}

// Service executes appointment operations.
type Service struct {
	store        *store.Store
	prisoners    lookup.PrisonerLookup
	references   lookup.ReferenceLookup
	authorizer   lookup.Authorizer
	notifier     *notify.Notifier
	audit        audit.Recorder
	queue        *continuation.Queue
	metrics      *metrics.Metrics
	ids          domain.IDGenerator
	clock        domain.Clock
	loc          *time.Location
	limits       Limits
	materializer *materialize.Materializer
}

// New creates a Service.
func New(d Deps) *Service {
	s := &Service{
		store:      d.Store,
		prisoners:  d.Prisoners,
		references: d.References,
		authorizer: d.Authorizer,
		notifier:   d.Notifier,
		audit:      d.Audit,
		queue:      d.Queue,
		metrics:    d.Metrics,
		ids:        d.IDs,
		clock:      d.Clock,
		loc:        d.Location,
		limits:     d.Limits,
	}
	if s.ids == nil {
		s.ids = domain.UUIDv7Generator{}
	}
	if s.clock == nil {
		s.clock = domain.SystemClock{}
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.queue == nil {
		s.queue = continuation.NewQueue(d.Metrics)
	}
	if s.limits == (Limits{}) {
		s.limits = DefaultLimits()
	}
	s.materializer = materialize.New(s.ids, s.loc)
	return s
}

// Result describes the synchronous leg of an operation.
type Result struct {
	// Series is re-read after commit.
	Series *domain.SeriesDetails

	// Affected lists occurrences mutated in this leg.
	Affected []string

	// Deferred lists occurrences handed to a continuation. A split create
	// leaves it empty because the remaining occurrences do not exist yet.
	Deferred []string

	// ContinuationID is set when the operation was split.
	ContinuationID string

	// Instances is the instance count of the whole logical operation.
	Instances int

	// Notifications is the number of events emitted after commit.
	Notifications int
}

// GetSeries returns a freshly read series with occurrences and attendees.
func (s *Service) GetSeries(ctx context.Context, facility, seriesID string) (*domain.SeriesDetails, error) {
	var details *domain.SeriesDetails
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		details, err = s.loadSeries(ctx, tx, facility, seriesID)
		return err
	})
	return details, err
}

// authorize checks actor and facility. Both are always passed explicitly.
func (s *Service) authorize(ctx context.Context, actor, facility string) error {
	if actor == "" {
		return domain.Errorf(domain.ErrCodeInvalidRequest, "actor is required")
	}
	if facility == "" {
		return domain.Errorf(domain.ErrCodeInvalidRequest, "facility is required")
	}
	if s.authorizer == nil {
		return nil
	}
	return s.authorizer.Authorize(ctx, actor, facility)
}

// loadSeries reads a series and hides series of other facilities.
func (s *Service) loadSeries(ctx context.Context, tx *store.Tx, facility, seriesID string) (*domain.SeriesDetails, error) {
	details, err := tx.SeriesDetails(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	if details.FacilityCode != facility {
		return nil, domain.NotFound("series", seriesID).WithSeries(seriesID)
	}
	return details, nil
}

// loadForOccurrence reads the series owning an occurrence.
func (s *Service) loadForOccurrence(ctx context.Context, tx *store.Tx, facility, occurrenceID string) (*domain.SeriesDetails, error) {
	o, err := tx.GetOccurrence(ctx, occurrenceID)
	if err != nil {
		return nil, err
	}
	details, err := s.loadSeries(ctx, tx, facility, o.SeriesID)
	if err != nil {
		if domain.CodeOf(err) == domain.ErrCodeNotFound {
			return nil, domain.NotFound("occurrence", occurrenceID).WithOccurrence(occurrenceID)
		}
		return nil, err
	}
	return details, nil
}

// readSeries runs loadForOccurrence in its own read transaction.
func (s *Service) readSeries(ctx context.Context, facility, occurrenceID string) (*domain.SeriesDetails, error) {
	var details *domain.SeriesDetails
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		details, err = s.loadForOccurrence(ctx, tx, facility, occurrenceID)
		return err
	})
	return details, err
}

// resolveParticipants looks up numbers and rejects the request listing every
// unknown one.
func (s *Service) resolveParticipants(ctx context.Context, facility string, numbers []string) ([]domain.Participant, error) {
	if len(numbers) == 0 {
		return nil, nil
	}
	numbers = dedupe(numbers)
	found, err := s.prisoners.FindPrisoners(ctx, facility, numbers)
	if err != nil {
		return nil, fmt.Errorf("find prisoners: %w", err)
	}
	if missing := lookup.Missing(numbers, found); len(missing) > 0 {
		return nil, domain.UnknownParticipants(missing)
	}
	participants := make([]domain.Participant, len(numbers))
	for i, n := range numbers {
		participants[i] = domain.Participant{PrisonerNumber: n, BookingID: found[n].BookingID}
	}
	return participants, nil
}

// checkReferences validates category and location against the reference lookup.
func (s *Service) checkReferences(ctx context.Context, facility string, category *string, location *int64) error {
	if s.references == nil {
		return nil
	}
	if category != nil {
		if _, err := s.references.Category(ctx, *category); err != nil {
			return err
		}
	}
	if location != nil {
		if _, err := s.references.Location(ctx, facility, *location); err != nil {
			return err
		}
	}
	return nil
}

// checkStartDate enforces today <= date <= today + MaxStartDateOffsetDays in
// the facility time zone.
func (s *Service) checkStartDate(date, now time.Time) error {
	today := domain.DateOf(now.In(s.loc))
	date = domain.DateOf(date)
	if date.Before(today) {
		return domain.Errorf(domain.ErrCodeStartDateInPast, "start date %s is before today", date.Format(time.DateOnly))
	}
	if s.limits.MaxStartDateOffsetDays > 0 {
		latest := today.AddDate(0, 0, s.limits.MaxStartDateOffsetDays)
		if date.After(latest) {
			return domain.Errorf(domain.ErrCodeStartDateTooFar, "start date %s is after %s", date.Format(time.DateOnly), latest.Format(time.DateOnly))
		}
	}
	return nil
}

// checkTimes rejects an end time that is not after the start time.
func checkTimes(start domain.TimeOfDay, end *domain.TimeOfDay) error {
	if end != nil && *end <= start {
		return domain.Errorf(domain.ErrCodeInvalidRequest, "end time %s is not after start time %s", end, start)
	}
	return nil
}

// commit carries the post-commit work of one leg.
type commit struct {
	action    string
	events    []notify.Event
	entry     *audit.Entry
	leg       string
	instances int
	startedAt time.Time
	enqueued  bool
}

// finish runs after the leg's transaction committed. Nothing here can fail
// the operation.
func (s *Service) finish(ctx context.Context, c commit) {
	s.notifier.Emit(ctx, c.events)
	if c.entry != nil && s.audit != nil {
		if err := s.audit.Record(ctx, *c.entry); err != nil {
			slog.Warn("audit record failed",
				"action", c.entry.Action,
				"series", c.entry.SeriesID,
				"error", err,
			)
		}
	}
	s.metrics.Leg(c.action, c.leg, c.instances, c.startedAt, s.clock.Now())
	if c.enqueued {
		s.queue.Wake()
	}
}

// reject records a rejected operation and returns err unchanged.
func (s *Service) reject(action string, err error) error {
	outcome := "error"
	if domain.IsValidation(err) || domain.CodeOf(err) == domain.ErrCodeUncancelDeleted {
		outcome = "rejected"
	}
	s.metrics.Operation(action, outcome)
	return err
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// index returns occurrence details by id.
func index(details *domain.SeriesDetails) map[string]*domain.OccurrenceDetails {
	m := make(map[string]*domain.OccurrenceDetails, len(details.Occurrences))
	for i := range details.Occurrences {
		m[details.Occurrences[i].ID] = &details.Occurrences[i]
	}
	return m
}

func plainOccurrences(details *domain.SeriesDetails) []domain.Occurrence {
	occs := make([]domain.Occurrence, len(details.Occurrences))
	for i, o := range details.Occurrences {
		occs[i] = o.Occurrence
	}
	return occs
}
