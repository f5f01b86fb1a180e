package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/audit"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/continuation"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/domain"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/metrics"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/notify"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/store"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/testutil"
)

const (
	facility = "MDI"
	actor    = "TEST.USER"
)

var testNow = time.Date(2023, 12, 20, 12, 0, 0, 0, time.UTC)

type env struct {
	svc      *Service
	store    *store.Store
	sink     *testutil.RecordingSink
	audit    *audit.Memory
	clock    *testutil.FixedClock
	queue    *continuation.Queue
	registry *prometheus.Registry
	numbers  []string
}

func newEnv(t *testing.T, limits Limits, participants int) *env {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	e := &env{
		store:    st,
		sink:     &testutil.RecordingSink{},
		audit:    &audit.Memory{},
		clock:    testutil.NewFixedClock(testNow),
		registry: prometheus.NewRegistry(),
		numbers:  testutil.PrisonerNumbers(participants),
	}
	m := metrics.New(e.registry)
	e.queue = continuation.NewQueue(m)
	look := testutil.NewLookup(facility, e.numbers...)
	e.svc = New(Deps{
		Store:      st,
		Prisoners:  look,
		References: look,
		Authorizer: look,
		Notifier:   notify.New(e.sink, notify.WithMetrics(m)),
		Audit:      e.audit,
		Queue:      e.queue,
		Metrics:    m,
		IDs:        domain.NewSequenceGenerator("id"),
		Clock:      e.clock,
		Location:   time.UTC,
		Limits:     limits,
	})
	return e
}

func (e *env) worker() *continuation.Worker {
	return continuation.NewWorker(e.store, e.queue, e.svc, e.clock, nil, continuation.Options{})
}

func (e *env) createWeekly(t *testing.T, count int, numbers ...string) *domain.SeriesDetails {
	t.Helper()
	res, err := e.svc.CreateSeries(context.Background(), createRequest(count, numbers...))
	require.NoError(t, err)
	return res.Series
}

func (e *env) series(t *testing.T, id string) *domain.SeriesDetails {
	t.Helper()
	details, err := e.svc.GetSeries(context.Background(), facility, id)
	require.NoError(t, err)
	return details
}

func createRequest(count int, numbers ...string) CreateRequest {
	loc := int64(42)
	end := domain.NewTimeOfDay(10, 30)
	return CreateRequest{
		FacilityCode:    facility,
		Type:            domain.SeriesGroup,
		Frequency:       domain.FrequencyWeekly,
		OccurrenceCount: count,
		StartDate:       domain.Date(2024, 1, 1),
		Details: domain.Details{
			CategoryCode: "EDUC",
			Location:     domain.Location{InternalLocationID: &loc},
			StartTime:    domain.NewTimeOfDay(9, 0),
			EndTime:      &end,
		},
		PrisonerNumbers: numbers,
		Actor:           actor,
	}
}

func ptr[T any](v T) *T { return &v }

func TestCreateSeries_Eager(t *testing.T) {
	e := newEnv(t, DefaultLimits(), 2)

	res, err := e.svc.CreateSeries(context.Background(), createRequest(3, e.numbers...))
	require.NoError(t, err)

	require.Len(t, res.Series.Occurrences, 3)
	for _, o := range res.Series.Occurrences {
		assert.Len(t, o.ActiveAttendees(), 2)
		assert.True(t, o.IsScheduled())
	}
	assert.Equal(t, 6, res.Instances)
	assert.Empty(t, res.ContinuationID)
	assert.Equal(t, 6, e.sink.Count(notify.KindCreated))

	entries := e.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionCreate, entries[0].Action)
	assert.Equal(t, 6, entries[0].InstanceCount)
	assert.False(t, entries[0].Deferred)
}

func TestCreateSeries_Rejections(t *testing.T) {
	e := newEnv(t, DefaultLimits(), 2)

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
		code   domain.ErrorCode
	}{
		{"individual with two participants", func(r *CreateRequest) { r.Type = domain.SeriesIndividual }, domain.ErrCodeInvalidRequest},
		{"unknown participant", func(r *CreateRequest) { r.PrisonerNumbers = append(r.PrisonerNumbers, "Z9999ZZ") }, domain.ErrCodeUnknownParticipants},
		{"start date in past", func(r *CreateRequest) { r.StartDate = domain.Date(2023, 12, 19) }, domain.ErrCodeStartDateInPast},
		{"start date too far", func(r *CreateRequest) { r.StartDate = domain.Date(2025, 1, 1) }, domain.ErrCodeStartDateTooFar},
		{"zero count", func(r *CreateRequest) { r.OccurrenceCount = 0 }, domain.ErrCodeInvalidRecurrence},
		{"unknown frequency", func(r *CreateRequest) { r.Frequency = "hourly" }, domain.ErrCodeInvalidRecurrence},
		{"unknown category", func(r *CreateRequest) { r.Details.CategoryCode = "NOPE" }, domain.ErrCodeUnknownReference},
		{"unknown location", func(r *CreateRequest) { r.Details.Location.InternalLocationID = ptr(int64(99)) }, domain.ErrCodeUnknownReference},
		{"end before start", func(r *CreateRequest) { r.Details.EndTime = ptr(domain.NewTimeOfDay(8, 0)) }, domain.ErrCodeInvalidRequest},
		{"missing actor", func(r *CreateRequest) { r.Actor = "" }, domain.ErrCodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := createRequest(3, e.numbers...)
			tt.mutate(&req)
			_, err := e.svc.CreateSeries(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, tt.code, domain.CodeOf(err))
		})
	}
	assert.Empty(t, e.sink.Events())
}

func TestCreateSeries_SplitDefersRemainder(t *testing.T) {
	e := newEnv(t, Limits{MaxInstances: 1000, MaxSyncInstances: 5, MaxStartDateOffsetDays: 370}, 2)

	res, err := e.svc.CreateSeries(context.Background(), createRequest(4, e.numbers...))
	require.NoError(t, err)
	assert.Len(t, res.Series.Occurrences, 1)
	assert.NotEmpty(t, res.ContinuationID)
	assert.Equal(t, 2, e.sink.Count(notify.KindCreated))

	ran, err := e.worker().RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	details := e.series(t, res.Series.ID)
	require.Len(t, details.Occurrences, 4)
	assert.Equal(t, domain.Date(2024, 1, 22), details.Occurrences[3].StartDate)
	assert.Equal(t, 8, e.sink.Count(notify.KindCreated))

	entries := e.audit.Entries()
	require.Len(t, entries, 2)
	assert.True(t, entries[1].Deferred)
	assert.Equal(t, 8, entries[1].InstanceCount)
	assert.Equal(t, testNow, entries[1].StartedAt)
}

func TestCreateSeries_RemainderInheritsCancellation(t *testing.T) {
	e := newEnv(t, Limits{MaxInstances: 1000, MaxSyncInstances: 5, MaxStartDateOffsetDays: 370}, 2)
	ctx := context.Background()

	res, err := e.svc.CreateSeries(ctx, createRequest(4, e.numbers...))
	require.NoError(t, err)
	first := res.Series.Occurrences[0]

	_, err = e.svc.Cancel(ctx, CancelRequest{
		FacilityCode: facility,
		OccurrenceID: first.ID,
		Scope:        domain.ScopeThisAndAllFuture,
		ReasonID:     domain.CancellationCancelled,
		Actor:        actor,
	})
	require.NoError(t, err)
	e.sink.Reset()

	_, err = e.worker().Drain(ctx)
	require.NoError(t, err)

	details := e.series(t, res.Series.ID)
	require.Len(t, details.Occurrences, 4)
	for _, o := range details.Occurrences {
		assert.True(t, o.IsCancelled(), "sequence %d", o.SequenceNumber)
		assert.Len(t, o.ActiveAttendees(), 2)
	}
	assert.Empty(t, e.sink.Events(), "attendees of cancelled occurrences are not announced")
}

func TestCancel_ThisAndAllFuture(t *testing.T) {
	e := newEnv(t, DefaultLimits(), 2)
	series := e.createWeekly(t, 3, e.numbers...)
	e.sink.Reset()

	res, err := e.svc.Cancel(context.Background(), CancelRequest{
		FacilityCode: facility,
		OccurrenceID: series.Occurrences[1].ID,
		Scope:        domain.ScopeThisAndAllFuture,
		ReasonID:     domain.CancellationCancelled,
		Actor:        actor,
	})
	require.NoError(t, err)

	occs := res.Series.Occurrences
	assert.True(t, occs[0].IsScheduled())
	assert.True(t, occs[1].IsCancelled())
	assert.True(t, occs[2].IsCancelled())
	assert.Equal(t, actor, occs[1].Cancellation.CancelledBy)
	assert.Equal(t, 4, e.sink.Count(notify.KindCancelled))
	assert.Len(t, e.sink.Events(), 4)

	require.NotNil(t, res.Series.CancelFrom)
	assert.Equal(t, domain.Date(2024, 1, 8), res.Series.CancelFrom.Date)
	assert.Equal(t, domain.NewTimeOfDay(9, 0), res.Series.CancelFrom.Time)

	entries := e.audit.Entries()
	assert.Equal(t, audit.ActionCancel, entries[len(entries)-1].Action)

	n, err := promtest.GatherAndCount(e.registry, "appointments_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per action/outcome pair")
}

func TestCancel_DeletedCannotBeUncancelled(t *testing.T) {
	e := newEnv(t, DefaultLimits(), 2)
	series := e.createWeekly(t, 2, e.numbers...)
	target := series.Occurrences[0].ID
	e.sink.Reset()

	_, err := e.svc.Cancel(context.Background(), CancelRequest{
		FacilityCode: facility,
		OccurrenceID: target,
		Scope:        domain.ScopeThisOnly,
		ReasonID:     domain.CancellationCreatedInError,
		Actor:        actor,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, e.sink.Count(notify.KindDeleted))
	assert.Equal(t, audit.ActionDelete, e.audit.Entries()[1].Action)

	_, err = e.svc.Uncancel(context.Background(), UncancelRequest{
		FacilityCode: facility,
		OccurrenceID: target,
		Scope:        domain.ScopeThisOnly,
		Actor:        actor,
	})
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeUncancelDeleted, domain.CodeOf(err))

	details := e.series(t, series.ID)
	assert.True(t, details.Occurrences[0].IsDeleted())
	assert.True(t, details.Occurrences[1].IsScheduled())
}

func TestCancel_Rejections(t *testing.T) {
	e := newEnv(t, DefaultLimits(), 1)
	series := e.createWeekly(t, 2, e.numbers...)
	target := series.Occurrences[0].ID

	_, err := e.svc.Cancel(context.Background(), CancelRequest{
		FacilityCode: facility, OccurrenceID: target, Scope: domain.ScopeThisOnly, ReasonID: 99, Actor: actor,
	})
	assert.Equal(t, domain.ErrCodeUnknownReference, domain.CodeOf(err))

	_, err = e.svc.Cancel(context.Background(), CancelRequest{
		FacilityCode: "LEI", OccurrenceID: target, Scope: domain.ScopeThisOnly, ReasonID: domain.CancellationCancelled, Actor: actor,
	})
	assert.Equal(t, domain.ErrCodeNotFound, domain.CodeOf(err))

	_, err = e.svc.Uncancel(context.Background(), UncancelRequest{
		FacilityCode: facility, OccurrenceID: target, Scope: domain.ScopeThisOnly, Actor: actor,
	})
	assert.Equal(t, domain.ErrCodeTargetNotCancelled, domain.CodeOf(err))

	e.clock.Set(time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC))
	_, err = e.svc.Cancel(context.Background(), CancelRequest{
		FacilityCode: facility, OccurrenceID: target, Scope: domain.ScopeThisOnly, ReasonID: domain.CancellationCancelled, Actor: actor,
	})
	assert.Equal(t, domain.ErrCodeTargetInPast, domain.CodeOf(err))
}

func TestCancel_SplitAboveSyncCeiling(t *testing.T) {
	limits := Limits{MaxInstances: 1000, MaxSyncInstances: 500, MaxStartDateOffsetDays: 370}
	ctx := context.Background()
	e := newEnv(t, limits, 400)
	split := e.createWeekly(t, 3, e.numbers[:200]...)
	full := e.createWeekly(t, 3, e.numbers[:200]...)
	_, err := e.worker().Drain(ctx)
	require.NoError(t, err)
	_, err = e.svc.Update(ctx, UpdateRequest{
		FacilityCode:       facility,
		OccurrenceID:       full.Occurrences[0].ID,
		Scope:              domain.ScopeAllFuture,
		AddPrisonerNumbers: e.numbers[200:],
		Actor:              actor,
	})
	require.NoError(t, err)
	_, err = e.worker().Drain(ctx)
	require.NoError(t, err)
	e.sink.Reset()

	res, err := e.svc.Cancel(ctx, CancelRequest{
		FacilityCode: facility, OccurrenceID: split.Occurrences[0].ID, Scope: domain.ScopeThisAndAllFuture,
		ReasonID: domain.CancellationCancelled, Actor: actor,
	})
	require.NoError(t, err)
	assert.Equal(t, 600, res.Instances)
	assert.Equal(t, []string{split.Occurrences[0].ID}, res.Affected)
	assert.Len(t, res.Deferred, 2)
	assert.NotEmpty(t, res.ContinuationID)
	assert.Equal(t, 200, e.sink.Count(notify.KindCancelled))

	_, err = e.svc.Cancel(ctx, CancelRequest{
		FacilityCode: facility, OccurrenceID: full.Occurrences[0].ID, Scope: domain.ScopeThisAndAllFuture,
		ReasonID: domain.CancellationCancelled, Actor: actor,
	})
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeInstanceCeiling, domain.CodeOf(err))

	details := e.series(t, full.ID)
	assert.Nil(t, details.CancelFrom)
	for _, o := range details.Occurrences {
		assert.True(t, o.IsScheduled())
		assert.Len(t, o.ActiveAttendees(), 400)
	}
	assert.Equal(t, 200, e.sink.Count(notify.KindCancelled), "rejected cancel emits nothing")
}

func TestUncancel_RestoresRangeAndClearsAnchor(t *testing.T) {
	e := newEnv(t, DefaultLimits(), 2)
	series := e.createWeekly(t, 3, e.numbers...)
	ctx := context.Background()

	_, err := e.svc.Cancel(ctx, CancelRequest{
		FacilityCode: facility,
		OccurrenceID: series.Occurrences[1].ID,
		Scope:        domain.ScopeThisAndAllFuture,
		ReasonID:     domain.CancellationCancelled,
		Actor:        actor,
	})
	require.NoError(t, err)
	e.sink.Reset()

	res, err := e.svc.Uncancel(ctx, UncancelRequest{
		FacilityCode: facility,
		OccurrenceID: series.Occurrences[1].ID,
		Scope:        domain.ScopeThisAndAllFuture,
		Actor:        actor,
	})
	require.NoError(t, err)

	for _, o := range res.Series.Occurrences {
		assert.True(t, o.IsScheduled())
		assert.Nil(t, o.Cancellation)
	}
	assert.Nil(t, res.Series.CancelFrom)
	assert.Equal(t, 4, e.sink.Count(notify.KindUncancelled))
}

func TestUncancel_SplitAboveSyncCeiling(t *testing.T) {
	e := newEnv(t, Limits{MaxInstances: 1000, MaxSyncInstances: 500, MaxStartDateOffsetDays: 370}, 200)
	ctx := context.Background()
	series := e.createWeekly(t, 3, e.numbers...)
	_, err := e.worker().Drain(ctx)
	require.NoError(t, err)

	_, err = e.svc.Cancel(ctx, CancelRequest{
		FacilityCode: facility, OccurrenceID: series.Occurrences[0].ID, Scope: domain.ScopeThisAndAllFuture,
		ReasonID: domain.CancellationCancelled, Actor: actor,
	})
	require.NoError(t, err)
	_, err = e.worker().Drain(ctx)
	require.NoError(t, err)
	e.sink.Reset()

	res, err := e.svc.Uncancel(ctx, UncancelRequest{
		FacilityCode: facility,
		OccurrenceID: series.Occurrences[0].ID,
		Scope:        domain.ScopeThisAndAllFuture,
		Actor:        actor,
	})
	require.NoError(t, err)
	assert.Equal(t, 600, res.Instances)
	assert.Equal(t, []string{series.Occurrences[0].ID}, res.Affected)
	assert.Equal(t, []string{series.Occurrences[1].ID, series.Occurrences[2].ID}, res.Deferred)
	assert.NotEmpty(t, res.ContinuationID)
	assert.Nil(t, res.Series.CancelFrom)
	assert.True(t, res.Series.Occurrences[0].IsScheduled())
	assert.True(t, res.Series.Occurrences[1].IsCancelled())
	assert.Equal(t, 200, e.sink.Count(notify.KindUncancelled))

	n, err := e.worker().Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, o := range e.series(t, series.ID).Occurrences {
		assert.True(t, o.IsScheduled())
		assert.Nil(t, o.Cancellation)
	}
	assert.Equal(t, 600, e.sink.Count(notify.KindUncancelled))
	last := e.audit.Entries()[len(e.audit.Entries())-1]
	assert.Equal(t, audit.ActionUncancel, last.Action)
	assert.True(t, last.Deferred)
}

func TestUncancel_SkipsDeletedSiblings(t *testing.T) {
	e := newEnv(t, DefaultLimits(), 1)
	series := e.createWeekly(t, 3, e.numbers...)
	ctx := context.Background()
	occ := series.Occurrences

	_, err := e.svc.Cancel(ctx, CancelRequest{
		FacilityCode: facility, OccurrenceID: occ[2].ID, Scope: domain.ScopeThisOnly,
		ReasonID: domain.CancellationCreatedInError, Actor: actor,
	})
	require.NoError(t, err)
	_, err = e.svc.Cancel(ctx, CancelRequest{
		FacilityCode: facility, OccurrenceID: occ[0].ID, Scope: domain.ScopeThisAndAllFuture,
		ReasonID: domain.CancellationCancelled, Actor: actor,
	})
	require.NoError(t, err)

	res, err := e.svc.Uncancel(ctx, UncancelRequest{
		FacilityCode: facility, OccurrenceID: occ[0].ID, Scope: domain.ScopeAllFuture, Actor: actor,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{occ[0].ID, occ[1].ID}, res.Affected)
	assert.True(t, res.Series.Occurrences[2].IsDeleted())
}

func TestUpdate_FieldChangeCascades(t *testing.T) {
	e := newEnv(t, DefaultLimits(), 2)
	series := e.createWeekly(t, 3, e.numbers...)
	e.sink.Reset()

	res, err := e.svc.Update(context.Background(), UpdateRequest{
		FacilityCode: facility,
		OccurrenceID: series.Occurrences[1].ID,
		Scope:        domain.ScopeThisAndAllFuture,
		Changes: domain.Changes{
			StartTime:  ptr(domain.NewTimeOfDay(9, 30)),
			CustomName: ptr("  Maths  "),
		},
		Actor: actor,
	})
	require.NoError(t, err)

	occs := res.Series.Occurrences
	assert.False(t, occs[0].Edited)
	assert.Equal(t, domain.NewTimeOfDay(9, 0), occs[0].StartTime)
	for _, o := range occs[1:] {
		assert.True(t, o.Edited)
		assert.Equal(t, domain.NewTimeOfDay(9, 30), o.StartTime)
		assert.Equal(t, "Maths", o.CustomName)
	}
	assert.Equal(t, domain.NewTimeOfDay(9, 30), res.Series.StartTime)
	assert.Equal(t, 4, e.sink.Count(notify.KindUpdated))
	assert.Equal(t, 4, res.Instances)

	entry := e.audit.Entries()[1]
	assert.Equal(t, audit.ActionEdit, entry.Action)
	assert.Equal(t, []string{"custom_name", "start_time"}, audit.Changed(entry.Before, entry.After))
}

func TestUpdate_StartDateIsRederivedPerSequence(t *testing.T) {
	e := newEnv(t, DefaultLimits(), 1)
	series := e.createWeekly(t, 3, e.numbers...)
	ctx := context.Background()

	res, err := e.svc.Update(ctx, UpdateRequest{
		FacilityCode: facility,
		OccurrenceID: series.Occurrences[1].ID,
		Scope:        domain.ScopeThisAndAllFuture,
		Changes:      domain.Changes{StartDate: ptr(domain.Date(2024, 1, 10))},
		Actor:        actor,
	})
	require.NoError(t, err)
	occs := res.Series.Occurrences
	assert.Equal(t, domain.Date(2024, 1, 1), occs[0].StartDate)
	assert.Equal(t, domain.Date(2024, 1, 10), occs[1].StartDate)
	assert.Equal(t, domain.Date(2024, 1, 17), occs[2].StartDate)
	assert.Equal(t, domain.Date(2024, 1, 1), res.Series.StartDate, "anchor stays when sequence 1 is untouched")

	res, err = e.svc.Update(ctx, UpdateRequest{
		FacilityCode: facility,
		OccurrenceID: series.Occurrences[0].ID,
		Scope:        domain.ScopeAllFuture,
		Changes:      domain.Changes{StartDate: ptr(domain.Date(2024, 1, 3))},
		Actor:        actor,
	})
	require.NoError(t, err)
	occs = res.Series.Occurrences
	assert.Equal(t, domain.Date(2024, 1, 3), occs[0].StartDate)
	assert.Equal(t, domain.Date(2024, 1, 10), occs[1].StartDate)
	assert.Equal(t, domain.Date(2024, 1, 17), occs[2].StartDate)
	assert.Equal(t, domain.Date(2024, 1, 3), res.Series.StartDate)
}

func TestUpdate_StartDateCannotReorderSequences(t *testing.T) {
	e := newEnv(t, DefaultLimits(), 1)
	series := e.createWeekly(t, 3, e.numbers...)
	occ := series.Occurrences
	e.sink.Reset()

	tests := []struct {
		name  string
		id    string
		scope domain.Scope
		date  time.Time
	}{
		{"this-only before earlier sibling", occ[2].ID, domain.ScopeThisOnly, domain.Date(2024, 1, 2)},
		{"this-only onto later sibling", occ[0].ID, domain.ScopeThisOnly, domain.Date(2024, 1, 8)},
		{"this-only past later sibling", occ[1].ID, domain.ScopeThisOnly, domain.Date(2024, 1, 20)},
		{"future range onto earlier sibling", occ[1].ID, domain.ScopeThisAndAllFuture, domain.Date(2024, 1, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.Update(context.Background(), UpdateRequest{
				FacilityCode: facility,
				OccurrenceID: tt.id,
				Scope:        tt.scope,
				Changes:      domain.Changes{StartDate: ptr(tt.date)},
				Actor:        actor,
			})
			require.Error(t, err)
			assert.Equal(t, domain.ErrCodeInvalidRequest, domain.CodeOf(err))

			details := e.series(t, series.ID)
			assert.Equal(t, domain.Date(2024, 1, 1), details.Occurrences[0].StartDate)
			assert.Equal(t, domain.Date(2024, 1, 8), details.Occurrences[1].StartDate)
			assert.Equal(t, domain.Date(2024, 1, 15), details.Occurrences[2].StartDate)
			assert.Empty(t, e.sink.Events())
		})
	}

	res, err := e.svc.Update(context.Background(), UpdateRequest{
		FacilityCode: facility,
		OccurrenceID: occ[1].ID,
		Scope:        domain.ScopeThisOnly,
		Changes:      domain.Changes{StartDate: ptr(domain.Date(2024, 1, 9))},
		Actor:        actor,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Date(2024, 1, 9), res.Series.Occurrences[1].StartDate)
}

func TestUpdate_AddThenRemoveSameParticipantIsSilent(t *testing.T) {
	e := newEnv(t, DefaultLimits(), 2)
	series := e.createWeekly(t, 1, e.numbers[0])
	e.sink.Reset()

	res, err := e.svc.Update(context.Background(), UpdateRequest{
		FacilityCode:       facility,
		OccurrenceID:       series.Occurrences[0].ID,
		Scope:              domain.ScopeThisOnly,
		Changes:            domain.Changes{RemovePrisonerNumbers: []string{e.numbers[1]}},
		AddPrisonerNumbers: []string{e.numbers[1]},
		Actor:              actor,
	})
	require.NoError(t, err)
	assert.Empty(t, e.sink.Events())
	assert.Zero(t, res.Notifications)

	attendees := res.Series.Occurrences[0].Attendees
	require.Len(t, attendees, 2)
	assert.False(t, attendees[1].IsActive())
	assert.True(t, attendees[1].IsDeleted)
}

func TestUpdate_AddAndRemoveAreIdempotent(t *testing.T) {
	e := newEnv(t, DefaultLimits(), 2)
	series := e.createWeekly(t, 2, e.numbers[0])
	ctx := context.Background()
	req := UpdateRequest{
		FacilityCode:       facility,
		OccurrenceID:       series.Occurrences[0].ID,
		Scope:              domain.ScopeAllFuture,
		AddPrisonerNumbers: []string{e.numbers[1]},
		Actor:              actor,
	}
	e.sink.Reset()

	_, err := e.svc.Update(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, e.sink.Count(notify.KindCreated))

	_, err = e.svc.Update(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, e.sink.Count(notify.KindCreated), "second add is a no-op")

	remove := UpdateRequest{
		FacilityCode: facility,
		OccurrenceID: series.Occurrences[0].ID,
		Scope:        domain.ScopeAllFuture,
		Changes:      domain.Changes{RemovePrisonerNumbers: []string{e.numbers[0]}},
		Actor:        actor,
	}
	res, err := e.svc.Update(ctx, remove)
	require.NoError(t, err)
	assert.Equal(t, 2, e.sink.Count(notify.KindDeleted))
	for _, o := range res.Series.Occurrences {
		require.Len(t, o.ActiveAttendees(), 1)
		assert.Equal(t, e.numbers[1], o.ActiveAttendees()[0].PrisonerNumber)
	}

	_, err = e.svc.Update(ctx, remove)
	require.NoError(t, err)
	assert.Equal(t, 2, e.sink.Count(notify.KindDeleted), "second remove is a no-op")
}

func TestUpdate_SplitAboveSyncCeiling(t *testing.T) {
	e := newEnv(t, Limits{MaxInstances: 1000, MaxSyncInstances: 500, MaxStartDateOffsetDays: 370}, 400)
	series := e.createWeekly(t, 3)
	ctx := context.Background()

	res, err := e.svc.Update(ctx, UpdateRequest{
		FacilityCode:       facility,
		OccurrenceID:       series.Occurrences[0].ID,
		Scope:              domain.ScopeThisAndAllFuture,
		AddPrisonerNumbers: e.numbers[:200],
		Actor:              actor,
	})
	require.NoError(t, err)
	assert.Equal(t, 600, res.Instances)
	assert.Equal(t, []string{series.Occurrences[0].ID}, res.Affected)
	assert.Equal(t, []string{series.Occurrences[1].ID, series.Occurrences[2].ID}, res.Deferred)
	assert.NotEmpty(t, res.ContinuationID)
	assert.Equal(t, 200, e.sink.Count(notify.KindCreated))
	assert.Len(t, res.Series.Occurrences[1].Attendees, 0)

	ran, err := e.worker().RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, 600, e.sink.Count(notify.KindCreated))

	details := e.series(t, series.ID)
	for _, o := range details.Occurrences {
		assert.Len(t, o.ActiveAttendees(), 200)
	}
	entries := e.audit.Entries()
	last := entries[len(entries)-1]
	assert.True(t, last.Deferred)
	assert.Equal(t, 600, last.InstanceCount)
	assert.Equal(t, []string{series.Occurrences[1].ID, series.Occurrences[2].ID}, last.OccurrenceIDs)
}

func TestUpdate_RejectsAboveAbsoluteCeiling(t *testing.T) {
	e := newEnv(t, Limits{MaxInstances: 1000, MaxSyncInstances: 500, MaxStartDateOffsetDays: 370}, 400)
	series := e.createWeekly(t, 3)

	_, err := e.svc.Update(context.Background(), UpdateRequest{
		FacilityCode:       facility,
		OccurrenceID:       series.Occurrences[0].ID,
		Scope:              domain.ScopeThisAndAllFuture,
		AddPrisonerNumbers: e.numbers,
		Actor:              actor,
	})
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeInstanceCeiling, domain.CodeOf(err))

	details := e.series(t, series.ID)
	for _, o := range details.Occurrences {
		assert.Empty(t, o.Attendees)
	}
	assert.Empty(t, e.sink.Events())
}

func TestUpdate_Rejections(t *testing.T) {
	e := newEnv(t, DefaultLimits(), 2)
	group := e.createWeekly(t, 2, e.numbers...)
	single := createRequest(2, e.numbers[0])
	single.Type = domain.SeriesIndividual
	individual, err := e.svc.CreateSeries(context.Background(), single)
	require.NoError(t, err)
	target := group.Occurrences[0].ID

	tests := []struct {
		name string
		req  UpdateRequest
		code domain.ErrorCode
	}{
		{"no changes", UpdateRequest{OccurrenceID: target}, domain.ErrCodeInvalidRequest},
		{"unknown scope", UpdateRequest{OccurrenceID: target, Scope: "everything", Changes: domain.Changes{Notes: ptr("x")}}, domain.ErrCodeInvalidRequest},
		{"unknown occurrence", UpdateRequest{OccurrenceID: "nope", Changes: domain.Changes{Notes: ptr("x")}}, domain.ErrCodeNotFound},
		{"unknown participant", UpdateRequest{OccurrenceID: target, AddPrisonerNumbers: []string{"Z1111ZZ", "Z2222ZZ"}}, domain.ErrCodeUnknownParticipants},
		{"individual series", UpdateRequest{OccurrenceID: individual.Series.Occurrences[0].ID, AddPrisonerNumbers: []string{e.numbers[1]}}, domain.ErrCodeParticipantsNotEditable},
		{"start date too far", UpdateRequest{OccurrenceID: target, Changes: domain.Changes{StartDate: ptr(domain.Date(2025, 6, 1))}}, domain.ErrCodeStartDateTooFar},
		{"start date in past", UpdateRequest{OccurrenceID: target, Changes: domain.Changes{StartDate: ptr(domain.Date(2023, 1, 1))}}, domain.ErrCodeStartDateInPast},
		{"end before start", UpdateRequest{OccurrenceID: target, Changes: domain.Changes{EndTime: ptr(domain.NewTimeOfDay(8, 0))}}, domain.ErrCodeInvalidRequest},
		{"unknown category", UpdateRequest{OccurrenceID: target, Changes: domain.Changes{CategoryCode: ptr("NOPE")}}, domain.ErrCodeUnknownReference},
		{"in-cell off without location", UpdateRequest{OccurrenceID: target, Changes: domain.Changes{InCell: ptr(false)}}, domain.ErrCodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.FacilityCode = facility
			tt.req.Actor = actor
			if tt.req.Scope == "" {
				tt.req.Scope = domain.ScopeThisOnly
			}
			_, err := e.svc.Update(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, domain.CodeOf(err))
		})
	}

	_, err = e.svc.Update(context.Background(), UpdateRequest{
		FacilityCode:       facility,
		OccurrenceID:       target,
		Scope:              domain.ScopeThisOnly,
		AddPrisonerNumbers: []string{"Z2222ZZ", "Z1111ZZ"},
		Actor:              actor,
	})
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "Z1111ZZ,Z2222ZZ", de.Details["participants"])
}

func TestUpdate_CancelledTargetRejected(t *testing.T) {
	e := newEnv(t, DefaultLimits(), 1)
	series := e.createWeekly(t, 2, e.numbers...)
	target := series.Occurrences[0].ID

	_, err := e.svc.Cancel(context.Background(), CancelRequest{
		FacilityCode: facility, OccurrenceID: target, Scope: domain.ScopeThisOnly,
		ReasonID: domain.CancellationCancelled, Actor: actor,
	})
	require.NoError(t, err)

	_, err = e.svc.Update(context.Background(), UpdateRequest{
		FacilityCode: facility, OccurrenceID: target, Scope: domain.ScopeThisOnly,
		Changes: domain.Changes{Notes: ptr("moved")}, Actor: actor,
	})
	assert.Equal(t, domain.ErrCodeTargetCancelled, domain.CodeOf(err))
}

func TestNotifierFailureDoesNotUndoState(t *testing.T) {
	e := newEnv(t, DefaultLimits(), 2)
	series := e.createWeekly(t, 2, e.numbers...)
	e.sink.Err = errors.New("synchroniser unavailable")

	res, err := e.svc.Cancel(context.Background(), CancelRequest{
		FacilityCode: facility,
		OccurrenceID: series.Occurrences[0].ID,
		Scope:        domain.ScopeAllFuture,
		ReasonID:     domain.CancellationCancelled,
		Actor:        actor,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Notifications)

	details := e.series(t, series.ID)
	assert.True(t, details.Occurrences[0].IsCancelled())
	assert.True(t, details.Occurrences[1].IsCancelled())
}

func TestDeferredLegSkipsOccurrencesThatStarted(t *testing.T) {
	e := newEnv(t, Limits{MaxInstances: 1000, MaxSyncInstances: 1, MaxStartDateOffsetDays: 370}, 1)
	ctx := context.Background()

	res, err := e.svc.CreateSeries(ctx, createRequest(3, e.numbers...))
	require.NoError(t, err)
	_, err = e.worker().Drain(ctx)
	require.NoError(t, err)
	occs := e.series(t, res.Series.ID).Occurrences
	require.Len(t, occs, 3)

	res, err = e.svc.Cancel(ctx, CancelRequest{
		FacilityCode: facility, OccurrenceID: occs[0].ID, Scope: domain.ScopeThisAndAllFuture,
		ReasonID: domain.CancellationCancelled, Actor: actor,
	})
	require.NoError(t, err)
	require.Len(t, res.Deferred, 2)

	e.clock.Set(time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC))
	_, err = e.worker().Drain(ctx)
	require.NoError(t, err)

	occs = e.series(t, res.Series.ID).Occurrences
	assert.True(t, occs[0].IsCancelled())
	assert.True(t, occs[1].IsScheduled(), "started before the deferred leg ran")
	assert.True(t, occs[2].IsCancelled())
}

func TestHandleContinuation_UnknownKind(t *testing.T) {
	e := newEnv(t, DefaultLimits(), 0)
	err := e.svc.HandleContinuation(context.Background(), continuation.Job{Kind: "archive"})
	assert.Equal(t, domain.ErrCodeInvalidRequest, domain.CodeOf(err))
}

// pendingJob returns the single queued continuation.
func (e *env) pendingJob(t *testing.T) continuation.Job {
	t.Helper()
	var job continuation.Job
	err := e.store.WithTx(context.Background(), func(tx *store.Tx) error {
		recs, err := tx.ListContinuations(context.Background(), store.StatusPending)
		if err != nil {
			return err
		}
		require.Len(t, recs, 1)
		job, err = continuation.Decode(recs[0].ID, recs[0].Payload)
		return err
	})
	require.NoError(t, err)
	return job
}

func attendeeRows(d *domain.SeriesDetails) int {
	n := 0
	for _, o := range d.Occurrences {
		n += len(o.Attendees)
	}
	return n
}

func TestHandleContinuation_ReexecutionIsIdempotent(t *testing.T) {
	limits := Limits{MaxInstances: 1000, MaxSyncInstances: 1, MaxStartDateOffsetDays: 370}
	ctx := context.Background()

	// setup creates a fully materialized weekly x3 series with one attendee.
	setup := func(t *testing.T) (*env, *domain.SeriesDetails) {
		e := newEnv(t, limits, 2)
		res, err := e.svc.CreateSeries(ctx, createRequest(3, e.numbers[0]))
		require.NoError(t, err)
		_, err = e.worker().Drain(ctx)
		require.NoError(t, err)
		return e, e.series(t, res.Series.ID)
	}

	// replay runs the pending job twice and checks the second run changes
	// nothing.
	replay := func(t *testing.T, e *env, seriesID string) *domain.SeriesDetails {
		job := e.pendingJob(t)
		require.NoError(t, e.svc.HandleContinuation(ctx, job))
		first := e.series(t, seriesID)

		require.NoError(t, e.svc.HandleContinuation(ctx, job))
		second := e.series(t, seriesID)
		assert.Equal(t, attendeeRows(first), attendeeRows(second))
		assert.Equal(t, first, second)
		return second
	}

	t.Run("update", func(t *testing.T) {
		e, series := setup(t)
		e.sink.Reset()
		added := e.numbers[1]
		res, err := e.svc.Update(ctx, UpdateRequest{
			FacilityCode: facility,
			OccurrenceID: series.Occurrences[0].ID,
			Scope:        domain.ScopeAllFuture,
			Changes: domain.Changes{
				Notes:                 ptr("moved"),
				RemovePrisonerNumbers: []string{added},
			},
			AddPrisonerNumbers: []string{added},
			Actor:              actor,
		})
		require.NoError(t, err)
		require.Len(t, res.Deferred, 2)

		details := replay(t, e, series.ID)
		assert.Equal(t, 6, attendeeRows(details), "one removed row per occurrence for the added participant")
		for _, o := range details.Occurrences {
			assert.Equal(t, "moved", o.Notes)
			require.Len(t, o.ActiveAttendees(), 1)
			assert.Equal(t, e.numbers[0], o.ActiveAttendees()[0].PrisonerNumber)
		}
		assert.Zero(t, e.sink.Count(notify.KindCreated))
		assert.Zero(t, e.sink.Count(notify.KindDeleted))
	})

	t.Run("cancel", func(t *testing.T) {
		e, series := setup(t)
		e.sink.Reset()
		res, err := e.svc.Cancel(ctx, CancelRequest{
			FacilityCode: facility, OccurrenceID: series.Occurrences[0].ID, Scope: domain.ScopeAllFuture,
			ReasonID: domain.CancellationCancelled, Actor: actor,
		})
		require.NoError(t, err)
		require.Len(t, res.Deferred, 2)

		details := replay(t, e, series.ID)
		for _, o := range details.Occurrences {
			assert.True(t, o.IsCancelled())
		}
		assert.Equal(t, 3, e.sink.Count(notify.KindCancelled), "the second run has nothing left to cancel")
	})

	t.Run("uncancel", func(t *testing.T) {
		e, series := setup(t)
		_, err := e.svc.Cancel(ctx, CancelRequest{
			FacilityCode: facility, OccurrenceID: series.Occurrences[0].ID, Scope: domain.ScopeAllFuture,
			ReasonID: domain.CancellationCancelled, Actor: actor,
		})
		require.NoError(t, err)
		_, err = e.worker().Drain(ctx)
		require.NoError(t, err)
		e.sink.Reset()

		res, err := e.svc.Uncancel(ctx, UncancelRequest{
			FacilityCode: facility, OccurrenceID: series.Occurrences[0].ID, Scope: domain.ScopeAllFuture, Actor: actor,
		})
		require.NoError(t, err)
		require.Len(t, res.Deferred, 2)

		details := replay(t, e, series.ID)
		for _, o := range details.Occurrences {
			assert.True(t, o.IsScheduled())
		}
		assert.Equal(t, 3, e.sink.Count(notify.KindUncancelled), "the second run has nothing left to restore")
	})
}
