package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/domain"
)

var testNow = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// inTx runs fn in a transaction and fails the test on error.
func inTx(t *testing.T, s *Store, fn func(tx *Tx)) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		fn(tx)
		return nil
	})
	require.NoError(t, err)
}

func createTestSeries(id string) *domain.Series {
	loc := int64(42)
	end := domain.NewTimeOfDay(10, 30)
	return &domain.Series{
		ID:              id,
		FacilityCode:    "MDI",
		Type:            domain.SeriesGroup,
		Frequency:       domain.FrequencyWeekly,
		OccurrenceCount: 3,
		StartDate:       domain.Date(2024, 1, 1),
		Details: domain.Details{
			CategoryCode: "EDUC",
			CustomName:   "Maths",
			Location:     domain.Location{InternalLocationID: &loc},
			StartTime:    domain.NewTimeOfDay(9, 0),
			EndTime:      &end,
		},
		CreatedAt: testNow,
		CreatedBy: "TEST.USER",
	}
}

func createTestOccurrence(id, seriesID string, seq int) *domain.Occurrence {
	return &domain.Occurrence{
		ID:             id,
		SeriesID:       seriesID,
		SequenceNumber: seq,
		StartDate:      domain.Date(2024, 1, 1).AddDate(0, 0, 7*(seq-1)),
		Details:        domain.Details{CategoryCode: "EDUC", StartTime: domain.NewTimeOfDay(9, 0)},
		State:          domain.StateScheduled,
		CreatedAt:      testNow,
		CreatedBy:      "TEST.USER",
	}
}

func createTestAttendee(id, occurrenceID, number string) *domain.Attendee {
	return &domain.Attendee{
		ID:             id,
		OccurrenceID:   occurrenceID,
		PrisonerNumber: number,
		BookingID:      1000,
		AddedAt:        testNow,
		AddedBy:        "TEST.USER",
	}
}
