package testutil

import (
	"fmt"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/lookup"
)

// PrisonerNumbers returns n distinct, stable participant identifiers.
func PrisonerNumbers(n int) []string {
	numbers := make([]string, n)
	for i := range numbers {
		numbers[i] = fmt.Sprintf("A%04dZZ", i+1)
	}
	return numbers
}

// NewLookup returns a static lookup knowing every number in numbers at
// facility, category EDUC and location 42. Booking ids are 1000 + index.
func NewLookup(facility string, numbers ...string) *lookup.Static {
	s := lookup.NewStatic().
		AddCategory("EDUC", "Education").
		AddCategory("GYM", "Gym").
		AddLocation(facility, 42, "Classroom 1").
		AddLocation(facility, 43, "Classroom 2")
	for i, n := range numbers {
		s.AddPrisoner(lookup.Prisoner{Number: n, BookingID: int64(1000 + i), Facility: facility})
	}
	return s
}
