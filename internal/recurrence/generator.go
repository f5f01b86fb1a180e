// Package recurrence expands a recurrence definition into occurrence dates.
//
// Every function here is pure: the date for a sequence number depends only
// on (anchor, frequency, sequence), never on previously generated dates, so
// any date can be re-derived from a new anchor after a start-date edit.
package recurrence

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/domain"
)

// MaxOccurrences is a safety cap on a single expansion.
const MaxOccurrences = 5000

// Dates returns the first count dates of the recurrence starting at anchor.
// The anchor is always the first date. FrequencyNone yields exactly one date
// regardless of count.
func Dates(anchor time.Time, freq domain.Frequency, count int) ([]time.Time, error) {
	if count < 1 {
		return nil, domain.Errorf(domain.ErrCodeInvalidRecurrence, "occurrence count must be at least 1, got %d", count)
	}
	if count > MaxOccurrences {
		return nil, domain.Errorf(domain.ErrCodeInvalidRecurrence, "occurrence count %d exceeds maximum %d", count, MaxOccurrences)
	}
	anchor = domain.DateOf(anchor)

	switch freq {
	case domain.FrequencyNone:
		return []time.Time{anchor}, nil
	case domain.FrequencyDaily:
		return expand(rrule.ROption{Freq: rrule.DAILY, Interval: 1, Count: count, Dtstart: anchor})
	case domain.FrequencyWeekly:
		return expand(rrule.ROption{Freq: rrule.WEEKLY, Interval: 1, Count: count, Dtstart: anchor})
	case domain.FrequencyFortnightly:
		return expand(rrule.ROption{Freq: rrule.WEEKLY, Interval: 2, Count: count, Dtstart: anchor})
	case domain.FrequencyWeekday:
		return weekdays(anchor, count)
	case domain.FrequencyMonthly:
		dates := make([]time.Time, count)
		for i := range dates {
			dates[i] = addMonthsClamped(anchor, i)
		}
		return dates, nil
	default:
		return nil, domain.Errorf(domain.ErrCodeInvalidRecurrence, "unsupported frequency %q", freq)
	}
}

// DateAt returns the date of the 1-based sequence number seq for a
// recurrence anchored at anchor.
func DateAt(anchor time.Time, freq domain.Frequency, seq int) (time.Time, error) {
	if seq < 1 {
		return time.Time{}, domain.Errorf(domain.ErrCodeInvalidRecurrence, "sequence number must be at least 1, got %d", seq)
	}
	if freq == domain.FrequencyNone && seq > 1 {
		return time.Time{}, domain.Errorf(domain.ErrCodeInvalidRecurrence, "non-repeating series has no sequence %d", seq)
	}
	if freq == domain.FrequencyMonthly {
		return addMonthsClamped(domain.DateOf(anchor), seq-1), nil
	}
	dates, err := Dates(anchor, freq, seq)
	if err != nil {
		return time.Time{}, err
	}
	return dates[seq-1], nil
}

// Next returns the date one step after d.
func Next(d time.Time, freq domain.Frequency) (time.Time, error) {
	dates, err := Dates(d, freq, 2)
	if err != nil {
		return time.Time{}, err
	}
	if len(dates) < 2 {
		return time.Time{}, fmt.Errorf("frequency %q has no next date", freq)
	}
	return dates[1], nil
}

func expand(opt rrule.ROption) ([]time.Time, error) {
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("build recurrence rule: %w", err)
	}
	dates := r.All()
	for i, d := range dates {
		dates[i] = domain.DateOf(d)
	}
	return dates, nil
}

// weekdays steps +3 days from a Friday and +1 day otherwise. A weekend
// anchor therefore walks day by day until the first Monday, after which
// the sequence is every Monday to Friday.
func weekdays(anchor time.Time, count int) ([]time.Time, error) {
	dates := make([]time.Time, 0, count)
	d := anchor
	for len(dates) < count && isWeekend(d) {
		dates = append(dates, d)
		d = d.AddDate(0, 0, 1)
	}
	if len(dates) == count {
		return dates, nil
	}
	rest, err := expand(rrule.ROption{
		Freq:      rrule.DAILY,
		Interval:  1,
		Count:     count - len(dates),
		Dtstart:   d,
		Byweekday: []rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR},
	})
	if err != nil {
		return nil, err
	}
	return append(dates, rest...), nil
}

func isWeekend(d time.Time) bool {
	return d.Weekday() == time.Saturday || d.Weekday() == time.Sunday
}

// addMonthsClamped adds n months to d keeping d's day of month, or the last
// day of the target month when that day does not exist there.
func addMonthsClamped(d time.Time, n int) time.Time {
	first := domain.Date(d.Year(), d.Month(), 1).AddDate(0, n, 0)
	last := first.AddDate(0, 1, -1).Day()
	day := d.Day()
	if day > last {
		day = last
	}
	return domain.Date(first.Year(), first.Month(), day)
}
