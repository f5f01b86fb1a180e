package domain

import (
	"fmt"
	"time"
)

// Frequency is the recurrence step between consecutive occurrences.
type Frequency string

const (
	FrequencyNone        Frequency = "none"
	FrequencyWeekday     Frequency = "weekday"
	FrequencyDaily       Frequency = "daily"
	FrequencyWeekly      Frequency = "weekly"
	FrequencyFortnightly Frequency = "fortnightly"
	FrequencyMonthly     Frequency = "monthly"
)

// Valid reports whether f is one of the supported frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyNone, FrequencyWeekday, FrequencyDaily,
		FrequencyWeekly, FrequencyFortnightly, FrequencyMonthly:
		return true
	}
	return false
}

// SeriesType controls whether participants can be added or removed.
type SeriesType string

const (
	// SeriesIndividual has exactly one participant for its whole life.
	SeriesIndividual SeriesType = "individual"
	// SeriesGroup accepts participant adds and removes.
	SeriesGroup SeriesType = "group"
)

// Scope selects which occurrences of a series a mutation applies to.
type Scope string

const (
	ScopeThisOnly         Scope = "this-only"
	ScopeThisAndAllFuture Scope = "this-and-all-future"
	ScopeAllFuture        Scope = "all-future"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeThisOnly || s == ScopeThisAndAllFuture || s == ScopeAllFuture
}

// CoversFuture reports whether the scope reaches beyond the target occurrence.
func (s Scope) CoversFuture() bool {
	return s == ScopeThisAndAllFuture || s == ScopeAllFuture
}

// TimeOfDay is a wall-clock time expressed in minutes after midnight.
type TimeOfDay int

// NewTimeOfDay builds a TimeOfDay from hours and minutes.
func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

// ParseTimeOfDay parses an "HH:MM" string.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	return NewTimeOfDay(t.Hour(), t.Minute()), nil
}

// Hour returns the hour component.
func (t TimeOfDay) Hour() int { return int(t) / 60 }

// Minute returns the minute component.
func (t TimeOfDay) Minute() int { return int(t) % 60 }

// String formats the time as "HH:MM".
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// MarshalText implements encoding.TextMarshaler.
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Date returns midnight UTC for the given calendar day.
// All calendar dates in the model use this representation.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DateOf truncates t to its calendar day as observed in t's location.
func DateOf(t time.Time) time.Time {
	return Date(t.Year(), t.Month(), t.Day())
}

// At combines a calendar date and a time of day into an instant in loc.
func At(date time.Time, tod TimeOfDay, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(date.Year(), date.Month(), date.Day(), tod.Hour(), tod.Minute(), 0, 0, loc)
}

// Location is where an appointment takes place: a numbered internal
// location, or the participant's own cell.
type Location struct {
	InternalLocationID *int64 `json:"internal_location_id,omitempty"`
	InCell             bool   `json:"in_cell"`
}

// Details holds the descriptive fields every series and occurrence carries
// its own copy of.
type Details struct {
	CategoryCode  string     `json:"category_code"`
	TierCode      string     `json:"tier_code,omitempty"`
	OrganiserCode string     `json:"organiser_code,omitempty"`
	CustomName    string     `json:"custom_name,omitempty"`
	Location      Location   `json:"location"`
	StartTime     TimeOfDay  `json:"start_time"`
	EndTime       *TimeOfDay `json:"end_time,omitempty"`
	Notes         string     `json:"notes,omitempty"`
}

// CancelFrom is the series-level anchor stamped by a "this and all future"
// cancellation. Occurrences materialized later whose start is at or after
// the anchor are created already cancelled.
type CancelFrom struct {
	Date        time.Time `json:"date"`
	Time        TimeOfDay `json:"time"`
	ReasonID    int64     `json:"reason_id"`
	CancelledAt time.Time `json:"cancelled_at"`
	CancelledBy string    `json:"cancelled_by"`
}

// Series is a recurrence definition and the cascading field values future
// occurrences inherit.
type Series struct {
	ID              string     `json:"id"`
	FacilityCode    string     `json:"facility_code"`
	Type            SeriesType `json:"type"`
	Frequency       Frequency  `json:"frequency"`
	OccurrenceCount int        `json:"occurrence_count"`
	StartDate       time.Time  `json:"start_date"`
	Details
	CreatedAt  time.Time   `json:"created_at"`
	CreatedBy  string      `json:"created_by"`
	UpdatedAt  *time.Time  `json:"updated_at,omitempty"`
	UpdatedBy  string      `json:"updated_by,omitempty"`
	CancelFrom *CancelFrom `json:"cancel_from,omitempty"`
}

// OccurrenceState is the tagged lifecycle state of an occurrence.
type OccurrenceState string

const (
	StateScheduled OccurrenceState = "scheduled"
	StateCancelled OccurrenceState = "cancelled"
	StateDeleted   OccurrenceState = "deleted"
)

// Cancellation records why and by whom an occurrence left Scheduled.
type Cancellation struct {
	ReasonID    int64     `json:"reason_id"`
	CancelledAt time.Time `json:"cancelled_at"`
	CancelledBy string    `json:"cancelled_by"`
}

// Occurrence is one scheduled instance of a series.
type Occurrence struct {
	ID             string    `json:"id"`
	SeriesID       string    `json:"series_id"`
	SequenceNumber int       `json:"sequence_number"`
	StartDate      time.Time `json:"start_date"`
	Details
	State        OccurrenceState `json:"state"`
	Cancellation *Cancellation   `json:"cancellation,omitempty"`
	Edited       bool            `json:"edited"`
	CreatedAt    time.Time       `json:"created_at"`
	CreatedBy    string          `json:"created_by"`
	UpdatedAt    *time.Time      `json:"updated_at,omitempty"`
	UpdatedBy    string          `json:"updated_by,omitempty"`
}

// Start returns the occurrence start instant in loc.
func (o *Occurrence) Start(loc *time.Location) time.Time {
	return At(o.StartDate, o.StartTime, loc)
}

// IsScheduled reports whether the occurrence can still be mutated.
func (o *Occurrence) IsScheduled() bool { return o.State == StateScheduled }

// IsCancelled reports whether the occurrence was cancelled with a
// non-deletion reason.
func (o *Occurrence) IsCancelled() bool { return o.State == StateCancelled }

// IsDeleted reports whether the occurrence was removed with a
// deletion-class reason.
func (o *Occurrence) IsDeleted() bool { return o.State == StateDeleted }

// Cancel moves a scheduled occurrence into Cancelled or Deleted according
// to the reason's deletion bit.
func (o *Occurrence) Cancel(reason Reason, by string, at time.Time) {
	o.State = StateCancelled
	if reason.IsDelete {
		o.State = StateDeleted
	}
	o.Cancellation = &Cancellation{ReasonID: reason.ID, CancelledAt: at, CancelledBy: by}
	o.UpdatedAt = &at
	o.UpdatedBy = by
}

// Uncancel returns a cancelled occurrence to Scheduled.
func (o *Occurrence) Uncancel(by string, at time.Time) {
	o.State = StateScheduled
	o.Cancellation = nil
	o.UpdatedAt = &at
	o.UpdatedBy = by
}

// Participant identifies a person taking part in an appointment.
type Participant struct {
	PrisonerNumber string `json:"prisoner_number"`
	BookingID      int64  `json:"booking_id"`
}

// Attendance is the recorded outcome for an attendee.
type Attendance string

const (
	AttendanceUnset       Attendance = ""
	AttendanceAttended    Attendance = "attended"
	AttendanceNotAttended Attendance = "not-attended"
)

// Attendee is a participant's record on one occurrence.
type Attendee struct {
	ID                   string     `json:"id"`
	OccurrenceID         string     `json:"occurrence_id"`
	PrisonerNumber       string     `json:"prisoner_number"`
	BookingID            int64      `json:"booking_id"`
	AddedAt              time.Time  `json:"added_at"`
	AddedBy              string     `json:"added_by"`
	Attendance           Attendance `json:"attendance,omitempty"`
	AttendanceRecordedAt *time.Time `json:"attendance_recorded_at,omitempty"`
	AttendanceRecordedBy string     `json:"attendance_recorded_by,omitempty"`
	RemovedAt            *time.Time `json:"removed_at,omitempty"`
	RemovedBy            string     `json:"removed_by,omitempty"`
	RemovalReasonID      *int64     `json:"removal_reason_id,omitempty"`
	IsDeleted            bool       `json:"is_deleted"`
}

// IsActive reports whether the attendee has not been removed.
func (a *Attendee) IsActive() bool { return a.RemovedAt == nil }

// Remove marks the attendee removed. IsDeleted follows the reason.
func (a *Attendee) Remove(reason Reason, by string, at time.Time) {
	id := reason.ID
	a.RemovedAt = &at
	a.RemovedBy = by
	a.RemovalReasonID = &id
	a.IsDeleted = reason.IsDelete
}

// Reason is a catalog entry for cancellations and attendee removals.
type Reason struct {
	ID          int64  `json:"id"`
	Code        string `json:"code"`
	Description string `json:"description"`
	IsDelete    bool   `json:"is_delete"`
}

// Seeded catalog ids.
const (
	CancellationCreatedInError int64 = 1
	CancellationCancelled      int64 = 2

	RemovalPermanentByUser  int64 = 1
	RemovalTemporaryByUser  int64 = 2
	RemovalCancelOnTransfer int64 = 3
)

// OccurrenceDetails is an occurrence together with its attendees.
type OccurrenceDetails struct {
	Occurrence
	Attendees []Attendee `json:"attendees"`
}

// SeriesDetails is a freshly read series with every occurrence.
type SeriesDetails struct {
	Series
	Occurrences []OccurrenceDetails `json:"occurrences"`
}

// ActiveAttendees returns the attendees that have not been removed.
func (d *OccurrenceDetails) ActiveAttendees() []Attendee {
	var active []Attendee
	for _, a := range d.Attendees {
		if a.IsActive() {
			active = append(active, a)
		}
	}
	return active
}
