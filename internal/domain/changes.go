package domain

import (
	"strconv"
	"time"
)

// Changes is the payload of an update request. Every field is optional;
// nil means "leave unchanged". Changes is carried verbatim in continuation
// payloads, so it must stay JSON-serializable.
type Changes struct {
	CategoryCode       *string    `json:"category_code,omitempty"`
	TierCode           *string    `json:"tier_code,omitempty"`
	OrganiserCode      *string    `json:"organiser_code,omitempty"`
	CustomName         *string    `json:"custom_name,omitempty"`
	InternalLocationID *int64     `json:"internal_location_id,omitempty"`
	InCell             *bool      `json:"in_cell,omitempty"`
	StartDate          *time.Time `json:"start_date,omitempty"`
	StartTime          *TimeOfDay `json:"start_time,omitempty"`
	EndTime            *TimeOfDay `json:"end_time,omitempty"`
	Notes              *string    `json:"notes,omitempty"`

	// AddParticipants carries booking ids resolved during the synchronous
	// leg so deferred legs never repeat the lookup.
	AddParticipants []Participant `json:"add_participants,omitempty"`

	// RemovePrisonerNumbers lists participants whose active attendee is removed.
	RemovePrisonerNumbers []string `json:"remove_prisoner_numbers,omitempty"`
}

// HasFieldChanges reports whether any occurrence field changes.
func (c *Changes) HasFieldChanges() bool {
	if c == nil {
		return false
	}
	return c.CategoryCode != nil || c.TierCode != nil || c.OrganiserCode != nil ||
		c.CustomName != nil || c.InternalLocationID != nil || c.InCell != nil ||
		c.StartDate != nil || c.StartTime != nil || c.EndTime != nil || c.Notes != nil
}

// HasParticipantChanges reports whether participants are added or removed.
func (c *Changes) HasParticipantChanges() bool {
	return c != nil && (len(c.AddParticipants) > 0 || len(c.RemovePrisonerNumbers) > 0)
}

// IsEmpty reports whether the request changes nothing.
func (c *Changes) IsEmpty() bool {
	return !c.HasFieldChanges() && !c.HasParticipantChanges()
}

// ApplyDetails copies every set descriptive field onto d. The start date is
// not a Details field and is handled by the caller because it needs the
// recurrence generator.
func (c *Changes) ApplyDetails(d *Details) {
	if c == nil {
		return
	}
	if c.CategoryCode != nil {
		d.CategoryCode = *c.CategoryCode
	}
	if c.TierCode != nil {
		d.TierCode = *c.TierCode
	}
	if c.OrganiserCode != nil {
		d.OrganiserCode = *c.OrganiserCode
	}
	if c.CustomName != nil {
		d.CustomName = NormalizeText(*c.CustomName)
	}
	if c.InCell != nil && *c.InCell {
		d.Location = Location{InCell: true}
	}
	if c.InternalLocationID != nil {
		id := *c.InternalLocationID
		d.Location = Location{InternalLocationID: &id}
	}
	if c.StartTime != nil {
		d.StartTime = *c.StartTime
	}
	if c.EndTime != nil {
		end := *c.EndTime
		d.EndTime = &end
	}
	if c.Notes != nil {
		d.Notes = NormalizeText(*c.Notes)
	}
}

// CascadingFields returns the descriptive fields recorded as before/after
// values in audit entries.
func CascadingFields(s *Series) map[string]string {
	fields := map[string]string{
		"category_code":  s.CategoryCode,
		"tier_code":      s.TierCode,
		"organiser_code": s.OrganiserCode,
		"custom_name":    s.CustomName,
		"start_date":     s.StartDate.Format(time.DateOnly),
		"start_time":     s.StartTime.String(),
		"notes":          s.Notes,
		"in_cell":        "false",
		"location":       "",
	}
	if s.EndTime != nil {
		fields["end_time"] = s.EndTime.String()
	}
	if s.Location.InCell {
		fields["in_cell"] = "true"
	}
	if s.Location.InternalLocationID != nil {
		fields["location"] = strconv.FormatInt(*s.Location.InternalLocationID, 10)
	}
	return fields
}
