// Package continuation queues and replays the deferred remainder of bulk
// operations.
//
// A Job is written to the continuations table inside the transaction of the
// synchronous leg, so it exists exactly when that leg committed. The Worker
// later claims it, hands it to the same service entry points used
// synchronously, and marks it done. Execution is at-least-once: handlers
// rely on idempotent existence checks, never on in-memory state from the
// synchronous leg.
package continuation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/domain"
)

// Kind is the operation a job continues.
type Kind string

const (
	KindCreate   Kind = "create"
	KindUpdate   Kind = "update"
	KindCancel   Kind = "cancel"
	KindUncancel Kind = "uncancel"
)

// hashDomain separates job ids from any other sha256 use.
const hashDomain = "appointments/continuation/v1"

// Job is the persisted payload of a deferred leg.
type Job struct {
	// ID is derived from the rest of the payload and not serialized.
	ID string `json:"-"`

	Kind               Kind   `json:"kind"`
	FacilityCode       string `json:"facility_code"`
	SeriesID           string `json:"series_id"`
	AnchorOccurrenceID string `json:"anchor_occurrence_id,omitempty"`

	// OccurrenceIDs are the occurrences left for this leg. Empty for create,
	// which re-materializes the whole series.
	OccurrenceIDs []string `json:"occurrence_ids,omitempty"`

	Scope                domain.Scope         `json:"scope,omitempty"`
	Changes              *domain.Changes      `json:"changes,omitempty"`
	CancellationReasonID int64                `json:"cancellation_reason_id,omitempty"`
	Participants         []domain.Participant `json:"participants,omitempty"`

	// FirstSequence is the lowest sequence number of the whole logical
	// operation. Start-date edits re-derive each date relative to it.
	FirstSequence int `json:"first_sequence,omitempty"`

	Actor            string    `json:"actor"`
	StartedAt        time.Time `json:"started_at"`
	TotalOccurrences int       `json:"total_occurrences"`
	TotalInstances   int       `json:"total_instances"`
}

// Encode returns the JSON payload and its content-hash id.
// Format: hex(SHA256(domain + 0x00 + payload))
func (j Job) Encode() (id string, payload []byte, err error) {
	payload, err = json.Marshal(j)
	if err != nil {
		return "", nil, fmt.Errorf("encode continuation: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(hashDomain))
	h.Write([]byte{0x00})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), payload, nil
}

// Decode parses a stored payload and sets the id.
func Decode(id string, payload []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return Job{}, fmt.Errorf("decode continuation %s: %w", id, err)
	}
	j.ID = id
	return j, nil
}
