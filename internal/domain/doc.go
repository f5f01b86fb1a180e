// Package domain defines the appointment series model shared by every
// component of the engine.
//
// The model is a flat, id-keyed record set:
//   - Series: the recurrence definition plus the cascading descriptive fields
//   - Occurrence: one scheduled instance of a series, addressed by sequence number
//   - Attendee: a participant's attendance record on one occurrence
//   - Reason: catalog entry for cancellations and attendee removals
//
// Records never point at each other in memory. Navigation is always a lookup
// by id through the store, which keeps continuation payloads serializable.
//
// # Occurrence State
//
// An occurrence is in exactly one of three states:
//
//	Scheduled -> Cancelled(reason)   reason.IsDelete == false
//	Scheduled -> Deleted(reason)     reason.IsDelete == true
//	Cancelled -> Scheduled           via uncancel
//
// Deleted is terminal. Only Scheduled occurrences accept field changes.
package domain
