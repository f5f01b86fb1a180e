package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode categorizes domain errors.
type ErrorCode string

const (
	// ErrCodeNotFound indicates a referenced series, occurrence or reason does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeForbidden indicates the caller may not act on the facility.
	ErrCodeForbidden ErrorCode = "FORBIDDEN"

	// ErrCodeInvalidRequest indicates a malformed request.
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"

	// ErrCodeTargetInPast indicates the target occurrence has already started.
	ErrCodeTargetInPast ErrorCode = "TARGET_IN_PAST"

	// ErrCodeTargetCancelled indicates the target occurrence is cancelled.
	ErrCodeTargetCancelled ErrorCode = "TARGET_CANCELLED"

	// ErrCodeTargetDeleted indicates the target occurrence is deleted.
	ErrCodeTargetDeleted ErrorCode = "TARGET_DELETED"

	// ErrCodeTargetNotCancelled indicates an uncancel target is still scheduled.
	ErrCodeTargetNotCancelled ErrorCode = "TARGET_NOT_CANCELLED"

	// ErrCodeUnknownParticipants indicates the participant lookup did not
	// recognise one or more identifiers.
	ErrCodeUnknownParticipants ErrorCode = "UNKNOWN_PARTICIPANTS"

	// ErrCodeUnknownReference indicates an unknown category, location or reason.
	ErrCodeUnknownReference ErrorCode = "UNKNOWN_REFERENCE"

	// ErrCodeInstanceCeiling indicates the request touches more instances
	// than the absolute ceiling allows.
	ErrCodeInstanceCeiling ErrorCode = "INSTANCE_CEILING_EXCEEDED"

	// ErrCodeStartDateInPast indicates a start date before today.
	ErrCodeStartDateInPast ErrorCode = "START_DATE_IN_PAST"

	// ErrCodeStartDateTooFar indicates a start date beyond the configured horizon.
	ErrCodeStartDateTooFar ErrorCode = "START_DATE_TOO_FAR"

	// ErrCodeInvalidRecurrence indicates an unsupported frequency or a count below one.
	ErrCodeInvalidRecurrence ErrorCode = "INVALID_RECURRENCE"

	// ErrCodeParticipantsNotEditable indicates participant changes on an
	// individual series.
	ErrCodeParticipantsNotEditable ErrorCode = "PARTICIPANTS_NOT_EDITABLE"

	// ErrCodeUncancelDeleted indicates an attempt to uncancel a deletion.
	ErrCodeUncancelDeleted ErrorCode = "UNCANCEL_DELETED"
)

// Error is a domain error with structured fields for callers and logs.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// SeriesID identifies the affected series, when known.
	SeriesID string

	// OccurrenceID identifies the affected occurrence, when known.
	OccurrenceID string

	// Details contains additional context.
	Details map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.OccurrenceID != "" {
		return fmt.Sprintf("%s: %s (occurrence=%s)", e.Code, e.Message, e.OccurrenceID)
	}
	if e.SeriesID != "" {
		return fmt.Sprintf("%s: %s (series=%s)", e.Code, e.Message, e.SeriesID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf creates an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithSeries sets the series id and returns e.
func (e *Error) WithSeries(id string) *Error {
	e.SeriesID = id
	return e
}

// WithOccurrence sets the occurrence id and returns e.
func (e *Error) WithOccurrence(id string) *Error {
	e.OccurrenceID = id
	return e
}

// CodeOf returns the code of a domain error, or "" for any other error.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsValidation reports whether err rejected a request before any mutation.
// Every domain error except UNCANCEL_DELETED is a validation error.
func IsValidation(err error) bool {
	code := CodeOf(err)
	return code != "" && code != ErrCodeUncancelDeleted
}

// NotFound creates a NOT_FOUND error for the given kind of record.
func NotFound(kind, id string) *Error {
	return Errorf(ErrCodeNotFound, "%s %s not found", kind, id)
}

// UnknownParticipants creates an error listing every unrecognised identifier.
func UnknownParticipants(numbers []string) *Error {
	sorted := append([]string(nil), numbers...)
	sort.Strings(sorted)
	return &Error{
		Code:    ErrCodeUnknownParticipants,
		Message: fmt.Sprintf("unknown participants: %s", strings.Join(sorted, ", ")),
		Details: map[string]string{"participants": strings.Join(sorted, ",")},
	}
}

// InstanceCeiling creates an error for a request over the absolute ceiling.
func InstanceCeiling(count, limit int) *Error {
	return &Error{
		Code:    ErrCodeInstanceCeiling,
		Message: fmt.Sprintf("request affects %d instances, limit is %d", count, limit),
		Details: map[string]string{
			"instances": fmt.Sprintf("%d", count),
			"limit":     fmt.Sprintf("%d", limit),
		},
	}
}
