package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/domain"
)

// Exit codes for apptctl.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The operation ran and failed (domain error, worker error)
	ExitCommandError = 2 // Bad invocation (unreadable config, database cannot be opened)
)

// ExitError carries the process exit code for a command failure.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the exit code for err. Errors that are not an
// ExitError map to ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Output renders command results as text or as a JSON envelope.
type Output struct {
	Format string
	Writer io.Writer
	// ErrWriter receives diagnostics so JSON on Writer stays parseable.
	ErrWriter io.Writer
	Verbose   bool
}

// Response is the JSON envelope written in json format.
type Response struct {
	Status string         `json:"status"` // "ok" or "error"
	Data   any            `json:"data,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

// ResponseError describes a failed command. Code is the domain error code
// when there is one.
type ResponseError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Success writes data. In text format, text renders it; a nil text prints
// data with fmt.
func (o *Output) Success(data any, text func(w io.Writer) error) error {
	if o.Format == "json" {
		return json.NewEncoder(o.Writer).Encode(Response{Status: "ok", Data: data})
	}
	if text == nil {
		_, err := fmt.Fprintln(o.Writer, data)
		return err
	}
	return text(o.Writer)
}

// Failure writes err. Domain errors keep their code and details; anything
// else is reported as INTERNAL.
func (o *Output) Failure(err error) error {
	body := &ResponseError{Code: "INTERNAL", Message: err.Error()}
	var de *domain.Error
	if errors.As(err, &de) {
		body.Code = string(de.Code)
		body.Message = de.Message
		body.Details = de.Details
	}

	if o.Format == "json" {
		return json.NewEncoder(o.Writer).Encode(Response{Status: "error", Error: body})
	}
	fmt.Fprintf(o.Writer, "Error [%s]: %s\n", body.Code, body.Message)
	if o.Verbose {
		for k, v := range body.Details {
			fmt.Fprintf(o.Writer, "  %s: %s\n", k, v)
		}
	}
	return nil
}

// Debugf writes a diagnostic line when verbose output is on.
func (o *Output) Debugf(format string, args ...any) {
	if !o.Verbose {
		return
	}
	w := o.ErrWriter
	if w == nil {
		w = o.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}
