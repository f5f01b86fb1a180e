package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/domain"
)

func TestOutput_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	out := &Output{Format: "json", Writer: buf}

	require.NoError(t, out.Success(map[string]int{"jobs": 3}, nil))

	var resp Response
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)
	assert.Equal(t, map[string]any{"jobs": float64(3)}, resp.Data)
}

func TestOutput_TextSuccessUsesRenderer(t *testing.T) {
	buf := &bytes.Buffer{}
	out := &Output{Format: "text", Writer: buf}

	err := out.Success("ignored", func(w io.Writer) error {
		_, err := fmt.Fprintln(w, "rendered")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "rendered\n", buf.String())
}

func TestOutput_TextSuccessWithoutRenderer(t *testing.T) {
	buf := &bytes.Buffer{}
	out := &Output{Format: "text", Writer: buf}

	require.NoError(t, out.Success("queue empty", nil))
	assert.Equal(t, "queue empty\n", buf.String())
}

func TestOutput_JSONFailureKeepsDomainCode(t *testing.T) {
	buf := &bytes.Buffer{}
	out := &Output{Format: "json", Writer: buf}

	de := domain.Errorf(domain.ErrCodeUnknownParticipants, "unknown participants")
	de.Details = map[string]string{"prisoner_numbers": "A1234BC"}
	require.NoError(t, out.Failure(fmt.Errorf("create: %w", de)))

	var resp Response
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "UNKNOWN_PARTICIPANTS", resp.Error.Code)
	assert.Equal(t, "unknown participants", resp.Error.Message)
	assert.Equal(t, "A1234BC", resp.Error.Details["prisoner_numbers"])
}

func TestOutput_TextFailure(t *testing.T) {
	buf := &bytes.Buffer{}
	out := &Output{Format: "text", Writer: buf}

	require.NoError(t, out.Failure(errors.New("disk full")))
	assert.Equal(t, "Error [INTERNAL]: disk full\n", buf.String())
}

func TestOutput_VerboseDetails(t *testing.T) {
	buf := &bytes.Buffer{}
	out := &Output{Format: "text", Writer: buf, Verbose: true}

	de := domain.Errorf(domain.ErrCodeNotFound, "series not found")
	de.Details = map[string]string{"series_id": "s-1"}
	require.NoError(t, out.Failure(de))
	assert.Contains(t, buf.String(), "Error [NOT_FOUND]: series not found")
	assert.Contains(t, buf.String(), "series_id: s-1")
}

func TestOutput_DebugfGoesToErrWriter(t *testing.T) {
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	out := &Output{Format: "json", Writer: stdout, ErrWriter: stderr, Verbose: true}

	out.Debugf("ran %d jobs", 2)
	assert.Empty(t, stdout.String())
	assert.Equal(t, "ran 2 jobs\n", stderr.String())

	quiet := &Output{Format: "json", Writer: stdout, ErrWriter: stderr}
	quiet.Debugf("hidden")
	assert.Equal(t, "ran 2 jobs\n", stderr.String())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("boom")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))

	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitCommandError, "open", errors.New("denied")))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
	assert.Equal(t, "outer: open: denied", wrapped.Error())
}
