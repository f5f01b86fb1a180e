package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/domain"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/recurrence"
)

// PreviewResult is the JSON payload of the preview command.
type PreviewResult struct {
	Frequency domain.Frequency `json:"frequency"`
	Anchor    string           `json:"anchor"`
	Dates     []string         `json:"dates"`
}

// NewPreviewCommand creates the preview command.
func NewPreviewCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "preview <frequency> <anchor> <count>",
		Short: "Print the dates a recurrence would generate",
		Long: `Print the occurrence dates for a frequency, an anchor date (YYYY-MM-DD)
and an occurrence count, without touching the database.

Frequencies: none, weekday, daily, weekly, fortnightly, monthly.

Example:
  apptctl preview weekly 2024-01-01 6
  apptctl preview monthly 2024-01-31 4 --format json`,
		Args:          cobra.ExactArgs(3),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPreview(rootOpts.output(cmd), args)
		},
	}
}

func runPreview(out *Output, args []string) error {
	freq := domain.Frequency(args[0])
	if !freq.Valid() {
		return WrapExitError(ExitCommandError, "invalid frequency",
			domain.Errorf(domain.ErrCodeInvalidRecurrence, "unsupported frequency %q", args[0]))
	}
	anchor, err := time.Parse(time.DateOnly, args[1])
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid anchor date", err)
	}
	count, err := strconv.Atoi(args[2])
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid count", err)
	}

	dates, err := recurrence.Dates(anchor, freq, count)
	if err != nil {
		_ = out.Failure(err)
		return WrapExitError(ExitFailure, "preview failed", err)
	}
	out.Debugf("generated %d dates", len(dates))

	res := PreviewResult{Frequency: freq, Anchor: args[1], Dates: make([]string, len(dates))}
	for i, d := range dates {
		res.Dates[i] = d.Format(time.DateOnly)
	}
	return out.Success(res, func(w io.Writer) error {
		for i, d := range dates {
			if _, err := fmt.Fprintf(w, "%4d  %s  %s\n", i+1, d.Format(time.DateOnly), d.Weekday().String()[:3]); err != nil {
				return err
			}
		}
		return nil
	})
}
