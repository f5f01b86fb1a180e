package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/domain"
)

// ShowOptions holds flags for the show command.
type ShowOptions struct {
	*RootOptions
	Facility string
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show <series-id>",
		Short: "Print a series with its occurrences and attendees",
		Long: `Print a series as currently stored: its cascading fields, every
occurrence with its state, and the active attendee count per occurrence.

Example:
  apptctl show 0190a5c4-... --facility MDI --db ./appointments.db`,
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Facility, "facility", "", "facility code owning the series (required)")
	_ = cmd.MarkFlagRequired("facility")

	return cmd
}

func runShow(cmd *cobra.Command, opts *ShowOptions, seriesID string) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	opts.setupLogging(cfg, cmd.ErrOrStderr())
	out := opts.output(cmd)

	rt, err := newApp(cfg, io.Discard)
	if err != nil {
		return err
	}
	defer rt.close()

	details, err := rt.service.GetSeries(cmd.Context(), opts.Facility, seriesID)
	if err != nil {
		_ = out.Failure(err)
		return WrapExitError(ExitFailure, "show failed", err)
	}

	return out.Success(details, func(w io.Writer) error {
		return writeSeries(w, details)
	})
}

func writeSeries(w io.Writer, d *domain.SeriesDetails) error {
	fmt.Fprintf(w, "Series %s (%s, %s, %s x%d)\n", d.ID, d.FacilityCode, d.Type, d.Frequency, d.OccurrenceCount)
	fmt.Fprintf(w, "  category %s, starts %s at %s\n", d.CategoryCode, d.StartDate.Format(time.DateOnly), d.StartTime)
	if d.CancelFrom != nil {
		fmt.Fprintf(w, "  cancelled from %s %s\n", d.CancelFrom.Date.Format(time.DateOnly), d.CancelFrom.Time)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tDATE\tTIME\tSTATE\tEDITED\tATTENDEES\tID")
	for i := range d.Occurrences {
		o := &d.Occurrences[i]
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\t%d\t%s\n",
			o.SequenceNumber, o.StartDate.Format(time.DateOnly), o.StartTime,
			o.State, o.Edited, len(o.ActiveAttendees()), o.ID)
	}
	return tw.Flush()
}
