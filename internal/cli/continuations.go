package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/continuation"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/store"
)

// ContinuationsOptions holds flags for the continuations command.
type ContinuationsOptions struct {
	*RootOptions
	Status string
}

// ContinuationSummary is one listed job.
type ContinuationSummary struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	FacilityCode string    `json:"facility_code,omitempty"`
	SeriesID     string    `json:"series_id"`
	Status       string    `json:"status"`
	Attempts     int       `json:"attempts"`
	Occurrences  int       `json:"occurrences"`
	AvailableAt  time.Time `json:"available_at"`
	LastError    string    `json:"last_error,omitempty"`
}

// NewContinuationsCommand creates the continuations command.
func NewContinuationsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ContinuationsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "continuations",
		Short: "List queued continuation jobs",
		Long: `List the continuation jobs recorded in the database, oldest first.

Example:
  apptctl continuations --db ./appointments.db
  apptctl continuations --status failed --format json`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContinuations(cmd.Context(), opts, opts.output(cmd))
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (pending|running|done|failed)")

	return cmd
}

func runContinuations(ctx context.Context, opts *ContinuationsOptions, out *Output) error {
	switch opts.Status {
	case "", store.StatusPending, store.StatusRunning, store.StatusDone, store.StatusFailed:
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q", opts.Status))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	var records []store.ContinuationRecord
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		records, err = tx.ListContinuations(ctx, opts.Status)
		return err
	})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list continuations", err)
	}

	summaries := make([]ContinuationSummary, 0, len(records))
	for _, rec := range records {
		s := ContinuationSummary{
			ID:          rec.ID,
			Kind:        rec.Kind,
			SeriesID:    rec.SeriesID,
			Status:      rec.Status,
			Attempts:    rec.Attempts,
			AvailableAt: rec.AvailableAt,
			LastError:   rec.LastError,
		}
		// An undecodable payload is still listed; the worker reports it.
		if job, err := continuation.Decode(rec.ID, rec.Payload); err == nil {
			s.FacilityCode = job.FacilityCode
			s.Occurrences = len(job.OccurrenceIDs)
		} else {
			out.Debugf("continuation %s: %v", rec.ID, err)
		}
		summaries = append(summaries, s)
	}

	return out.Success(summaries, func(w io.Writer) error {
		if len(summaries) == 0 {
			_, err := fmt.Fprintln(w, "No continuations.")
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tKIND\tFACILITY\tSERIES\tSTATUS\tATTEMPTS\tAVAILABLE\tLAST ERROR")
		for _, s := range summaries {
			fmt.Fprintf(tw, "%.12s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				s.ID, s.Kind, s.FacilityCode, s.SeriesID, s.Status, s.Attempts,
				s.AvailableAt.UTC().Format(time.RFC3339), s.LastError)
		}
		return tw.Flush()
	})
}
