// Package cli implements apptctl, the operator command line of the
// appointment engine.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Database   string // overrides the config file when set
	Verbose    bool
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the apptctl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "apptctl",
		Short: "Operate the recurring appointment engine",
		Long: `apptctl runs the continuation worker of the appointment engine and
inspects its state.

Large bulk edits, cancellations and series creations are split: the first
occurrence commits synchronously and the remainder is queued as a
continuation. The worker replays queued continuations until the queue is
empty.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config (defaults apply when empty)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewWorkerCommand(opts))
	cmd.AddCommand(NewPreviewCommand(opts))
	cmd.AddCommand(NewContinuationsCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))

	return cmd
}

// loadConfig reads --config and applies flag overrides.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Database != "" {
		cfg.Database = o.Database
	}
	return cfg, nil
}

// setupLogging installs the default slog handler on w. --verbose forces
// debug level.
func (o *RootOptions) setupLogging(cfg *config.Config, w io.Writer) {
	level := cfg.Level()
	if o.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func (o *RootOptions) output(cmd *cobra.Command) *Output {
	return &Output{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
