package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/audit"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/config"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/continuation"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/lookup"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/metrics"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/notify"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/ops"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/service"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/store"
)

// WorkerOptions holds flags for the worker command.
type WorkerOptions struct {
	*RootOptions
	ListenAddr string
	Drain      bool
}

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the continuation worker",
		Long: `Run the continuation worker until interrupted.

The worker claims queued continuation jobs and replays them through the
same services as the synchronous leg. A cron sweep returns jobs with an
expired lease to the queue. Change notifications are written to stdout
as JSON lines.

With --listen, health, Prometheus metrics and the continuation queue are
served over HTTP.

Example:
  apptctl worker --db ./appointments.db
  apptctl worker --config ./apptctl.yaml --listen :9090
  apptctl worker --db ./appointments.db --drain`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.ListenAddr, "listen", "", "address for the health and metrics endpoints (disabled when empty)")
	cmd.Flags().BoolVar(&opts.Drain, "drain", false, "run every ready job once, then exit")

	return cmd
}

// app is the wiring shared by commands that execute operations.
type app struct {
	cfg      *config.Config
	store    *store.Store
	registry *prometheus.Registry
	queue    *continuation.Queue
	service  *service.Service
	metrics  *metrics.Metrics
}

// newApp opens the database and builds a Service whose notifications
// are written to events.
func newApp(cfg *config.Config, events io.Writer) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid timezone", err)
	}

	slog.Info("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)
	q := continuation.NewQueue(m)

	sink := notify.Fanout{
		notify.NewWriterSink(events),
		notify.LogSink{Logger: slog.Default().With("component", "notify")},
	}
	notifier := notify.New(sink,
		notify.WithRate(cfg.Notifications.RatePerSecond, cfg.Notifications.Burst),
		notify.WithMetrics(m),
	)

	// Deferred legs carry resolved participants, so the worker never
	// consults the prisoner or reference lookups.
	lookups := lookup.NewStatic()

	svc := service.New(service.Deps{
		Store:      st,
		Prisoners:  lookups,
		References: lookups,
		Notifier:   notifier,
		Audit:      audit.SlogRecorder{Logger: slog.Default().With("component", "audit")},
		Queue:      q,
		Metrics:    m,
		Location:   loc,
		Limits:     cfg.ServiceLimits(),
	})

	return &app{cfg: cfg, store: st, registry: reg, queue: q, service: svc, metrics: m}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

func (a *app) worker() *continuation.Worker {
	return continuation.NewWorker(a.store, a.queue, a.service, nil, a.metrics, a.cfg.WorkerOptions())
}

func runWorker(cmd *cobra.Command, opts *WorkerOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	opts.setupLogging(cfg, cmd.ErrOrStderr())
	out := opts.output(cmd)

	rt, err := newApp(cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer rt.close()
	w := rt.worker()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	if opts.Drain {
		n, err := w.Drain(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return WrapExitError(ExitFailure, "drain failed", err)
		}
		out.Debugf("ran %d continuation jobs", n)
		slog.Info("continuation queue drained", "jobs", n)
		return nil
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if opts.ListenAddr != "" {
		stop, err := serveOps(ctx, opts.ListenAddr, rt)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to start ops listener", err)
		}
		defer stop()
	}

	slog.Info("worker starting", "db", cfg.Database)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "worker error", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// serveOps starts the ops HTTP server and returns a function that shuts it
// down.
func serveOps(ctx context.Context, addr string, rt *app) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           ops.NewRouter(rt.store, rt.registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("ops server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops server failed", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("ops server shutdown failed", "error", err)
		}
	}, nil
}
