package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/tomb.v2"

	"github.com/Sternrassler/graph-exporter/pkg/logging"
	"github.com/Sternrassler/graph-exporter/pkg/metrics"
	"github.com/Sternrassler/graph-exporter/pkg/scheduler"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run extractions on a schedule.",
		Long: `run one extraction every streams * stream_frame until SIGINT or SIGTERM.
Health and Prometheus metrics are served on metrics_addr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.RequireCredentials(); err != nil {
				return err
			}
			runOnStart, err := cmd.Flags().GetBool("run-on-start")
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			sched, err := scheduler.New(a.pipeline, cfg.Scheduler(runOnStart))
			if err != nil {
				return err
			}
			return serve(ctx, cfg.MetricsAddr, sched, a)
		},
	}
	cmd.Flags().Bool("run-on-start", true, "trigger one run immediately")
	return cmd
}

// serve runs the scheduler and the HTTP server until ctx ends or either
// fails.
func serve(ctx context.Context, addr string, sched *scheduler.Scheduler, a *app) error {
	logger := logging.NewLogger("server")
	life, _ := tomb.WithContext(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           newMux(sched, a),
		ReadHeaderTimeout: 5 * time.Second,
	}

	life.Go(func() error {
		logger.Info().Str("addr", addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	life.Go(func() error {
		sched.Start()
		<-life.Dying()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Scheduler did not stop cleanly")
		}
		return srv.Shutdown(shutdownCtx)
	})

	err := life.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info().Err(err).Msg("Server exited")
	return err
}

// healthStatus is the body of the health endpoints.
type healthStatus struct {
	Status      string     `json:"status"`
	Version     string     `json:"version"`
	Runs        int64      `json:"runs"`
	LastTrigger *time.Time `json:"last_trigger,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	NextTrigger *time.Time `json:"next_trigger,omitempty"`
	Redis       string     `json:"redis,omitempty"`
}

// runStatus is what the health endpoints need from the scheduler.
type runStatus interface {
	Runs() int64
	LastRun() (time.Time, error)
	Next() time.Time
}

// pinger checks a dependency for readiness.
type pinger interface {
	ping(ctx context.Context) error
}

func newMux(runs runStatus, deps pinger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health/live", healthHandler(runs, nil))
	mux.HandleFunc("/health/ready", healthHandler(runs, deps))
	mux.HandleFunc("/health", healthHandler(runs, deps))
	return mux
}

// healthHandler reports the scheduler state. With deps set it also checks
// Redis and answers 503 when it is unreachable.
func healthHandler(runs runStatus, deps pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{
			Status:  "ok",
			Version: Version,
			Runs:    runs.Runs(),
		}
		if trigger, err := runs.LastRun(); !trigger.IsZero() {
			status.LastTrigger = &trigger
			if err != nil {
				status.LastError = err.Error()
			}
		}
		if next := runs.Next(); !next.IsZero() {
			status.NextTrigger = &next
		}

		code := http.StatusOK
		if deps != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.ping(ctx); err != nil {
				status.Status = "unavailable"
				status.Redis = err.Error()
				code = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
