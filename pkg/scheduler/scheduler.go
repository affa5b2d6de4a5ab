// Package scheduler triggers pipeline runs on a cron schedule. Runs never
// overlap: a trigger that fires while the previous run is still going is
// skipped.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/graph-exporter/pkg/logging"
	"github.com/Sternrassler/graph-exporter/pkg/pipeline"
)

var schedulerTriggersTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "graph_scheduler_triggers_total",
	Help: "Total scheduled runs started",
})

// Runner performs one run for a trigger time.
type Runner interface {
	Run(ctx context.Context, trigger time.Time) (*pipeline.Result, error)
}

// RunFunc adapts a function to Runner.
type RunFunc func(ctx context.Context, trigger time.Time) (*pipeline.Result, error)

// Run implements Runner.
func (f RunFunc) Run(ctx context.Context, trigger time.Time) (*pipeline.Result, error) {
	return f(ctx, trigger)
}

// Config holds scheduler configuration.
type Config struct {
	// Spec is a cron expression with a leading seconds field, or a
	// descriptor such as "@every 1h". It takes precedence over Interval.
	Spec string

	// Interval schedules "@every Interval" when Spec is empty. It must be
	// at least one second.
	Interval time.Duration

	// RunOnStart triggers one run as soon as the scheduler starts.
	RunOnStart bool
}

// spec returns the cron expression to schedule.
func (c Config) spec() (string, error) {
	if c.Spec != "" {
		return c.Spec, nil
	}
	if c.Interval < time.Second {
		return "", fmt.Errorf("schedule interval must be at least 1s, got %s", c.Interval)
	}
	return "@every " + c.Interval.String(), nil
}

// Scheduler fires runs on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	entry  cron.EntryID
	runner Runner
	config Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	runs     atomic.Int64
	lastErr  atomic.Value
	lastTime atomic.Value
}

// New creates a scheduler. Nothing runs until Start is called.
func New(runner Runner, cfg Config) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	spec, err := cfg.spec()
	if err != nil {
		return nil, err
	}

	logger := log.With().Str("component", "scheduler").Logger()
	cronLogger := logging.CronLogger{Logger: logger}

	s := &Scheduler{
		runner: runner,
		config: cfg,
		logger: logger,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.entry, err = s.cron.AddFunc(spec, s.fire)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins firing runs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().
		Str("spec", s.mustSpec()).
		Time("next", s.Next()).
		Msg("Scheduler started")

	if s.config.RunOnStart {
		job := s.cron.Entry(s.entry).WrappedJob
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			job.Run()
		}()
	}
}

// Stop stops scheduling and waits for a running run to finish. If ctx ends
// first, the running run is cancelled and ctx's error is returned once it
// has returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.logger.Info().Int64("runs", s.runs.Load()).Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		s.logger.Warn().Msg("Scheduler stopped, running run cancelled")
		return ctx.Err()
	}
}

// Next returns the next scheduled trigger time.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

// Runs returns the number of runs started so far.
func (s *Scheduler) Runs() int64 {
	return s.runs.Load()
}

// LastRun returns the trigger and error of the most recent finished run.
func (s *Scheduler) LastRun() (time.Time, error) {
	var trigger time.Time
	if v, ok := s.lastTime.Load().(time.Time); ok {
		trigger = v
	}
	if v, ok := s.lastErr.Load().(errBox); ok {
		return trigger, v.err
	}
	return trigger, nil
}

// errBox lets atomic.Value hold a nil error.
type errBox struct {
	err error
}

func (s *Scheduler) fire() {
	if s.ctx.Err() != nil {
		return
	}

	trigger := time.Now().UTC()
	s.runs.Add(1)
	schedulerTriggersTotal.Inc()
	s.logger.Debug().Time("trigger", trigger).Msg("Trigger fired")

	_, err := s.runner.Run(s.ctx, trigger)
	s.lastTime.Store(trigger)
	s.lastErr.Store(errBox{err: err})
	if err != nil {
		s.logger.Error().Err(err).Time("trigger", trigger).Msg("Scheduled run failed")
	}
}

func (s *Scheduler) mustSpec() string {
	spec, _ := s.config.spec()
	return spec
}
