// Package pipeline runs one extraction: plan the windows of a trigger, fetch
// every window concurrently and stream the records into one uploader.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/graph-exporter/pkg/pagination"
	"github.com/Sternrassler/graph-exporter/pkg/record"
	"github.com/Sternrassler/graph-exporter/pkg/tracing"
	"github.com/Sternrassler/graph-exporter/pkg/upload"
	"github.com/Sternrassler/graph-exporter/pkg/window"
)

// Prometheus metrics for pipeline runs.
var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_pipeline_runs_total",
		Help: "Total pipeline runs by result",
	}, []string{"result"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "graph_pipeline_run_duration_seconds",
		Help:    "Pipeline run duration in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	lastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "graph_pipeline_last_success_timestamp_seconds",
		Help: "Trigger time of the last run that delivered every record",
	})
)

// WindowFetcher reads one window as a lazy page sequence.
type WindowFetcher interface {
	FetchWithStats(ctx context.Context, w window.Window) (iter.Seq2[record.Batch, error], *pagination.Stats)
}

// Uploader delivers a batch stream and reports per-chunk outcomes.
type Uploader interface {
	Upload(ctx context.Context, batches <-chan record.Batch) *upload.Report
}

// Config holds the window plan and run bounds.
type Config struct {
	// Timelag is how far behind the trigger the newest window ends.
	Timelag time.Duration

	// Streams is the number of windows fetched concurrently.
	Streams int

	// StreamFrame is the width of each window.
	StreamFrame time.Duration

	// RunTimeout bounds a whole run. Zero means unbounded.
	RunTimeout time.Duration
}

// Validate checks the configuration before any network call is made.
func (c Config) Validate() error {
	if c.Streams <= 0 {
		return fmt.Errorf("%w: streams must be > 0 (got %d)", window.ErrInvalidConfiguration, c.Streams)
	}
	if c.StreamFrame <= 0 {
		return fmt.Errorf("%w: stream frame must be > 0 (got %s)", window.ErrInvalidConfiguration, c.StreamFrame)
	}
	if c.Timelag < 0 {
		return fmt.Errorf("%w: timelag must be >= 0 (got %s)", window.ErrInvalidConfiguration, c.Timelag)
	}
	if c.RunTimeout < 0 {
		return fmt.Errorf("%w: run timeout must be >= 0 (got %s)", window.ErrInvalidConfiguration, c.RunTimeout)
	}
	return nil
}

// WindowResult describes how one window's fetch ended.
type WindowResult struct {
	Stream       int
	Window       window.Window
	Pages        int
	Records      int
	CacheHits    int
	Throttles    int
	ThrottleWait time.Duration
	Err          *pagination.WindowError
}

// Result summarises one run.
type Result struct {
	Trigger  time.Time
	Span     window.Window
	Windows  []WindowResult
	Upload   *upload.Report
	Duration time.Duration
}

// Records returns the number of records fetched across all windows.
func (r *Result) Records() int {
	n := 0
	for _, w := range r.Windows {
		n += w.Records
	}
	return n
}

// Delivered returns the number of records the backend accepted.
func (r *Result) Delivered() int {
	if r.Upload == nil {
		return 0
	}
	return r.Upload.Delivered()
}

// Err returns the aggregated *RunError, or nil when every window was read
// and every chunk delivered.
func (r *Result) Err() error {
	re := &RunError{Trigger: r.Trigger}
	for _, w := range r.Windows {
		if w.Err != nil {
			re.Windows = append(re.Windows, w.Err)
		}
	}
	if r.Upload != nil {
		re.Delivery = r.Upload.Err()
	}
	if len(re.Windows) == 0 && re.Delivery == nil {
		return nil
	}
	return re
}

// Pipeline wires the fetcher to the uploader for each trigger.
type Pipeline struct {
	fetcher  WindowFetcher
	uploader Uploader
	config   Config
	logger   zerolog.Logger
}

// New creates a pipeline.
func New(fetcher WindowFetcher, uploader Uploader, cfg Config) (*Pipeline, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if uploader == nil {
		return nil, fmt.Errorf("uploader is required")
	}
	return &Pipeline{
		fetcher:  fetcher,
		uploader: uploader,
		config:   cfg,
		logger:   log.With().Str("component", "pipeline").Logger(),
	}, nil
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() Config {
	return p.config
}

// Plan returns the windows Run would fetch for trigger.
func (p *Pipeline) Plan(trigger time.Time) ([]window.Window, error) {
	if err := p.config.Validate(); err != nil {
		return nil, err
	}
	return window.Plan(trigger.UTC().Truncate(time.Second), p.config.Timelag, p.config.StreamFrame, p.config.Streams)
}

// Run performs one extraction for trigger. The trigger is truncated to
// whole seconds. A window that fails never stops its siblings; every failure
// is collected into the returned *RunError. Invalid configuration is
// reported before any request is made, with a nil Result.
func (p *Pipeline) Run(ctx context.Context, trigger time.Time) (*Result, error) {
	trigger = trigger.UTC().Truncate(time.Second)
	windows, err := p.Plan(trigger)
	if err != nil {
		runsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	if p.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.RunTimeout)
		defer cancel()
	}

	ctx, span := tracing.StartRunSpan(ctx, trigger, len(windows))
	start := time.Now()

	result := &Result{
		Trigger: trigger,
		Span:    window.Span(windows),
		Windows: make([]WindowResult, len(windows)),
	}

	p.logger.Info().
		Time("trigger", trigger).
		Stringer("span", result.Span).
		Int("streams", len(windows)).
		Msg("Run started")

	batches := make(chan record.Batch, len(windows))
	var wg sync.WaitGroup
	for i, w := range windows {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result.Windows[i] = p.fetchWindow(ctx, i, w, batches)
		}()
	}
	go func() {
		wg.Wait()
		close(batches)
	}()

	// Upload returns once batches is closed, i.e. after every fetcher ended.
	result.Upload = p.uploader.Upload(ctx, batches)
	result.Duration = time.Since(start)

	runErr := result.Err()
	failedWindows := 0
	if re, ok := IsRunError(runErr); ok {
		failedWindows = re.FailedWindows()
	}
	tracing.RecordRunResult(span, result.Records(), result.Delivered(), failedWindows, runErr)

	runDuration.Observe(result.Duration.Seconds())
	event := p.logger.Info()
	if runErr != nil {
		runsTotal.WithLabelValues("failed").Inc()
		event = p.logger.Error().Err(runErr)
	} else {
		runsTotal.WithLabelValues("success").Inc()
		lastSuccess.Set(float64(trigger.Unix()))
	}
	event.
		Time("trigger", trigger).
		Int("records", result.Records()).
		Int("delivered", result.Delivered()).
		Int("failed_windows", failedWindows).
		Dur("duration", result.Duration).
		Msg("Run finished")

	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// fetchWindow drains one window into out.
func (p *Pipeline) fetchWindow(ctx context.Context, stream int, w window.Window, out chan<- record.Batch) WindowResult {
	ctx, span := tracing.StartWindowSpan(ctx, stream, w.Start, w.End)

	seq, stats := p.fetcher.FetchWithStats(ctx, w)
	res := WindowResult{Stream: stream, Window: w}

	var fetchErr error
	for batch, err := range seq {
		if err != nil {
			fetchErr = err
			break
		}
		if len(batch) > 0 {
			// The uploader reads until the channel closes, so this never blocks
			// forever even after cancellation.
			out <- batch
		}
	}

	res.Pages = stats.Pages
	res.Records = stats.Records
	res.CacheHits = stats.CacheHits
	res.Throttles = stats.Throttles
	res.ThrottleWait = stats.ThrottleWait

	if fetchErr != nil {
		var we *pagination.WindowError
		if !errors.As(fetchErr, &we) {
			we = &pagination.WindowError{Window: w, Page: stats.Pages + 1, Err: fetchErr}
		}
		res.Err = we
	}

	tracing.RecordWindowResult(span, res.Pages, res.Records, res.Throttles, fetchErr)

	p.logger.Debug().
		Int("stream", stream).
		Stringer("window", w).
		Int("pages", res.Pages).
		Int("records", res.Records).
		Int("throttles", res.Throttles).
		Bool("failed", res.Err != nil).
		Msg("Window finished")
	return res
}
