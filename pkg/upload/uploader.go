package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/graph-exporter/pkg/logging"
	"github.com/Sternrassler/graph-exporter/pkg/queue"
	"github.com/Sternrassler/graph-exporter/pkg/record"
	"github.com/Sternrassler/graph-exporter/pkg/retry"
)

// Prometheus metrics for chunk delivery.
var (
	uploadChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_upload_chunks_total",
		Help: "Total chunks resolved by delivery status",
	}, []string{"status"})

	uploadInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "graph_upload_inflight_pushes",
		Help: "Chunk pushes currently in flight",
	})
)

// Config holds uploader configuration.
type Config struct {
	// ChunkCapacity is the maximum number of records per chunk.
	ChunkCapacity int

	// MaxConcurrency is the maximum number of pushes in flight.
	MaxConcurrency int

	// Retry bounds the attempts per chunk for retryable backend errors.
	Retry retry.Config
}

// DefaultConfig returns the default uploader configuration.
func DefaultConfig() Config {
	return Config{
		ChunkCapacity:  100,
		MaxConcurrency: 10,
		Retry: retry.Config{
			MaxAttempts:       5,
			InitialBackoff:    1 * time.Second,
			MaxBackoff:        64 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ChunkCapacity <= 0 {
		return fmt.Errorf("chunk capacity must be positive, got %d", c.ChunkCapacity)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max concurrency must be positive, got %d", c.MaxConcurrency)
	}
	return nil
}

// Uploader delivers chunks to a backend on a bounded worker pool. The pool
// is shared by concurrent Upload calls.
type Uploader struct {
	backend queue.Backend
	config  Config
	pool    *ants.Pool
	logger  zerolog.Logger
}

// New creates an uploader. Close releases its worker pool.
func New(backend queue.Backend, cfg Config) (*Uploader, error) {
	if backend == nil {
		return nil, fmt.Errorf("queue backend is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := log.With().Str("component", "uploader").Logger()
	pool, err := ants.NewPool(cfg.MaxConcurrency, ants.WithLogger(logging.AntsLogger{Logger: logger}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	return &Uploader{
		backend: backend,
		config:  cfg,
		pool:    pool,
		logger:  logger,
	}, nil
}

// Close releases the worker pool. Upload must not be called afterwards.
func (u *Uploader) Close() {
	u.pool.Release()
}

// Upload reads batches until the channel is closed, slicing the combined
// stream into chunks of at most ChunkCapacity records, and returns once
// every chunk has resolved. Record order is kept within a chunk; chunks may
// land in any order.
//
// Cancelling ctx does not stop the reading: later chunks are recorded as
// retryable failures so the report accounts for every record.
func (u *Uploader) Upload(ctx context.Context, batches <-chan record.Batch) *Report {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		report = &Report{}
	)
	resolve := func(o Outcome) {
		uploadChunksTotal.WithLabelValues(string(o.Status)).Inc()
		mu.Lock()
		report.Outcomes = append(report.Outcomes, o)
		mu.Unlock()
	}

	index := 0
	buf := make([]record.Record, 0, u.config.ChunkCapacity)

	dispatch := func() {
		chunk := record.Chunk{Index: index, Records: buf}
		index++
		buf = make([]record.Record, 0, u.config.ChunkCapacity)

		if err := ctx.Err(); err != nil {
			o := outcomeFor(chunk)
			o.Status = StatusRetryableFailure
			o.Err = err
			resolve(o)
			return
		}

		wg.Add(1)
		// Submit blocks while every worker is busy.
		err := u.pool.Submit(func() {
			defer wg.Done()
			resolve(u.deliver(ctx, chunk))
		})
		if err != nil {
			wg.Done()
			o := outcomeFor(chunk)
			o.Status = StatusRetryableFailure
			o.Err = fmt.Errorf("submit chunk %d: %w", chunk.Index, err)
			resolve(o)
		}
	}

	for batch := range batches {
		for _, r := range batch {
			buf = append(buf, r)
			if len(buf) == u.config.ChunkCapacity {
				dispatch()
			}
		}
	}
	if len(buf) > 0 {
		dispatch()
	}

	wg.Wait()
	report.sort()

	event := u.logger.Info()
	if len(report.Failed()) > 0 {
		event = u.logger.Error()
	}
	event.
		Int("chunks", report.Chunks()).
		Int("records", report.Records()).
		Int("delivered", report.Delivered()).
		Int("failed_chunks", len(report.Failed())).
		Msg("Upload finished")

	return report
}

// UploadRecords uploads an in-memory record slice.
func (u *Uploader) UploadRecords(ctx context.Context, records []record.Record) *Report {
	batches := make(chan record.Batch, 1)
	batches <- records
	close(batches)
	return u.Upload(ctx, batches)
}

// deliver pushes one chunk with bounded retries.
func (u *Uploader) deliver(ctx context.Context, chunk record.Chunk) (o Outcome) {
	o = outcomeFor(chunk)

	uploadInFlight.Inc()
	defer uploadInFlight.Dec()

	defer func() {
		if r := recover(); r != nil {
			o.Status = StatusFatalFailure
			o.Err = fmt.Errorf("push chunk %d panicked: %v", chunk.Index, r)
			u.logger.Error().Int("chunk", chunk.Index).Interface("panic", r).Msg("Chunk push panicked")
		}
	}()

	err := retry.Do(ctx, u.config.Retry, "push_chunk", func() error {
		o.Attempts++
		return u.backend.Push(ctx, chunk)
	}, queue.Retryable)

	switch {
	case err == nil:
		o.Status = StatusSuccess
		return o
	case cancelled(ctx, err):
		o.Status = StatusRetryableFailure
	default:
		o.Status = StatusFatalFailure
	}
	o.Err = err

	u.logger.Error().
		Err(err).
		Int("chunk", chunk.Index).
		Int("records", chunk.Len()).
		Int("attempts", o.Attempts).
		Str("status", string(o.Status)).
		Msg("Chunk not delivered")
	return o
}

// cancelled reports whether delivery stopped because ctx ended while the
// failure was still worth retrying.
func cancelled(ctx context.Context, err error) bool {
	if errors.Is(err, retry.ErrContextCancelled) {
		return true
	}
	ctxErr := ctx.Err()
	if ctxErr == nil {
		return false
	}
	return errors.Is(err, ctxErr) || queue.Retryable(err)
}
