package pagination

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/graph-exporter/pkg/cache"
	"github.com/Sternrassler/graph-exporter/pkg/client"
	"github.com/Sternrassler/graph-exporter/pkg/ratelimit"
	"github.com/Sternrassler/graph-exporter/pkg/record"
	"github.com/Sternrassler/graph-exporter/pkg/retry"
	"github.com/Sternrassler/graph-exporter/pkg/tracing"
	"github.com/Sternrassler/graph-exporter/pkg/window"
)

// Prometheus metrics for window fetching.
var (
	fetchPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_fetch_pages_total",
		Help: "Total pages read by source",
	}, []string{"source"})

	fetchRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graph_fetch_records_total",
		Help: "Total records read from the upstream API",
	})

	fetchThrottleSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graph_fetch_throttle_seconds_total",
		Help: "Total time fetch streams spent suspended by throttling",
	})

	fetchWindowFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graph_fetch_window_failures_total",
		Help: "Total windows that could not be read to the end",
	})
)

// PageQuerier is the single-page query the Graph client must implement.
type PageQuerier interface {
	QueryPage(ctx context.Context, w window.Window, cursor string, pageSize int) (client.Page, error)
}

// Config holds fetcher configuration.
type Config struct {
	// PageSize is the number of records requested per page.
	PageSize int

	// Retry bounds the attempts for transient page failures.
	Retry retry.Config

	// DefaultThrottleDelay is used when a throttle signal carries no delay.
	DefaultThrottleDelay time.Duration

	// MaxThrottleWait caps total throttle suspension per window.
	// Zero means uncapped.
	MaxThrottleWait time.Duration

	// Resource and UserID scope page cache keys.
	Resource string
	UserID   string
}

// DefaultConfig returns the default fetcher configuration.
func DefaultConfig() Config {
	return Config{
		PageSize:             50,
		Retry:                retry.DefaultConfig(),
		DefaultThrottleDelay: 5 * time.Second,
		MaxThrottleWait:      5 * time.Minute,
		Resource:             "auditLogs/signIns",
	}
}

// Stats describes one pass over a window. It is filled in while the
// sequence is consumed.
type Stats struct {
	Pages        int
	Records      int
	CacheHits    int
	Throttles    int
	ThrottleWait time.Duration
}

// Option configures optional fetcher collaborators.
type Option func(*Fetcher)

// WithThrottleTracker shares throttle signals with every fetcher holding
// the same tracker.
func WithThrottleTracker(tracker *ratelimit.Tracker) Option {
	return func(f *Fetcher) {
		f.throttle = tracker
	}
}

// WithPageCache serves repeated page queries from cache.
func WithPageCache(manager *cache.Manager) Option {
	return func(f *Fetcher) {
		f.cache = manager
	}
}

// Fetcher reads windows page by page.
type Fetcher struct {
	querier  PageQuerier
	config   Config
	throttle *ratelimit.Tracker
	cache    *cache.Manager
	logger   zerolog.Logger
}

// NewFetcher creates a new window fetcher.
func NewFetcher(querier PageQuerier, config Config, opts ...Option) *Fetcher {
	if config.PageSize <= 0 {
		config.PageSize = 50
	}
	if config.DefaultThrottleDelay <= 0 {
		config.DefaultThrottleDelay = 5 * time.Second
	}

	f := &Fetcher{
		querier: querier,
		config:  config,
		logger:  log.With().Str("component", "fetcher").Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the lazy page sequence of w. Each element is one page's
// batch, in page order, including empty pages. A non-nil error is the last
// element and is always a *WindowError.
func (f *Fetcher) Fetch(ctx context.Context, w window.Window) iter.Seq2[record.Batch, error] {
	seq, _ := f.FetchWithStats(ctx, w)
	return seq
}

// FetchWithStats is Fetch plus a Stats value updated as the sequence is
// consumed. Read the stats only after iteration has finished.
func (f *Fetcher) FetchWithStats(ctx context.Context, w window.Window) (iter.Seq2[record.Batch, error], *Stats) {
	stats := &Stats{}

	seq := func(yield func(record.Batch, error) bool) {
		*stats = Stats{}
		logger := f.logger.With().Stringer("window", w).Logger()

		cursor := ""
		for pageNum := 1; ; pageNum++ {
			page, err := f.fetchPage(ctx, w, cursor, pageNum, stats, logger)
			if err != nil {
				fetchWindowFailuresTotal.Inc()
				logger.Error().
					Err(err).
					Int("page", pageNum).
					Int("records", stats.Records).
					Msg("Window fetch failed")
				yield(nil, &WindowError{Window: w, Page: pageNum, Err: err})
				return
			}

			stats.Pages++
			stats.Records += len(page.Records)

			if !yield(page.Records, nil) {
				return
			}

			if page.Last() {
				logger.Debug().
					Int("pages", stats.Pages).
					Int("records", stats.Records).
					Int("throttles", stats.Throttles).
					Msg("Window fetch complete")
				return
			}
			cursor = page.NextCursor
		}
	}

	return seq, stats
}

// fetchPage returns one page, repeating it on throttle signals and retrying
// transient failures.
func (f *Fetcher) fetchPage(ctx context.Context, w window.Window, cursor string, pageNum int, stats *Stats, logger zerolog.Logger) (client.Page, error) {
	key := cache.PageKey{
		Resource: f.config.Resource,
		Window:   w,
		Cursor:   cursor,
		PageSize: f.config.PageSize,
		UserID:   f.config.UserID,
	}
	if page, ok := f.cachedPage(ctx, key, logger); ok {
		stats.CacheHits++
		fetchPagesTotal.WithLabelValues("cache").Inc()
		return page, nil
	}

	target := cursor
	if target == "" {
		target = "first"
	}

	for {
		if err := f.waitShared(ctx, stats); err != nil {
			return client.Page{}, err
		}

		pageCtx, span := tracing.StartPageSpan(ctx, pageNum, target)
		var page client.Page
		err := retry.Do(pageCtx, f.config.Retry, "fetch_page", func() error {
			var err error
			page, err = f.querier.QueryPage(pageCtx, w, cursor, f.config.PageSize)
			return err
		}, isTransient)
		tracing.End(span, err)

		if err == nil {
			fetchPagesTotal.WithLabelValues("api").Inc()
			fetchRecordsTotal.Add(float64(len(page.Records)))
			f.storePage(ctx, key, page, logger)
			return page, nil
		}

		rl, throttled := client.IsRateLimited(err)
		if !throttled {
			if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
				return client.Page{}, errors.Join(ctxErr, err)
			}
			return client.Page{}, err
		}

		delay := rl.RetryAfter
		if delay <= 0 {
			delay = f.config.DefaultThrottleDelay
		}
		stats.Throttles++

		if limit := f.config.MaxThrottleWait; limit > 0 && stats.ThrottleWait+delay > limit {
			logger.Error().
				Dur("throttle_wait", stats.ThrottleWait).
				Dur("delay", delay).
				Dur("max_throttle_wait", limit).
				Msg("Throttle wait budget exhausted")
			return client.Page{}, errors.Join(ErrThrottleBudgetExceeded, err)
		}

		logger.Warn().
			Int("page", pageNum).
			Dur("delay", delay).
			Int("throttles", stats.Throttles).
			Msg("Throttled, repeating page after delay")

		if err := f.suspend(ctx, delay, stats, logger); err != nil {
			return client.Page{}, err
		}
	}
}

// waitShared holds the stream while a sibling's throttle signal is active,
// within what is left of the window's throttle budget.
func (f *Fetcher) waitShared(ctx context.Context, stats *Stats) error {
	if f.throttle == nil {
		return ctx.Err()
	}
	var (
		waited time.Duration
		err    error
	)
	if limit := f.config.MaxThrottleWait; limit > 0 {
		waited, err = f.throttle.WaitAtMost(ctx, limit-stats.ThrottleWait)
	} else {
		waited, err = f.throttle.Wait(ctx)
	}
	f.addThrottleWait(stats, waited)
	if errors.Is(err, ratelimit.ErrWaitBudgetExceeded) {
		return errors.Join(ErrThrottleBudgetExceeded, err)
	}
	return err
}

// suspend pauses the stream for delay and publishes the signal to siblings.
func (f *Fetcher) suspend(ctx context.Context, delay time.Duration, stats *Stats, logger zerolog.Logger) error {
	if f.throttle != nil {
		if err := f.throttle.RecordThrottle(ctx, delay); err != nil {
			logger.Warn().Err(err).Msg("Failed to share throttle signal")
		}
		return f.waitShared(ctx, stats)
	}

	timer := time.NewTimer(delay)
	start := time.Now()
	select {
	case <-ctx.Done():
		timer.Stop()
		f.addThrottleWait(stats, time.Since(start))
		return ctx.Err()
	case <-timer.C:
		f.addThrottleWait(stats, time.Since(start))
		return nil
	}
}

func (f *Fetcher) addThrottleWait(stats *Stats, d time.Duration) {
	if d <= 0 {
		return
	}
	stats.ThrottleWait += d
	fetchThrottleSeconds.Add(d.Seconds())
}

func (f *Fetcher) cachedPage(ctx context.Context, key cache.PageKey, logger zerolog.Logger) (client.Page, bool) {
	if f.cache == nil {
		return client.Page{}, false
	}

	entry, err := f.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			logger.Warn().Err(err).Msg("Page cache get error")
		}
		return client.Page{}, false
	}

	records := make(record.Batch, len(entry.Records))
	for i, raw := range entry.Records {
		records[i] = record.Record(raw)
	}
	return client.Page{Records: records, NextCursor: entry.NextCursor}, true
}

func (f *Fetcher) storePage(ctx context.Context, key cache.PageKey, page client.Page, logger zerolog.Logger) {
	if f.cache == nil {
		return
	}
	if err := f.cache.Put(ctx, key, page.Records, page.NextCursor); err != nil {
		logger.Warn().Err(err).Msg("Failed to cache page")
	}
}

// isTransient selects the failures retried with backoff. Throttle signals
// are handled by the caller and excluded here.
func isTransient(err error) bool {
	if _, ok := client.IsRateLimited(err); ok {
		return false
	}
	return client.IsRetryable(err)
}
