package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/Sternrassler/graph-exporter/internal/config"
	"github.com/Sternrassler/graph-exporter/pkg/cache"
	"github.com/Sternrassler/graph-exporter/pkg/client"
	"github.com/Sternrassler/graph-exporter/pkg/logging"
	"github.com/Sternrassler/graph-exporter/pkg/pagination"
	"github.com/Sternrassler/graph-exporter/pkg/pipeline"
	"github.com/Sternrassler/graph-exporter/pkg/queue"
	"github.com/Sternrassler/graph-exporter/pkg/ratelimit"
	"github.com/Sternrassler/graph-exporter/pkg/tracing"
	"github.com/Sternrassler/graph-exporter/pkg/upload"
)

// app holds the components of one configured exporter.
type app struct {
	cfg       config.Config
	redis     *redis.Client
	backend   queue.Backend
	uploader  *upload.Uploader
	pipeline  *pipeline.Pipeline
	telemetry tracing.ShutdownFunc
	logger    zerolog.Logger
}

// graphHTTPClient returns an HTTP client that authenticates with the
// service principal's client credentials.
func graphHTTPClient(ctx context.Context, cfg config.Config) *http.Client {
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL(),
		Scopes:       []string{config.GraphScope},
	}
	return cc.Client(ctx)
}

// newRedis connects to Redis with tracing and metrics instrumentation.
func newRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	rdb, err := queue.NewRedisClient(cfg.PoolConfig())
	if err != nil {
		return nil, err
	}
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("instrument redis tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(rdb); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("instrument redis metrics: %w", err)
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return rdb, nil
}

// newApp wires the exporter. httpClient performs the Graph requests; when
// nil, a client-credentials client is built from cfg.
func newApp(ctx context.Context, cfg config.Config, httpClient *http.Client) (a *app, err error) {
	mode, err := cfg.Mode()
	if err != nil {
		return nil, err
	}

	a = &app{
		cfg:    cfg,
		logger: logging.NewLogger("app"),
	}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	// Providers go in first so the Redis instrumentation picks them up.
	if a.telemetry, err = tracing.SetupProviders(ctx, cfg.Tracing(Version)); err != nil {
		return nil, err
	}
	if cfg.OTLPEndpoint != "" {
		a.logger.Info().Str("otlp_endpoint", cfg.OTLPEndpoint).Msg("OTLP export enabled")
	}

	if mode != queue.ModeDiscard || cfg.PageCacheTTL > 0 {
		if a.redis, err = newRedis(ctx, cfg); err != nil {
			return nil, err
		}
		a.logger.Info().Str("redis_addr", a.redis.Options().Addr).Msg("Redis connected")
	}

	if httpClient == nil {
		httpClient = graphHTTPClient(ctx, cfg)
	}
	graph, err := client.New(cfg.Client(httpClient))
	if err != nil {
		return nil, err
	}

	if mode == queue.ModeDiscard {
		a.backend = queue.NewLogBackend(logging.NewLogger("queue"))
	} else {
		a.backend, err = queue.NewRedisBackend(a.redis, cfg.QueueKey, mode, cfg.PoolConfig())
		if err != nil {
			return nil, err
		}
	}

	var throttleStore *redis.Client
	if cfg.SharedThrottle {
		throttleStore = a.redis
	}
	opts := []pagination.Option{
		pagination.WithThrottleTracker(ratelimit.NewTracker(throttleStore, logging.NewLogger("throttle"))),
	}
	if cfg.PageCacheTTL > 0 {
		opts = append(opts, pagination.WithPageCache(cache.NewManager(a.redis, cfg.PageCacheTTL)))
	}
	fetcher := pagination.NewFetcher(graph, cfg.Fetcher(), opts...)

	if a.uploader, err = upload.New(a.backend, cfg.Upload()); err != nil {
		return nil, err
	}
	if a.pipeline, err = pipeline.New(fetcher, a.uploader, cfg.Pipeline()); err != nil {
		return nil, err
	}

	a.logger.Info().
		Str("mode", string(mode)).
		Str("queue_key", cfg.QueueKey).
		Int("streams", cfg.Streams).
		Dur("stream_frame", cfg.StreamFrame).
		Dur("timelag", cfg.Timelag).
		Bool("shared_throttle", throttleStore != nil).
		Bool("page_cache", cfg.PageCacheTTL > 0).
		Msg("Exporter ready")
	return a, nil
}

// ping checks the Redis connection, if any.
func (a *app) ping(ctx context.Context) error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Ping(ctx).Err()
}

// Close releases every component that was created.
func (a *app) Close() {
	if a.uploader != nil {
		a.uploader.Close()
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close queue backend")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close redis client")
		}
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetry(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to flush telemetry")
		}
	}
}
