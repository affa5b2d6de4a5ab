package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/graph-exporter/pkg/client"
	"github.com/Sternrassler/graph-exporter/pkg/logging"
	"github.com/Sternrassler/graph-exporter/pkg/pagination"
	"github.com/Sternrassler/graph-exporter/pkg/pipeline"
	"github.com/Sternrassler/graph-exporter/pkg/queue"
	"github.com/Sternrassler/graph-exporter/pkg/scheduler"
	"github.com/Sternrassler/graph-exporter/pkg/tracing"
	"github.com/Sternrassler/graph-exporter/pkg/upload"
	"github.com/Sternrassler/graph-exporter/pkg/window"
)

// GraphScope is the client-credentials scope for MS Graph.
const GraphScope = "https://graph.microsoft.com/.default"

// Mode returns the queue delivery mode selected by queue_backend and
// queue_type.
func (c Config) Mode() (queue.Mode, error) {
	return queue.ModeFor(c.QueueBackend, c.QueueType)
}

// TokenURL returns the OAuth2 token endpoint of the tenant.
func (c Config) TokenURL() string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token", strings.TrimRight(c.LoginURL, "/"), c.Tenant)
}

// ScheduleInterval is the trigger cadence: streams * stream_frame.
func (c Config) ScheduleInterval() time.Duration {
	return window.Interval(c.Streams, c.StreamFrame)
}

// Logging returns the logger configuration.
func (c Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.LogLevel)
	cfg.Pretty = c.LogPretty
	return cfg
}

// Tracing returns the OTLP export configuration.
func (c Config) Tracing(version string) tracing.ProviderConfig {
	return tracing.ProviderConfig{
		Endpoint:       c.OTLPEndpoint,
		ServiceName:    "graph-exporter",
		ServiceVersion: version,
	}
}

// PoolConfig returns the Redis connection pool configuration.
func (c Config) PoolConfig() queue.PoolConfig {
	return queue.PoolConfig{
		URL:            c.RedisURL,
		MaxConnections: c.RedisPoolMaxConnections,
		Timeout:        c.RedisPoolTimeout,
		Block:          c.RedisPoolBlock,
		LIFO:           c.RedisPoolLIFO,
	}
}

// Client returns the Graph client configuration using httpClient.
func (c Config) Client(httpClient *http.Client) client.Config {
	cfg := client.DefaultConfig(httpClient)
	cfg.BaseURL = c.GraphURL
	cfg.Version = c.APIVersion
	cfg.Resource = c.Resource
	cfg.UserID = c.UserID
	return cfg
}

// Fetcher returns the window fetcher configuration.
func (c Config) Fetcher() pagination.Config {
	cfg := pagination.DefaultConfig()
	cfg.PageSize = c.PageSize
	cfg.MaxThrottleWait = c.MaxThrottleWait
	cfg.Resource = c.Resource
	cfg.UserID = c.UserID
	return cfg
}

// Upload returns the uploader configuration.
func (c Config) Upload() upload.Config {
	cfg := upload.DefaultConfig()
	cfg.ChunkCapacity = c.ChunkCapacity
	cfg.MaxConcurrency = c.MaxConcurrency
	return cfg
}

// Pipeline returns the run configuration.
func (c Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		Timelag:     c.Timelag,
		Streams:     c.Streams,
		StreamFrame: c.StreamFrame,
		RunTimeout:  c.RunTimeout,
	}
}

// Scheduler returns the scheduler configuration.
func (c Config) Scheduler(runOnStart bool) scheduler.Config {
	return scheduler.Config{
		Interval:   c.ScheduleInterval(),
		RunOnStart: runOnStart,
	}
}
