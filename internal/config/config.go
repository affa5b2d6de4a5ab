// Package config loads the exporter configuration from defaults, the
// environment (GRAPH_ prefix), command-line flags and an optional YAML file.
//
// A value from the YAML file wins over the same flag, which wins over the
// environment:
//
//	file > CLI > env > defaults
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Sternrassler/graph-exporter/pkg/logging"
	"github.com/Sternrassler/graph-exporter/pkg/queue"
	"github.com/Sternrassler/graph-exporter/pkg/window"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "GRAPH"

// Configuration keys. Flags and YAML fields use the same names.
const (
	KeyAppConfig               = "app_config"
	KeyClientID                = "client_id"
	KeyClientSecret            = "client_secret"
	KeyTenant                  = "tenant"
	KeyGraphURL                = "graph_url"
	KeyLoginURL                = "login_url"
	KeyAPIVersion              = "api_version"
	KeyResource                = "resource"
	KeyUserID                  = "user_id"
	KeyTimelag                 = "timelag"
	KeyStreams                 = "streams"
	KeyStreamFrame             = "stream_frame"
	KeyPageSize                = "page_size"
	KeyChunkCapacity           = "chunk_capacity"
	KeyGreenletsCount          = "greenlets_count"
	KeyMaxConcurrency          = "max_concurrency"
	KeyQueueBackend            = "queue_backend"
	KeyQueueType               = "queue_type"
	KeyQueueKey                = "queue_key"
	KeyRedisURL                = "redis_url"
	KeyRedisPoolBlock          = "redis_pool_block"
	KeyRedisPoolLIFO           = "redis_pool_lifo"
	KeyRedisPoolMaxConnections = "redis_pool_max_connections"
	KeyRedisPoolTimeout        = "redis_pool_timeout"
	KeySharedThrottle          = "shared_throttle"
	KeyPageCacheTTL            = "page_cache_ttl"
	KeyMaxThrottleWait         = "max_throttle_wait"
	KeyRunTimeout              = "run_timeout"
	KeyLogLevel                = "log_level"
	KeyLogPretty               = "log_pretty"
	KeyMetricsAddr             = "metrics_addr"
	KeyOTLPEndpoint            = "otlp_endpoint"
)

// maxPageSize is the largest $top the sign-in collection accepts.
const maxPageSize = 999

// Config is the immutable exporter configuration. Durations are read as
// whole seconds unless given with a unit ("90s", "2m").
type Config struct {
	AppConfig string

	ClientID     string
	ClientSecret string
	Tenant       string

	GraphURL   string
	LoginURL   string
	APIVersion string
	Resource   string
	UserID     string

	Timelag     time.Duration
	Streams     int
	StreamFrame time.Duration
	PageSize    int

	ChunkCapacity  int
	MaxConcurrency int

	QueueBackend string
	QueueType    string
	QueueKey     string

	RedisURL                string
	RedisPoolBlock          bool
	RedisPoolLIFO           bool
	RedisPoolMaxConnections int
	RedisPoolTimeout        time.Duration

	SharedThrottle  bool
	PageCacheTTL    time.Duration
	MaxThrottleWait time.Duration
	RunTimeout      time.Duration

	LogLevel    string
	LogPretty   bool
	MetricsAddr string

	// OTLPEndpoint is the OTLP/HTTP collector URL; empty disables export.
	OTLPEndpoint string
}

// defaults holds the built-in value of every key.
var defaults = map[string]interface{}{
	KeyAppConfig:               "",
	KeyClientID:                "",
	KeyClientSecret:            "",
	KeyTenant:                  "",
	KeyGraphURL:                "https://graph.microsoft.com",
	KeyLoginURL:                "https://login.microsoftonline.com",
	KeyAPIVersion:              "v1.0",
	KeyResource:                "auditLogs/signIns",
	KeyUserID:                  "",
	KeyTimelag:                 120,
	KeyStreams:                 2,
	KeyStreamFrame:             30,
	KeyPageSize:                50,
	KeyChunkCapacity:           10,
	KeyMaxConcurrency:          10,
	KeyQueueBackend:            queue.BackendRedis,
	KeyQueueType:               queue.TypeList,
	KeyQueueKey:                "ms_graph_exporter",
	KeyRedisURL:                "redis://localhost:6379/0",
	KeyRedisPoolBlock:          true,
	KeyRedisPoolLIFO:           true,
	KeyRedisPoolMaxConnections: 15,
	KeyRedisPoolTimeout:        1,
	KeySharedThrottle:          true,
	KeyPageCacheTTL:            0,
	KeyMaxThrottleWait:         300,
	KeyRunTimeout:              0,
	KeyLogLevel:                string(logging.LevelInfo),
	KeyLogPretty:               false,
	KeyMetricsAddr:             ":9090",
	KeyOTLPEndpoint:            "",
}

// RegisterFlags adds one flag per configuration key to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP(KeyAppConfig, "c", "", "YAML configuration file; its values win over flags and environment")
	fs.String(KeyClientID, "", "Service principal application (client) ID")
	fs.String(KeyClientSecret, "", "Service principal client secret")
	fs.String(KeyTenant, "", "Azure AD tenant of the service principal")
	fs.String(KeyGraphURL, cast.ToString(defaults[KeyGraphURL]), "MS Graph endpoint root")
	fs.String(KeyLoginURL, cast.ToString(defaults[KeyLoginURL]), "Azure AD login endpoint root")
	fs.String(KeyAPIVersion, cast.ToString(defaults[KeyAPIVersion]), "MS Graph API version")
	fs.String(KeyResource, cast.ToString(defaults[KeyResource]), "Collection to export")
	fs.String(KeyUserID, "", "Only export records of this userPrincipalName")
	fs.Int(KeyTimelag, cast.ToInt(defaults[KeyTimelag]), "Seconds the newest window ends before the trigger")
	fs.Int(KeyStreams, cast.ToInt(defaults[KeyStreams]), "Number of windows fetched in parallel per run")
	fs.Int(KeyStreamFrame, cast.ToInt(defaults[KeyStreamFrame]), "Width of each window in seconds")
	fs.Int(KeyPageSize, cast.ToInt(defaults[KeyPageSize]), "Records requested per page")
	fs.Int(KeyChunkCapacity, cast.ToInt(defaults[KeyChunkCapacity]), "Maximum records per pushed chunk")
	fs.Int(KeyMaxConcurrency, cast.ToInt(defaults[KeyMaxConcurrency]), "Maximum chunk pushes in flight")
	fs.String(KeyQueueBackend, cast.ToString(defaults[KeyQueueBackend]), "Queue backend: redis or log")
	fs.String(KeyQueueType, cast.ToString(defaults[KeyQueueType]), "Redis queue type: list or channel")
	fs.String(KeyQueueKey, cast.ToString(defaults[KeyQueueKey]), "Redis list or channel name")
	fs.String(KeyRedisURL, cast.ToString(defaults[KeyRedisURL]), "Redis connection URL")
	fs.Bool(KeyRedisPoolBlock, true, "Wait for a free Redis connection instead of failing")
	fs.Bool(KeyRedisPoolLIFO, true, "Reuse the most recently released Redis connection first")
	fs.Int(KeyRedisPoolMaxConnections, cast.ToInt(defaults[KeyRedisPoolMaxConnections]), "Redis connection pool size")
	fs.Int(KeyRedisPoolTimeout, cast.ToInt(defaults[KeyRedisPoolTimeout]), "Seconds to wait for a Redis connection")
	fs.Bool(KeySharedThrottle, true, "Share throttle signals between streams through Redis")
	fs.Int(KeyPageCacheTTL, 0, "Seconds to cache fetched pages in Redis (0 disables)")
	fs.Int(KeyMaxThrottleWait, cast.ToInt(defaults[KeyMaxThrottleWait]), "Maximum seconds a window may be suspended by throttling (0 = unbounded)")
	fs.Int(KeyRunTimeout, 0, "Seconds after which a run is cancelled (0 = unbounded)")
	fs.String(KeyLogLevel, cast.ToString(defaults[KeyLogLevel]), "Log level: debug, info, warn, error")
	fs.Bool(KeyLogPretty, false, "Human-readable console logs")
	fs.String(KeyMetricsAddr, cast.ToString(defaults[KeyMetricsAddr]), "Listen address of the health and metrics server")
	fs.String(KeyOTLPEndpoint, "", "OTLP/HTTP collector URL for traces and OTel metrics (empty = disabled)")
}

// New returns a viper instance with defaults, environment binding and,
// when fs is non-nil, flag binding in place.
func New(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	envName := func(key string) string { return EnvPrefix + "_" + strings.ToUpper(key) }
	if err := v.BindEnv(KeyChunkCapacity, envName(KeyChunkCapacity), envName(KeyGreenletsCount)); err != nil {
		return nil, errors.WithMessage(err, "bind environment")
	}
	v.RegisterAlias(KeyGreenletsCount, KeyChunkCapacity)

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, errors.WithMessage(err, "bind flags")
		}
	}
	return v, nil
}

// Load builds the configuration from v. If app_config names a file, its
// values override every other source.
func Load(v *viper.Viper) (Config, error) {
	if path := v.GetString(KeyAppConfig); path != "" {
		file := viper.New()
		file.SetConfigFile(path)
		if err := file.ReadInConfig(); err != nil {
			return Config{}, errors.WithMessagef(err, "read config file %s", path)
		}
		for _, key := range file.AllKeys() {
			v.Set(key, file.Get(key))
		}
	}

	cfg := Config{
		AppConfig:               v.GetString(KeyAppConfig),
		ClientID:                v.GetString(KeyClientID),
		ClientSecret:            v.GetString(KeyClientSecret),
		Tenant:                  v.GetString(KeyTenant),
		GraphURL:                v.GetString(KeyGraphURL),
		LoginURL:                v.GetString(KeyLoginURL),
		APIVersion:              v.GetString(KeyAPIVersion),
		Resource:                v.GetString(KeyResource),
		UserID:                  v.GetString(KeyUserID),
		Streams:                 v.GetInt(KeyStreams),
		PageSize:                v.GetInt(KeyPageSize),
		ChunkCapacity:           v.GetInt(KeyChunkCapacity),
		MaxConcurrency:          v.GetInt(KeyMaxConcurrency),
		QueueBackend:            strings.ToLower(v.GetString(KeyQueueBackend)),
		QueueType:               strings.ToLower(v.GetString(KeyQueueType)),
		QueueKey:                v.GetString(KeyQueueKey),
		RedisURL:                v.GetString(KeyRedisURL),
		RedisPoolBlock:          v.GetBool(KeyRedisPoolBlock),
		RedisPoolLIFO:           v.GetBool(KeyRedisPoolLIFO),
		RedisPoolMaxConnections: v.GetInt(KeyRedisPoolMaxConnections),
		SharedThrottle:          v.GetBool(KeySharedThrottle),
		LogLevel:                v.GetString(KeyLogLevel),
		LogPretty:               v.GetBool(KeyLogPretty),
		MetricsAddr:             v.GetString(KeyMetricsAddr),
		OTLPEndpoint:            v.GetString(KeyOTLPEndpoint),
	}

	durations := []struct {
		key    string
		target *time.Duration
	}{
		{KeyTimelag, &cfg.Timelag},
		{KeyStreamFrame, &cfg.StreamFrame},
		{KeyRedisPoolTimeout, &cfg.RedisPoolTimeout},
		{KeyPageCacheTTL, &cfg.PageCacheTTL},
		{KeyMaxThrottleWait, &cfg.MaxThrottleWait},
		{KeyRunTimeout, &cfg.RunTimeout},
	}
	for _, d := range durations {
		value, err := seconds(v.Get(d.key))
		if err != nil {
			return Config{}, errors.WithMessagef(window.ErrInvalidConfiguration, "%s: %v", d.key, err)
		}
		*d.target = value
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// seconds reads a duration given as a number of seconds or a Go duration
// string.
func seconds(raw interface{}) (time.Duration, error) {
	if s, ok := raw.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, nil
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(n * float64(time.Second)), nil
		}
		return time.ParseDuration(s)
	}
	n, err := cast.ToFloat64E(raw)
	if err != nil {
		return 0, err
	}
	return time.Duration(n * float64(time.Second)), nil
}

// Validate checks the configuration. Every error matches
// window.ErrInvalidConfiguration.
func (c Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.WithMessagef(window.ErrInvalidConfiguration, format, args...)
	}

	switch {
	case c.Streams <= 0:
		return invalid("%s must be > 0 (got %d)", KeyStreams, c.Streams)
	case c.StreamFrame < time.Second:
		return invalid("%s must be at least 1s (got %s)", KeyStreamFrame, c.StreamFrame)
	case c.Timelag < 0:
		return invalid("%s must be >= 0 (got %s)", KeyTimelag, c.Timelag)
	case c.PageSize <= 0 || c.PageSize > maxPageSize:
		return invalid("%s must be in 1..%d (got %d)", KeyPageSize, maxPageSize, c.PageSize)
	case c.ChunkCapacity <= 0:
		return invalid("%s must be > 0 (got %d)", KeyChunkCapacity, c.ChunkCapacity)
	case c.MaxConcurrency <= 0:
		return invalid("%s must be > 0 (got %d)", KeyMaxConcurrency, c.MaxConcurrency)
	case c.MaxThrottleWait < 0:
		return invalid("%s must be >= 0 (got %s)", KeyMaxThrottleWait, c.MaxThrottleWait)
	case c.RunTimeout < 0:
		return invalid("%s must be >= 0 (got %s)", KeyRunTimeout, c.RunTimeout)
	case c.PageCacheTTL < 0:
		return invalid("%s must be >= 0 (got %s)", KeyPageCacheTTL, c.PageCacheTTL)
	case c.GraphURL == "":
		return invalid("%s is required", KeyGraphURL)
	case c.Resource == "":
		return invalid("%s is required", KeyResource)
	case !logging.ValidLevel(logging.LogLevel(c.LogLevel)):
		return invalid("%s %q is not one of debug, info, warn, error", KeyLogLevel, c.LogLevel)
	}

	mode, err := c.Mode()
	if err != nil {
		return invalid("%v", err)
	}
	if mode == queue.ModeDiscard {
		return nil
	}

	switch {
	case c.QueueKey == "":
		return invalid("%s is required for the redis backend", KeyQueueKey)
	case c.RedisPoolMaxConnections <= 0:
		return invalid("%s must be > 0 (got %d)", KeyRedisPoolMaxConnections, c.RedisPoolMaxConnections)
	case c.RedisPoolTimeout < 0:
		return invalid("%s must be >= 0 (got %s)", KeyRedisPoolTimeout, c.RedisPoolTimeout)
	case c.MaxConcurrency > c.RedisPoolMaxConnections:
		return invalid("%s (%d) must not exceed %s (%d)",
			KeyMaxConcurrency, c.MaxConcurrency, KeyRedisPoolMaxConnections, c.RedisPoolMaxConnections)
	}
	if _, err := c.PoolConfig().Options(); err != nil {
		return invalid("%s: %v", KeyRedisURL, err)
	}
	return nil
}

// RequireCredentials checks the settings needed to talk to Graph.
func (c Config) RequireCredentials() error {
	required := []struct{ key, value string }{
		{KeyClientID, c.ClientID},
		{KeyClientSecret, c.ClientSecret},
		{KeyTenant, c.Tenant},
		{KeyLoginURL, c.LoginURL},
	}
	for _, r := range required {
		if r.value == "" {
			return errors.WithMessagef(window.ErrInvalidConfiguration, "%s is required", r.key)
		}
	}
	return nil
}
