package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	poolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "graph_queue_pool_in_use",
		Help: "Backend connections currently held by pushes",
	})

	poolTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graph_queue_pool_timeouts_total",
		Help: "Total pushes that could not acquire a backend connection",
	})
)

// PoolConfig bounds the connections used against the queue store.
type PoolConfig struct {
	// URL is the redis:// connection URL.
	URL string

	// MaxConnections is the largest number of connections in use at once.
	MaxConnections int

	// Timeout is how long a blocking pool waits for a free connection.
	Timeout time.Duration

	// Block selects waiting for a connection over failing at once.
	Block bool

	// LIFO reuses the most recently released connection first.
	LIFO bool
}

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		URL:            "redis://localhost:6379/0",
		MaxConnections: 15,
		Timeout:        1 * time.Second,
		Block:          true,
		LIFO:           true,
	}
}

// Validate checks the pool bounds.
func (c PoolConfig) Validate() error {
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be > 0 (got %d)", c.MaxConnections)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("pool timeout must be >= 0 (got %s)", c.Timeout)
	}
	return nil
}

// Options converts the pool configuration into go-redis client options.
func (c PoolConfig) Options() (*redis.Options, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	opts, err := redis.ParseURL(c.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	opts.PoolSize = c.MaxConnections
	opts.PoolFIFO = !c.LIFO
	if c.Timeout > 0 {
		opts.PoolTimeout = c.Timeout
	}
	return opts, nil
}

// NewRedisClient creates a Redis client honouring the pool configuration.
func NewRedisClient(c PoolConfig) (*redis.Client, error) {
	opts, err := c.Options()
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// gate hands out at most MaxConnections slots. It enforces the blocking
// policy before go-redis is asked for a connection, so a non-blocking pool
// fails without queueing inside the client.
type gate struct {
	slots   chan struct{}
	block   bool
	timeout time.Duration
}

func newGate(c PoolConfig) *gate {
	size := c.MaxConnections
	if size <= 0 {
		size = 1
	}
	return &gate{
		slots:   make(chan struct{}, size),
		block:   c.Block,
		timeout: c.Timeout,
	}
}

// acquire takes a slot or returns ErrConnectionPoolTimeout.
func (g *gate) acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		poolInUse.Inc()
		return nil
	default:
	}

	if !g.block {
		poolTimeoutsTotal.Inc()
		return fmt.Errorf("%w: all %d connections in use", ErrConnectionPoolTimeout, cap(g.slots))
	}

	var expired <-chan time.Time
	if g.timeout > 0 {
		timer := time.NewTimer(g.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case g.slots <- struct{}{}:
		poolInUse.Inc()
		return nil
	case <-expired:
		poolTimeoutsTotal.Inc()
		return fmt.Errorf("%w: no connection free after %s", ErrConnectionPoolTimeout, g.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) release() {
	<-g.slots
	poolInUse.Dec()
}
