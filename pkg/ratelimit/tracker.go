package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for throttle tracking.
var (
	graphThrottleSignalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graph_throttle_signals_total",
		Help: "Total number of throttle signals recorded",
	})

	graphThrottleWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "graph_throttle_wait_seconds",
		Help:    "Time spent waiting for a shared throttle to pass",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})
)

// extendScript raises the stored deadline only if the new one is later, so
// concurrent recorders never shorten a throttle.
var extendScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local until_ms = tonumber(ARGV[1])
if until_ms > current then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[2])
	return until_ms
end
return current
`)

// Tracker records throttle signals and holds callers back until they pass.
// With a nil Redis client the state is local to the process.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger

	mu    sync.Mutex
	local ThrottleState
}

// NewTracker creates a new throttle tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
	}
}

// RecordThrottle notes that the upstream asked for a pause of retryAfter.
// The shared deadline only ever moves forward.
func (t *Tracker) RecordThrottle(ctx context.Context, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		return nil
	}

	now := time.Now()
	until := now.Add(retryAfter)

	t.mu.Lock()
	t.local.Extend(until, now)
	t.mu.Unlock()

	graphThrottleSignalsTotal.Inc()
	t.logger.Warn().
		Dur("retry_after", retryAfter).
		Time("throttled_until", until).
		Msg("Upstream throttle recorded")

	if t.redis == nil {
		return nil
	}

	// Keys expire shortly after the deadline passes.
	ttl := retryAfter + time.Second
	err := extendScript.Run(ctx, t.redis,
		[]string{RedisKeyThrottledUntil, RedisKeyLastUpdate},
		until.UnixMilli(), ttl.Milliseconds(), now.UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("store throttle state in redis: %w", err)
	}
	return nil
}

// GetState returns the merged local and shared throttle state.
func (t *Tracker) GetState(ctx context.Context) (*ThrottleState, error) {
	t.mu.Lock()
	state := t.local
	t.mu.Unlock()

	if t.redis == nil {
		return &state, nil
	}

	values, err := t.redis.MGet(ctx, RedisKeyThrottledUntil, RedisKeyLastUpdate).Result()
	if err != nil {
		return &state, fmt.Errorf("get throttle state: %w", err)
	}

	until, err := parseMillis(values[0])
	if err != nil {
		return &state, fmt.Errorf("parse throttled until: %w", err)
	}
	lastUpdate, err := parseMillis(values[1])
	if err != nil {
		return &state, fmt.Errorf("parse last update: %w", err)
	}

	if until.After(state.ThrottledUntil) {
		state.ThrottledUntil = until
	}
	if lastUpdate.After(state.LastUpdate) {
		state.LastUpdate = lastUpdate
	}
	return &state, nil
}

// ErrWaitBudgetExceeded is returned by WaitAtMost when the active throttle
// would hold the caller back for longer than its budget.
var ErrWaitBudgetExceeded = errors.New("throttle outlasts wait budget")

// Wait blocks until no throttle is active and returns how long it waited.
// A Redis failure degrades to the local state rather than failing the caller.
func (t *Tracker) Wait(ctx context.Context) (time.Duration, error) {
	return t.wait(ctx, -1)
}

// WaitAtMost is Wait bounded by budget. When the active throttle would
// outlast what is left of budget it returns ErrWaitBudgetExceeded at once
// instead of sleeping.
func (t *Tracker) WaitAtMost(ctx context.Context, budget time.Duration) (time.Duration, error) {
	return t.wait(ctx, max(budget, 0))
}

// wait holds the caller back; a negative budget is unbounded.
func (t *Tracker) wait(ctx context.Context, budget time.Duration) (time.Duration, error) {
	var waited time.Duration

	for {
		state, err := t.GetState(ctx)
		if err != nil {
			t.logger.Warn().Err(err).Msg("Shared throttle state unavailable, using local state")
		}

		remaining := state.Remaining(time.Now())
		if remaining <= 0 {
			if waited > 0 {
				graphThrottleWaitSeconds.Observe(waited.Seconds())
			}
			return waited, nil
		}

		if budget >= 0 && waited+remaining > budget {
			t.logger.Debug().
				Dur("remaining", remaining).
				Dur("budget", budget).
				Msg("Throttle outlasts wait budget")
			return waited, fmt.Errorf("%w: %s remaining, %s left", ErrWaitBudgetExceeded, remaining, budget-waited)
		}

		t.logger.Debug().Dur("remaining", remaining).Msg("Waiting for throttle to pass")

		timer := time.NewTimer(remaining)
		start := time.Now()
		select {
		case <-ctx.Done():
			timer.Stop()
			return waited + time.Since(start), ctx.Err()
		case <-timer.C:
			waited += time.Since(start)
		}
	}
}

// Reset clears the local and shared throttle state.
func (t *Tracker) Reset(ctx context.Context) error {
	t.mu.Lock()
	t.local = ThrottleState{}
	t.mu.Unlock()

	if t.redis == nil {
		return nil
	}
	if err := t.redis.Del(ctx, RedisKeyThrottledUntil, RedisKeyLastUpdate).Err(); err != nil {
		return fmt.Errorf("reset throttle state: %w", err)
	}
	return nil
}

func parseMillis(v interface{}) (time.Time, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
