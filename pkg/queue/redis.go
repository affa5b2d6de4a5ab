package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/graph-exporter/pkg/record"
	"github.com/Sternrassler/graph-exporter/pkg/tracing"
)

// Prometheus metrics for queue pushes.
var (
	queuePushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_queue_pushes_total",
		Help: "Total chunk pushes by mode and result",
	}, []string{"mode", "result"})

	queueRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_queue_records_total",
		Help: "Total records handed to the queue store by mode",
	}, []string{"mode"})

	queueUnheardTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graph_queue_broadcast_unheard_total",
		Help: "Total broadcast records published while no subscriber listened",
	})
)

// RedisBackend pushes chunks to a Redis list (ModeAccumulate) or channel
// (ModeBroadcast).
type RedisBackend struct {
	client *redis.Client
	key    string
	mode   Mode
	gate   *gate
	closed atomic.Bool
	logger zerolog.Logger
}

// NewRedisBackend creates a backend writing to key. The pool configuration
// bounds concurrent pushes; client should come from NewRedisClient with the
// same configuration.
func NewRedisBackend(client *redis.Client, key string, mode Mode, pool PoolConfig) (*RedisBackend, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if key == "" {
		return nil, fmt.Errorf("queue key is required")
	}
	if mode != ModeAccumulate && mode != ModeBroadcast {
		return nil, fmt.Errorf("redis backend does not support mode %q", mode)
	}
	if err := pool.Validate(); err != nil {
		return nil, err
	}

	return &RedisBackend{
		client: client,
		key:    key,
		mode:   mode,
		gate:   newGate(pool),
		logger: log.With().Str("component", "queue").Str("mode", string(mode)).Str("key", key).Logger(),
	}, nil
}

// Mode returns the delivery semantics of the backend.
func (b *RedisBackend) Mode() Mode {
	return b.mode
}

// Push delivers one chunk. In ModeAccumulate the RPUSH runs inside
// MULTI/EXEC, so an aborted push leaves the list untouched.
func (b *RedisBackend) Push(ctx context.Context, chunk record.Chunk) (err error) {
	if b.closed.Load() {
		return ErrClosed
	}
	if chunk.Len() == 0 {
		return nil
	}

	ctx, span := tracing.StartPushSpan(ctx, string(b.mode), chunk.Index, chunk.Len())
	defer func() { tracing.End(span, err) }()

	if err := b.gate.acquire(ctx); err != nil {
		queuePushesTotal.WithLabelValues(string(b.mode), "pool_timeout").Inc()
		return err
	}
	defer b.gate.release()

	values := make([]interface{}, chunk.Len())
	for i, r := range chunk.Records {
		values[i] = string(r)
	}

	switch b.mode {
	case ModeAccumulate:
		err = b.pushList(ctx, values)
	case ModeBroadcast:
		err = b.publish(ctx, values)
	}
	if err != nil {
		queuePushesTotal.WithLabelValues(string(b.mode), "error").Inc()
		return fmt.Errorf("push chunk %d: %w", chunk.Index, err)
	}

	queuePushesTotal.WithLabelValues(string(b.mode), "success").Inc()
	queueRecordsTotal.WithLabelValues(string(b.mode)).Add(float64(chunk.Len()))
	b.logger.Debug().
		Int("chunk", chunk.Index).
		Int("records", chunk.Len()).
		Msg("Pushed chunk")
	return nil
}

func (b *RedisBackend) pushList(ctx context.Context, values []interface{}) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, b.key, values...)
		return nil
	})
	return err
}

func (b *RedisBackend) publish(ctx context.Context, values []interface{}) error {
	cmds, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, v := range values {
			pipe.Publish(ctx, b.key, v)
		}
		return nil
	})
	if err != nil {
		return err
	}

	unheard := 0
	for _, cmd := range cmds {
		if ic, ok := cmd.(*redis.IntCmd); ok && ic.Val() == 0 {
			unheard++
		}
	}
	if unheard > 0 {
		queueUnheardTotal.Add(float64(unheard))
		b.logger.Debug().Int("records", unheard).Msg("Published without subscribers")
	}
	return nil
}

// Len returns the number of records waiting in the list.
func (b *RedisBackend) Len(ctx context.Context) (int64, error) {
	if b.mode != ModeAccumulate {
		return 0, fmt.Errorf("len is only defined for mode %q", ModeAccumulate)
	}
	return b.client.LLen(ctx, b.key).Result()
}

// Purge removes the queue key and everything stored under it.
func (b *RedisBackend) Purge(ctx context.Context) (int64, error) {
	n, err := b.client.Del(ctx, b.key).Result()
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", b.key, err)
	}
	b.logger.Info().Int64("deleted", n).Msg("Queue purged")
	return n, nil
}

// Close stops accepting pushes. The Redis client is owned by the caller.
func (b *RedisBackend) Close() error {
	b.closed.Store(true)
	return nil
}

// Decode parses a stored record back into a map, for consumers and tests.
func Decode(value string) (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(value), &m); err != nil {
		return nil, err
	}
	return m, nil
}
