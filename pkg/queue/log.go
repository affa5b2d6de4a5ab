package queue

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/spf13/cast"

	"github.com/Sternrassler/graph-exporter/pkg/record"
)

// LogBackend writes a summary line per record and stores nothing.
type LogBackend struct {
	logger zerolog.Logger
	pushed atomic.Int64
}

// NewLogBackend creates a discard backend logging through logger.
func NewLogBackend(logger zerolog.Logger) *LogBackend {
	return &LogBackend{logger: logger.With().Str("component", "queue").Str("mode", string(ModeDiscard)).Logger()}
}

// Mode returns ModeDiscard.
func (b *LogBackend) Mode() Mode {
	return ModeDiscard
}

// Push logs every record of the chunk. It never fails.
func (b *LogBackend) Push(_ context.Context, chunk record.Chunk) error {
	for _, r := range chunk.Records {
		fields, err := Decode(string(r))
		if err != nil {
			b.logger.Info().Int("chunk", chunk.Index).Str("record", string(r)).Msg("Record")
			continue
		}

		location := cast.ToStringMap(fields["location"])
		b.logger.Info().
			Int("chunk", chunk.Index).
			Str("id", cast.ToString(fields["id"])).
			Time("created", cast.ToTime(fields["createdDateTime"])).
			Str("user", cast.ToString(fields["userPrincipalName"])).
			Str("app", cast.ToString(fields["appDisplayName"])).
			Str("ip", cast.ToString(fields["ipAddress"])).
			Str("city", cast.ToString(location["city"])).
			Str("country", cast.ToString(location["countryOrRegion"])).
			Msg("Record")
	}

	b.pushed.Add(int64(chunk.Len()))
	queuePushesTotal.WithLabelValues(string(ModeDiscard), "success").Inc()
	queueRecordsTotal.WithLabelValues(string(ModeDiscard)).Add(float64(chunk.Len()))
	return nil
}

// Pushed returns the number of records logged so far.
func (b *LogBackend) Pushed() int64 {
	return b.pushed.Load()
}

// Close is a no-op.
func (b *LogBackend) Close() error {
	return nil
}
