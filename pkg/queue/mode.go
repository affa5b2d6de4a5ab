package queue

import (
	"fmt"
	"strings"
)

// Mode is the delivery semantics of a backend.
type Mode string

const (
	// ModeAccumulate appends records to a durable list. Records are
	// retained until a consumer removes them.
	ModeAccumulate Mode = "accumulate"

	// ModeBroadcast publishes records on a channel. Records published while
	// nobody is subscribed are lost.
	ModeBroadcast Mode = "broadcast"

	// ModeDiscard only logs records. For diagnostics and tests.
	ModeDiscard Mode = "discard"
)

// Backend and queue type names accepted in configuration.
const (
	BackendRedis = "redis"
	BackendLog   = "log"

	TypeList    = "list"
	TypeChannel = "channel"
)

// ModeFor maps the configured backend and queue type onto a Mode.
// The queue type is ignored for the log backend.
func ModeFor(backend, queueType string) (Mode, error) {
	switch strings.ToLower(backend) {
	case BackendLog:
		return ModeDiscard, nil
	case BackendRedis:
		switch strings.ToLower(queueType) {
		case TypeList:
			return ModeAccumulate, nil
		case TypeChannel:
			return ModeBroadcast, nil
		default:
			return "", fmt.Errorf("unknown queue type %q (want %q or %q)", queueType, TypeList, TypeChannel)
		}
	default:
		return "", fmt.Errorf("unknown queue backend %q (want %q or %q)", backend, BackendRedis, BackendLog)
	}
}

// Retains reports whether records pushed in this mode survive without a
// live consumer.
func (m Mode) Retains() bool {
	return m == ModeAccumulate
}
