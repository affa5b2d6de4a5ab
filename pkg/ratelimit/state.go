// Package ratelimit shares upstream throttle signals between fetch streams.
// When one stream is told to back off, every stream holding the same Tracker
// (or the same Redis) waits until the signalled instant before its next
// request.
package ratelimit

import (
	"time"
)

// Redis keys for throttle state storage.
const (
	RedisKeyThrottledUntil = "graph:throttle:until"
	RedisKeyLastUpdate     = "graph:throttle:last_update"
)

// ThrottleState represents the current upstream throttle state.
type ThrottleState struct {
	// ThrottledUntil is the instant before which no request should be sent.
	// Zero when no throttle signal is active.
	ThrottledUntil time.Time `json:"throttled_until"`

	// LastUpdate is when a throttle signal was last recorded.
	LastUpdate time.Time `json:"last_update"`
}

// IsThrottled reports whether requests must still be held back at now.
func (s *ThrottleState) IsThrottled(now time.Time) bool {
	return now.Before(s.ThrottledUntil)
}

// Remaining returns how long requests must still be held back at now.
// Returns 0 if the throttle has already passed.
func (s *ThrottleState) Remaining(now time.Time) time.Duration {
	d := s.ThrottledUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Extend moves ThrottledUntil to until if that is later.
func (s *ThrottleState) Extend(until, now time.Time) {
	if until.After(s.ThrottledUntil) {
		s.ThrottledUntil = until
	}
	s.LastUpdate = now
}
