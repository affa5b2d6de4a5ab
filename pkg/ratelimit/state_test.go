package ratelimit

import (
	"testing"
	"time"
)

func TestThrottleState_Remaining(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		until         time.Time
		wantRemaining time.Duration
		wantThrottled bool
	}{
		{name: "no throttle", until: time.Time{}, wantRemaining: 0, wantThrottled: false},
		{name: "future deadline", until: now.Add(30 * time.Second), wantRemaining: 30 * time.Second, wantThrottled: true},
		{name: "deadline is now", until: now, wantRemaining: 0, wantThrottled: false},
		{name: "past deadline", until: now.Add(-time.Second), wantRemaining: 0, wantThrottled: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &ThrottleState{ThrottledUntil: tt.until}
			if got := state.Remaining(now); got != tt.wantRemaining {
				t.Errorf("Remaining() = %v, want %v", got, tt.wantRemaining)
			}
			if got := state.IsThrottled(now); got != tt.wantThrottled {
				t.Errorf("IsThrottled() = %v, want %v", got, tt.wantThrottled)
			}
		})
	}
}

func TestThrottleState_ExtendNeverShortens(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	state := &ThrottleState{}

	state.Extend(now.Add(10*time.Second), now)
	state.Extend(now.Add(5*time.Second), now.Add(time.Second))

	if !state.ThrottledUntil.Equal(now.Add(10 * time.Second)) {
		t.Errorf("ThrottledUntil = %v, want %v", state.ThrottledUntil, now.Add(10*time.Second))
	}
	if !state.LastUpdate.Equal(now.Add(time.Second)) {
		t.Errorf("LastUpdate = %v, want latest update", state.LastUpdate)
	}
}
