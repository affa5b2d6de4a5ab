// Package window splits the lagged extraction period of one trigger into
// contiguous, non-overlapping time windows, one per fetch stream.
package window

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfiguration is returned when planning parameters cannot produce
// a valid set of windows.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Window is a half-open time interval [Start, End) assigned to one stream.
type Window struct {
	Start time.Time
	End   time.Time
}

// Duration returns the width of the window.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Contains reports whether t falls inside [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// String formats the window as [start, end) in RFC 3339.
func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// Plan computes the windows for a trigger.
//
// The lagged end is trigger - timelag. Window i covers
// [laggedEnd-(i+1)*frame, laggedEnd-i*frame), so the most recent window comes
// first. Together the windows cover exactly
// [trigger-timelag-streams*frame, trigger-timelag).
func Plan(trigger time.Time, timelag, frame time.Duration, streams int) ([]Window, error) {
	if streams <= 0 {
		return nil, fmt.Errorf("%w: streams must be > 0 (got %d)", ErrInvalidConfiguration, streams)
	}
	if frame <= 0 {
		return nil, fmt.Errorf("%w: stream frame must be > 0 (got %s)", ErrInvalidConfiguration, frame)
	}
	if timelag < 0 {
		return nil, fmt.Errorf("%w: timelag must be >= 0 (got %s)", ErrInvalidConfiguration, timelag)
	}

	laggedEnd := trigger.Add(-timelag)

	windows := make([]Window, streams)
	for i := 0; i < streams; i++ {
		windows[i] = Window{
			Start: laggedEnd.Add(-time.Duration(i+1) * frame),
			End:   laggedEnd.Add(-time.Duration(i) * frame),
		}
	}

	return windows, nil
}

// Span returns the interval covered by windows produced by Plan.
// It returns the zero Window for an empty slice.
func Span(windows []Window) Window {
	if len(windows) == 0 {
		return Window{}
	}

	span := windows[0]
	for _, w := range windows[1:] {
		if w.Start.Before(span.Start) {
			span.Start = w.Start
		}
		if w.End.After(span.End) {
			span.End = w.End
		}
	}
	return span
}

// Interval is the trigger cadence that makes consecutive runs cover time
// without gaps or overlap.
func Interval(streams int, frame time.Duration) time.Duration {
	return time.Duration(streams) * frame
}
