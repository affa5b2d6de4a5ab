package window

import (
	"errors"
	"sort"
	"testing"
	"time"
)

func TestPlan_Example(t *testing.T) {
	trigger := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	windows, err := Plan(trigger, 120*time.Second, 30*time.Second, 2)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	want := []Window{
		{
			Start: time.Date(2024, 5, 1, 11, 57, 30, 0, time.UTC),
			End:   time.Date(2024, 5, 1, 11, 58, 0, 0, time.UTC),
		},
		{
			Start: time.Date(2024, 5, 1, 11, 57, 0, 0, time.UTC),
			End:   time.Date(2024, 5, 1, 11, 57, 30, 0, time.UTC),
		},
	}

	if len(windows) != len(want) {
		t.Fatalf("len(windows) = %d, want %d", len(windows), len(want))
	}
	for i := range want {
		if !windows[i].Start.Equal(want[i].Start) || !windows[i].End.Equal(want[i].End) {
			t.Errorf("windows[%d] = %s, want %s", i, windows[i], want[i])
		}
	}
}

func TestPlan_LongerTimelag(t *testing.T) {
	trigger := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	windows, err := Plan(trigger, 150*time.Second, 30*time.Second, 2)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	want := []Window{
		{
			Start: time.Date(2024, 5, 1, 11, 57, 0, 0, time.UTC),
			End:   time.Date(2024, 5, 1, 11, 57, 30, 0, time.UTC),
		},
		{
			Start: time.Date(2024, 5, 1, 11, 56, 30, 0, time.UTC),
			End:   time.Date(2024, 5, 1, 11, 57, 0, 0, time.UTC),
		},
	}
	for i := range want {
		if windows[i] != want[i] {
			t.Errorf("windows[%d] = %s, want %s", i, windows[i], want[i])
		}
	}
}

func TestPlan_CoverageProperties(t *testing.T) {
	base := time.Date(2023, 12, 31, 23, 59, 59, 0, time.UTC)

	tests := []struct {
		name    string
		trigger time.Time
		timelag time.Duration
		frame   time.Duration
		streams int
	}{
		{name: "single stream", trigger: base, timelag: 0, frame: time.Minute, streams: 1},
		{name: "default exporter settings", trigger: base, timelag: 120 * time.Second, frame: 30 * time.Second, streams: 2},
		{name: "many narrow streams", trigger: base, timelag: 5 * time.Second, frame: time.Second, streams: 64},
		{name: "sub-second frames", trigger: base.Add(123 * time.Millisecond), timelag: time.Second, frame: 250 * time.Millisecond, streams: 7},
		{name: "wide frames across a day boundary", trigger: base, timelag: time.Hour, frame: 6 * time.Hour, streams: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			windows, err := Plan(tt.trigger, tt.timelag, tt.frame, tt.streams)
			if err != nil {
				t.Fatalf("Plan() error = %v", err)
			}
			if len(windows) != tt.streams {
				t.Fatalf("len(windows) = %d, want %d", len(windows), tt.streams)
			}

			for i, w := range windows {
				if !w.Start.Before(w.End) {
					t.Errorf("windows[%d] = %s: start must be before end", i, w)
				}
				if w.Duration() != tt.frame {
					t.Errorf("windows[%d].Duration() = %s, want %s", i, w.Duration(), tt.frame)
				}
			}

			sorted := append([]Window(nil), windows...)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })
			for i := 1; i < len(sorted); i++ {
				if !sorted[i-1].End.Equal(sorted[i].Start) {
					t.Errorf("windows not contiguous: %s then %s", sorted[i-1], sorted[i])
				}
			}

			span := Span(windows)
			wantEnd := tt.trigger.Add(-tt.timelag)
			wantStart := wantEnd.Add(-time.Duration(tt.streams) * tt.frame)
			if !span.Start.Equal(wantStart) || !span.End.Equal(wantEnd) {
				t.Errorf("Span() = %s, want [%s, %s)", span, wantStart, wantEnd)
			}
		})
	}
}

func TestPlan_MostRecentFirst(t *testing.T) {
	windows, err := Plan(time.Unix(10_000, 0), 0, 10*time.Second, 3)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	for i := 1; i < len(windows); i++ {
		if !windows[i].End.Equal(windows[i-1].Start) {
			t.Errorf("windows[%d].End = %s, want %s", i, windows[i].End, windows[i-1].Start)
		}
	}
}

func TestPlan_Deterministic(t *testing.T) {
	trigger := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	first, err := Plan(trigger, time.Minute, 15*time.Second, 4)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	second, err := Plan(trigger, time.Minute, 15*time.Second, 4)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	for i := range first {
		if first[i] != second[i] {
			t.Errorf("run %d differs: %s vs %s", i, first[i], second[i])
		}
	}
}

func TestPlan_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name    string
		timelag time.Duration
		frame   time.Duration
		streams int
	}{
		{name: "zero streams", timelag: 0, frame: time.Second, streams: 0},
		{name: "negative streams", timelag: 0, frame: time.Second, streams: -2},
		{name: "zero frame", timelag: 0, frame: 0, streams: 1},
		{name: "negative frame", timelag: 0, frame: -time.Second, streams: 1},
		{name: "negative timelag", timelag: -time.Second, frame: time.Second, streams: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			windows, err := Plan(time.Now(), tt.timelag, tt.frame, tt.streams)
			if !errors.Is(err, ErrInvalidConfiguration) {
				t.Errorf("Plan() error = %v, want ErrInvalidConfiguration", err)
			}
			if windows != nil {
				t.Errorf("Plan() windows = %v, want nil", windows)
			}
		})
	}
}

func TestWindow_Contains(t *testing.T) {
	w := Window{Start: time.Unix(100, 0), End: time.Unix(110, 0)}

	if !w.Contains(time.Unix(100, 0)) {
		t.Error("start must be inside the window")
	}
	if !w.Contains(time.Unix(109, 999)) {
		t.Error("instant before end must be inside the window")
	}
	if w.Contains(time.Unix(110, 0)) {
		t.Error("end must be outside the window")
	}
}

func TestInterval(t *testing.T) {
	if got := Interval(2, 30*time.Second); got != time.Minute {
		t.Errorf("Interval() = %s, want 1m", got)
	}
}

func TestSpan_Empty(t *testing.T) {
	if got := Span(nil); got != (Window{}) {
		t.Errorf("Span(nil) = %v, want zero window", got)
	}
}
