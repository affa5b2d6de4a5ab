package pagination

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/graph-exporter/internal/testutil"
	"github.com/Sternrassler/graph-exporter/pkg/client"
	"github.com/Sternrassler/graph-exporter/pkg/ratelimit"
	"github.com/Sternrassler/graph-exporter/pkg/record"
	"github.com/Sternrassler/graph-exporter/pkg/retry"
	"github.com/Sternrassler/graph-exporter/pkg/window"
)

var testWindow = window.Window{
	Start: time.Date(2024, 5, 1, 11, 57, 30, 0, time.UTC),
	End:   time.Date(2024, 5, 1, 11, 58, 0, 0, time.UTC),
}

type step struct {
	page client.Page
	err  error
}

// fakeQuerier replays scripted steps per cursor. The last step of a cursor
// repeats once the script runs out.
type fakeQuerier struct {
	mu    sync.Mutex
	steps map[string][]step
	calls []string
}

func newFakeQuerier() *fakeQuerier {
	return &fakeQuerier{steps: make(map[string][]step)}
}

func (q *fakeQuerier) on(cursor string, steps ...step) *fakeQuerier {
	q.steps[cursor] = append(q.steps[cursor], steps...)
	return q
}

func (q *fakeQuerier) QueryPage(ctx context.Context, w window.Window, cursor string, pageSize int) (client.Page, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.calls = append(q.calls, cursor)
	if err := ctx.Err(); err != nil {
		return client.Page{}, err
	}
	s := q.steps[cursor]
	if len(s) == 0 {
		return client.Page{}, &client.Error{Class: client.ErrorClassFatal, Message: "unexpected cursor " + cursor}
	}
	next := s[0]
	if len(s) > 1 {
		q.steps[cursor] = s[1:]
	}
	return next.page, next.err
}

func (q *fakeQuerier) callCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.calls)
}

func ok(cursor string, ids ...int) step {
	batch := make(record.Batch, 0, len(ids))
	for _, id := range ids {
		batch = append(batch, record.Record(fmt.Sprintf(`{"id":%d}`, id)))
	}
	return step{page: client.Page{Records: batch, NextCursor: cursor}}
}

// idRange returns the ids from through to, inclusive.
func idRange(from, to int) []int {
	ids := make([]int, 0, to-from+1)
	for id := from; id <= to; id++ {
		ids = append(ids, id)
	}
	return ids
}

func throttled(after time.Duration) step {
	return step{err: &client.RateLimitedError{StatusCode: 429, RetryAfter: after}}
}

func transient() step {
	return step{err: &client.Error{StatusCode: 500, Class: client.ErrorClassTransient, Message: "boom"}}
}

func fatal() step {
	return step{err: &client.Error{StatusCode: 403, Class: client.ErrorClassFatal, Message: "forbidden"}}
}

func testConfig() Config {
	return Config{
		PageSize: 2,
		Retry: retry.Config{
			MaxAttempts:       3,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        2 * time.Millisecond,
			BackoffMultiplier: 2,
		},
		DefaultThrottleDelay: 5 * time.Millisecond,
	}
}

// collect drains a sequence and returns the concatenated records, the page
// count and the terminal error.
func collect(t *testing.T, f *Fetcher, ctx context.Context) ([]string, int, error) {
	t.Helper()

	var records []string
	pages := 0
	for batch, err := range f.Fetch(ctx, testWindow) {
		if err != nil {
			return records, pages, err
		}
		pages++
		for _, r := range batch {
			records = append(records, string(r))
		}
	}
	return records, pages, nil
}

func TestFetch_Pagination(t *testing.T) {
	tests := []struct {
		name      string
		querier   *fakeQuerier
		pageSize  int
		wantIDs   []int
		wantPages int
	}{
		{
			name:      "zero records",
			querier:   newFakeQuerier().on("", ok("")),
			wantIDs:   nil,
			wantPages: 1,
		},
		{
			name:      "single page",
			querier:   newFakeQuerier().on("", ok("", 1, 2)),
			wantIDs:   []int{1, 2},
			wantPages: 1,
		},
		{
			name: "three pages in order",
			querier: newFakeQuerier().
				on("", ok("c1", 1, 2)).
				on("c1", ok("c2", 3, 4)).
				on("c2", ok("", 5)),
			wantIDs:   []int{1, 2, 3, 4, 5},
			wantPages: 3,
		},
		{
			name: "pages of 50, 50 and 12",
			querier: newFakeQuerier().
				on("", ok("c1", idRange(1, 50)...)).
				on("c1", ok("c2", idRange(51, 100)...)).
				on("c2", ok("", idRange(101, 112)...)),
			pageSize:  50,
			wantIDs:   idRange(1, 112),
			wantPages: 3,
		},
		{
			name: "empty page in the middle",
			querier: newFakeQuerier().
				on("", ok("c1", 1)).
				on("c1", ok("c2")).
				on("c2", ok("", 2)),
			wantIDs:   []int{1, 2},
			wantPages: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.pageSize > 0 {
				cfg.PageSize = tt.pageSize
			}
			f := NewFetcher(tt.querier, cfg)

			records, pages, err := collect(t, f, context.Background())
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if pages != tt.wantPages {
				t.Errorf("pages = %d, want %d", pages, tt.wantPages)
			}
			if len(records) != len(tt.wantIDs) {
				t.Fatalf("records = %v, want ids %v", records, tt.wantIDs)
			}
			for i, id := range tt.wantIDs {
				if want := fmt.Sprintf(`{"id":%d}`, id); records[i] != want {
					t.Errorf("records[%d] = %s, want %s", i, records[i], want)
				}
			}
		})
	}
}

func TestFetch_RefetchStartsOver(t *testing.T) {
	q := newFakeQuerier().
		on("", ok("c1", 1, 2)).
		on("c1", ok("", 3))
	f := NewFetcher(q, testConfig())

	first, _, err := collect(t, f, context.Background())
	if err != nil {
		t.Fatalf("first Fetch() error = %v", err)
	}
	second, _, err := collect(t, f, context.Background())
	if err != nil {
		t.Fatalf("second Fetch() error = %v", err)
	}

	if fmt.Sprint(first) != fmt.Sprint(second) {
		t.Errorf("re-fetch differs: %v vs %v", first, second)
	}
	if q.calls[2] != "" {
		t.Errorf("second pass started at cursor %q, want first page", q.calls[2])
	}
}

func TestFetch_IsLazy(t *testing.T) {
	q := newFakeQuerier().on("", ok("", 1))
	f := NewFetcher(q, testConfig())

	seq := f.Fetch(context.Background(), testWindow)
	if q.callCount() != 0 {
		t.Fatal("Fetch must not issue requests before iteration")
	}
	for range seq {
	}
	if q.callCount() != 1 {
		t.Errorf("calls = %d, want 1", q.callCount())
	}
}

func TestFetch_StopEarly(t *testing.T) {
	q := newFakeQuerier().
		on("", ok("c1", 1)).
		on("c1", ok("", 2))
	f := NewFetcher(q, testConfig())

	for range f.Fetch(context.Background(), testWindow) {
		break
	}
	if q.callCount() != 1 {
		t.Errorf("calls = %d, want 1 after early break", q.callCount())
	}
}

func TestFetch_ThrottleRepeatsSamePage(t *testing.T) {
	q := newFakeQuerier().
		on("", ok("c1", 1, 2)).
		on("c1", throttled(10*time.Millisecond), throttled(0), ok("", 3))
	f := NewFetcher(q, testConfig())

	seq, stats := f.FetchWithStats(context.Background(), testWindow)
	var records []string
	for batch, err := range seq {
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		for _, r := range batch {
			records = append(records, string(r))
		}
	}

	if len(records) != 3 {
		t.Errorf("records = %v, want 3 records", records)
	}
	want := []string{"", "c1", "c1", "c1"}
	if fmt.Sprint(q.calls) != fmt.Sprint(want) {
		t.Errorf("calls = %q, want %q", q.calls, want)
	}
	if stats.Throttles != 2 {
		t.Errorf("Throttles = %d, want 2", stats.Throttles)
	}
	// 10ms signalled plus 5ms default.
	if stats.ThrottleWait < 15*time.Millisecond {
		t.Errorf("ThrottleWait = %v, want at least 15ms", stats.ThrottleWait)
	}
	if stats.Pages != 2 || stats.Records != 3 {
		t.Errorf("stats = %+v", *stats)
	}
}

func TestFetch_ThrottleBudgetExceeded(t *testing.T) {
	q := newFakeQuerier().on("", throttled(20*time.Millisecond))
	cfg := testConfig()
	cfg.MaxThrottleWait = 30 * time.Millisecond
	f := NewFetcher(q, cfg)

	_, _, err := collect(t, f, context.Background())

	if !errors.Is(err, ErrFatalWindow) {
		t.Errorf("error = %v, want ErrFatalWindow", err)
	}
	if !errors.Is(err, ErrThrottleBudgetExceeded) {
		t.Errorf("error = %v, want ErrThrottleBudgetExceeded", err)
	}
	// One 20ms suspension fits into 30ms, a second one does not.
	if q.callCount() != 2 {
		t.Errorf("calls = %d, want 2", q.callCount())
	}
}

func TestFetch_TransientRetriedThenRecovered(t *testing.T) {
	q := newFakeQuerier().on("", transient(), transient(), ok("", 1))
	f := NewFetcher(q, testConfig())

	records, _, err := collect(t, f, context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(records) != 1 {
		t.Errorf("records = %v", records)
	}
	if q.callCount() != 3 {
		t.Errorf("calls = %d, want 3", q.callCount())
	}
}

func TestFetch_TransientExhausted(t *testing.T) {
	q := newFakeQuerier().
		on("", ok("c1", 1)).
		on("c1", transient())
	f := NewFetcher(q, testConfig())

	records, pages, err := collect(t, f, context.Background())

	var wErr *WindowError
	if !errors.As(err, &wErr) {
		t.Fatalf("error = %v, want *WindowError", err)
	}
	if wErr.Page != 2 {
		t.Errorf("WindowError.Page = %d, want 2", wErr.Page)
	}
	if !errors.Is(err, retry.ErrExhausted) {
		t.Errorf("error = %v, want retry.ErrExhausted in chain", err)
	}
	if pages != 1 || len(records) != 1 {
		t.Errorf("records before failure = %v (pages %d), want first page delivered", records, pages)
	}
	// One first-page call plus three attempts on the second page.
	if q.callCount() != 4 {
		t.Errorf("calls = %d, want 4", q.callCount())
	}
}

func TestFetch_FatalNotRetried(t *testing.T) {
	q := newFakeQuerier().on("", fatal())
	f := NewFetcher(q, testConfig())

	_, _, err := collect(t, f, context.Background())

	if !errors.Is(err, ErrFatalWindow) {
		t.Errorf("error = %v, want ErrFatalWindow", err)
	}
	var gErr *client.Error
	if !errors.As(err, &gErr) || gErr.StatusCode != 403 {
		t.Errorf("error = %v, want wrapped 403", err)
	}
	if q.callCount() != 1 {
		t.Errorf("calls = %d, want 1", q.callCount())
	}
}

func TestFetch_ContextCancelledDuringThrottle(t *testing.T) {
	q := newFakeQuerier().on("", throttled(time.Minute))
	f := NewFetcher(q, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := collect(t, f, ctx)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation did not interrupt the throttle suspension")
	}
}

func TestFetch_SharedThrottleHoldsSiblings(t *testing.T) {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tracker := ratelimit.NewTracker(nil, logger)

	throttledQ := newFakeQuerier().on("", throttled(60*time.Millisecond), ok("", 1))
	siblingQ := newFakeQuerier().on("", ok("", 2))

	first := NewFetcher(throttledQ, testConfig(), WithThrottleTracker(tracker))
	sibling := NewFetcher(siblingQ, testConfig(), WithThrottleTracker(tracker))

	if _, _, err := collect(t, first, context.Background()); err != nil {
		t.Fatalf("first Fetch() error = %v", err)
	}

	// The signal has passed by now; record a fresh one and check the sibling
	// waits for it.
	if err := tracker.RecordThrottle(context.Background(), 40*time.Millisecond); err != nil {
		t.Fatalf("RecordThrottle() error = %v", err)
	}
	seq, stats := sibling.FetchWithStats(context.Background(), testWindow)
	for _, err := range seq {
		if err != nil {
			t.Fatalf("sibling Fetch() error = %v", err)
		}
	}
	if stats.ThrottleWait < 30*time.Millisecond {
		t.Errorf("sibling ThrottleWait = %v, want it held back by the shared signal", stats.ThrottleWait)
	}
}

func TestFetch_SharedThrottleRespectsBudget(t *testing.T) {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tracker := ratelimit.NewTracker(nil, logger)

	q := newFakeQuerier().on("", ok("", 1))
	cfg := testConfig()
	cfg.MaxThrottleWait = 50 * time.Millisecond
	f := NewFetcher(q, cfg, WithThrottleTracker(tracker))

	// A sibling was told to back off far longer than this window may wait.
	if err := tracker.RecordThrottle(context.Background(), 400*time.Millisecond); err != nil {
		t.Fatalf("RecordThrottle() error = %v", err)
	}

	start := time.Now()
	seq, stats := f.FetchWithStats(context.Background(), testWindow)
	var err error
	for _, e := range seq {
		if e != nil {
			err = e
		}
	}

	if !errors.Is(err, ErrFatalWindow) || !errors.Is(err, ErrThrottleBudgetExceeded) {
		t.Fatalf("error = %v, want ErrThrottleBudgetExceeded window failure", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("fetch held back %v, want it to give up within the budget", elapsed)
	}
	if stats.ThrottleWait > cfg.MaxThrottleWait {
		t.Errorf("ThrottleWait = %v, cap %v", stats.ThrottleWait, cfg.MaxThrottleWait)
	}
	if q.callCount() != 0 {
		t.Errorf("calls = %d, want 0", q.callCount())
	}
}

// hookQuerier runs hook before the first query it forwards.
type hookQuerier struct {
	PageQuerier
	once sync.Once
	hook func()
}

func (q *hookQuerier) QueryPage(ctx context.Context, w window.Window, cursor string, pageSize int) (client.Page, error) {
	q.once.Do(q.hook)
	return q.PageQuerier.QueryPage(ctx, w, cursor, pageSize)
}

func TestFetch_SiblingSignalDuringSuspendRespectsBudget(t *testing.T) {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tracker := ratelimit.NewTracker(nil, logger)

	inner := newFakeQuerier().on("", throttled(10*time.Millisecond), ok("", 1))
	q := &hookQuerier{
		PageQuerier: inner,
		hook: func() {
			// A sibling is told to back off while this request is in flight.
			_ = tracker.RecordThrottle(context.Background(), 400*time.Millisecond)
		},
	}
	cfg := testConfig()
	cfg.MaxThrottleWait = 50 * time.Millisecond
	f := NewFetcher(q, cfg, WithThrottleTracker(tracker))

	start := time.Now()
	_, _, err := collect(t, f, context.Background())

	if !errors.Is(err, ErrThrottleBudgetExceeded) {
		t.Fatalf("error = %v, want ErrThrottleBudgetExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("fetch held back %v, want it to give up within the budget", elapsed)
	}
	if inner.callCount() != 1 {
		t.Errorf("calls = %d, want 1", inner.callCount())
	}
}

func TestFetch_AgainstMockGraph(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()

	for i := 0; i < 7; i++ {
		mock.AddSignIns(testWindow.Start.Add(time.Duration(i) * time.Second))
	}
	mock.Enqueue(
		testutil.NewThrottledResponse("0"),
		testutil.NewServerErrorResponse(),
	)

	cfg := client.DefaultConfig(http.DefaultClient)
	cfg.BaseURL = mock.URL()
	graph, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}

	fc := testConfig()
	fc.PageSize = 3
	f := NewFetcher(graph, fc)

	records, pages, err := collect(t, f, context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(records) != 7 {
		t.Errorf("records = %d, want 7", len(records))
	}
	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
}
