package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/Sternrassler/graph-exporter/pkg/queue"
	"github.com/Sternrassler/graph-exporter/pkg/record"
	"github.com/Sternrassler/graph-exporter/pkg/retry"
)

func testConfig(capacity, concurrency int) Config {
	return Config{
		ChunkCapacity:  capacity,
		MaxConcurrency: concurrency,
		Retry: retry.Config{
			MaxAttempts:       3,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        2 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
	}
}

func records(from, n int) []record.Record {
	out := make([]record.Record, n)
	for i := range out {
		out[i] = record.Record(fmt.Sprintf(`{"id":%d}`, from+i))
	}
	return out
}

func feed(batches ...[]record.Record) <-chan record.Batch {
	ch := make(chan record.Batch, len(batches))
	for _, b := range batches {
		ch <- b
	}
	close(ch)
	return ch
}

// recorder captures pushed chunks by index.
type recorder struct {
	mu     sync.Mutex
	chunks map[int]record.Chunk
}

func (r *recorder) push(_ context.Context, c record.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chunks == nil {
		r.chunks = make(map[int]record.Chunk)
	}
	r.chunks[c.Index] = c
	return nil
}

func TestNew_Validation(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := queue.NewMockBackend(ctrl)

	if _, err := New(nil, DefaultConfig()); err == nil {
		t.Error("nil backend should be rejected")
	}
	if _, err := New(backend, testConfig(0, 1)); err == nil {
		t.Error("zero chunk capacity should be rejected")
	}
	if _, err := New(backend, testConfig(1, 0)); err == nil {
		t.Error("zero concurrency should be rejected")
	}

	u, err := New(backend, DefaultConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	u.Close()
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ChunkCapacity != 100 || cfg.MaxConcurrency != 10 {
		t.Errorf("DefaultConfig() = %+v", cfg)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.MaxBackoff != 64*time.Second {
		t.Errorf("DefaultConfig().Retry = %+v", cfg.Retry)
	}
}

func TestUpload_Chunking(t *testing.T) {
	tests := []struct {
		name       string
		batches    []int
		capacity   int
		wantChunks int
		wantSizes  []int
	}{
		{"empty stream", nil, 3, 0, nil},
		{"empty batches", []int{0, 0}, 3, 0, nil},
		{"single record", []int{1}, 3, 1, []int{1}},
		{"exact multiple", []int{9}, 3, 3, []int{3, 3, 3}},
		{"remainder", []int{10}, 3, 4, []int{3, 3, 3, 1}},
		{"spans batches", []int{2, 2, 2}, 3, 2, []int{3, 3}},
		{"capacity one", []int{3, 1}, 1, 4, []int{1, 1, 1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			backend := queue.NewMockBackend(ctrl)
			rec := &recorder{}
			backend.EXPECT().Push(gomock.Any(), gomock.Any()).DoAndReturn(rec.push).Times(tt.wantChunks)

			u, err := New(backend, testConfig(tt.capacity, 2))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer u.Close()

			var input [][]record.Record
			var want []record.Record
			next := 0
			for _, n := range tt.batches {
				b := records(next, n)
				next += n
				input = append(input, b)
				want = append(want, b...)
			}

			report := u.Upload(context.Background(), feed(input...))
			if err := report.Err(); err != nil {
				t.Fatalf("Err() = %v", err)
			}
			if report.Chunks() != tt.wantChunks {
				t.Fatalf("Chunks() = %d, want %d", report.Chunks(), tt.wantChunks)
			}
			if report.Delivered() != len(want) {
				t.Errorf("Delivered() = %d, want %d", report.Delivered(), len(want))
			}

			var got []record.Record
			for i := 0; i < tt.wantChunks; i++ {
				c, ok := rec.chunks[i]
				if !ok {
					t.Fatalf("chunk %d not pushed", i)
				}
				if c.Len() != tt.wantSizes[i] {
					t.Errorf("chunk %d has %d records, want %d", i, c.Len(), tt.wantSizes[i])
				}
				got = append(got, c.Records...)
			}
			if fmt.Sprint(got) != fmt.Sprint(want) {
				t.Errorf("concatenated chunks differ from input")
			}
		})
	}
}

func TestUpload_ConcurrencyBound(t *testing.T) {
	const k = 3

	ctrl := gomock.NewController(t)
	backend := queue.NewMockBackend(ctrl)

	var inFlight, peak atomic.Int32
	backend.EXPECT().Push(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, record.Chunk) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}).Times(40)

	u, err := New(backend, testConfig(1, k))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer u.Close()

	report := u.UploadRecords(context.Background(), records(0, 40))
	if err := report.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}
	if got := peak.Load(); got > k {
		t.Errorf("peak in-flight pushes = %d, want <= %d", got, k)
	}
	if got := peak.Load(); got < 2 {
		t.Errorf("peak in-flight pushes = %d, expected pushes to overlap", got)
	}
}

func TestUpload_PartialFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := queue.NewMockBackend(ctrl)

	rec := &recorder{}
	var failedAttempts atomic.Int32
	backend.EXPECT().Push(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, c record.Chunk) error {
		if c.Index == 1 {
			failedAttempts.Add(1)
			return queue.ErrConnectionPoolTimeout
		}
		return rec.push(ctx, c)
	}).Times(4 + 3)

	u, err := New(backend, testConfig(2, 2))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer u.Close()

	report := u.UploadRecords(context.Background(), records(0, 10))

	err = report.Err()
	if !errors.Is(err, ErrPartialDelivery) {
		t.Fatalf("Err() = %v, want ErrPartialDelivery", err)
	}
	if !errors.Is(err, queue.ErrConnectionPoolTimeout) {
		t.Errorf("Err() should wrap the chunk cause, got %v", err)
	}
	if !errors.Is(err, retry.ErrExhausted) {
		t.Errorf("Err() should report exhausted retries, got %v", err)
	}

	var pde *PartialDeliveryError
	if !errors.As(err, &pde) {
		t.Fatalf("Err() is %T, want *PartialDeliveryError", err)
	}
	if pde.Chunks != 5 || pde.Delivered != 4 || len(pde.Failed) != 1 {
		t.Errorf("PartialDeliveryError = %+v", pde)
	}

	failed := pde.Failed[0]
	if failed.Chunk != 1 || failed.Status != StatusFatalFailure || failed.Attempts != 3 {
		t.Errorf("failed outcome = %+v", failed)
	}
	if failedAttempts.Load() != 3 {
		t.Errorf("failing chunk pushed %d times, want 3", failedAttempts.Load())
	}

	for _, i := range []int{0, 2, 3, 4} {
		if _, ok := rec.chunks[i]; !ok {
			t.Errorf("chunk %d not delivered", i)
		}
	}
	if report.Delivered() != 8 {
		t.Errorf("Delivered() = %d, want 8", report.Delivered())
	}
}

func TestUpload_NonRetryableFailsOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := queue.NewMockBackend(ctrl)
	backend.EXPECT().Push(gomock.Any(), gomock.Any()).Return(errors.New("WRONGTYPE")).Times(1)

	u, err := New(backend, testConfig(10, 1))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer u.Close()

	report := u.UploadRecords(context.Background(), records(0, 3))
	failed := report.Failed()
	if len(failed) != 1 {
		t.Fatalf("Failed() = %v, want one outcome", failed)
	}
	if failed[0].Status != StatusFatalFailure || failed[0].Attempts != 1 {
		t.Errorf("outcome = %+v", failed[0])
	}
}

func TestUpload_CancelledRunAccountsForEveryChunk(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := queue.NewMockBackend(ctrl)
	backend.EXPECT().Push(gomock.Any(), gomock.Any()).Times(0)

	u, err := New(backend, testConfig(2, 2))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer u.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := u.Upload(ctx, feed(records(0, 3), records(3, 2)))
	if report.Chunks() != 3 || report.Records() != 5 {
		t.Fatalf("report has %d chunks / %d records, want 3 / 5", report.Chunks(), report.Records())
	}
	for _, o := range report.Outcomes {
		if o.Status != StatusRetryableFailure {
			t.Errorf("chunk %d status = %s, want %s", o.Chunk, o.Status, StatusRetryableFailure)
		}
		if !errors.Is(o.Err, context.Canceled) {
			t.Errorf("chunk %d err = %v, want context.Canceled", o.Chunk, o.Err)
		}
	}
	if !errors.Is(report.Err(), ErrPartialDelivery) {
		t.Errorf("Err() = %v, want ErrPartialDelivery", report.Err())
	}
}

func TestUpload_CancelledDuringRetry(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := queue.NewMockBackend(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	backend.EXPECT().Push(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, record.Chunk) error {
		cancel()
		return queue.ErrConnectionPoolTimeout
	}).Times(1)

	cfg := testConfig(10, 1)
	cfg.Retry.InitialBackoff = time.Second
	u, err := New(backend, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer u.Close()

	report := u.UploadRecords(ctx, records(0, 2))
	failed := report.Failed()
	if len(failed) != 1 || failed[0].Status != StatusRetryableFailure {
		t.Fatalf("Failed() = %+v, want one retryable failure", failed)
	}
	if !errors.Is(failed[0].Err, retry.ErrContextCancelled) {
		t.Errorf("err = %v, want ErrContextCancelled", failed[0].Err)
	}
}

func TestUpload_PanicBecomesFatalOutcome(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := queue.NewMockBackend(ctrl)
	backend.EXPECT().Push(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, record.Chunk) error {
		panic("boom")
	}).Times(1)

	u, err := New(backend, testConfig(10, 1))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer u.Close()

	report := u.UploadRecords(context.Background(), records(0, 1))
	failed := report.Failed()
	if len(failed) != 1 || failed[0].Status != StatusFatalFailure {
		t.Fatalf("Failed() = %+v, want one fatal failure", failed)
	}
}

func TestReport_NoFailures(t *testing.T) {
	r := &Report{Outcomes: []Outcome{
		{Chunk: 0, Records: 2, Status: StatusSuccess, Attempts: 1},
		{Chunk: 1, Records: 1, Status: StatusSuccess, Attempts: 2},
	}}
	if err := r.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
	if r.Records() != 3 || r.Delivered() != 3 {
		t.Errorf("Records()/Delivered() = %d/%d, want 3/3", r.Records(), r.Delivered())
	}
}

func TestPartialDeliveryError_Message(t *testing.T) {
	err := &PartialDeliveryError{
		Chunks:    5,
		Delivered: 4,
		Failed:    []Outcome{{Chunk: 1, Status: StatusFatalFailure, Err: errors.New("boom")}},
	}
	want := "partial delivery: 1 of 5 chunks failed (chunk 1: boom)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
