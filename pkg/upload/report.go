package upload

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Sternrassler/graph-exporter/pkg/record"
)

// ErrPartialDelivery is matched by every PartialDeliveryError.
var ErrPartialDelivery = errors.New("partial delivery")

// Status is the resolution of one chunk delivery.
type Status string

const (
	// StatusSuccess means the backend accepted the chunk.
	StatusSuccess Status = "success"

	// StatusRetryableFailure means delivery stopped while the last error was
	// still retryable, because the run was cancelled.
	StatusRetryableFailure Status = "retryable-failure"

	// StatusFatalFailure means the error was not retryable or retries ran out.
	StatusFatalFailure Status = "fatal-failure"
)

// Outcome records how one chunk delivery resolved.
type Outcome struct {
	Chunk    int
	Records  int
	Status   Status
	Attempts int
	Err      error
}

// Report aggregates the outcomes of one upload.
type Report struct {
	Outcomes []Outcome
}

// Chunks returns the number of chunks the stream was sliced into.
func (r *Report) Chunks() int {
	return len(r.Outcomes)
}

// Records returns the number of records handed to the uploader.
func (r *Report) Records() int {
	n := 0
	for _, o := range r.Outcomes {
		n += o.Records
	}
	return n
}

// Delivered returns the number of records in successful chunks.
func (r *Report) Delivered() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == StatusSuccess {
			n += o.Records
		}
	}
	return n
}

// Failed returns the outcomes that did not succeed, in chunk order.
func (r *Report) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Status != StatusSuccess {
			failed = append(failed, o)
		}
	}
	return failed
}

// Err returns a *PartialDeliveryError when any chunk was not delivered.
func (r *Report) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	return &PartialDeliveryError{
		Chunks:    r.Chunks(),
		Delivered: r.Chunks() - len(failed),
		Failed:    failed,
	}
}

func (r *Report) sort() {
	sort.Slice(r.Outcomes, func(i, j int) bool {
		return r.Outcomes[i].Chunk < r.Outcomes[j].Chunk
	})
}

// PartialDeliveryError reports chunks that could not be delivered.
type PartialDeliveryError struct {
	Chunks    int
	Delivered int
	Failed    []Outcome
}

func (e *PartialDeliveryError) Error() string {
	msg := fmt.Sprintf("partial delivery: %d of %d chunks failed", len(e.Failed), e.Chunks)
	if len(e.Failed) > 0 && e.Failed[0].Err != nil {
		msg += fmt.Sprintf(" (chunk %d: %v)", e.Failed[0].Chunk, e.Failed[0].Err)
	}
	return msg
}

// Unwrap exposes the chunk errors so errors.Is reaches their causes.
func (e *PartialDeliveryError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, o := range e.Failed {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errs
}

// Is matches ErrPartialDelivery.
func (e *PartialDeliveryError) Is(target error) bool {
	return target == ErrPartialDelivery
}

func outcomeFor(chunk record.Chunk) Outcome {
	return Outcome{Chunk: chunk.Index, Records: chunk.Len()}
}
