package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/graph-exporter/pkg/pagination"
)

// RunError aggregates everything that went wrong in one run: each window
// that could not be read to the end and the delivery failure, if any.
type RunError struct {
	Trigger  time.Time
	Windows  []*pagination.WindowError
	Delivery error
}

func (e *RunError) Error() string {
	var parts []string
	if n := len(e.Windows); n > 0 {
		parts = append(parts, fmt.Sprintf("%d window(s) failed: %v", n, e.Windows[0]))
	}
	if e.Delivery != nil {
		parts = append(parts, e.Delivery.Error())
	}
	return fmt.Sprintf("run %s: %s", e.Trigger.Format(time.RFC3339), strings.Join(parts, "; "))
}

// Unwrap exposes every window error and the delivery error, so errors.Is
// matches pagination.ErrFatalWindow and upload.ErrPartialDelivery.
func (e *RunError) Unwrap() []error {
	errs := make([]error, 0, len(e.Windows)+1)
	for _, w := range e.Windows {
		errs = append(errs, w)
	}
	if e.Delivery != nil {
		errs = append(errs, e.Delivery)
	}
	return errs
}

// FailedWindows returns the number of windows that did not complete.
func (e *RunError) FailedWindows() int {
	return len(e.Windows)
}

// IsRunError extracts a *RunError from err.
func IsRunError(err error) (*RunError, bool) {
	var re *RunError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
