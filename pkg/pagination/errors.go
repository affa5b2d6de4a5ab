package pagination

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/graph-exporter/pkg/window"
)

var (
	// ErrFatalWindow matches every *WindowError: the window could not be
	// read to the end.
	ErrFatalWindow = errors.New("window fetch failed")

	// ErrThrottleBudgetExceeded is the cause when a window would have been
	// suspended for longer than the configured maximum.
	ErrThrottleBudgetExceeded = errors.New("throttle wait budget exceeded")
)

// WindowError reports the page at which fetching a window stopped.
type WindowError struct {
	Window window.Window
	Page   int
	Err    error
}

func (e *WindowError) Error() string {
	return fmt.Sprintf("fetch window %s: page %d: %v", e.Window, e.Page, e.Err)
}

func (e *WindowError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrFatalWindow) hold for every WindowError.
func (e *WindowError) Is(target error) bool {
	return target == ErrFatalWindow
}
