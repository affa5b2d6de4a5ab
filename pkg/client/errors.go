package client

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorClass represents a classification of failed page requests.
type ErrorClass string

const (
	// ErrorClassTransient covers network failures, 408 and 5xx responses.
	// The same request may succeed later.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassFatal covers other 4xx responses and bodies that cannot be
	// decoded. Repeating the request will not help.
	ErrorClassFatal ErrorClass = "fatal"

	// ErrorClassThrottled is used for metrics only; throttling is reported
	// as *RateLimitedError.
	ErrorClassThrottled ErrorClass = "throttled"
)

// Error represents a failed Graph request with additional context.
type Error struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "graph %s error", e.Class)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// RateLimitedError is returned when the API asks the caller to back off.
// RetryAfter is zero when the response carried no usable hint.
type RateLimitedError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("graph request throttled (status %d), retry after %s", e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("graph request throttled (status %d)", e.StatusCode)
}

// IsRateLimited reports whether err is a throttle signal and returns it.
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// IsRetryable reports whether repeating the same request may succeed.
// Throttle signals count as retryable.
func IsRetryable(err error) bool {
	if _, ok := IsRateLimited(err); ok {
		return true
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// classifyStatus maps a non-2xx status code to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusRequestTimeout:
		return ErrorClassTransient
	case status >= 500:
		return ErrorClassTransient
	default:
		return ErrorClassFatal
	}
}

// isThrottle reports whether the response is a throttle signal: any 429, or
// a 503 that tells the client when to come back.
func isThrottle(resp *http.Response) bool {
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return true
	case http.StatusServiceUnavailable:
		return resp.Header.Get("Retry-After") != ""
	default:
		return false
	}
}

// MaxRetryAfter bounds the delay taken from a Retry-After header.
const MaxRetryAfter = 24 * time.Hour

// parseRetryAfter accepts both delta-seconds and HTTP-date forms. Unparseable
// or past values yield zero.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil || errors.Is(err, strconv.ErrRange) {
		switch {
		case secs <= 0:
			return 0
		case secs >= int64(MaxRetryAfter/time.Second):
			return MaxRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return min(d, MaxRetryAfter)
		}
	}
	return 0
}
