// Package queue delivers record chunks to the buffering store.
package queue

//go:generate mockgen -source=backend.go -destination=backend_mock.go -package=queue

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/Sternrassler/graph-exporter/pkg/record"
)

var (
	// ErrConnectionPoolTimeout is returned when no backend connection became
	// free within the pool timeout, or at once for a non-blocking pool.
	ErrConnectionPoolTimeout = errors.New("connection pool timeout")

	// ErrClosed is returned by Push after Close.
	ErrClosed = errors.New("queue backend closed")
)

// Backend delivers one chunk per Push. A Push either stores the whole chunk
// or, for ModeAccumulate, stores nothing.
type Backend interface {
	Push(ctx context.Context, chunk record.Chunk) error
	Mode() Mode
	Close() error
}

// Retryable reports whether a failed Push may succeed when repeated.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionPoolTimeout) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
