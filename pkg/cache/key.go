package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Sternrassler/graph-exporter/pkg/window"
)

// PageKey identifies one page of a window query.
type PageKey struct {
	// Resource is the queried collection, e.g. "auditLogs/signIns".
	Resource string

	// Window is the queried time window.
	Window window.Window

	// Cursor is the continuation cursor; empty for the first page.
	Cursor string

	// PageSize is the requested page size.
	PageSize int

	// UserID is the optional user filter.
	UserID string
}

// String generates a deterministic cache key string.
// Format: graph:page:resource:start:end:top=N[:user=U]:cursor
//
// Example:
//
//	graph:page:auditLogs/signIns:1714564650000000000:1714564680000000000:top=50:first
func (k PageKey) String() string {
	parts := []string{"graph", "page"}

	if resource := strings.Trim(k.Resource, "/"); resource != "" {
		parts = append(parts, resource)
	}

	parts = append(parts,
		fmt.Sprintf("%d", k.Window.Start.UnixNano()),
		fmt.Sprintf("%d", k.Window.End.UnixNano()),
		fmt.Sprintf("top=%d", k.PageSize),
	)

	if k.UserID != "" {
		parts = append(parts, "user="+k.UserID)
	}

	// Cursors are long URLs; a digest keeps keys bounded.
	if k.Cursor == "" {
		parts = append(parts, "first")
	} else {
		sum := sha256.Sum256([]byte(k.Cursor))
		parts = append(parts, hex.EncodeToString(sum[:8]))
	}

	return strings.Join(parts, ":")
}
