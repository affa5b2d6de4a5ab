package cache

import (
	"encoding/json"
	"time"
)

// PageEntry represents one cached page.
type PageEntry struct {
	// Records is the raw page content.
	Records []json.RawMessage `json:"records"`

	// NextCursor is the continuation cursor returned with the page.
	NextCursor string `json:"next_cursor,omitempty"`

	// Expires is when the entry becomes stale.
	Expires time.Time `json:"expires"`

	// CachedAt is when we cached this page.
	CachedAt time.Time `json:"cached_at"`
}

// IsExpired returns true if the cache entry has expired.
func (e *PageEntry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *PageEntry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
