// Package cache provides a Redis-backed page cache for window queries.
//
// A page is cached under the query that produced it: the window, the
// continuation cursor and the page size. Re-issuing a fetch for a window
// that was read within the TTL is served from Redis without touching the
// upstream API, which keeps retried runs inside the throttle budget.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	manager := cache.NewManager(redisClient, 10*time.Minute)
//
//	key := cache.PageKey{Window: w, PageSize: 50}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// Cache miss - query the API, then manager.Set(ctx, key, entry)
//	}
//
// # Metrics
//
//   - graph_page_cache_hits_total - Cache hits
//   - graph_page_cache_misses_total - Cache misses
//   - graph_page_cache_stored_bytes_total - Bytes written to the cache
//   - graph_page_cache_errors_total{operation} - Cache operation errors
package cache
