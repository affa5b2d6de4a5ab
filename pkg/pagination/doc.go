// Package pagination fetches every page of one time window as a lazy
// sequence of record batches.
//
// The upstream returns an opaque continuation cursor with each page; the
// fetcher follows it until a page comes back without one. Throttle signals
// suspend the stream and repeat the same page, so a throttled window loses
// no records. Other transient failures are retried with exponential backoff
// for a bounded number of attempts.
//
// Example usage:
//
//	fetcher := pagination.NewFetcher(graphClient, pagination.DefaultConfig())
//	for batch, err := range fetcher.Fetch(ctx, w) {
//		if err != nil {
//			return err // *WindowError, the sequence has ended
//		}
//		process(batch)
//	}
//
// The fetcher:
//   - Issues one request per page, in order
//   - Waits on a shared throttle tracker before every request when configured
//   - Serves pages from the Redis page cache when configured
//   - Caps the total throttle suspension per window
//
// Fetch is single-pass per call; calling it again re-issues the query from
// the first page.
package pagination
