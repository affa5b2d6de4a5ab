// Package upload slices a record stream into bounded chunks and delivers
// them to a queue backend on a bounded worker pool.
//
// At most Config.MaxConcurrency pushes are in flight at any time; further
// chunks wait for a free worker. Each chunk is retried on its own, and a
// chunk that cannot be delivered never stops its siblings. The outcome of
// every chunk is collected in a Report whose Err method surfaces partial
// delivery to the caller.
//
// Usage:
//
//	u, err := upload.New(backend, upload.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer u.Close()
//
//	report := u.Upload(ctx, batches)
//	if err := report.Err(); err != nil {
//	    // errors.Is(err, upload.ErrPartialDelivery)
//	}
package upload
