// Package batch runs many cache requests concurrently and reduces them
// to a single outcome.
//
// The orchestrator assigns each request its position in the input slice
// as its index, launches every well-formed request through the engine
// at once, and waits for all of them. Successful payloads are observed
// only through each request's completion hook; the batch itself resolves
// with a storage Handle when every request succeeded, or with an *Error
// listing the failed indices when any did not.
//
// Example usage:
//
//	orch, err := batch.New(eng, batch.Config{
//		BaseTimeout:    15 * time.Second,
//		MaxConcurrency: 10,
//	})
//	handle, err := orch.Do(ctx, requests)
//	if err != nil {
//		var batchErr *batch.Error
//		if errors.As(err, &batchErr) {
//			// inspect batchErr.Failures, ordered by index
//		}
//	}
//	stats, err := handle.Verify(ctx)
//
// One request's failure never cancels its siblings; they complete their
// hooks and storage writes normally.
package batch
