// Package engine implements the per-request decision pipeline of a
// shared HTTP response cache.
//
// For every request the engine decides between three outcomes:
//
// - serve stored content without contacting the origin
// - revalidate stored content with a conditional request
// - fetch fresh content from the origin
//
// and then decides, independently, whether the origin's answer may be
// persisted. Freshness follows shared-cache rules: s-maxage wins over
// max-age wins over Expires, ages are computed from the local store
// timestamp plus any upstream Age, and request directives (max-age,
// min-fresh, max-stale, no-cache, no-store, only-if-cached) narrow
// what the engine may do.
//
// # Basic Usage
//
//	store, err := sqlitestore.New("cache.db")
//	if err != nil {
//		return err
//	}
//
//	eng, err := engine.New(engine.Config{
//		Storage:   store,
//		Transport: transport.NewHTTPClient(nil),
//		Dir:       "default",
//	})
//	if err != nil {
//		return err
//	}
//
//	res, err := eng.Fetch(ctx, engine.Request{
//		URL: "https://example.com/items/42",
//		OnComplete: func(r *engine.Result) error {
//			fmt.Printf("%d bytes (cached=%v)\n", len(r.Content), r.FromCache)
//			return nil
//		},
//	})
//
// # Revalidation
//
// When a stored response is unusable (stale beyond what the client
// accepts, or marked no-cache), the engine attaches If-None-Match and
// If-Modified-Since from the stored validators. A 304 answer reuses
// the stored content and replaces the entry's metadata with the fresh
// headers laid over the stored ones; a 2xx answer replaces entry and
// content; a 410 purges both and fails the request.
//
// # Persistence Modes
//
// Blocking persistence completes a request only after its storage
// write has landed. Detached persistence schedules the write as
// independent work: the request completes immediately and a write
// failure is logged and counted, never surfaced. Completion hooks run
// exactly once in both modes, before any storage mutation.
//
// # Metrics
//
// The engine exports Prometheus metrics:
//
//   - httpcache_hits_total{state} - cache hits by freshness state
//   - httpcache_misses_total - lookups without a stored entry
//   - httpcache_revalidations_total{outcome} - conditional exchanges
//   - httpcache_origin_requests_total{status_class} - origin exchanges
//   - httpcache_store_skipped_total{reason} - admission refusals
//   - httpcache_store_writes_total{mode} - admitted writes
//   - httpcache_detached_write_failures_total - failed detached writes
//   - httpcache_request_duration_seconds - pipeline duration
package engine
