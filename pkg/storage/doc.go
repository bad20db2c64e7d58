// Package storage defines the content-addressed persistence contract
// consumed by the cache decision engine.
//
// # Data Model
//
// A cache directory holds two kinds of records. Entry records map a
// canonical cache key to response metadata: stored headers, a local
// store timestamp, a content digest and a size. Content objects map an
// integrity digest to raw response bytes. Several entries may point at
// the same content object, so entry removal and content removal are
// separate operations.
//
// Integrity digests use the subresource-integrity form
// "<algorithm>-<base64>", for example
// "sha256-R5Nd...". ComputeIntegrity and VerifyIntegrity implement the
// scheme; sha256 is the default algorithm and sha512 is accepted.
//
// # Implementations
//
// Two adapters ship with this module: sqlitestore persists to an
// embedded SQLite database (in-memory or on disk) and redisstore keeps
// records in Redis for caches shared between processes. Both are safe
// for concurrent use; neither performs cross-key locking, so two
// writers racing on one key resolve last-write-wins.
//
// # Lifecycle
//
// Entries carry no expiry of their own. Freshness is decided at read
// time by the engine, and removal happens only through RemoveEntry,
// RemoveContent or a Verify pass dropping corrupt objects.
package storage
