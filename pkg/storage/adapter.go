package storage

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrNoEntry indicates that no entry record exists for the requested
// key.
var ErrNoEntry = errors.New("no entry for key")

// ErrNoContent indicates that no content object exists for the
// requested digest.
var ErrNoContent = errors.New("no content for digest")

// EntryInfo describes a stored entry record.
type EntryInfo struct {
	// Key is the canonical cache key the entry was written under.
	Key string
	// Headers are the response headers kept as entry metadata.
	Headers http.Header
	// StoredAt is the adapter's local clock reading at write time. It
	// is never derived from a server-supplied date.
	StoredAt time.Time
	// Integrity is the digest of the content object the entry
	// references.
	Integrity string
	// Size is the referenced content's size in bytes.
	Size int64
}

// WriteOptions carries the metadata stored alongside content.
type WriteOptions struct {
	// Headers become the entry's metadata headers.
	Headers http.Header
	// Integrity, when set, is recorded as the content digest instead
	// of hashing the content again. Callers own its correctness.
	Integrity string
	// Algorithm selects the digest algorithm when Integrity is empty.
	// Empty means sha256.
	Algorithm string
}

// VerifyStats summarizes one Verify pass over a cache directory.
type VerifyStats struct {
	// Entries is the number of entry records seen.
	Entries int
	// ContentObjects is the number of content objects remaining after
	// the pass.
	ContentObjects int
	// MissingContent counts entries whose content object is absent.
	MissingContent int
	// CorruptRemoved counts content objects dropped because their
	// bytes no longer matched their digest.
	CorruptRemoved int
	// TotalBytes is the byte total of the remaining content objects.
	TotalBytes int64
}

// Adapter is the persistence collaborator consumed by the decision
// engine. Implementations must be safe for concurrent use and must
// resolve same-key write races last-write-wins; the engine performs no
// cross-request locking of its own.
type Adapter interface {
	// Info returns the entry metadata for key, or ErrNoEntry.
	Info(ctx context.Context, dir, key string) (*EntryInfo, error)

	// ReadKey returns the content bytes referenced by the entry for
	// key. It returns ErrNoEntry when no entry exists and ErrNoContent
	// when the entry's content object is missing.
	ReadKey(ctx context.Context, dir, key string) ([]byte, error)

	// ReadDigest returns the content bytes stored under digest, or
	// ErrNoContent.
	ReadDigest(ctx context.Context, dir, digest string) ([]byte, error)

	// Write stores content and an entry record referencing it,
	// replacing any previous record for key, and returns the content's
	// integrity digest.
	Write(ctx context.Context, dir, key string, content []byte, opts WriteOptions) (string, error)

	// RemoveEntry deletes the entry record for key. With fully set it
	// also deletes the content object the entry references. Removing
	// an absent entry is not an error.
	RemoveEntry(ctx context.Context, dir, key string, fully bool) error

	// RemoveContent deletes the content object stored under digest.
	// Removing an absent object is not an error.
	RemoveContent(ctx context.Context, dir, digest string) error

	// List returns every entry record in dir, keyed by cache key.
	List(ctx context.Context, dir string) (map[string]EntryInfo, error)

	// Verify checks every content object in dir against its digest,
	// drops the corrupt ones, and reports stats for the directory.
	Verify(ctx context.Context, dir string) (VerifyStats, error)
}
