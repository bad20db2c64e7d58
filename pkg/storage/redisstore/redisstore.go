// Package redisstore keeps cache entries and content objects in Redis,
// for caches shared between processes.
//
// Entry records are marshaled through go-redis/cache, content objects
// are raw byte values. Neither carries a Redis TTL: freshness is
// decided at read time by the engine, and removal happens only through
// the adapter's own operations.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/SorinGFS/shared-http-cache/pkg/storage"
)

const backend = "redis"

// scanCount is the COUNT hint for SCAN iterations.
const scanCount = 100

// entryRecord is the stored form of one entry's metadata.
type entryRecord struct {
	Headers   http.Header
	StoredAt  time.Time
	Integrity string
	Size      int64
}

// Store is a storage.Adapter backed by Redis.
type Store struct {
	client *redis.Client
	rcache *cache.Cache
	logger zerolog.Logger
}

// Option configures a Store.
type Option interface {
	apply(opts *options)
}

type options struct {
	localCache cache.LocalCache
}

type localCacheOption struct {
	localCache cache.LocalCache
}

func (o localCacheOption) apply(opts *options) {
	opts.localCache = o.localCache
}

// WithLocalCache adds an in-process cache in front of Redis for entry
// records. Other processes sharing the cache may then observe entry
// updates with a short delay.
func WithLocalCache(localCache cache.LocalCache) Option {
	return localCacheOption{localCache}
}

// New creates a Store on top of an existing Redis client.
func New(client *redis.Client, opts ...Option) *Store {
	o := &options{}
	for _, opt := range opts {
		opt.apply(o)
	}

	return &Store{
		client: client,
		rcache: cache.New(&cache.Options{
			Redis:      client,
			LocalCache: o.localCache,
		}),
		logger: log.With().Str("component", "redisstore").Logger(),
	}
}

func entryKey(dir, key string) string {
	return entryPrefix(dir) + key
}

func entryPrefix(dir string) string {
	return fmt.Sprintf("httpcache:%s:entry:", dir)
}

func contentKey(dir, digest string) string {
	return contentPrefix(dir) + digest
}

func contentPrefix(dir string) string {
	return fmt.Sprintf("httpcache:%s:content:", dir)
}

// Info returns the entry metadata for key, or storage.ErrNoEntry.
func (s *Store) Info(ctx context.Context, dir, key string) (*storage.EntryInfo, error) {
	var rec entryRecord
	if err := s.rcache.Get(ctx, entryKey(dir, key), &rec); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, storage.ErrNoEntry
		}
		storage.OperationErrors.WithLabelValues(backend, "info").Inc()
		return nil, fmt.Errorf("get entry: %w", err)
	}

	headers := rec.Headers
	if headers == nil {
		headers = make(http.Header)
	}
	return &storage.EntryInfo{
		Key:       key,
		Headers:   headers,
		StoredAt:  rec.StoredAt,
		Integrity: rec.Integrity,
		Size:      rec.Size,
	}, nil
}

// ReadKey returns the content referenced by the entry for key.
func (s *Store) ReadKey(ctx context.Context, dir, key string) ([]byte, error) {
	info, err := s.Info(ctx, dir, key)
	if err != nil {
		return nil, err
	}
	return s.ReadDigest(ctx, dir, info.Integrity)
}

// ReadDigest returns the content stored under digest, or
// storage.ErrNoContent.
func (s *Store) ReadDigest(ctx context.Context, dir, digest string) ([]byte, error) {
	data, err := s.client.Get(ctx, contentKey(dir, digest)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNoContent
	}
	if err != nil {
		storage.OperationErrors.WithLabelValues(backend, "read_digest").Inc()
		return nil, fmt.Errorf("get content: %w", err)
	}
	return data, nil
}

// Write stores content and an entry record referencing it, replacing
// any previous record for key.
func (s *Store) Write(ctx context.Context, dir, key string, content []byte, opts storage.WriteOptions) (string, error) {
	integrity := opts.Integrity
	if integrity == "" {
		var err error
		integrity, err = storage.ComputeIntegrity(content, opts.Algorithm)
		if err != nil {
			return "", err
		}
	}

	headers := opts.Headers
	if headers == nil {
		headers = make(http.Header)
	}

	// Content lands first so the entry never references missing bytes.
	if err := s.client.Set(ctx, contentKey(dir, integrity), content, 0).Err(); err != nil {
		storage.OperationErrors.WithLabelValues(backend, "write").Inc()
		return "", fmt.Errorf("set content: %w", err)
	}

	rec := &entryRecord{
		Headers:   headers,
		StoredAt:  time.Now(),
		Integrity: integrity,
		Size:      int64(len(content)),
	}
	// A negative TTL keeps the record until it is removed explicitly;
	// zero would apply go-redis/cache's default expiry.
	item := &cache.Item{
		Ctx:   ctx,
		Key:   entryKey(dir, key),
		Value: rec,
		TTL:   -1,
	}
	if err := s.rcache.Set(item); err != nil {
		storage.OperationErrors.WithLabelValues(backend, "write").Inc()
		return "", fmt.Errorf("set entry: %w", err)
	}

	storage.BytesWritten.WithLabelValues(backend).Add(float64(len(content)))
	s.logger.Debug().Str("dir", dir).Str("key", key).Int("size", len(content)).Msg("Entry written")
	return integrity, nil
}

// RemoveEntry deletes the entry record for key; with fully set it also
// deletes the referenced content object.
func (s *Store) RemoveEntry(ctx context.Context, dir, key string, fully bool) error {
	info, err := s.Info(ctx, dir, key)
	if errors.Is(err, storage.ErrNoEntry) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.rcache.Delete(ctx, entryKey(dir, key)); err != nil {
		storage.OperationErrors.WithLabelValues(backend, "remove_entry").Inc()
		return fmt.Errorf("delete entry: %w", err)
	}
	if fully {
		if err := s.RemoveContent(ctx, dir, info.Integrity); err != nil {
			return err
		}
	}

	s.logger.Debug().Str("dir", dir).Str("key", key).Msg("Entry removed")
	return nil
}

// RemoveContent deletes the content object stored under digest.
func (s *Store) RemoveContent(ctx context.Context, dir, digest string) error {
	if err := s.client.Del(ctx, contentKey(dir, digest)).Err(); err != nil {
		storage.OperationErrors.WithLabelValues(backend, "remove_content").Inc()
		return fmt.Errorf("delete content: %w", err)
	}
	return nil
}

// List returns every entry record in dir, keyed by cache key.
func (s *Store) List(ctx context.Context, dir string) (map[string]storage.EntryInfo, error) {
	prefix := entryPrefix(dir)
	entries := make(map[string]storage.EntryInfo)

	iter := s.client.Scan(ctx, 0, prefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), prefix)
		info, err := s.Info(ctx, dir, key)
		if errors.Is(err, storage.ErrNoEntry) {
			// Deleted between scan and read.
			continue
		}
		if err != nil {
			return nil, err
		}
		entries[key] = *info
	}
	if err := iter.Err(); err != nil {
		storage.OperationErrors.WithLabelValues(backend, "list").Inc()
		return nil, fmt.Errorf("scan entries: %w", err)
	}
	return entries, nil
}

// Verify checks every content object in dir against its digest, drops
// the corrupt ones, and reports directory stats.
func (s *Store) Verify(ctx context.Context, dir string) (storage.VerifyStats, error) {
	var stats storage.VerifyStats
	prefix := contentPrefix(dir)

	iter := s.client.Scan(ctx, 0, prefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		digest := strings.TrimPrefix(iter.Val(), prefix)
		data, err := s.ReadDigest(ctx, dir, digest)
		if errors.Is(err, storage.ErrNoContent) {
			continue
		}
		if err != nil {
			return stats, err
		}
		if !storage.VerifyIntegrity(data, digest) {
			if err := s.RemoveContent(ctx, dir, digest); err != nil {
				return stats, err
			}
			s.logger.Warn().Str("dir", dir).Str("integrity", digest).Msg("Dropped corrupt content object")
			stats.CorruptRemoved++
			continue
		}
		stats.ContentObjects++
		stats.TotalBytes += int64(len(data))
	}
	if err := iter.Err(); err != nil {
		storage.OperationErrors.WithLabelValues(backend, "verify").Inc()
		return stats, fmt.Errorf("scan content: %w", err)
	}

	entries, err := s.List(ctx, dir)
	if err != nil {
		return stats, err
	}
	for _, info := range entries {
		stats.Entries++
		exists, err := s.client.Exists(ctx, contentKey(dir, info.Integrity)).Result()
		if err != nil {
			storage.OperationErrors.WithLabelValues(backend, "verify").Inc()
			return stats, fmt.Errorf("check content presence: %w", err)
		}
		if exists == 0 {
			stats.MissingContent++
		}
	}
	return stats, nil
}
