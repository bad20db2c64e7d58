// Package sqlitestore persists cache entries and content objects in an
// embedded SQLite database, either on disk or in memory.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/SorinGFS/shared-http-cache/pkg/storage"
)

const backend = "sqlite"

// memoryDSN opens a process-shared in-memory database.
const memoryDSN = "file::memory:?cache=shared"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS entries (
		dir       TEXT NOT NULL,
		key       TEXT NOT NULL,
		integrity TEXT NOT NULL,
		headers   TEXT NOT NULL,
		stored_at INTEGER NOT NULL,
		size      INTEGER NOT NULL,
		PRIMARY KEY (dir, key)
	)`,
	`CREATE TABLE IF NOT EXISTS content (
		dir       TEXT NOT NULL,
		integrity TEXT NOT NULL,
		data      BLOB NOT NULL,
		PRIMARY KEY (dir, integrity)
	)`,
	`PRAGMA journal_mode=WAL`,
}

// Store is a storage.Adapter backed by a single SQLite database.
// Cache directories map to a column, so one database serves any number
// of directories.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	logger  zerolog.Logger
}

// New opens or creates the SQLite database at path and prepares the
// schema. An empty path opens a shared in-memory database, which
// tests and short-lived tools can use without touching disk.
func New(path string) (*Store, error) {
	dsn := path
	if dsn == "" {
		dsn = memoryDSN
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if path == "" {
		// A shared in-memory database lives only as long as one
		// connection to it; pin a single connection so the pool never
		// drops the data.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("prepare sqlite schema: %w", err)
		}
	}

	return &Store{
		db:     db,
		logger: log.With().Str("component", "sqlitestore").Logger(),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Info returns the entry metadata for key, or storage.ErrNoEntry.
func (s *Store) Info(ctx context.Context, dir, key string) (*storage.EntryInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT headers, stored_at, integrity, size FROM entries WHERE dir = ? AND key = ?`, dir, key)

	var (
		headersJSON string
		storedAt    int64
		integrity   string
		size        int64
	)
	if err := row.Scan(&headersJSON, &storedAt, &integrity, &size); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNoEntry
		}
		storage.OperationErrors.WithLabelValues(backend, "info").Inc()
		return nil, fmt.Errorf("query entry: %w", err)
	}

	headers, err := decodeHeaders(headersJSON)
	if err != nil {
		storage.OperationErrors.WithLabelValues(backend, "info").Inc()
		return nil, err
	}

	return &storage.EntryInfo{
		Key:       key,
		Headers:   headers,
		StoredAt:  time.UnixMilli(storedAt),
		Integrity: integrity,
		Size:      size,
	}, nil
}

// ReadKey returns the content referenced by the entry for key.
func (s *Store) ReadKey(ctx context.Context, dir, key string) ([]byte, error) {
	var integrity string
	err := s.db.QueryRowContext(ctx,
		`SELECT integrity FROM entries WHERE dir = ? AND key = ?`, dir, key).Scan(&integrity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNoEntry
	}
	if err != nil {
		storage.OperationErrors.WithLabelValues(backend, "read_key").Inc()
		return nil, fmt.Errorf("query entry: %w", err)
	}
	return s.ReadDigest(ctx, dir, integrity)
}

// ReadDigest returns the content stored under digest, or
// storage.ErrNoContent.
func (s *Store) ReadDigest(ctx context.Context, dir, digest string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM content WHERE dir = ? AND integrity = ?`, dir, digest).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNoContent
	}
	if err != nil {
		storage.OperationErrors.WithLabelValues(backend, "read_digest").Inc()
		return nil, fmt.Errorf("query content: %w", err)
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
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("encode entry headers: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		storage.OperationErrors.WithLabelValues(backend, "write").Inc()
		return "", fmt.Errorf("begin write: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO content (dir, integrity, data) VALUES (?, ?, ?)`,
		dir, integrity, content); err != nil {
		storage.OperationErrors.WithLabelValues(backend, "write").Inc()
		return "", fmt.Errorf("write content: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries (dir, key, integrity, headers, stored_at, size) VALUES (?, ?, ?, ?, ?, ?)`,
		dir, key, integrity, string(headersJSON), time.Now().UnixMilli(), int64(len(content))); err != nil {
		storage.OperationErrors.WithLabelValues(backend, "write").Inc()
		return "", fmt.Errorf("write entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		storage.OperationErrors.WithLabelValues(backend, "write").Inc()
		return "", fmt.Errorf("commit write: %w", err)
	}

	storage.BytesWritten.WithLabelValues(backend).Add(float64(len(content)))
	s.logger.Debug().Str("dir", dir).Str("key", key).Int("size", len(content)).Msg("Entry written")
	return integrity, nil
}

// RemoveEntry deletes the entry record for key; with fully set it also
// deletes the referenced content object.
func (s *Store) RemoveEntry(ctx context.Context, dir, key string, fully bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !fully {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM entries WHERE dir = ? AND key = ?`, dir, key); err != nil {
			storage.OperationErrors.WithLabelValues(backend, "remove_entry").Inc()
			return fmt.Errorf("remove entry: %w", err)
		}
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		storage.OperationErrors.WithLabelValues(backend, "remove_entry").Inc()
		return fmt.Errorf("begin removal: %w", err)
	}
	defer tx.Rollback()

	var integrity string
	err = tx.QueryRowContext(ctx,
		`SELECT integrity FROM entries WHERE dir = ? AND key = ?`, dir, key).Scan(&integrity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		storage.OperationErrors.WithLabelValues(backend, "remove_entry").Inc()
		return fmt.Errorf("query entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entries WHERE dir = ? AND key = ?`, dir, key); err != nil {
		storage.OperationErrors.WithLabelValues(backend, "remove_entry").Inc()
		return fmt.Errorf("remove entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM content WHERE dir = ? AND integrity = ?`, dir, integrity); err != nil {
		storage.OperationErrors.WithLabelValues(backend, "remove_entry").Inc()
		return fmt.Errorf("remove content: %w", err)
	}
	if err := tx.Commit(); err != nil {
		storage.OperationErrors.WithLabelValues(backend, "remove_entry").Inc()
		return fmt.Errorf("commit removal: %w", err)
	}

	s.logger.Debug().Str("dir", dir).Str("key", key).Msg("Entry removed")
	return nil
}

// RemoveContent deletes the content object stored under digest.
func (s *Store) RemoveContent(ctx context.Context, dir, digest string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM content WHERE dir = ? AND integrity = ?`, dir, digest); err != nil {
		storage.OperationErrors.WithLabelValues(backend, "remove_content").Inc()
		return fmt.Errorf("remove content: %w", err)
	}
	return nil
}

// List returns every entry record in dir, keyed by cache key.
func (s *Store) List(ctx context.Context, dir string) (map[string]storage.EntryInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, headers, stored_at, integrity, size FROM entries WHERE dir = ?`, dir)
	if err != nil {
		storage.OperationErrors.WithLabelValues(backend, "list").Inc()
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]storage.EntryInfo)
	for rows.Next() {
		var (
			key         string
			headersJSON string
			storedAt    int64
			integrity   string
			size        int64
		)
		if err := rows.Scan(&key, &headersJSON, &storedAt, &integrity, &size); err != nil {
			storage.OperationErrors.WithLabelValues(backend, "list").Inc()
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		headers, err := decodeHeaders(headersJSON)
		if err != nil {
			storage.OperationErrors.WithLabelValues(backend, "list").Inc()
			return nil, err
		}
		entries[key] = storage.EntryInfo{
			Key:       key,
			Headers:   headers,
			StoredAt:  time.UnixMilli(storedAt),
			Integrity: integrity,
			Size:      size,
		}
	}
	return entries, rows.Err()
}

// Verify checks every content object in dir against its digest, drops
// the corrupt ones, and reports directory stats.
func (s *Store) Verify(ctx context.Context, dir string) (storage.VerifyStats, error) {
	var stats storage.VerifyStats

	corrupt, err := s.verifyContent(ctx, dir, &stats)
	if err != nil {
		storage.OperationErrors.WithLabelValues(backend, "verify").Inc()
		return stats, err
	}
	for _, digest := range corrupt {
		if err := s.RemoveContent(ctx, dir, digest); err != nil {
			return stats, err
		}
		s.logger.Warn().Str("dir", dir).Str("integrity", digest).Msg("Dropped corrupt content object")
		stats.CorruptRemoved++
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT e.key, c.integrity IS NOT NULL
		 FROM entries e LEFT JOIN content c ON c.dir = e.dir AND c.integrity = e.integrity
		 WHERE e.dir = ?`, dir)
	if err != nil {
		storage.OperationErrors.WithLabelValues(backend, "verify").Inc()
		return stats, fmt.Errorf("verify entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key        string
			hasContent bool
		)
		if err := rows.Scan(&key, &hasContent); err != nil {
			storage.OperationErrors.WithLabelValues(backend, "verify").Inc()
			return stats, fmt.Errorf("scan entry: %w", err)
		}
		stats.Entries++
		if !hasContent {
			stats.MissingContent++
		}
	}
	return stats, rows.Err()
}

// verifyContent scans all content objects, fills the object and byte
// counts for the intact ones, and returns the corrupt digests.
func (s *Store) verifyContent(ctx context.Context, dir string, stats *storage.VerifyStats) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT integrity, data FROM content WHERE dir = ?`, dir)
	if err != nil {
		return nil, fmt.Errorf("verify content: %w", err)
	}
	defer rows.Close()

	var corrupt []string
	for rows.Next() {
		var (
			integrity string
			data      []byte
		)
		if err := rows.Scan(&integrity, &data); err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		if !storage.VerifyIntegrity(data, integrity) {
			corrupt = append(corrupt, integrity)
			continue
		}
		stats.ContentObjects++
		stats.TotalBytes += int64(len(data))
	}
	return corrupt, rows.Err()
}

func decodeHeaders(raw string) (http.Header, error) {
	var headers http.Header
	if err := json.Unmarshal([]byte(raw), &headers); err != nil {
		return nil, fmt.Errorf("decode entry headers: %w", err)
	}
	if headers == nil {
		headers = make(http.Header)
	}
	return headers, nil
}
