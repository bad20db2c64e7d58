package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/SorinGFS/shared-http-cache/pkg/cachekey"
	"github.com/SorinGFS/shared-http-cache/pkg/storage"
	"github.com/SorinGFS/shared-http-cache/pkg/storage/sqlitestore"
	"github.com/SorinGFS/shared-http-cache/pkg/transport"
)

// newTestEngine builds an engine over an in-memory SQLite store and
// the default transport. Tests isolate themselves by directory.
func newTestEngine(t *testing.T, mutate func(*Config)) (*Engine, *sqlitestore.Store) {
	t.Helper()

	store, err := sqlitestore.New("")
	if err != nil {
		t.Fatalf("sqlitestore.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	nop := zerolog.Nop()
	cfg := Config{
		Storage:   store,
		Transport: transport.NewHTTPClient(nil),
		Dir:       t.Name(),
		Logger:    &nop,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return eng, store
}

// newOrigin starts a test origin that answers conditional requests
// with 304 and everything else with the given body and headers. It
// returns a pointer to the request count.
func newOrigin(t *testing.T, body string, headers map[string]string) (*httptest.Server, *int) {
	t.Helper()

	count := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count++
		for name, value := range headers {
			w.Header().Set(name, value)
		}
		if etag := headers["Etag"]; etag != "" && r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server, &count
}

func TestNew_Validation(t *testing.T) {
	store, err := sqlitestore.New("")
	if err != nil {
		t.Fatalf("sqlitestore.New() error = %v", err)
	}
	defer store.Close()
	httpClient := transport.NewHTTPClient(nil)

	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config",
			config: Config{
				Storage:   store,
				Transport: httpClient,
				Dir:       "default",
			},
			expectError: false,
		},
		{
			name: "nil storage",
			config: Config{
				Transport: httpClient,
				Dir:       "default",
			},
			expectError: true,
			errorMsg:    "storage adapter is required",
		},
		{
			name: "nil transport",
			config: Config{
				Storage: store,
				Dir:     "default",
			},
			expectError: true,
			errorMsg:    "transport client is required",
		},
		{
			name: "empty dir",
			config: Config{
				Storage:   store,
				Transport: httpClient,
			},
			expectError: true,
			errorMsg:    "cache directory is required",
		},
		{
			name: "unknown persistence mode",
			config: Config{
				Storage:     store,
				Transport:   httpClient,
				Dir:         "default",
				Persistence: "eventually",
			},
			expectError: true,
			errorMsg:    `unknown persistence mode "eventually"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, err := New(tt.config)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got nil")
					return
				}
				if tt.errorMsg != "" && err.Error() != tt.errorMsg {
					t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
				}
			} else {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
					return
				}
				if eng == nil {
					t.Error("Engine is nil")
				}
			}
		})
	}
}

func TestFetch_MissThenHit(t *testing.T) {
	server, count := newOrigin(t, `{"id": 42}`, map[string]string{
		"Cache-Control": "max-age=60",
		"Etag":          `"v1"`,
	})
	eng, store := newTestEngine(t, nil)

	// First request: miss, fetched from the origin and stored.
	res1, err := eng.Fetch(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("First Fetch() error = %v", err)
	}
	if res1.FromCache {
		t.Error("First result FromCache = true, want false")
	}
	if string(res1.Content) != `{"id": 42}` {
		t.Errorf("First result Content = %q, want origin body", res1.Content)
	}
	if *count != 1 {
		t.Fatalf("Origin requests after first fetch = %d, want 1", *count)
	}

	info, err := store.Info(context.Background(), eng.Dir(), mustKey(t, server.URL))
	if err != nil {
		t.Fatalf("Info() after first fetch error = %v", err)
	}
	if info.Headers.Get("Etag") != `"v1"` {
		t.Errorf("Stored Etag = %q, want %q", info.Headers.Get("Etag"), `"v1"`)
	}

	// Second request: fresh, served without contacting the origin.
	res2, err := eng.Fetch(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("Second Fetch() error = %v", err)
	}
	if !res2.FromCache {
		t.Error("Second result FromCache = false, want true")
	}
	if string(res2.Content) != `{"id": 42}` {
		t.Errorf("Second result Content = %q, want stored body", res2.Content)
	}
	if *count != 1 {
		t.Errorf("Origin requests after second fetch = %d, want 1 (served from cache)", *count)
	}
}

func TestFetch_EquivalentURLsShareEntry(t *testing.T) {
	server, count := newOrigin(t, "body", map[string]string{
		"Cache-Control": "max-age=60",
	})
	eng, _ := newTestEngine(t, nil)

	if _, err := eng.Fetch(context.Background(), Request{URL: server.URL + "/items?b=2&a=1"}); err != nil {
		t.Fatalf("First Fetch() error = %v", err)
	}
	res, err := eng.Fetch(context.Background(), Request{URL: server.URL + "/items?a=1&b=2#frag"})
	if err != nil {
		t.Fatalf("Second Fetch() error = %v", err)
	}

	if !res.FromCache {
		t.Error("Second spelling not served from cache")
	}
	if *count != 1 {
		t.Errorf("Origin requests = %d, want 1", *count)
	}
}

func TestFetch_Revalidation304(t *testing.T) {
	server, count := newOrigin(t, `{"id": 42}`, map[string]string{
		"Cache-Control": "max-age=0",
		"Etag":          `"v1"`,
		"Content-Type":  "application/json",
	})
	eng, store := newTestEngine(t, nil)

	if _, err := eng.Fetch(context.Background(), Request{URL: server.URL}); err != nil {
		t.Fatalf("First Fetch() error = %v", err)
	}

	// Let the entry turn stale (max-age=0).
	time.Sleep(50 * time.Millisecond)

	res, err := eng.Fetch(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("Second Fetch() error = %v", err)
	}
	if !res.FromCache {
		t.Error("Revalidated result FromCache = false, want true")
	}
	if string(res.Content) != `{"id": 42}` {
		t.Errorf("Revalidated Content = %q, want stored body", res.Content)
	}
	// Headers stored before the 304 survive the merge.
	if res.Headers.Get("Content-Type") != "application/json" {
		t.Errorf("Merged Content-Type = %q, want stored value", res.Headers.Get("Content-Type"))
	}
	if *count != 2 {
		t.Errorf("Origin requests = %d, want 2 (fetch + revalidation)", *count)
	}

	// The entry's store timestamp was refreshed by the revalidation.
	info, err := store.Info(context.Background(), eng.Dir(), mustKey(t, server.URL))
	if err != nil {
		t.Fatalf("Info() after revalidation error = %v", err)
	}
	if time.Since(info.StoredAt) > 5*time.Second {
		t.Errorf("StoredAt = %v, want refreshed timestamp", info.StoredAt)
	}
}

func TestFetch_RevalidationMergeRefreshesLifetime(t *testing.T) {
	first := true
	count := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count++
		if first {
			first = false
			w.Header().Set("Cache-Control", "max-age=0")
			w.Header().Set("Etag", `"v1"`)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("body"))
			return
		}
		// Revalidation answer extends the lifetime.
		w.Header().Set("Cache-Control", "max-age=300")
		w.WriteHeader(http.StatusNotModified)
	}))
	t.Cleanup(server.Close)

	eng, _ := newTestEngine(t, nil)

	if _, err := eng.Fetch(context.Background(), Request{URL: server.URL}); err != nil {
		t.Fatalf("First Fetch() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := eng.Fetch(context.Background(), Request{URL: server.URL}); err != nil {
		t.Fatalf("Second Fetch() error = %v", err)
	}

	// The merged max-age=300 makes the third request a plain hit.
	res, err := eng.Fetch(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("Third Fetch() error = %v", err)
	}
	if !res.FromCache {
		t.Error("Third result FromCache = false, want true")
	}
	if count != 2 {
		t.Errorf("Origin requests = %d, want 2", count)
	}
}

func TestFetch_304WithoutEntryFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	t.Cleanup(server.Close)

	eng, _ := newTestEngine(t, nil)

	// The caller attached its own validator; the engine has nothing
	// stored to satisfy the 304 with.
	headers := http.Header{}
	headers.Set("If-None-Match", `"v1"`)
	_, err := eng.Fetch(context.Background(), Request{URL: server.URL, Headers: headers})

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("Fetch() error = %v, want *RequestError", err)
	}
	if reqErr.Kind != FailureOriginStatus {
		t.Errorf("Kind = %q, want %q", reqErr.Kind, FailureOriginStatus)
	}
	if reqErr.Status != http.StatusNotModified {
		t.Errorf("Status = %d, want %d", reqErr.Status, http.StatusNotModified)
	}
}

func TestFetch_Gone410PurgesEntry(t *testing.T) {
	gone := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gone {
			w.WriteHeader(http.StatusGone)
			return
		}
		w.Header().Set("Cache-Control", "max-age=0")
		w.Header().Set("Etag", `"v1"`)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("doomed"))
	}))
	t.Cleanup(server.Close)

	eng, store := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := eng.Fetch(ctx, Request{URL: server.URL}); err != nil {
		t.Fatalf("First Fetch() error = %v", err)
	}
	key := mustKey(t, server.URL)
	info, err := store.Info(ctx, eng.Dir(), key)
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}

	gone = true
	time.Sleep(50 * time.Millisecond)

	_, err = eng.Fetch(ctx, Request{URL: server.URL})
	if !errors.Is(err, ErrResourceGone) {
		t.Fatalf("Fetch() error = %v, want ErrResourceGone", err)
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Kind != FailureGone || reqErr.Status != http.StatusGone {
		t.Errorf("error = %+v, want gone failure with status 410", err)
	}

	// Entry and content are both purged.
	if _, err := store.Info(ctx, eng.Dir(), key); !errors.Is(err, storage.ErrNoEntry) {
		t.Errorf("Info() after 410 error = %v, want ErrNoEntry", err)
	}
	if _, err := store.ReadDigest(ctx, eng.Dir(), info.Integrity); !errors.Is(err, storage.ErrNoContent) {
		t.Errorf("ReadDigest() after 410 error = %v, want ErrNoContent", err)
	}
}

func TestFetch_GoneWithoutEntry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	t.Cleanup(server.Close)

	eng, _ := newTestEngine(t, nil)

	_, err := eng.Fetch(context.Background(), Request{URL: server.URL})
	if !errors.Is(err, ErrResourceGone) {
		t.Errorf("Fetch() error = %v, want ErrResourceGone", err)
	}
}

func TestFetch_OriginErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	eng, store := newTestEngine(t, nil)

	_, err := eng.Fetch(context.Background(), Request{URL: server.URL})
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("Fetch() error = %v, want *RequestError", err)
	}
	if reqErr.Kind != FailureOriginStatus {
		t.Errorf("Kind = %q, want %q", reqErr.Kind, FailureOriginStatus)
	}
	if reqErr.Status != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want %d", reqErr.Status, http.StatusServiceUnavailable)
	}

	// Nothing was stored.
	if _, err := store.Info(context.Background(), eng.Dir(), mustKey(t, server.URL)); !errors.Is(err, storage.ErrNoEntry) {
		t.Errorf("Info() error = %v, want ErrNoEntry", err)
	}
}

func TestFetch_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	eng, _ := newTestEngine(t, nil)

	_, err := eng.Fetch(context.Background(), Request{URL: url})
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("Fetch() error = %v, want *RequestError", err)
	}
	if reqErr.Kind != FailureTransport {
		t.Errorf("Kind = %q, want %q", reqErr.Kind, FailureTransport)
	}
}

func TestFetch_MalformedURL(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	tests := []struct {
		name string
		url  string
	}{
		{name: "empty", url: ""},
		{name: "relative", url: "/items/42"},
		{name: "unsupported scheme", url: "ftp://example.com/items"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Fetch(context.Background(), Request{URL: tt.url})
			if !errors.Is(err, ErrMalformedRequest) {
				t.Errorf("Fetch(%q) error = %v, want ErrMalformedRequest", tt.url, err)
			}
			var reqErr *RequestError
			if !errors.As(err, &reqErr) || reqErr.Kind != FailureMalformed {
				t.Errorf("Fetch(%q) error kind not malformed: %v", tt.url, err)
			}
		})
	}
}

func TestFetch_OnlyIfCached(t *testing.T) {
	server, count := newOrigin(t, "body", map[string]string{
		"Cache-Control": "max-age=60",
	})
	eng, _ := newTestEngine(t, nil)

	headers := http.Header{}
	headers.Set("Cache-Control", "only-if-cached")

	// Miss: fails as a gateway-style error without touching the origin.
	_, err := eng.Fetch(context.Background(), Request{URL: server.URL, Headers: headers})
	if !errors.Is(err, ErrOnlyIfCached) {
		t.Fatalf("Fetch() error = %v, want ErrOnlyIfCached", err)
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Status != http.StatusGatewayTimeout {
		t.Errorf("error = %v, want status %d", err, http.StatusGatewayTimeout)
	}
	if *count != 0 {
		t.Errorf("Origin requests = %d, want 0", *count)
	}

	// Populate, then the same request is served from storage.
	if _, err := eng.Fetch(context.Background(), Request{URL: server.URL}); err != nil {
		t.Fatalf("Populating Fetch() error = %v", err)
	}
	res, err := eng.Fetch(context.Background(), Request{URL: server.URL, Headers: headers})
	if err != nil {
		t.Fatalf("Fetch() with entry error = %v", err)
	}
	if !res.FromCache {
		t.Error("FromCache = false, want true")
	}
	if *count != 1 {
		t.Errorf("Origin requests = %d, want 1", *count)
	}
}

func TestFetch_StaleAcceptance(t *testing.T) {
	server, count := newOrigin(t, "body", map[string]string{
		"Cache-Control": "max-age=0",
		"Etag":          `"v1"`,
	})
	eng, _ := newTestEngine(t, nil)

	if _, err := eng.Fetch(context.Background(), Request{URL: server.URL}); err != nil {
		t.Fatalf("Populating Fetch() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	// max-stale without a value accepts any staleness.
	headers := http.Header{}
	headers.Set("Cache-Control", "max-stale")
	res, err := eng.Fetch(context.Background(), Request{URL: server.URL, Headers: headers})
	if err != nil {
		t.Fatalf("Fetch() with max-stale error = %v", err)
	}
	if !res.FromCache {
		t.Error("FromCache = false, want stale response served")
	}
	if *count != 1 {
		t.Errorf("Origin requests = %d, want 1 (no revalidation)", *count)
	}

	// Without max-stale the stale entry is revalidated.
	if _, err := eng.Fetch(context.Background(), Request{URL: server.URL}); err != nil {
		t.Fatalf("Fetch() without max-stale error = %v", err)
	}
	if *count != 2 {
		t.Errorf("Origin requests = %d, want 2 (revalidated)", *count)
	}
}

func TestFetch_MustRevalidateBeatsMaxStale(t *testing.T) {
	server, count := newOrigin(t, "body", map[string]string{
		"Cache-Control": "max-age=0, must-revalidate",
		"Etag":          `"v1"`,
	})
	eng, _ := newTestEngine(t, nil)

	if _, err := eng.Fetch(context.Background(), Request{URL: server.URL}); err != nil {
		t.Fatalf("Populating Fetch() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	headers := http.Header{}
	headers.Set("Cache-Control", "max-stale")
	res, err := eng.Fetch(context.Background(), Request{URL: server.URL, Headers: headers})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !res.FromCache {
		t.Error("FromCache = false, want revalidated stored content")
	}
	if *count != 2 {
		t.Errorf("Origin requests = %d, want 2 (must-revalidate forces the visit)", *count)
	}
}

func TestFetch_NoCacheForcesRevalidation(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		request string
	}{
		{
			name:    "request no-cache",
			headers: map[string]string{"Cache-Control": "max-age=600", "Etag": `"v1"`},
			request: "no-cache",
		},
		{
			name:    "response no-cache",
			headers: map[string]string{"Cache-Control": "no-cache, max-age=600", "Etag": `"v1"`},
			request: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, count := newOrigin(t, "body", tt.headers)
			eng, _ := newTestEngine(t, nil)

			if _, err := eng.Fetch(context.Background(), Request{URL: server.URL}); err != nil {
				t.Fatalf("Populating Fetch() error = %v", err)
			}

			headers := http.Header{}
			if tt.request != "" {
				headers.Set("Cache-Control", tt.request)
			}
			res, err := eng.Fetch(context.Background(), Request{URL: server.URL, Headers: headers})
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if !res.FromCache {
				t.Error("FromCache = false, want revalidated stored content")
			}
			if *count != 2 {
				t.Errorf("Origin requests = %d, want 2 (revalidation forced)", *count)
			}
		})
	}
}

func TestFetch_AdmissionRules(t *testing.T) {
	tests := []struct {
		name          string
		method        string
		reqHeaders    map[string]string
		originHeaders map[string]string
	}{
		{
			name:          "response no-store",
			originHeaders: map[string]string{"Cache-Control": "no-store"},
		},
		{
			name:          "response private",
			originHeaders: map[string]string{"Cache-Control": "private, max-age=60"},
		},
		{
			name:          "response vary",
			originHeaders: map[string]string{"Cache-Control": "max-age=60", "Vary": "Accept-Encoding"},
		},
		{
			name:          "response vary wildcard",
			originHeaders: map[string]string{"Cache-Control": "max-age=60", "Vary": "*"},
		},
		{
			name:          "request no-store",
			reqHeaders:    map[string]string{"Cache-Control": "no-store"},
			originHeaders: map[string]string{"Cache-Control": "max-age=60"},
		},
		{
			name:          "request credentials",
			reqHeaders:    map[string]string{"Authorization": "Bearer token"},
			originHeaders: map[string]string{"Cache-Control": "max-age=60"},
		},
		{
			name:          "non-GET method",
			method:        http.MethodPost,
			originHeaders: map[string]string{"Cache-Control": "max-age=60"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := newOrigin(t, "body", tt.originHeaders)
			eng, store := newTestEngine(t, nil)

			headers := http.Header{}
			for name, value := range tt.reqHeaders {
				headers.Set(name, value)
			}

			res, err := eng.Fetch(context.Background(), Request{
				URL:     server.URL,
				Method:  tt.method,
				Headers: headers,
			})
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if res.FromCache {
				t.Error("FromCache = true, want origin response")
			}
			if string(res.Content) != "body" {
				t.Errorf("Content = %q, want origin body delivered despite no admission", res.Content)
			}

			if _, err := store.Info(context.Background(), eng.Dir(), mustKey(t, server.URL)); !errors.Is(err, storage.ErrNoEntry) {
				t.Errorf("Info() error = %v, want ErrNoEntry (nothing admitted)", err)
			}
		})
	}
}

func TestFetch_VaryEntryNeverServed(t *testing.T) {
	// An entry stored with a Vary header (seeded directly) must not be
	// served even while fresh.
	server, count := newOrigin(t, "fresh body", map[string]string{
		"Cache-Control": "max-age=600",
	})
	eng, store := newTestEngine(t, nil)
	ctx := context.Background()

	headers := http.Header{}
	headers.Set("Cache-Control", "max-age=600")
	headers.Set("Vary", "Accept-Encoding")
	key := mustKey(t, server.URL)
	if _, err := store.Write(ctx, eng.Dir(), key, []byte("varied body"), storage.WriteOptions{Headers: headers}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	res, err := eng.Fetch(ctx, Request{URL: server.URL})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if res.FromCache {
		t.Error("FromCache = true, want origin fetch for varied entry")
	}
	if *count != 1 {
		t.Errorf("Origin requests = %d, want 1", *count)
	}
}

func TestFetch_NonGETBypassesLookup(t *testing.T) {
	server, count := newOrigin(t, "deleted", map[string]string{})
	eng, store := newTestEngine(t, nil)
	ctx := context.Background()

	// Seed a fresh entry under the same key.
	headers := http.Header{}
	headers.Set("Cache-Control", "max-age=600")
	if _, err := store.Write(ctx, eng.Dir(), mustKey(t, server.URL), []byte("stored"), storage.WriteOptions{Headers: headers}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	res, err := eng.Fetch(ctx, Request{URL: server.URL, Method: http.MethodDelete})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if res.FromCache {
		t.Error("FromCache = true, want origin exchange for DELETE")
	}
	if *count != 1 {
		t.Errorf("Origin requests = %d, want 1", *count)
	}
}

func TestFetch_HookFailureSuppressesWrite(t *testing.T) {
	tests := []struct {
		name string
		hook func(*Result) error
	}{
		{
			name: "hook returns error",
			hook: func(*Result) error { return errors.New("handler rejected content") },
		},
		{
			name: "hook panics",
			hook: func(*Result) error { panic("handler exploded") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := newOrigin(t, "body", map[string]string{
				"Cache-Control": "max-age=60",
			})
			eng, store := newTestEngine(t, nil)

			_, err := eng.Fetch(context.Background(), Request{URL: server.URL, OnComplete: tt.hook})
			var reqErr *RequestError
			if !errors.As(err, &reqErr) {
				t.Fatalf("Fetch() error = %v, want *RequestError", err)
			}
			if reqErr.Kind != FailureHook {
				t.Errorf("Kind = %q, want %q", reqErr.Kind, FailureHook)
			}

			// The failed hook keeps the response out of storage.
			if _, err := store.Info(context.Background(), eng.Dir(), mustKey(t, server.URL)); !errors.Is(err, storage.ErrNoEntry) {
				t.Errorf("Info() error = %v, want ErrNoEntry", err)
			}
		})
	}
}

func TestFetch_HookRunsExactlyOnce(t *testing.T) {
	server, _ := newOrigin(t, "body", map[string]string{
		"Cache-Control": "max-age=60",
	})
	eng, _ := newTestEngine(t, nil)

	calls := 0
	var sawIndex int
	var sawFromCache bool
	_, err := eng.Fetch(context.Background(), Request{
		URL:   server.URL,
		Index: 7,
		OnComplete: func(r *Result) error {
			calls++
			sawIndex = r.Index
			sawFromCache = r.FromCache
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("hook calls = %d, want 1", calls)
	}
	if sawIndex != 7 {
		t.Errorf("hook saw index %d, want 7", sawIndex)
	}
	if sawFromCache {
		t.Error("hook saw FromCache = true, want false for origin fetch")
	}
}

func TestFetch_DetachedPersistence(t *testing.T) {
	server, _ := newOrigin(t, "body", map[string]string{
		"Cache-Control": "max-age=60",
	})
	eng, store := newTestEngine(t, func(cfg *Config) {
		cfg.Persistence = PersistDetached
	})

	if _, err := eng.Fetch(context.Background(), Request{URL: server.URL}); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	// The write completes independently of the request.
	key := mustKey(t, server.URL)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := store.Info(context.Background(), eng.Dir(), key); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("detached write did not land within 2s")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFetch_StorageDegradation(t *testing.T) {
	t.Run("lookup failure becomes miss", func(t *testing.T) {
		server, count := newOrigin(t, "body", map[string]string{
			"Cache-Control": "max-age=60",
		})
		eng, _ := newTestEngine(t, func(cfg *Config) {
			cfg.Storage = &flakyStore{Adapter: cfg.Storage, failInfo: true}
		})

		res, err := eng.Fetch(context.Background(), Request{URL: server.URL})
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		if res.FromCache {
			t.Error("FromCache = true, want origin fetch")
		}
		if *count != 1 {
			t.Errorf("Origin requests = %d, want 1", *count)
		}
	})

	t.Run("unreadable content falls back to origin", func(t *testing.T) {
		server, count := newOrigin(t, "fresh body", map[string]string{
			"Cache-Control": "max-age=600",
		})

		var flaky *flakyStore
		eng, store := newTestEngine(t, func(cfg *Config) {
			flaky = &flakyStore{Adapter: cfg.Storage, failReads: true}
			cfg.Storage = flaky
		})
		ctx := context.Background()

		headers := http.Header{}
		headers.Set("Cache-Control", "max-age=600")
		if _, err := store.Write(ctx, eng.Dir(), mustKey(t, server.URL), []byte("stored"), storage.WriteOptions{Headers: headers}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}

		res, err := eng.Fetch(ctx, Request{URL: server.URL})
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		if res.FromCache {
			t.Error("FromCache = true, want degraded origin fetch")
		}
		if string(res.Content) != "fresh body" {
			t.Errorf("Content = %q, want origin body", res.Content)
		}
		if *count != 1 {
			t.Errorf("Origin requests = %d, want 1", *count)
		}
	})

	t.Run("write failure does not fail the request", func(t *testing.T) {
		server, _ := newOrigin(t, "body", map[string]string{
			"Cache-Control": "max-age=60",
		})
		eng, _ := newTestEngine(t, func(cfg *Config) {
			cfg.Storage = &flakyStore{Adapter: cfg.Storage, failWrite: true}
		})

		res, err := eng.Fetch(context.Background(), Request{URL: server.URL})
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		if string(res.Content) != "body" {
			t.Errorf("Content = %q, want origin body", res.Content)
		}
	})
}

func TestFetch_TimeoutScopedToExchange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	eng, _ := newTestEngine(t, nil)

	_, err := eng.Fetch(context.Background(), Request{URL: server.URL, Timeout: 50 * time.Millisecond})
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("Fetch() error = %v, want *RequestError", err)
	}
	if reqErr.Kind != FailureTransport {
		t.Errorf("Kind = %q, want %q", reqErr.Kind, FailureTransport)
	}
}

// mustKey canonicalizes a URL for direct storage access in tests.
func mustKey(t *testing.T, rawURL string) string {
	t.Helper()
	key, err := cachekey.Normalize(rawURL)
	if err != nil {
		t.Fatalf("Normalize(%q) error = %v", rawURL, err)
	}
	return key
}

// flakyStore wraps an adapter and fails selected operations.
type flakyStore struct {
	storage.Adapter
	failInfo  bool
	failReads bool
	failWrite bool
}

func (f *flakyStore) Info(ctx context.Context, dir, key string) (*storage.EntryInfo, error) {
	if f.failInfo {
		return nil, errors.New("lookup failure injected")
	}
	return f.Adapter.Info(ctx, dir, key)
}

func (f *flakyStore) ReadKey(ctx context.Context, dir, key string) ([]byte, error) {
	if f.failReads {
		return nil, errors.New("read failure injected")
	}
	return f.Adapter.ReadKey(ctx, dir, key)
}

func (f *flakyStore) ReadDigest(ctx context.Context, dir, digest string) ([]byte, error) {
	if f.failReads {
		return nil, errors.New("read failure injected")
	}
	return f.Adapter.ReadDigest(ctx, dir, digest)
}

func (f *flakyStore) Write(ctx context.Context, dir, key string, content []byte, opts storage.WriteOptions) (string, error) {
	if f.failWrite {
		return "", errors.New("write failure injected")
	}
	return f.Adapter.Write(ctx, dir, key, content, opts)
}
