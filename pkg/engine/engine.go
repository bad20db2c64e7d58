package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/SorinGFS/shared-http-cache/pkg/cachecontrol"
	"github.com/SorinGFS/shared-http-cache/pkg/cachekey"
	"github.com/SorinGFS/shared-http-cache/pkg/freshness"
	"github.com/SorinGFS/shared-http-cache/pkg/storage"
	"github.com/SorinGFS/shared-http-cache/pkg/transport"
)

// PersistenceMode selects how admitted responses are written to
// storage.
type PersistenceMode string

const (
	// PersistBlocking completes a request only after its storage write
	// has landed.
	PersistBlocking PersistenceMode = "blocking"

	// PersistDetached schedules the storage write as independent work.
	// The request completes without waiting; a write failure is logged
	// and counted, never surfaced.
	PersistDetached PersistenceMode = "detached"
)

// Config holds the engine configuration.
type Config struct {
	// Storage persists entries and content objects.
	Storage storage.Adapter

	// Transport performs origin exchanges.
	Transport transport.Client

	// Dir is the cache directory all operations address. Consumers
	// sharing one storage backend isolate themselves by directory.
	Dir string

	// Persistence selects blocking or detached writes (default:
	// blocking).
	Persistence PersistenceMode

	// DeferContentRemoval leaves superseded entry records and content
	// objects in place instead of removing them eagerly; the replacing
	// write overwrites the record and a later Verify pass collects the
	// rest.
	DeferContentRemoval bool

	// Logger overrides the global zerolog logger.
	Logger *zerolog.Logger
}

// Engine decides, per request, whether to serve stored content,
// revalidate it, or fetch from the origin, and whether the outcome may
// be persisted.
type Engine struct {
	storage      storage.Adapter
	transport    transport.Client
	dir          string
	persistence  PersistenceMode
	deferRemoval bool
	logger       zerolog.Logger
}

// New validates cfg and creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage adapter is required")
	}

	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport client is required")
	}

	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}

	switch cfg.Persistence {
	case "":
		cfg.Persistence = PersistBlocking
	case PersistBlocking, PersistDetached:
	default:
		return nil, fmt.Errorf("unknown persistence mode %q", cfg.Persistence)
	}

	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	logger := base.With().Str("component", "engine").Str("dir", cfg.Dir).Logger()

	return &Engine{
		storage:      cfg.Storage,
		transport:    cfg.Transport,
		dir:          cfg.Dir,
		persistence:  cfg.Persistence,
		deferRemoval: cfg.DeferContentRemoval,
		logger:       logger,
	}, nil
}

// Request describes one resource request.
type Request struct {
	// URL identifies the resource; it is canonicalized into the cache
	// key.
	URL string

	// Method defaults to GET. Any other method bypasses the cache on
	// both the read and the write side.
	Method string

	// Headers are forwarded to the origin; Cache-Control directives in
	// them narrow what the engine may serve and store.
	Headers http.Header

	// Integrity, when set, selects content reads by digest and is
	// recorded with stored entries.
	Integrity string

	// Index is the request's position within its batch; the
	// orchestrator assigns it.
	Index int

	// Timeout bounds only the origin exchange, never storage access or
	// hooks. Zero means no bound.
	Timeout time.Duration

	// OnComplete is invoked exactly once with the request's result,
	// before any storage mutation. An error or panic fails the request
	// and suppresses its storage write.
	OnComplete func(*Result) error
}

// Result is the successful outcome of one request.
type Result struct {
	// Content is the response body served to the caller.
	Content []byte

	// Headers are the response headers; for revalidated entries they
	// are the merged header set.
	Headers http.Header

	// FromCache reports whether content came from storage rather than
	// an origin body.
	FromCache bool

	// Index is the request's position within its batch.
	Index int
}

// Storage exposes the engine's storage adapter, for post-batch
// maintenance surfaces.
func (e *Engine) Storage() storage.Adapter {
	return e.storage
}

// Dir returns the cache directory the engine operates on.
func (e *Engine) Dir() string {
	return e.dir
}

// Fetch runs the full decision pipeline for one request: lookup,
// freshness evaluation, origin exchange when needed, completion hook,
// and storage admission.
func (e *Engine) Fetch(ctx context.Context, req Request) (*Result, error) {
	startTime := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(startTime).Seconds())
	}()

	// Step 1: Validate and canonicalize. No I/O happens for a request
	// that cannot name a resource.
	key, err := cachekey.Normalize(req.URL)
	if err != nil {
		return nil, e.failErr(req, FailureMalformed, fmt.Errorf("%w: %v", ErrMalformedRequest, err))
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	headers := req.Headers.Clone()
	if headers == nil {
		headers = make(http.Header)
	}
	reqDir := cachecontrol.Parse(headers.Get("Cache-Control"))

	logger := e.logger.With().Int("index", req.Index).Str("key", key).Logger()

	// Step 2: Storage lookup. Non-GET requests bypass the cache
	// entirely and go straight to the origin.
	var info *storage.EntryInfo
	if method == http.MethodGet {
		info, err = e.storage.Info(ctx, e.dir, key)
		if err != nil && !errors.Is(err, storage.ErrNoEntry) {
			logger.Warn().Err(err).Msg("Entry lookup failed, treating as miss")
			info = nil
		}
		if info == nil {
			cacheMisses.Inc()
		}
	}

	// Step 3: Serve from storage when freshness and directives allow.
	if info != nil {
		eval := freshness.Evaluate(info.Headers, info.StoredAt, reqDir)
		resDir := cachecontrol.Parse(info.Headers.Get("Cache-Control"))

		if servable(eval, reqDir, resDir, info.Headers) {
			content, readErr := e.readStored(ctx, req, key)
			if readErr == nil {
				state := "fresh"
				if eval.Stale {
					state = "stale"
				}
				cacheHits.WithLabelValues(state).Inc()
				logger.Debug().
					Bool("stale", eval.Stale).
					Dur("age", eval.CurrentAge).
					Msg("Serving stored response")

				res := &Result{
					Content:   content,
					Headers:   info.Headers.Clone(),
					FromCache: true,
					Index:     req.Index,
				}
				if err := e.runHook(req, res); err != nil {
					return nil, e.failErr(req, FailureHook, err)
				}
				return res, nil
			}
			// Unreadable stored content degrades to an origin fetch.
			logger.Warn().Err(readErr).Msg("Stored content unreadable, falling back to origin")
		}
	}

	// Step 4: only-if-cached forbids the origin visit we now need.
	if reqDir.Has("only-if-cached") {
		return nil, e.failStatus(req, FailureOnlyIfCached, http.StatusGatewayTimeout, ErrOnlyIfCached)
	}

	// Step 5: Attach conditional headers from the stored validators.
	if info != nil {
		if etag := info.Headers.Get("Etag"); etag != "" {
			headers.Set("If-None-Match", etag)
		}
		if lastModified := info.Headers.Get("Last-Modified"); lastModified != "" {
			headers.Set("If-Modified-Since", lastModified)
		}
	}
	conditional := headers.Get("If-None-Match") != "" || headers.Get("If-Modified-Since") != ""

	// Step 6: Origin exchange, with the timeout scoped to this call
	// only.
	sendCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	logger.Debug().
		Str("method", method).
		Bool("conditional", conditional).
		Msg("Contacting origin")

	resp, err := e.transport.Send(sendCtx, req.URL, transport.Options{Method: method, Headers: headers})
	if err != nil {
		logger.Error().Err(err).Msg("Origin exchange failed")
		return nil, e.failErr(req, FailureTransport, fmt.Errorf("origin exchange: %w", err))
	}
	originRequests.WithLabelValues(statusClass(resp.Status)).Inc()

	// Step 7: Interpret the origin's answer.
	switch {
	case resp.Status == http.StatusNotModified && info != nil:
		if conditional {
			revalidations.WithLabelValues("not_modified").Inc()
		}
		return e.finishRevalidated(ctx, logger, req, key, method, headers, reqDir, info, resp)

	case resp.Status >= 200 && resp.Status < 300:
		if conditional {
			revalidations.WithLabelValues("modified").Inc()
		}
		return e.finishFromOrigin(ctx, logger, req, key, method, headers, reqDir, info, resp)

	case resp.Status == http.StatusGone:
		if info != nil {
			if err := e.storage.RemoveEntry(ctx, e.dir, key, true); err != nil {
				logger.Error().Err(err).Msg("Could not purge entry for gone resource")
			} else {
				logger.Debug().Msg("Purged entry for gone resource")
			}
		}
		return nil, e.failStatus(req, FailureGone, http.StatusGone, ErrResourceGone)

	default:
		logger.Warn().Int("status", resp.Status).Msg("Unusable origin status")
		return nil, e.failStatus(req, FailureOriginStatus, resp.Status,
			fmt.Errorf("origin returned status %d", resp.Status))
	}
}

// finishRevalidated reuses stored content after a 304. The fresh
// headers are laid over the stored ones and the merge becomes the
// entry's complete new metadata.
func (e *Engine) finishRevalidated(ctx context.Context, logger zerolog.Logger, req Request, key, method string, reqHeaders http.Header, reqDir cachecontrol.Directives, info *storage.EntryInfo, resp *transport.Response) (*Result, error) {
	logger.Debug().Msg("Origin confirmed stored response is current")

	// The 304 confirmed the entry's own content; a caller-supplied
	// digest selects reads only when no revalidation is in play.
	content, err := e.storage.ReadKey(ctx, e.dir, key)
	if err != nil {
		// The 304 carried no body, so there is nothing left to serve.
		return nil, e.failErr(req, FailureStorage, fmt.Errorf("read stored content after revalidation: %w", err))
	}

	merged := mergeHeaders(info.Headers, resp.Headers)
	res := &Result{
		Content:   content,
		Headers:   merged,
		FromCache: true,
		Index:     req.Index,
	}
	if err := e.runHook(req, res); err != nil {
		return nil, e.failErr(req, FailureHook, err)
	}

	integrity := info.Integrity
	if integrity == "" {
		integrity = req.Integrity
	}
	e.persist(ctx, logger, persistItem{
		key:        key,
		method:     method,
		reqHeaders: reqHeaders,
		reqDir:     reqDir,
		content:    content,
		headers:    merged,
		integrity:  integrity,
		prior:      info,
	})
	return res, nil
}

// finishFromOrigin delivers a fresh origin body and runs storage
// admission for it.
func (e *Engine) finishFromOrigin(ctx context.Context, logger zerolog.Logger, req Request, key, method string, reqHeaders http.Header, reqDir cachecontrol.Directives, info *storage.EntryInfo, resp *transport.Response) (*Result, error) {
	res := &Result{
		Content:   resp.Body,
		Headers:   resp.Headers.Clone(),
		FromCache: false,
		Index:     req.Index,
	}
	if err := e.runHook(req, res); err != nil {
		return nil, e.failErr(req, FailureHook, err)
	}

	e.persist(ctx, logger, persistItem{
		key:        key,
		method:     method,
		reqHeaders: reqHeaders,
		reqDir:     reqDir,
		content:    resp.Body,
		headers:    resp.Headers,
		integrity:  req.Integrity,
		prior:      info,
	})
	return res, nil
}

// readStored reads content by the request's digest when it carries
// one, else through the entry for key.
func (e *Engine) readStored(ctx context.Context, req Request, key string) ([]byte, error) {
	if req.Integrity != "" {
		return e.storage.ReadDigest(ctx, e.dir, req.Integrity)
	}
	return e.storage.ReadKey(ctx, e.dir, key)
}

// persistItem carries everything storage admission and the write need.
type persistItem struct {
	key        string
	method     string
	reqHeaders http.Header
	reqDir     cachecontrol.Directives
	content    []byte
	headers    http.Header
	integrity  string
	prior      *storage.EntryInfo
}

// persist runs storage admission and, when admitted, replaces the
// entry under the configured persistence mode. Write failures never
// fail the request; the result was already delivered.
func (e *Engine) persist(ctx context.Context, logger zerolog.Logger, item persistItem) {
	if reason, ok := admit(item.method, item.reqHeaders, item.reqDir, item.headers); !ok {
		storeSkipped.WithLabelValues(reason).Inc()
		logger.Debug().Str("reason", reason).Msg("Response not admitted to storage")
		return
	}

	if item.integrity == "" {
		digest, err := storage.ComputeIntegrity(item.content, "")
		if err == nil {
			item.integrity = digest
		}
	}

	if item.prior != nil && !e.deferRemoval {
		if err := e.storage.RemoveEntry(ctx, e.dir, item.key, false); err != nil {
			logger.Warn().Err(err).Msg("Could not remove superseded entry")
		}
		if item.prior.Integrity != "" && item.prior.Integrity != item.integrity {
			if err := e.storage.RemoveContent(ctx, e.dir, item.prior.Integrity); err != nil {
				logger.Warn().Err(err).Msg("Could not remove superseded content")
			}
		}
	}

	opts := storage.WriteOptions{Headers: item.headers, Integrity: item.integrity}

	if e.persistence == PersistDetached {
		storeWrites.WithLabelValues("detached").Inc()
		// Detached writes outlive the request and its cancellation.
		go func(ctx context.Context) {
			if _, err := e.storage.Write(ctx, e.dir, item.key, item.content, opts); err != nil {
				detachedWriteFailures.Inc()
				logger.Error().Err(err).Msg("Detached storage write failed")
			}
		}(context.WithoutCancel(ctx))
		return
	}

	storeWrites.WithLabelValues("blocking").Inc()
	if _, err := e.storage.Write(ctx, e.dir, item.key, item.content, opts); err != nil {
		logger.Error().Err(err).Msg("Storage write failed")
	}
}

// runHook invokes the completion hook exactly once. A panic inside the
// hook fails the request like a returned error.
func (e *Engine) runHook(req Request, res *Result) (err error) {
	if req.OnComplete == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("completion hook panicked: %v", r)
		}
	}()
	if err := req.OnComplete(res); err != nil {
		return fmt.Errorf("completion hook: %w", err)
	}
	return nil
}

// servable decides whether a stored response may be served without
// contacting the origin.
func servable(eval freshness.Info, reqDir, resDir cachecontrol.Directives, storedHeaders http.Header) bool {
	// Entries stored with a Vary header are never served; secondary
	// keys are not modeled.
	if storedHeaders.Get("Vary") != "" {
		return false
	}
	// A no-cache on either side forces revalidation.
	if reqDir.Has("no-cache") || resDir.Has("no-cache") {
		return false
	}
	if !eval.Stale {
		return true
	}
	// must-revalidate and proxy-revalidate forbid serving stale even
	// when the client would accept it.
	if resDir.Has("must-revalidate") || resDir.Has("proxy-revalidate") {
		return false
	}
	return freshness.AcceptStale(eval, reqDir)
}

// admit applies the storage admission rules in order and reports the
// first failing rule.
func admit(method string, reqHeaders http.Header, reqDir cachecontrol.Directives, resHeaders http.Header) (string, bool) {
	if method != http.MethodGet {
		return "method", false
	}
	if resHeaders.Get("Vary") != "" {
		return "vary", false
	}
	resDir := cachecontrol.Parse(resHeaders.Get("Cache-Control"))
	if resDir.Has("no-store") || resDir.Has("private") {
		return "response_directive", false
	}
	if reqDir.Has("no-store") {
		return "request_directive", false
	}
	if reqHeaders.Get("Authorization") != "" {
		return "credentials", false
	}
	return "", true
}

// mergeHeaders lays the revalidation response's headers over the
// stored ones; the result replaces the stored set instead of
// accumulating beside it.
func mergeHeaders(stored, fresh http.Header) http.Header {
	merged := stored.Clone()
	if merged == nil {
		merged = make(http.Header)
	}
	for name, values := range fresh {
		merged[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	return merged
}

func (e *Engine) failErr(req Request, kind FailureKind, err error) *RequestError {
	return &RequestError{Index: req.Index, URL: req.URL, Kind: kind, Err: err}
}

func (e *Engine) failStatus(req Request, kind FailureKind, status int, err error) *RequestError {
	return &RequestError{Index: req.Index, URL: req.URL, Kind: kind, Status: status, Err: err}
}
