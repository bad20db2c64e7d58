package batch

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/SorinGFS/shared-http-cache/pkg/engine"
)

// timeoutScaleWindow is the batch-size window over which the base
// timeout grows by one step, so very large batches sharing a
// concurrency ceiling do not starve their late requests.
const timeoutScaleWindow = 256

// Config holds orchestrator configuration.
type Config struct {
	// BaseTimeout bounds one origin exchange for batches of up to
	// timeoutScaleWindow requests; larger batches scale it by
	// ceil(size/256). Zero leaves exchanges unbounded.
	BaseTimeout time.Duration

	// MaxConcurrency caps the number of requests in flight at once.
	// Zero or negative means unlimited.
	MaxConcurrency int

	// Logger overrides the global zerolog logger.
	Logger *zerolog.Logger
}

// Failure records one failed request for correlation with the input
// slice.
type Failure struct {
	Index   int
	URL     string
	Headers http.Header
	Err     error
}

// Error is the batch outcome when at least one request failed. Failures
// are ordered by index.
type Error struct {
	Failures []Failure
}

func (e *Error) Error() string {
	if len(e.Failures) == 0 {
		return "batch failed"
	}
	first := e.Failures[0]
	if len(e.Failures) == 1 {
		return fmt.Sprintf("batch request %d failed: %v", first.Index, first.Err)
	}
	return fmt.Sprintf("%d batch requests failed, first at index %d: %v",
		len(e.Failures), first.Index, first.Err)
}

// Unwrap exposes the individual request errors to errors.Is and
// errors.As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Orchestrator fans a batch of requests out over one engine.
type Orchestrator struct {
	engine *engine.Engine
	config Config
	logger zerolog.Logger
}

// New validates cfg and creates an Orchestrator over eng.
func New(eng *engine.Engine, cfg Config) (*Orchestrator, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}

	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	logger := base.With().Str("component", "batch").Str("dir", eng.Dir()).Logger()

	return &Orchestrator{
		engine: eng,
		config: cfg,
		logger: logger,
	}, nil
}

// Do runs every request concurrently and waits for all of them. Each
// request's Index is overwritten with its position in the slice. When
// all requests succeed Do returns a Handle over the engine's storage;
// otherwise it returns an *Error listing the failures by index.
//
// Successful payloads are not returned; the per-request OnComplete
// hooks already delivered them.
func (o *Orchestrator) Do(ctx context.Context, requests []engine.Request) (*Handle, error) {
	start := time.Now()
	batchSize.Observe(float64(len(requests)))

	handle := &Handle{storage: o.engine.Storage(), dir: o.engine.Dir()}
	if len(requests) == 0 {
		batchesTotal.WithLabelValues("success").Inc()
		return handle, nil
	}

	timeout := o.scaledTimeout(len(requests))

	var sem *semaphore.Weighted
	if o.config.MaxConcurrency > 0 {
		sem = semaphore.NewWeighted(int64(o.config.MaxConcurrency))
	}

	outcomes := make(chan Failure, len(requests))
	var wg sync.WaitGroup

	for i, req := range requests {
		req.Index = i
		req.Timeout = timeout

		// Shape validation happens before any goroutine or I/O.
		if strings.TrimSpace(req.URL) == "" {
			outcomes <- Failure{
				Index:   i,
				URL:     req.URL,
				Headers: req.Headers,
				Err: &engine.RequestError{
					Index: i,
					URL:   req.URL,
					Kind:  engine.FailureMalformed,
					Err:   fmt.Errorf("%w: empty url", engine.ErrMalformedRequest),
				},
			}
			continue
		}

		wg.Add(1)
		go func(req engine.Request) {
			defer wg.Done()

			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					outcomes <- Failure{
						Index:   req.Index,
						URL:     req.URL,
						Headers: req.Headers,
						Err: &engine.RequestError{
							Index: req.Index,
							URL:   req.URL,
							Kind:  engine.FailureTransport,
							Err:   fmt.Errorf("waiting for concurrency slot: %w", err),
						},
					}
					return
				}
				defer sem.Release(1)
			}

			if _, err := o.engine.Fetch(ctx, req); err != nil {
				outcomes <- Failure{Index: req.Index, URL: req.URL, Headers: req.Headers, Err: err}
			}
		}(req)
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	var failures []Failure
	for failure := range outcomes {
		failures = append(failures, failure)
	}

	if len(failures) > 0 {
		sort.Slice(failures, func(i, j int) bool { return failures[i].Index < failures[j].Index })
		batchesTotal.WithLabelValues("failure").Inc()
		o.logger.Warn().
			Int("batch_size", len(requests)).
			Int("failed", len(failures)).
			Dur("duration", time.Since(start)).
			Msg("Batch completed with failures")
		return nil, &Error{Failures: failures}
	}

	batchesTotal.WithLabelValues("success").Inc()
	o.logger.Info().
		Int("batch_size", len(requests)).
		Dur("duration", time.Since(start)).
		Msg("Batch complete")
	return handle, nil
}

// scaledTimeout grows the base timeout by one step per started window
// of batch size.
func (o *Orchestrator) scaledTimeout(size int) time.Duration {
	if o.config.BaseTimeout <= 0 {
		return 0
	}
	steps := (size + timeoutScaleWindow - 1) / timeoutScaleWindow
	return o.config.BaseTimeout * time.Duration(steps)
}
