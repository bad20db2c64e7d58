package engine

import (
	"errors"
	"fmt"
)

// Common errors returned by the engine.
var (
	// ErrMalformedRequest is returned when a request descriptor cannot
	// enter the pipeline, for example an empty or unparseable URL.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrOnlyIfCached is returned when a request carries only-if-cached
	// and no stored response can be served without an origin visit.
	ErrOnlyIfCached = errors.New("no stored response under only-if-cached")

	// ErrResourceGone is returned when the origin answered 410 Gone.
	// The stored entry and its content are purged before the failure
	// is reported.
	ErrResourceGone = errors.New("resource gone from origin")
)

// FailureKind classifies a request failure.
type FailureKind string

const (
	// FailureMalformed covers invalid request descriptors.
	FailureMalformed FailureKind = "malformed"

	// FailureOnlyIfCached covers only-if-cached requests with no
	// servable stored response.
	FailureOnlyIfCached FailureKind = "only_if_cached"

	// FailureTransport covers failed origin exchanges (network errors,
	// timeouts, cancellation).
	FailureTransport FailureKind = "transport"

	// FailureOriginStatus covers origin statuses the pipeline does not
	// handle (anything outside 2xx, 304 and 410).
	FailureOriginStatus FailureKind = "origin_status"

	// FailureGone covers 410 answers from the origin.
	FailureGone FailureKind = "gone"

	// FailureHook covers completion hooks that returned an error or
	// panicked.
	FailureHook FailureKind = "hook"

	// FailureStorage covers storage errors the pipeline could not
	// degrade around.
	FailureStorage FailureKind = "storage"
)

// RequestError describes one request's failure with enough context for
// a batch to aggregate it by position.
type RequestError struct {
	// Index is the request's position within its batch.
	Index int
	// URL is the request URL as given by the caller.
	URL string
	// Kind classifies the failure.
	Kind FailureKind
	// Status carries the origin's HTTP status for origin_status, gone
	// and only_if_cached failures; zero otherwise.
	Status int
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("request %d (%s): %s error (status %d): %v",
			e.Index, e.URL, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("request %d (%s): %s error: %v",
		e.Index, e.URL, e.Kind, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RequestError) Unwrap() error {
	return e.Err
}
