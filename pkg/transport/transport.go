// Package transport defines the network collaborator consumed by the
// cache decision engine and ships its default net/http implementation.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Response is the outcome of one origin exchange, with the body fully
// read.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Options shapes a single origin exchange.
type Options struct {
	// Method defaults to GET.
	Method string
	// Headers are sent as-is; conditional headers are already attached
	// by the caller.
	Headers http.Header
}

// Client performs one HTTP exchange. Implementations must honor
// context cancellation: the engine scopes per-request timeouts to this
// call alone.
type Client interface {
	Send(ctx context.Context, url string, opts Options) (*Response, error)
}

// HTTPClient is the default Client backed by net/http. Redirects are
// not followed, so 3xx statuses reach the engine verbatim.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient wraps httpClient as a Client. A nil httpClient gets a
// fresh default client; either way redirect following is disabled.
func NewHTTPClient(httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	httpClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &HTTPClient{client: httpClient}
}

// Send performs the exchange and reads the whole response body.
func (c *HTTPClient) Send(ctx context.Context, url string, opts Options) (*Response, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for name, values := range opts.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		Status:  res.StatusCode,
		Headers: res.Header.Clone(),
		Body:    body,
	}, nil
}
