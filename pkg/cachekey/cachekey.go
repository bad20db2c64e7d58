// Package cachekey canonicalizes request URLs into stable cache keys,
// so that equivalent spellings of one resource share a single entry.
package cachekey

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidURL indicates a request URL that cannot become a cache key.
var ErrInvalidURL = errors.New("invalid request url")

// Normalize parses rawURL and returns its canonical cache key. Scheme
// and host are lower-cased, default ports and fragments are dropped,
// an empty path becomes "/", and query parameters are sorted by name.
func Normalize(rawURL string) (string, error) {
	if strings.TrimSpace(rawURL) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	if (scheme == "http" && u.Port() == "80") || (scheme == "https" && u.Port() == "443") {
		host := u.Hostname()
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		u.Host = host
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	if u.RawQuery != "" {
		// url.Values.Encode sorts by parameter name.
		u.RawQuery = u.Query().Encode()
	}

	return u.String(), nil
}
