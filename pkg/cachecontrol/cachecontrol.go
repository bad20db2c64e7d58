// Package cachecontrol parses Cache-Control header values into a
// directive set with typed accessors.
//
// Directive names are compared case-insensitively per RFC 9111 and
// arguments may use token or quoted-string syntax; both forms are
// accepted and unquoted on parse.
package cachecontrol

import (
	"strconv"
	"strings"
	"time"
)

// Directives maps a lower-cased directive name to its raw argument.
// Valueless directives (for example "no-store") are present with an
// empty argument; use Has to test for them.
type Directives map[string]string

// Parse parses a single Cache-Control header value. An absent or empty
// value yields an empty set. Tokens are split on commas; the first "="
// separates name from argument; a repeated directive keeps the last
// occurrence.
func Parse(raw string) Directives {
	d := make(Directives)
	if raw == "" {
		return d
	}
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		name, arg, hasArg := strings.Cut(token, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if hasArg {
			arg = strings.Trim(strings.TrimSpace(arg), `"`)
		}
		d[name] = arg
	}
	return d
}

// Has reports whether the directive is present, with or without an
// argument.
func (d Directives) Has(name string) bool {
	_, ok := d[name]
	return ok
}

// Value returns the directive's argument. The second return is false
// when the directive is absent or valueless.
func (d Directives) Value(name string) (string, bool) {
	v, ok := d[name]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Duration returns the directive's argument read as delta-seconds. The
// second return is false when the directive is absent, valueless, or
// not numeric.
func (d Directives) Duration(name string) (time.Duration, bool) {
	v, ok := d[name]
	if !ok || v == "" {
		return 0, false
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
