// Package freshness computes current age, freshness lifetime and
// stale acceptance for stored responses under shared-cache rules.
//
// Age is always derived from the local clock reading taken when an
// entry was stored, plus any age the response had already accumulated
// upstream; server-supplied dates are never trusted for arithmetic.
package freshness

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/SorinGFS/shared-http-cache/pkg/cachecontrol"
)

// Info is the result of evaluating a stored response against a
// request's cache directives.
type Info struct {
	// Stale reports whether the current age exceeds the freshness
	// lifetime, or the remaining lifetime undercuts the request's
	// min-fresh bound.
	Stale bool
	// Lifetime is the effective freshness lifetime, after any request
	// max-age cap.
	Lifetime time.Duration
	// CurrentAge is the response's age right now, upstream age
	// included.
	CurrentAge time.Duration
}

// Evaluate computes freshness for a stored response. storedHeaders are
// the response headers kept as entry metadata, storedAt the local
// clock reading taken at write time, and reqDir the requesting
// client's parsed Cache-Control directives.
func Evaluate(storedHeaders http.Header, storedAt time.Time, reqDir cachecontrol.Directives) Info {
	return evaluateAt(time.Now(), storedHeaders, storedAt, reqDir)
}

func evaluateAt(now time.Time, storedHeaders http.Header, storedAt time.Time, reqDir cachecontrol.Directives) Info {
	resDir := cachecontrol.Parse(storedHeaders.Get("Cache-Control"))

	currentAge := previousAge(storedHeaders) + now.Sub(storedAt)

	lifetime := lifetimeOf(resDir, storedHeaders, storedAt)
	if reqMaxAge, ok := reqDir.Duration("max-age"); ok && reqMaxAge < lifetime {
		lifetime = reqMaxAge
	}

	remaining := lifetime - currentAge
	stale := remaining < 0
	if minFresh, ok := reqDir.Duration("min-fresh"); ok && remaining < minFresh {
		stale = true
	}

	return Info{Stale: stale, Lifetime: lifetime, CurrentAge: currentAge}
}

// AcceptStale reports whether the request's max-stale directive admits
// the stale response described by info. A valueless max-stale accepts
// any amount of staleness; max-stale=N accepts responses no more than
// N seconds past their lifetime.
func AcceptStale(info Info, reqDir cachecontrol.Directives) bool {
	if !reqDir.Has("max-stale") {
		return false
	}
	maxStale, ok := reqDir.Duration("max-stale")
	if !ok {
		return true
	}
	return info.CurrentAge <= info.Lifetime+maxStale
}

// previousAge is the age the response had already accumulated upstream
// when it was stored, taken from the stored Age header. Absent or
// unparseable values count as zero.
func previousAge(storedHeaders http.Header) time.Duration {
	raw := storedHeaders.Get("Age")
	if raw == "" {
		return 0
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// lifetimeOf resolves the freshness lifetime in precedence order:
// s-maxage, then max-age, then the Expires timestamp relative to the
// store time, else zero. Shared caches ignore Expires whenever either
// maxage directive is present.
func lifetimeOf(resDir cachecontrol.Directives, storedHeaders http.Header, storedAt time.Time) time.Duration {
	if v, ok := resDir.Duration("s-maxage"); ok {
		return v
	}
	if v, ok := resDir.Duration("max-age"); ok {
		return v
	}
	if raw := storedHeaders.Get("Expires"); raw != "" {
		if expires, err := http.ParseTime(raw); err == nil {
			if lifetime := expires.Sub(storedAt); lifetime > 0 {
				return lifetime
			}
			return 0
		}
	}
	return 0
}
