// Package retry implements the gateway's retry matrix: a small set of pure
// functions for classifying a failure, looking up its policy, and computing
// the next backoff delay. The call loop itself lives with the caller
// (internal/upstream, internal/proxy) because it interleaves with
// circuit-breaker checks and provider-key switching that this package has
// no business knowing about.
package retry

import (
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// Class is the error-class key into the retry matrix, per §4.5.
type Class string

const (
	ClassRateLimit   Class = "429"
	ClassServerError Class = "5xx"
	ClassNetwork     Class = "network"
	ClassTimeout     Class = "timeout"
)

// Backoff selects the shape of the delay curve.
type Backoff string

const (
	BackoffExpJitter Backoff = "exp-jitter"
	BackoffExp       Backoff = "exp"
	BackoffLinear    Backoff = "linear"
)

// Policy configures retry behavior for one error class.
type Policy struct {
	Attempts int
	Backoff  Backoff
	Base     time.Duration
	Max      time.Duration
}

// Matrix maps error classes to policies.
type Matrix map[Class]Policy

// DefaultMatrix is a reasonable default retry matrix when a target doesn't
// configure its own.
func DefaultMatrix() Matrix {
	return Matrix{
		ClassRateLimit:   {Attempts: 3, Backoff: BackoffExpJitter, Base: 500 * time.Millisecond, Max: 10 * time.Second},
		ClassServerError: {Attempts: 3, Backoff: BackoffExpJitter, Base: 500 * time.Millisecond, Max: 10 * time.Second},
		ClassNetwork:     {Attempts: 2, Backoff: BackoffExp, Base: 250 * time.Millisecond, Max: 5 * time.Second},
		ClassTimeout:     {Attempts: 2, Backoff: BackoffExp, Base: 250 * time.Millisecond, Max: 5 * time.Second},
	}
}

// GlobalCeiling bounds cumulative retry attempts across every error class
// within a single request, regardless of per-class policy.
const GlobalCeiling = 10

// Classify maps an upstream outcome to a retry Class. ok is false when the
// outcome isn't retryable at all (2xx/3xx, or a 4xx other than 429).
func Classify(status int, networkErr, timedOut bool) (Class, bool) {
	switch {
	case timedOut:
		return ClassTimeout, true
	case networkErr:
		return ClassNetwork, true
	case status == http.StatusTooManyRequests:
		return ClassRateLimit, true
	case status >= 500:
		return ClassServerError, true
	default:
		return "", false
	}
}

// Delay computes the backoff before the given attempt (1-indexed: attempt 1
// is the delay before the first retry).
func Delay(p Policy, attempt int) time.Duration {
	var d time.Duration
	switch p.Backoff {
	case BackoffLinear:
		d = p.Base * time.Duration(attempt)
	case BackoffExp, BackoffExpJitter:
		d = p.Base
		for i := 1; i < attempt; i++ {
			d *= 2
		}
	default:
		d = p.Base
	}
	if d > p.Max {
		d = p.Max
	}
	if p.Backoff == BackoffExpJitter {
		// Up to 30% uniform jitter, per §4.5.
		jitter := time.Duration(rand.Float64() * 0.3 * float64(d))
		d += jitter
		if d > p.Max {
			d = p.Max
		}
	}
	return d
}

// ParseRetryAfter parses a Retry-After header value, which per §9 may be
// either an integer number of seconds or an HTTP-date. It is capped at max.
// ok is false when the value couldn't be parsed either way, in which case
// the caller should fall through to its configured backoff.
func ParseRetryAfter(value string, max time.Duration) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		d := time.Duration(secs) * time.Second
		if d > max {
			d = max
		}
		if d < 0 {
			d = 0
		}
		return d, true
	}
	if when, err := http.ParseTime(value); err == nil {
		d := time.Until(when)
		if d < 0 {
			d = 0
		}
		if d > max {
			d = max
		}
		return d, true
	}
	return 0, false
}
