// Package upstream wraps the pooled HTTP client used to reach targets and
// LLM providers, composing the circuit breaker and retry engine around a
// single outbound call, per §4.10.
package upstream

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/KikuAI-Lab/reliapi/internal/breaker"
	"github.com/KikuAI-Lab/reliapi/internal/metrics"
	"github.com/KikuAI-Lab/reliapi/internal/retry"
)

// Budget bounds cumulative retry attempts across an entire request,
// including across key switches and fallback targets, per §4.5's global
// ceiling of 10 cumulative attempts.
type Budget struct {
	remaining int
}

// NewBudget builds a Budget starting at retry.GlobalCeiling.
func NewBudget() *Budget { return &Budget{remaining: retry.GlobalCeiling} }

// Consume reports whether another retry attempt may be spent, decrementing
// the budget if so.
func (b *Budget) Consume() bool {
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

// Client is the gateway's pooled upstream HTTP client.
type Client struct {
	http    *http.Client
	breaker *breaker.Breaker
	matrix  retry.Matrix
	logger  *zap.Logger
	metrics *metrics.Collector
}

// SetMetrics attaches a metrics collector so retry attempts are observable
// on /metrics (§4.5). Optional.
func (c *Client) SetMetrics(mc *metrics.Collector) {
	c.metrics = mc
}

// New builds a Client. totalTimeout bounds one HTTP round trip; connect
// timeout is fixed at up to 5s per §4.10.
func New(totalTimeout time.Duration, br *breaker.Breaker, matrix retry.Matrix, logger *zap.Logger) *Client {
	if matrix == nil {
		matrix = retry.DefaultMatrix()
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxConnsPerHost:     100,
		MaxIdleConnsPerHost: 20,
		MaxIdleConns:        100,
	}
	return &Client{
		http:    &http.Client{Transport: transport, Timeout: totalTimeout},
		breaker: br,
		matrix:  matrix,
		logger:  logger.With(zap.String("component", "upstream")),
	}
}

// ErrCircuitOpen is returned when target's breaker is open.
type ErrCircuitOpen struct{ Target string }

func (e *ErrCircuitOpen) Error() string { return "upstream: circuit open for " + e.Target }

// RequestBuilder constructs a fresh *http.Request for each attempt — retries
// need a fresh body reader, so the caller supplies a factory rather than a
// single built request.
type RequestBuilder func(ctx context.Context) (*http.Request, error)

// Result is the outcome of Do: either a live response (caller must close
// the body) or an error.
type Result struct {
	Response *http.Response
	Attempts int
}

// Do dispatches build, retrying within target's own policy (and the shared
// Budget) on retryable outcomes: network errors, timeouts, 429, and 5xx.
// Non-retryable outcomes (2xx/3xx success, 4xx other than 429) return
// immediately so the caller (key-switch, fallback) decides what's next.
func (c *Client) Do(ctx context.Context, target string, build RequestBuilder, budget *Budget) (*Result, error) {
	if !c.breaker.Allow(target) {
		return nil, &ErrCircuitOpen{Target: target}
	}

	attempts := 0
	classAttempts := map[retry.Class]int{}

	for {
		attempts++
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			timedOut := isTimeout(err)
			c.breaker.RecordFailure(target)
			class, retryable := retry.Classify(0, !timedOut, timedOut)
			if !retryable || !c.shouldRetry(class, classAttempts, budget) {
				return nil, err
			}
			classAttempts[class]++
			if c.metrics != nil {
				c.metrics.RecordRetryAttempt(target, string(class))
			}
			time.Sleep(retry.Delay(c.matrix[class], classAttempts[class]))
			continue
		}

		status := resp.StatusCode
		if status < 400 {
			c.breaker.RecordSuccess(target)
			return &Result{Response: resp, Attempts: attempts}, nil
		}

		if status == http.StatusTooManyRequests || status >= 500 {
			c.breaker.RecordFailure(target)
		}

		class, retryable := retry.Classify(status, false, false)
		if !retryable || !c.shouldRetry(class, classAttempts, budget) {
			return &Result{Response: resp, Attempts: attempts}, nil
		}

		delay := retry.Delay(c.matrix[class], classAttempts[class]+1)
		if ra, ok := retry.ParseRetryAfter(resp.Header.Get("Retry-After"), c.matrix[class].Max); ok {
			delay = ra
		}
		resp.Body.Close()
		classAttempts[class]++
		if c.metrics != nil {
			c.metrics.RecordRetryAttempt(target, string(class))
		}
		time.Sleep(delay)
	}
}

func (c *Client) shouldRetry(class retry.Class, classAttempts map[retry.Class]int, budget *Budget) bool {
	policy, ok := c.matrix[class]
	if !ok {
		return false
	}
	if classAttempts[class] >= policy.Attempts {
		return false
	}
	return budget.Consume()
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	return false
}
