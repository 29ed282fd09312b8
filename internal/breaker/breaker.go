// Package breaker implements the gateway's per-target circuit breaker.
//
// This is deliberately simpler than a textbook half-open state machine: per
// §4.4 and §9's design notes, "half-open" here is a metric label, not a
// call-gating state — it means the failure counter is non-zero but below
// the open threshold, not that the breaker is probing with a single trial
// call. The breaker opens on a consecutive-failure counter and closes again
// automatically once open_ttl_s has elapsed, with no explicit probe request.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KikuAI-Lab/reliapi/internal/metrics"
)

// State labels mirror §4.4's three normalised breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half-open"
	StateOpen     State = "open"
)

// Config configures a Breaker.
type Config struct {
	Threshold int           // consecutive failures before the breaker opens
	OpenTTL   time.Duration // how long the breaker stays open before auto-closing
}

// DefaultConfig mirrors the teacher's defaults where the spec leaves the
// choice to the implementation.
func DefaultConfig() Config {
	return Config{Threshold: 5, OpenTTL: 60 * time.Second}
}

type targetState struct {
	mu           sync.Mutex
	failureCount int
	openedAt     time.Time
	open         bool
}

// Breaker tracks independent circuit state per target name. Per the open
// question in §9, a fallback target observes its own breaker rather than
// sharing state with the target it falls back from — each target string
// gets its own targetState, created lazily.
type Breaker struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector
	mu      sync.Mutex
	targets map[string]*targetState
}

// New builds a Breaker with the given config.
func New(cfg Config, logger *zap.Logger) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.OpenTTL <= 0 {
		cfg.OpenTTL = 60 * time.Second
	}
	return &Breaker{cfg: cfg, logger: logger.With(zap.String("component", "breaker")), targets: make(map[string]*targetState)}
}

// SetMetrics attaches a metrics collector so state changes and transitions
// are observable on /metrics. Optional: a Breaker with no collector attached
// still functions, just without the §4.1 gauges/counters.
func (b *Breaker) SetMetrics(mc *metrics.Collector) {
	b.metrics = mc
}

// stateLabelLocked computes the normalised label/gauge value for ts. Caller
// must already hold ts.mu.
func stateLabelLocked(ts *targetState, openTTL time.Duration) (State, float64) {
	switch {
	case ts.open && time.Since(ts.openedAt) < openTTL:
		return StateOpen, 2
	case ts.failureCount > 0:
		return StateHalfOpen, 1
	default:
		return StateClosed, 0
	}
}

func (b *Breaker) state(target string) *targetState {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.targets[target]
	if !ok {
		ts = &targetState{}
		b.targets[target] = ts
	}
	return ts
}

// Allow reports whether a call to target may proceed. An open breaker past
// its TTL auto-closes and allows the call, resetting the failure counter.
func (b *Breaker) Allow(target string) bool {
	ts := b.state(target)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if !ts.open {
		return true
	}
	if time.Since(ts.openedAt) >= b.cfg.OpenTTL {
		ts.open = false
		ts.failureCount = 0
		b.logger.Info("breaker auto-closed", zap.String("target", target))
		if b.metrics != nil {
			b.metrics.SetBreakerState(target, 0)
			b.metrics.RecordBreakerTransition(target, string(StateClosed))
		}
		return true
	}
	return false
}

// RecordSuccess zeroes the failure counter for target.
func (b *Breaker) RecordSuccess(target string) {
	ts := b.state(target)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	hadFailures := ts.failureCount > 0
	ts.failureCount = 0

	if b.metrics != nil {
		_, value := stateLabelLocked(ts, b.cfg.OpenTTL)
		b.metrics.SetBreakerState(target, value)
		if hadFailures {
			b.metrics.RecordBreakerTransition(target, string(StateClosed))
		}
	}
}

// RecordFailure increments the failure counter and opens the breaker once
// the threshold is reached.
func (b *Breaker) RecordFailure(target string) {
	ts := b.state(target)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.failureCount++
	opened := false
	if ts.failureCount >= b.cfg.Threshold && !ts.open {
		ts.open = true
		ts.openedAt = time.Now()
		opened = true
		b.logger.Warn("breaker opened", zap.String("target", target), zap.Int("failures", ts.failureCount))
	}

	if b.metrics != nil {
		label, value := stateLabelLocked(ts, b.cfg.OpenTTL)
		b.metrics.SetBreakerState(target, value)
		if opened {
			b.metrics.RecordBreakerTransition(target, string(label))
		}
	}
}

// State returns the normalised label for target's current state.
func (b *Breaker) State(target string) State {
	ts := b.state(target)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	switch {
	case ts.open && time.Since(ts.openedAt) < b.cfg.OpenTTL:
		return StateOpen
	case ts.failureCount > 0:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
