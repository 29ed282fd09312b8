// Package keypool implements per-provider API key pooling with health
// scoring and load-aware selection, per §4.6. State is in-memory: the pool
// is a load-balancing and health-tracking structure, not a persistence
// layer, so it does not go through internal/kvstore.
package keypool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KikuAI-Lab/reliapi/internal/metrics"
)

// MaxKeySwitches bounds how many times the proxy engine may switch provider
// keys for a single request after a retryable 429/5xx.
const MaxKeySwitches = 3

// Status is a key's health status.
type Status string

const (
	StatusActive    Status = "active"
	StatusDegraded  Status = "degraded"
	StatusExhausted Status = "exhausted"
	StatusBanned    Status = "banned"
)

const (
	qpsWindow          = 10 * time.Second
	qpsBuckets         = 10.0
	degradedThreshold  = 5
	exhaustedThreshold = 10
	decayInterval      = 60 * time.Second
	decayFactor        = 0.9
	successDecayFactor = 0.95
	recoverThreshold   = 0.3
)

// Key is one pooled provider API key. Secret is never logged; callers
// format it through Mask before it reaches a log line.
type Key struct {
	ID       string
	Secret   string
	QPSLimit float64

	mu                sync.Mutex
	status            Status
	consecutiveErrors int
	recentErrorScore  float64
	timestamps        []time.Time
}

// Mask renders an API key safe for logging: first 8 and last 4 characters,
// per the security-manager convention this gateway's key handling follows.
func Mask(secret string) string {
	if len(secret) <= 12 {
		return "****"
	}
	return secret[:8] + "..." + secret[len(secret)-4:]
}

func (k *Key) currentQPS(now time.Time) float64 {
	cutoff := now.Add(-qpsWindow)
	live := k.timestamps[:0]
	for _, t := range k.timestamps {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	k.timestamps = live
	return float64(len(live)) / qpsBuckets
}

func (k *Key) loadScore(now time.Time) float64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	limit := k.QPSLimit
	if limit <= 0 {
		limit = 1
	}
	return k.currentQPS(now)/limit + k.recentErrorScore
}

// Pool selects among a provider's keys by load score and tracks health.
type Pool struct {
	provider string
	logger   *zap.Logger
	metrics  *metrics.Collector

	mu      sync.Mutex
	keys    []*Key
	nextTie int
}

// New builds a Pool for one provider's keys.
func New(provider string, keys []*Key, logger *zap.Logger) *Pool {
	return &Pool{provider: provider, keys: keys, logger: logger.With(zap.String("provider", provider))}
}

// SetMetrics attaches a metrics collector so per-key load score and status
// are observable on /metrics (§4.6). Optional.
func (p *Pool) SetMetrics(mc *metrics.Collector) {
	p.metrics = mc
}

// statusValue maps a Status to the gauge value §4.1/collector.go document:
// 0=active, 1=degraded, 2=exhausted, 3=banned.
func statusValue(s Status) float64 {
	switch s {
	case StatusActive:
		return 0
	case StatusDegraded:
		return 1
	case StatusExhausted:
		return 2
	case StatusBanned:
		return 3
	default:
		return 0
	}
}

// reportLocked pushes k's current load score and status to the metrics
// collector. Caller must already hold k.mu.
func (p *Pool) reportLocked(k *Key, now time.Time) {
	if p.metrics == nil {
		return
	}
	limit := k.QPSLimit
	if limit <= 0 {
		limit = 1
	}
	score := k.currentQPS(now)/limit + k.recentErrorScore
	p.metrics.SetKeyLoadScore(p.provider, k.ID, score)
	p.metrics.SetKeyStatus(p.provider, k.ID, statusValue(k.status))
}

// ErrNoAvailableKey is returned when every key in the pool is exhausted or
// banned.
var ErrNoAvailableKey = errors.New("keypool: no available key")

// Select picks the key with the lowest load score among active keys,
// falling back to degraded keys if none are active, per §4.6. Ties are
// broken by pool iteration order.
func (p *Pool) Select() (*Key, error) {
	return p.SelectExcluding(nil)
}

// SelectExcluding behaves like Select but ignores any key whose ID is in
// excluded, used by the proxy engine's key-switch step to avoid retrying a
// key that already failed for this request.
func (p *Pool) SelectExcluding(excluded map[string]bool) (*Key, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	candidates := p.filterByStatus(StatusActive)
	if len(candidates) == 0 {
		candidates = p.filterByStatus(StatusDegraded)
	}

	var best *Key
	bestScore := 0.0
	for _, k := range candidates {
		if excluded[k.ID] {
			continue
		}
		score := k.loadScore(now)
		if best == nil || score < bestScore {
			best = k
			bestScore = score
		}
	}
	if best == nil {
		return nil, ErrNoAvailableKey
	}

	best.mu.Lock()
	best.timestamps = append(best.timestamps, now)
	best.mu.Unlock()

	return best, nil
}

func (p *Pool) filterByStatus(status Status) []*Key {
	var out []*Key
	for _, k := range p.keys {
		k.mu.Lock()
		s := k.status
		k.mu.Unlock()
		if s == status {
			out = append(out, k)
		}
	}
	return out
}

// RecordSuccess decays the error score and may recover a degraded key to
// active, per §4.6.
func (p *Pool) RecordSuccess(keyID string) {
	k := p.find(keyID)
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.consecutiveErrors = 0
	k.recentErrorScore *= successDecayFactor
	if k.status == StatusDegraded && k.recentErrorScore < recoverThreshold {
		k.status = StatusActive
		p.logger.Info("key recovered to active", zap.String("key_id", keyID))
	}
	p.reportLocked(k, time.Now())
}

// RecordError bumps the error score by an amount depending on upstreamStatus
// and may downgrade the key's status based on consecutive error thresholds.
func (p *Pool) RecordError(keyID string, upstreamStatus int) {
	k := p.find(keyID)
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	k.consecutiveErrors++

	var delta float64
	switch {
	case upstreamStatus == 429:
		delta = 0.1
	case upstreamStatus >= 500:
		delta = 0.05
	default:
		delta = 0.02
	}
	k.recentErrorScore += delta
	if k.recentErrorScore > 1.0 {
		k.recentErrorScore = 1.0
	}

	switch {
	case k.consecutiveErrors >= exhaustedThreshold:
		if k.status != StatusBanned {
			k.status = StatusExhausted
			p.logger.Warn("key exhausted", zap.String("key_id", keyID), zap.Int("consecutive_errors", k.consecutiveErrors))
		}
	case k.consecutiveErrors >= degradedThreshold:
		if k.status == StatusActive {
			k.status = StatusDegraded
			p.logger.Warn("key degraded", zap.String("key_id", keyID), zap.Int("consecutive_errors", k.consecutiveErrors))
		}
	}
	p.reportLocked(k, time.Now())
}

func (p *Pool) find(keyID string) *Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.keys {
		if k.ID == keyID {
			return k
		}
	}
	return nil
}

// RunDecayLoop periodically decays every key's error score, per §4.6's
// 60s/×0.9 background decay. It blocks until ctx is cancelled, so callers
// run it in its own goroutine.
func (p *Pool) RunDecayLoop(ctx context.Context) {
	ticker := time.NewTicker(decayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.decayAll()
		}
	}
}

func (p *Pool) decayAll() {
	p.mu.Lock()
	keys := append([]*Key(nil), p.keys...)
	p.mu.Unlock()

	now := time.Now()
	for _, k := range keys {
		k.mu.Lock()
		k.recentErrorScore *= decayFactor
		p.reportLocked(k, now)
		k.mu.Unlock()
	}
}
