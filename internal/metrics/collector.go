// Package metrics provides the gateway's Prometheus metrics collector.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector exposes counters/histograms/gauges for every resilience stage
// in the proxy pipeline (§4.1-§4.10). Labels stay low-cardinality: target
// and tenant names, never raw paths or request IDs.
type Collector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	idempotencyOutcomes *prometheus.CounterVec

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	retryAttempts *prometheus.CounterVec

	keyPoolLoadScore *prometheus.GaugeVec
	keyPoolStatus    *prometheus.GaugeVec

	rateLimitAdmitted *prometheus.CounterVec
	rateLimitRefused  *prometheus.CounterVec

	estimatedCost *prometheus.CounterVec
	realizedCost  *prometheus.CounterVec

	keySwitches          *prometheus.CounterVec
	keySwitchesExhausted *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers every metric under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total proxied requests by target and normalized status.",
		},
		[]string{"target", "status"},
	)

	c.requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end proxied request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"target"},
	)

	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total cache hits by target.",
		},
		[]string{"target"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total cache misses by target.",
		},
		[]string{"target"},
	)

	c.idempotencyOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_outcomes_total",
			Help:      "Idempotency registration outcomes: winner, conflict, completed, in_progress.",
		},
		[]string{"target", "outcome"},
	)

	c.breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per target: 0=closed, 1=half_open, 2=open.",
		},
		[]string{"target"},
	)

	c.breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker open/close transitions per target.",
		},
		[]string{"target", "to_state"},
	)

	c.retryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Retry attempts by target and error class.",
		},
		[]string{"target", "class"},
	)

	c.keyPoolLoadScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "key_pool_load_score",
			Help:      "Current load score of a provider key (lower is healthier).",
		},
		[]string{"provider", "key_id"},
	)

	c.keyPoolStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "key_pool_status",
			Help:      "Key health status: 0=active, 1=degraded, 2=exhausted, 3=banned.",
		},
		[]string{"provider", "key_id"},
	)

	c.rateLimitAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_admitted_total",
			Help:      "Requests admitted by the rate scheduler, by bucket kind.",
		},
		[]string{"kind"},
	)

	c.rateLimitRefused = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_refused_total",
			Help:      "Requests refused by the rate scheduler, by bucket kind.",
		},
		[]string{"kind"},
	)

	c.estimatedCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "estimated_cost_usd_total",
			Help:      "Pre-flight estimated LLM cost in USD.",
		},
		[]string{"provider", "model"},
	)

	c.realizedCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realized_cost_usd_total",
			Help:      "Realized LLM cost in USD from actual token usage.",
		},
		[]string{"provider", "model"},
	)

	c.keySwitches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_switches_total",
			Help:      "Provider-key switches performed mid-request, by provider and trigger reason.",
		},
		[]string{"provider", "reason"},
	)

	c.keySwitchesExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_switches_exhausted_total",
			Help:      "Requests that hit MAX_KEY_SWITCHES without a successful key, by provider.",
		},
		[]string{"provider"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

func (c *Collector) ObserveRequest(target, status string, seconds float64) {
	c.requestsTotal.WithLabelValues(target, status).Inc()
	c.requestDuration.WithLabelValues(target).Observe(seconds)
}

func (c *Collector) RecordCacheHit(target string)  { c.cacheHits.WithLabelValues(target).Inc() }
func (c *Collector) RecordCacheMiss(target string) { c.cacheMisses.WithLabelValues(target).Inc() }

func (c *Collector) RecordIdempotencyOutcome(target, outcome string) {
	c.idempotencyOutcomes.WithLabelValues(target, outcome).Inc()
}

// SetBreakerState reports 0/1/2 for closed/half_open/open, matching
// internal/breaker.State's three labels.
func (c *Collector) SetBreakerState(target string, value float64) {
	c.breakerState.WithLabelValues(target).Set(value)
}

func (c *Collector) RecordBreakerTransition(target, toState string) {
	c.breakerTransitions.WithLabelValues(target, toState).Inc()
}

func (c *Collector) RecordRetryAttempt(target, class string) {
	c.retryAttempts.WithLabelValues(target, class).Inc()
}

func (c *Collector) SetKeyLoadScore(provider, keyID string, score float64) {
	c.keyPoolLoadScore.WithLabelValues(provider, keyID).Set(score)
}

func (c *Collector) SetKeyStatus(provider, keyID string, status float64) {
	c.keyPoolStatus.WithLabelValues(provider, keyID).Set(status)
}

func (c *Collector) RecordRateLimitAdmitted(kind string) {
	c.rateLimitAdmitted.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordRateLimitRefused(kind string) {
	c.rateLimitRefused.WithLabelValues(kind).Inc()
}

func (c *Collector) AddEstimatedCost(provider, model string, usd float64) {
	c.estimatedCost.WithLabelValues(provider, model).Add(usd)
}

func (c *Collector) AddRealizedCost(provider, model string, usd float64) {
	c.realizedCost.WithLabelValues(provider, model).Add(usd)
}

// RecordKeySwitch counts one provider-key switch within a request, per §8's
// key-switch-bound property. reason is the upstream class that triggered the
// switch (e.g. "429", "5xx").
func (c *Collector) RecordKeySwitch(provider, reason string) {
	c.keySwitches.WithLabelValues(provider, reason).Inc()
}

// RecordKeySwitchesExhausted counts a request that hit MAX_KEY_SWITCHES
// without ever landing on a working key.
func (c *Collector) RecordKeySwitchesExhausted(provider string) {
	c.keySwitchesExhausted.WithLabelValues(provider).Inc()
}
