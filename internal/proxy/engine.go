// Package proxy implements the request-processing pipeline that the rest of
// this repository exists to support: the HTTP-generic and LLM-specialised
// proxy paths, wiring the cache, idempotency manager, circuit breaker, retry
// engine, provider key pool, rate scheduler, cost estimator, and LLM
// adapters into the ordered steps each endpoint follows.
package proxy

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KikuAI-Lab/reliapi/internal/breaker"
	"github.com/KikuAI-Lab/reliapi/internal/cache"
	"github.com/KikuAI-Lab/reliapi/internal/costestimator"
	"github.com/KikuAI-Lab/reliapi/internal/gwconfig"
	"github.com/KikuAI-Lab/reliapi/internal/gwerr"
	"github.com/KikuAI-Lab/reliapi/internal/idempotency"
	"github.com/KikuAI-Lab/reliapi/internal/keypool"
	"github.com/KikuAI-Lab/reliapi/internal/kvstore"
	"github.com/KikuAI-Lab/reliapi/internal/llmadapter"
	"github.com/KikuAI-Lab/reliapi/internal/metrics"
	"github.com/KikuAI-Lab/reliapi/internal/ratelimit"
	"github.com/KikuAI-Lab/reliapi/internal/retry"
	"github.com/KikuAI-Lab/reliapi/internal/upstream"
)

// upstreamTimeout bounds one round trip to a target or provider.
const upstreamTimeout = 30 * time.Second

// Engine is the gateway's request-processing core. One Engine is built at
// startup from a loaded gwconfig.Config and shared across every request.
type Engine struct {
	cfg *gwconfig.Config

	store       kvstore.Store
	cache       *cache.Cache
	idempotency *idempotency.Manager
	breaker     *breaker.Breaker
	upstream    *upstream.Client
	scheduler   *ratelimit.Scheduler
	pools       map[string]*keypool.Pool
	estimator   *costestimator.Estimator
	adapters    *llmadapter.Registry
	metrics     *metrics.Collector

	logger *zap.Logger
}

// New builds an Engine. costTable is nil to use costestimator.DefaultTable.
func New(cfg *gwconfig.Config, store kvstore.Store, costTable costestimator.Table, mc *metrics.Collector, logger *zap.Logger) *Engine {
	br := breaker.New(breaker.DefaultConfig(), logger)
	br.SetMetrics(mc)

	pools := make(map[string]*keypool.Pool, len(cfg.ProviderKeyPools))
	for name, pool := range cfg.ProviderKeyPools {
		keys := make([]*keypool.Key, 0, len(pool.Keys))
		for _, k := range pool.Keys {
			keys = append(keys, &keypool.Key{ID: k.ID, Secret: k.Secret, QPSLimit: k.QPSLimit})
		}
		p := keypool.New(pool.Provider, keys, logger)
		p.SetMetrics(mc)
		pools[name] = p
	}

	scheduler := ratelimit.New(logger)
	scheduler.SetMetrics(mc)

	upstreamClient := upstream.New(upstreamTimeout, br, retry.DefaultMatrix(), logger)
	upstreamClient.SetMetrics(mc)

	return &Engine{
		cfg:         cfg,
		store:       store,
		cache:       cache.New(store, logger),
		idempotency: idempotency.New(store, logger),
		breaker:     br,
		upstream:    upstreamClient,
		scheduler:   scheduler,
		pools:       pools,
		estimator:   costestimator.New(costTable),
		adapters: llmadapter.NewRegistry(
			llmadapter.NewOpenAIAdapter("openai", ""),
			llmadapter.NewAnthropicAdapter(),
			llmadapter.NewMistralAdapter(),
		),
		metrics: mc,
		logger:  logger.With(zap.String("component", "proxy")),
	}
}

// RunBackground starts every pool's health-decay loop. It blocks until ctx
// is cancelled, so callers run it in its own goroutine.
func (e *Engine) RunBackground(ctx context.Context) {
	for _, pool := range e.pools {
		go pool.RunDecayLoop(ctx)
	}
	<-ctx.Done()
	e.scheduler.Stop()
}

// NewRequestID returns a fresh unique request identifier, per §4.11 step 2 /
// §4.12's shared authentication preamble.
func NewRequestID() string {
	return uuid.NewString()
}

// Target resolves a configured target by name. ok is false when the target
// doesn't exist.
func (e *Engine) Target(name string) (gwconfig.Target, bool) {
	t, ok := e.cfg.Targets[name]
	return t, ok
}

// Metrics returns the engine's metrics collector, for callers (the HTTP
// handlers) that need to record the top-level requests_total/
// request_duration_seconds observation themselves once they've computed
// end-to-end duration.
func (e *Engine) Metrics() *metrics.Collector {
	return e.metrics
}

// keyPoolFor returns the pool a tenant's provider calls draw from, if any.
func (e *Engine) keyPoolFor(tenant *gwconfig.Tenant) *keypool.Pool {
	if tenant.ProviderKeyPool == "" {
		return nil
	}
	return e.pools[tenant.ProviderKeyPool]
}

// inferProvider resolves the provider of an LLM target from its explicit
// config field, falling back to inspecting the base URL, per §4.12 step 3.
func inferProvider(t gwconfig.Target) (string, bool) {
	if t.Provider != "" {
		return t.Provider, true
	}
	lower := strings.ToLower(t.BaseURL)
	switch {
	case strings.Contains(lower, "openai"):
		return "openai", true
	case strings.Contains(lower, "anthropic"):
		return "anthropic", true
	case strings.Contains(lower, "mistral"):
		return "mistral", true
	default:
		return "", false
	}
}

// rateSpecs builds the ordered admission chain for one call: provider key
// (if selected), tenant, then client profile, per §4.7/§4.12 step 7.
func rateSpecs(tenant *gwconfig.Tenant, profile *gwconfig.ClientProfile, key *keypool.Key) []ratelimit.Spec {
	var specs []ratelimit.Spec
	if key != nil {
		specs = append(specs, ratelimit.Spec{Kind: ratelimit.KindProviderKey, Name: key.ID, MaxQPS: key.QPSLimit})
	}
	if tenant.MaxQPS > 0 {
		specs = append(specs, ratelimit.Spec{Kind: ratelimit.KindTenant, Name: tenant.Name, MaxQPS: tenant.MaxQPS})
	}
	if profile != nil && profile.MaxQPS > 0 {
		specs = append(specs, ratelimit.Spec{Kind: ratelimit.KindProfile, Name: profile.Name, MaxQPS: profile.MaxQPS})
	}
	return specs
}

// rateLimitedError builds the caller-visible error for a scheduler refusal.
func rateLimitedError(refusal *ratelimit.Refusal) *gwerr.Error {
	return gwerr.New(gwerr.RateLimitReliAPI, "rate limit exceeded for "+refusal.Bucket).
		WithRetryable(true).
		WithSource(gwerr.SourceReliAPI).
		WithRetryAfter(refusal.RetryAfter.Seconds())
}
