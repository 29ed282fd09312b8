package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/KikuAI-Lab/reliapi/internal/cache"
	"github.com/KikuAI-Lab/reliapi/internal/costestimator"
	"github.com/KikuAI-Lab/reliapi/internal/gwconfig"
	"github.com/KikuAI-Lab/reliapi/internal/gwerr"
	"github.com/KikuAI-Lab/reliapi/internal/idempotency"
	"github.com/KikuAI-Lab/reliapi/internal/keypool"
	"github.com/KikuAI-Lab/reliapi/internal/llmadapter"
	"github.com/KikuAI-Lab/reliapi/internal/upstream"
)

// jsonMarshalCacheBody/jsonUnmarshalCacheBody encode an LLMResult for
// storage in the byte-oriented cache/idempotency entry shapes those
// packages share with the HTTP path.
func jsonMarshalCacheBody(result *LLMResult) ([]byte, error) { return json.Marshal(result) }
func jsonUnmarshalCacheBody(data []byte, out *LLMResult) error { return json.Unmarshal(data, out) }

// LLMRequest is the engine-level shape of a /proxy/llm (non-streaming) call.
type LLMRequest struct {
	TargetName     string
	Messages       []llmadapter.Message
	Model          string
	MaxTokens      int
	Temperature    float64
	TopP           float64
	Stop           []string
	IdempotencyKey string
	CacheTTL       time.Duration
	Route          RouteOverride
}

// LLMResult is the engine-level shape of a non-streaming /proxy/llm response.
type LLMResult struct {
	Content           string
	FinishReason      string
	Usage             llmadapter.Usage
	CacheHit          bool
	IdempotentHit     bool
	FallbackUsed      bool
	FallbackTarget    string
	CostEstimateUSD   float64
	CostUSD           float64
	CostPolicyApplied string
	Provider          string
	Model             string
	MaxTokensReduced  bool
	OriginalMaxTokens int
}

// resolvedLLM bundles everything derived from an LLMRequest once target,
// provider, adapter, and budget gating have all been applied — the
// preamble shared by the non-streaming and streaming paths.
type resolvedLLM struct {
	targetName  string
	target      gwconfig.Target
	provider    string
	model       string
	adapter     llmadapter.Adapter
	chatReq     *llmadapter.ChatRequest
	estimate    *costestimator.Estimate
	policy      string
	reduced     bool
	origMaxTok  int
	fingerprint string
}

// HandleLLM implements §4.12's ten-step non-streaming LLM proxy pipeline.
func (e *Engine) HandleLLM(ctx context.Context, tenant *gwconfig.Tenant, profile *gwconfig.ClientProfile, req LLMRequest) (*LLMResult, *gwerr.Error) {
	return e.handleLLMAttempt(ctx, tenant, profile, req, 0)
}

func (e *Engine) handleLLMAttempt(ctx context.Context, tenant *gwconfig.Tenant, profile *gwconfig.ClientProfile, req LLMRequest, depth int) (*LLMResult, *gwerr.Error) {
	resolved, gerr := e.resolveLLM(tenant, req)
	if gerr != nil {
		return nil, gerr
	}

	if entry, hit := e.cache.Get(ctx, tenant.Name, resolved.fingerprint); hit {
		e.metrics.RecordCacheHit(req.TargetName)
		var result LLMResult
		if err := jsonUnmarshalCacheBody(entry.Body, &result); err == nil {
			result.CacheHit = true
			result.Provider = resolved.provider
			result.Model = resolved.model
			return &result, nil
		}
	}
	e.metrics.RecordCacheMiss(req.TargetName)

	requestHash := resolved.fingerprint
	if req.IdempotencyKey != "" {
		outcome, idemResult, err := e.idempotency.Register(ctx, tenant.Name, req.IdempotencyKey, requestHash, false)
		if err != nil {
			e.logger.Warn("idempotency register failed for llm request")
		}
		switch outcome {
		case idempotency.Completed:
			var result LLMResult
			if err := jsonUnmarshalCacheBody(idemResult.Body, &result); err == nil {
				result.IdempotentHit = true
				return &result, nil
			}
		case idempotency.Conflict:
			return nil, gwerr.New(gwerr.IdempotencyConflict, "idempotency key reused with a different request").WithSource(gwerr.SourceReliAPI)
		case idempotency.InProgress:
			return nil, gwerr.New(gwerr.IdempotencyConflict, "request with this idempotency key is already in progress").
				WithSource(gwerr.SourceReliAPI).WithRetryable(true)
		}
	}

	key, pool := e.selectKey(tenant)
	specs := rateSpecs(tenant, profile, key)
	release, refusal, err := e.scheduler.Admit(ctx, specs)
	if err != nil {
		e.abortLLM(ctx, tenant, req)
		return nil, gwerr.New(gwerr.InternalError, "rate scheduler error").WithCause(err)
	}
	if refusal != nil {
		e.abortLLM(ctx, tenant, req)
		return nil, rateLimitedError(refusal)
	}
	defer release()

	excluded := map[string]bool{}
	if key != nil {
		excluded[key.ID] = true
	}

	result, gerr := e.dispatchLLM(ctx, resolved, key, pool)
	switches := 0
	for gerr != nil && gerr.Retryable && pool != nil && switches < keypool.MaxKeySwitches {
		next, selErr := pool.SelectExcluding(excluded)
		if selErr != nil {
			break
		}
		excluded[next.ID] = true
		switches++
		e.metrics.RecordKeySwitch(resolved.provider, keySwitchReason(gerr))
		result, gerr = e.dispatchLLM(ctx, resolved, next, pool)
		key = next
	}
	if gerr != nil && gerr.Retryable && switches >= keypool.MaxKeySwitches {
		e.metrics.RecordKeySwitchesExhausted(resolved.provider)
	}

	if gerr != nil {
		e.abortLLM(ctx, tenant, req)
		if gerr.Retryable && len(resolved.target.FallbackTargets) > 0 && depth < tenant.Tier.MaxFallbackChainLength() {
			fallbackReq := req
			fallbackReq.TargetName = resolved.target.FallbackTargets[0]
			fallbackReq.IdempotencyKey = ""
			fbResult, fbErr := e.handleLLMAttempt(ctx, tenant, profile, fallbackReq, depth+1)
			if fbErr == nil {
				fbResult.FallbackUsed = true
				fbResult.FallbackTarget = fallbackReq.TargetName
				return fbResult, nil
			}
			return nil, fbErr
		}
		return nil, gerr
	}

	result.CostEstimateUSD = resolved.estimate.CostUSD
	result.CostPolicyApplied = resolved.policy
	result.Provider = resolved.provider
	result.Model = resolved.model
	result.MaxTokensReduced = resolved.reduced
	result.OriginalMaxTokens = resolved.origMaxTok

	if cost, ok := e.estimator.Realized(resolved.provider, resolved.model, result.Usage.PromptTokens, result.Usage.CompletionTokens); ok {
		result.CostUSD = cost
	}
	e.metrics.AddRealizedCost(resolved.provider, resolved.model, result.CostUSD)

	ttl := req.CacheTTL
	if ttl <= 0 {
		ttl = resolved.target.CacheTTL
	}
	if body, err := jsonMarshalCacheBody(result); err == nil {
		e.cache.Set(ctx, tenant.Name, resolved.fingerprint, &cache.Entry{StatusCode: http.StatusOK, Body: body}, ttl)
		if req.IdempotencyKey != "" {
			e.idempotency.Complete(ctx, tenant.Name, req.IdempotencyKey, requestHash,
				&idempotency.Result{StatusCode: http.StatusOK, Body: body}, ttl)
		}
	}

	return result, nil
}

// resolveLLM implements §4.12 steps 1-5: target/provider/adapter
// resolution, budget gating, and canonical-payload fingerprinting.
func (e *Engine) resolveLLM(tenant *gwconfig.Tenant, req LLMRequest) (*resolvedLLM, *gwerr.Error) {
	target, ok := e.Target(req.TargetName)
	if !ok || target.Kind != "llm" {
		return nil, gwerr.New(gwerr.InvalidTarget, "target is not an LLM target: "+req.TargetName).WithSource(gwerr.SourceReliAPI)
	}

	maxTokens := req.MaxTokens
	if target.MaxTokensCeiling > 0 && (maxTokens <= 0 || maxTokens > target.MaxTokensCeiling) {
		maxTokens = target.MaxTokensCeiling
	}
	temperature := req.Temperature
	if target.TemperatureCeiling > 0 && temperature > target.TemperatureCeiling {
		temperature = target.TemperatureCeiling
	}

	provider, ok := inferProvider(target)
	if !ok {
		return nil, gwerr.New(gwerr.UnknownProvider, "cannot determine provider for target "+req.TargetName).WithSource(gwerr.SourceReliAPI)
	}
	model := req.Model
	provider, model = req.Route.Apply(provider, model)

	adapter, ok := e.adapters.Resolve(provider)
	if !ok {
		return nil, gwerr.New(gwerr.AdapterNotFound, "no adapter registered for provider "+provider).WithSource(gwerr.SourceReliAPI)
	}

	promptChars := 0
	for _, m := range req.Messages {
		promptChars += len(m.Content)
	}

	origMaxTok := maxTokens
	reduced := false
	policy := ""
	var maxTokensPtr *int
	if maxTokens > 0 {
		maxTokensPtr = &maxTokens
	}
	estimate, hasEstimate := e.estimator.Estimate(provider, model, promptChars, maxTokensPtr)
	if hasEstimate {
		e.metrics.AddEstimatedCost(provider, model, estimate.CostUSD)
		if target.HardCapUSD > 0 && estimate.CostUSD > target.HardCapUSD {
			return nil, gwerr.New(gwerr.BudgetExceeded, "estimated cost exceeds hard budget cap").
				WithSource(gwerr.SourceReliAPI).WithDetails("cost_policy_applied=hard_cap_rejected")
		}
		if target.SoftCapUSD > 0 && estimate.CostUSD > target.SoftCapUSD {
			scale := target.SoftCapUSD / estimate.CostUSD * 0.9
			if maxTokens > 0 {
				maxTokens = int(float64(maxTokens) * scale)
			} else {
				maxTokens = int(float64(estimate.CompletionTokens) * scale)
			}
			reduced = true
			policy = "soft_cap_throttled"
			maxTokensPtr = &maxTokens
			estimate, _ = e.estimator.Estimate(provider, model, promptChars, maxTokensPtr)
		}
	} else {
		estimate = &costestimator.Estimate{}
	}

	chatReq := &llmadapter.ChatRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}

	fp := llmFingerprint(req.TargetName, provider, model, chatReq)

	return &resolvedLLM{
		targetName: req.TargetName,
		target: target, provider: provider, model: model, adapter: adapter,
		chatReq: chatReq, estimate: estimate, policy: policy,
		reduced: reduced, origMaxTok: origMaxTok, fingerprint: fp,
	}, nil
}

func (e *Engine) dispatchLLM(ctx context.Context, resolved *resolvedLLM, key *keypool.Key, pool *keypool.Pool) (*LLMResult, *gwerr.Error) {
	secret := resolved.target.StaticAuthSecret
	if key != nil {
		secret = key.Secret
	}

	chatReq := resolved.chatReq
	chatReq.Stream = false

	build := func(ctx context.Context) (*http.Request, error) {
		return resolved.adapter.PrepareRequest(ctx, resolved.target.BaseURL, secret, chatReq)
	}

	res, err := e.upstream.Do(ctx, resolved.targetName, build, upstream.NewBudget())
	if err != nil {
		if pool != nil && key != nil {
			pool.RecordError(key.ID, 0)
		}
		return nil, gwerr.New(gwerr.NetworkError, "llm provider request failed").WithCause(err).
			WithSource(gwerr.SourceUpstream).WithProvider(resolved.provider).WithRetryable(true)
	}
	defer res.Response.Body.Close()

	status := res.Response.StatusCode
	if status >= 400 {
		if pool != nil && key != nil {
			pool.RecordError(key.ID, status)
		}
		_, retryable := classifyHTTPStatus(status)
		gerr := gwerr.FromUpstreamStatus(status, fmt.Sprintf("provider %s returned %d", resolved.provider, status), resolved.provider)
		gerr.Retryable = retryable
		return nil, gerr
	}

	parsed, parseErr := resolved.adapter.ParseResponse(res.Response)
	if parseErr != nil {
		return nil, gwerr.New(gwerr.ProviderError, "failed to parse provider response").WithCause(parseErr).
			WithSource(gwerr.SourceUpstream).WithProvider(resolved.provider)
	}

	if pool != nil && key != nil {
		pool.RecordSuccess(key.ID)
	}

	return &LLMResult{Content: parsed.Content, FinishReason: parsed.FinishReason, Usage: parsed.Usage}, nil
}

func (e *Engine) abortLLM(ctx context.Context, tenant *gwconfig.Tenant, req LLMRequest) {
	if req.IdempotencyKey != "" {
		e.idempotency.Abort(ctx, tenant.Name, req.IdempotencyKey)
	}
}

func llmFingerprint(target, provider, model string, req *llmadapter.ChatRequest) string {
	var sb strings.Builder
	sb.WriteString(target)
	sb.WriteByte('|')
	sb.WriteString(provider)
	sb.WriteByte('|')
	sb.WriteString(model)
	for _, m := range req.Messages {
		sb.WriteByte('|')
		sb.WriteString(m.Role)
		sb.WriteByte(':')
		sb.WriteString(m.Content)
	}
	fmt.Fprintf(&sb, "|%d|%.2f|%.2f", req.MaxTokens, req.Temperature, req.TopP)
	return cache.Fingerprint(http.MethodPost, sb.String(), http.Header{}, nil)
}
