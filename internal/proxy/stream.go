package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/KikuAI-Lab/reliapi/internal/gwconfig"
	"github.com/KikuAI-Lab/reliapi/internal/gwerr"
	"github.com/KikuAI-Lab/reliapi/internal/idempotency"
	"github.com/KikuAI-Lab/reliapi/internal/keypool"
	"github.com/KikuAI-Lab/reliapi/internal/llmadapter"
	"github.com/KikuAI-Lab/reliapi/internal/upstream"
)

// StreamMeta is the §4.13 `meta` event payload.
type StreamMeta struct {
	Target            string
	Provider          string
	Model             string
	RequestID         string
	CostEstimateUSD   float64
	CostPolicyApplied string
	MaxTokensReduced  bool
	OriginalMaxTokens int
}

// StreamChunkEvent is the §4.13 `chunk` event payload.
type StreamChunkEvent struct {
	Delta        string
	FinishReason string
}

// StreamDoneEvent is the §4.13 `done` event payload.
type StreamDoneEvent struct {
	FinishReason string
	Usage        llmadapter.Usage
	CostUSD      float64
}

// EmitFunc delivers one named SSE event to the caller. An error return means
// the write failed (client disconnected) and streaming must stop.
type EmitFunc func(event string, payload any) error

// HandleLLMStream implements §4.13's streaming LLM proxy pipeline: the
// engine never opens a stream before the budget gate passes, retries/
// switches keys/falls back only on pre-first-chunk failures, and treats any
// failure after the first chunk as terminal.
func (e *Engine) HandleLLMStream(ctx context.Context, tenant *gwconfig.Tenant, profile *gwconfig.ClientProfile, req LLMRequest, requestID string, emit EmitFunc) *gwerr.Error {
	return e.handleLLMStreamAttempt(ctx, tenant, profile, req, requestID, emit, 0)
}

func (e *Engine) handleLLMStreamAttempt(ctx context.Context, tenant *gwconfig.Tenant, profile *gwconfig.ClientProfile, req LLMRequest, requestID string, emit EmitFunc, depth int) *gwerr.Error {
	resolved, gerr := e.resolveLLM(tenant, req)
	if gerr != nil {
		return gerr
	}

	if req.IdempotencyKey != "" {
		outcome, _, err := e.idempotency.Register(ctx, tenant.Name, req.IdempotencyKey, resolved.fingerprint, true)
		if err != nil {
			e.logger.Warn("idempotency register failed for llm stream")
		}
		switch outcome {
		case idempotency.Completed:
			return gwerr.New(gwerr.StreamAlreadyCompleted, "a result for this idempotency key already completed").WithSource(gwerr.SourceReliAPI)
		case idempotency.Conflict:
			return gwerr.New(gwerr.IdempotencyConflict, "idempotency key reused with a different request").WithSource(gwerr.SourceReliAPI)
		case idempotency.InProgress:
			return gwerr.New(gwerr.StreamAlreadyInProgress, "a stream with this idempotency key is already in progress").WithSource(gwerr.SourceReliAPI)
		}
	}

	key, pool := e.selectKey(tenant)
	specs := rateSpecs(tenant, profile, key)
	release, refusal, err := e.scheduler.Admit(ctx, specs)
	if err != nil {
		e.abortStream(ctx, tenant, req)
		return gwerr.New(gwerr.InternalError, "rate scheduler error").WithCause(err)
	}
	if refusal != nil {
		e.abortStream(ctx, tenant, req)
		return rateLimitedError(refusal)
	}
	defer release()

	excluded := map[string]bool{}
	if key != nil {
		excluded[key.ID] = true
	}

	resp, gerr := e.openLLMStream(ctx, resolved, key, pool)
	switches := 0
	for gerr != nil && gerr.Retryable && pool != nil && switches < keypool.MaxKeySwitches {
		next, selErr := pool.SelectExcluding(excluded)
		if selErr != nil {
			break
		}
		excluded[next.ID] = true
		switches++
		e.metrics.RecordKeySwitch(resolved.provider, keySwitchReason(gerr))
		resp, gerr = e.openLLMStream(ctx, resolved, next, pool)
		key = next
	}
	if gerr != nil && gerr.Retryable && switches >= keypool.MaxKeySwitches {
		e.metrics.RecordKeySwitchesExhausted(resolved.provider)
	}

	if gerr != nil {
		e.abortStream(ctx, tenant, req)
		if gerr.Retryable && len(resolved.target.FallbackTargets) > 0 && depth < tenant.Tier.MaxFallbackChainLength() {
			fallbackReq := req
			fallbackReq.TargetName = resolved.target.FallbackTargets[0]
			fallbackReq.IdempotencyKey = ""
			return e.handleLLMStreamAttempt(ctx, tenant, profile, fallbackReq, requestID, emit, depth+1)
		}
		return gerr
	}

	_ = emit("meta", StreamMeta{
		Target: req.TargetName, Provider: resolved.provider, Model: resolved.model, RequestID: requestID,
		CostEstimateUSD: resolved.estimate.CostUSD, CostPolicyApplied: resolved.policy,
		MaxTokensReduced: resolved.reduced, OriginalMaxTokens: resolved.origMaxTok,
	})

	chunkCh, err := resolved.adapter.StreamChat(ctx, resp)
	if err != nil {
		e.abortStream(ctx, tenant, req)
		return gwerr.New(gwerr.UpstreamStreamInterrupt, "failed to open provider stream").WithCause(err).WithSource(gwerr.SourceUpstream)
	}

	var content strings.Builder
	var usage llmadapter.Usage
	finishReason := ""

	for chunk := range chunkCh {
		if chunk.Err != nil {
			e.abortStream(ctx, tenant, req)
			return gwerr.New(gwerr.UpstreamStreamInterrupt, "upstream stream interrupted").WithCause(chunk.Err).WithSource(gwerr.SourceUpstream)
		}
		if chunk.IsUsageOnly {
			usage = chunk.Usage
			continue
		}
		if chunk.Delta != "" {
			content.WriteString(chunk.Delta)
		}
		if chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}
		if chunk.Delta != "" || chunk.FinishReason != "" {
			if writeErr := emit("chunk", StreamChunkEvent{Delta: chunk.Delta, FinishReason: chunk.FinishReason}); writeErr != nil {
				e.abortStream(ctx, tenant, req)
				return gwerr.New(gwerr.UpstreamStreamInterrupt, "client disconnected mid-stream").WithCause(writeErr)
			}
		}
	}

	costUSD := 0.0
	if usage != (llmadapter.Usage{}) {
		if cost, ok := e.estimator.Realized(resolved.provider, resolved.model, usage.PromptTokens, usage.CompletionTokens); ok {
			costUSD = cost
		}
	} else if cost, ok := e.estimator.Realized(resolved.provider, resolved.model, resolved.estimate.PromptTokens, 0); ok {
		// zero-chunk completions per §4.13: realised cost is prompt-only.
		costUSD = cost
	}
	e.metrics.AddRealizedCost(resolved.provider, resolved.model, costUSD)

	_ = emit("done", StreamDoneEvent{FinishReason: finishReason, Usage: usage, CostUSD: costUSD})

	result := LLMResult{
		Content: content.String(), FinishReason: finishReason, Usage: usage, CostUSD: costUSD,
		Provider: resolved.provider, Model: resolved.model,
	}
	if req.IdempotencyKey != "" {
		if body, err := json.Marshal(result); err == nil {
			ttl := req.CacheTTL
			if ttl <= 0 {
				ttl = resolved.target.CacheTTL
			}
			e.idempotency.Complete(ctx, tenant.Name, req.IdempotencyKey, resolved.fingerprint,
				&idempotency.Result{StatusCode: http.StatusOK, Body: body}, ttl)
		}
	}

	return nil
}

func (e *Engine) abortStream(ctx context.Context, tenant *gwconfig.Tenant, req LLMRequest) {
	if req.IdempotencyKey != "" {
		e.idempotency.Abort(ctx, tenant.Name, req.IdempotencyKey)
	}
}

func (e *Engine) openLLMStream(ctx context.Context, resolved *resolvedLLM, key *keypool.Key, pool *keypool.Pool) (*http.Response, *gwerr.Error) {
	secret := resolved.target.StaticAuthSecret
	if key != nil {
		secret = key.Secret
	}

	if !resolved.adapter.SupportsStreaming() {
		return nil, gwerr.New(gwerr.StreamingUnsupported, "provider "+resolved.provider+" does not support streaming").WithSource(gwerr.SourceReliAPI)
	}

	chatReq := resolved.chatReq
	chatReq.Stream = true

	build := func(ctx context.Context) (*http.Request, error) {
		return resolved.adapter.PrepareRequest(ctx, resolved.target.BaseURL, secret, chatReq)
	}

	res, err := e.upstream.Do(ctx, resolved.targetName, build, upstream.NewBudget())
	if err != nil {
		if pool != nil && key != nil {
			pool.RecordError(key.ID, 0)
		}
		return nil, gwerr.New(gwerr.NetworkError, "llm provider stream request failed").WithCause(err).
			WithSource(gwerr.SourceUpstream).WithProvider(resolved.provider).WithRetryable(true)
	}

	status := res.Response.StatusCode
	if status >= 400 {
		defer res.Response.Body.Close()
		if pool != nil && key != nil {
			pool.RecordError(key.ID, status)
		}
		_, retryable := classifyHTTPStatus(status)
		gerr := gwerr.FromUpstreamStatus(status, fmt.Sprintf("provider %s returned %d", resolved.provider, status), resolved.provider)
		gerr.Retryable = retryable
		return nil, gerr
	}

	if pool != nil && key != nil {
		pool.RecordSuccess(key.ID)
	}
	return res.Response, nil
}
