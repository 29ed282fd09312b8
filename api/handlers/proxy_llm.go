package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/KikuAI-Lab/reliapi/api"
	"github.com/KikuAI-Lab/reliapi/internal/gwconfig"
	"github.com/KikuAI-Lab/reliapi/internal/gwerr"
	"github.com/KikuAI-Lab/reliapi/internal/llmadapter"
	"github.com/KikuAI-Lab/reliapi/internal/pool"
	"github.com/KikuAI-Lab/reliapi/internal/proxy"
)

// LLMProxyHandler serves POST /proxy/llm, in both its non-streaming and
// text/event-stream forms.
type LLMProxyHandler struct {
	engine *proxy.Engine
	logger *zap.Logger
}

// NewLLMProxyHandler builds a LLMProxyHandler over engine.
func NewLLMProxyHandler(engine *proxy.Engine, logger *zap.Logger) *LLMProxyHandler {
	return &LLMProxyHandler{engine: engine, logger: logger.With(zap.String("handler", "proxy_llm"))}
}

func (h *LLMProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := proxy.NewRequestID()
	meta := api.Meta{RequestID: requestID}

	if r.Method != http.MethodPost {
		WriteError(w, gwerr.New(gwerr.BadRequest, "method not allowed").WithHTTPStatus(http.StatusMethodNotAllowed), meta, h.logger)
		return
	}
	if !ValidateContentType(w, r, meta, h.logger) {
		return
	}

	var body api.LLMProxyRequest
	if err := DecodeJSONBody(w, r, &body, meta, h.logger); err != nil {
		return
	}
	if body.Target == "" || len(body.Messages) == 0 {
		WriteError(w, gwerr.New(gwerr.BadRequest, "target and messages are required"), meta, h.logger)
		return
	}

	profile, tenant, authErr := h.engine.Authenticate(r)
	if authErr != nil {
		WriteError(w, authErr, meta, h.logger)
		return
	}

	route := proxy.ParseRouteOverride(r)

	messages := make([]llmadapter.Message, 0, len(body.Messages))
	for _, m := range body.Messages {
		messages = append(messages, llmadapter.Message{Role: m.Role, Content: m.Content})
	}

	req := proxy.LLMRequest{
		TargetName:     body.Target,
		Messages:       messages,
		Model:          body.Model,
		MaxTokens:      body.MaxTokens,
		Temperature:    body.Temperature,
		TopP:           body.TopP,
		Stop:           body.Stop,
		IdempotencyKey: body.IdempotencyKey,
		CacheTTL:       time.Duration(body.CacheTTLS) * time.Second,
		Route:          route,
	}

	w.Header().Set("X-Request-ID", requestID)

	if body.Stream {
		h.serveStream(w, r, tenant, profile, req, requestID, route)
		return
	}

	result, gerr := h.engine.HandleLLM(r.Context(), tenant, profile, req)
	meta.DurationMS = time.Since(start).Milliseconds()
	route.WriteEchoHeaders(w, routeProvider(result, gerr), routeModel(result, gerr))
	ObserveRequestMetric(h.engine, body.Target, http.StatusOK, gerr, time.Since(start).Seconds())

	if gerr != nil {
		WriteError(w, gerr, meta, h.logger)
		return
	}

	meta.CacheHit = result.CacheHit
	meta.IdempotentHit = result.IdempotentHit
	meta.FallbackUsed = result.FallbackUsed
	meta.FallbackTarget = result.FallbackTarget
	meta.CostEstimateUSD = result.CostEstimateUSD
	meta.CostUSD = result.CostUSD
	meta.CostPolicyApplied = result.CostPolicyApplied

	WriteSuccess(w, api.LLMProxyData{
		Content:      result.Content,
		Role:         "assistant",
		FinishReason: result.FinishReason,
		Usage: api.LLMUsage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		},
	}, meta)
}

func routeProvider(result *proxy.LLMResult, gerr *gwerr.Error) string {
	if result != nil {
		return result.Provider
	}
	if gerr != nil {
		return gerr.Provider
	}
	return ""
}

func routeModel(result *proxy.LLMResult, gerr *gwerr.Error) string {
	if result != nil {
		return result.Model
	}
	return ""
}

// serveStream drives the SSE form of /proxy/llm, translating the engine's
// named events into `event: <name>\ndata: <json>\n\n` frames per §4.13.
func (h *LLMProxyHandler) serveStream(w http.ResponseWriter, r *http.Request, tenant *gwconfig.Tenant, profile *gwconfig.ClientProfile, req proxy.LLMRequest, requestID string, route proxy.RouteOverride) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, gwerr.New(gwerr.StreamingUnsupported, "response writer does not support streaming"), api.Meta{RequestID: requestID}, h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	route.WriteEchoHeaders(w, route.Provider, route.Model)
	w.WriteHeader(http.StatusOK)

	// Each SSE frame is built in a pooled buffer rather than allocating a
	// fresh one per chunk — a stream can emit thousands of chunk events.
	emit := func(event string, payload any) error {
		buf := pool.ByteBufferPool.Get()
		defer pool.ByteBufferPool.Put(buf)

		buf.WriteString("event: ")
		buf.WriteString(event)
		buf.WriteString("\ndata: ")
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return err
		}
		buf.WriteString("\n")

		if _, err := w.Write(buf.Bytes()); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	wrappedEmit := proxy.EmitFunc(func(event string, payload any) error {
		switch p := payload.(type) {
		case proxy.StreamMeta:
			return emit(event, api.StreamEventMeta{
				Target: p.Target, Provider: p.Provider, Model: p.Model, RequestID: p.RequestID,
				CostEstimateUSD: p.CostEstimateUSD, CostPolicyApplied: p.CostPolicyApplied,
				MaxTokensReduced: p.MaxTokensReduced, OriginalMaxTokens: p.OriginalMaxTokens,
			})
		case proxy.StreamChunkEvent:
			return emit(event, api.StreamEventChunk{Delta: p.Delta, FinishReason: p.FinishReason})
		case proxy.StreamDoneEvent:
			return emit(event, api.StreamEventDone{
				FinishReason: p.FinishReason,
				Usage: api.LLMUsage{
					PromptTokens:     p.Usage.PromptTokens,
					CompletionTokens: p.Usage.CompletionTokens,
					TotalTokens:      p.Usage.TotalTokens,
				},
				CostUSD: p.CostUSD,
			})
		default:
			return emit(event, payload)
		}
	})

	gerr := h.engine.HandleLLMStream(r.Context(), tenant, profile, req, requestID, wrappedEmit)

	if gerr != nil {
		_ = emit("error", api.StreamEventError{Code: string(gerr.Code), Message: gerr.Message, UpstreamStatus: gerr.StatusCode})
		h.logger.Warn("llm stream ended in error", zap.String("code", string(gerr.Code)), zap.Error(gerr))
	}
}
