// Package api provides the caller-visible envelope types for the gateway.
package api

// Response is the top-level envelope every endpoint responds with, per §6's
// caller-visible contract: `{success, data?, error?, meta}`.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
	Meta    Meta       `json:"meta"`
}

// Meta carries per-request bookkeeping surfaced to the caller alongside the
// envelope (§4.11 step 2, §4.13 meta event).
type Meta struct {
	RequestID         string  `json:"request_id"`
	DurationMS        int64   `json:"duration_ms"`
	CacheHit          bool    `json:"cache_hit,omitempty"`
	IdempotentHit     bool    `json:"idempotent_hit,omitempty"`
	Retries           int     `json:"retries,omitempty"`
	FallbackUsed      bool    `json:"fallback_used,omitempty"`
	FallbackTarget    string  `json:"fallback_target,omitempty"`
	CostEstimateUSD   float64 `json:"cost_estimate_usd,omitempty"`
	CostUSD           float64 `json:"cost_usd,omitempty"`
	CostPolicyApplied string  `json:"cost_policy_applied,omitempty"`
}

// ErrorInfo is the normalised error shape returned to callers, per §6:
// `{type, code, message, retryable, source?, status_code?, retry_after_s?, details?}`.
type ErrorInfo struct {
	Type        string  `json:"type"`
	Code        string  `json:"code"`
	Message     string  `json:"message"`
	Retryable   bool    `json:"retryable"`
	Source      string  `json:"source,omitempty"` // "reliapi" | "upstream"
	StatusCode  int     `json:"status_code,omitempty"`
	RetryAfterS float64 `json:"retry_after_s,omitempty"`
	Details     string  `json:"details,omitempty"`
}

// HTTPProxyRequest is the body of POST /proxy/http.
type HTTPProxyRequest struct {
	Target         string            `json:"target"`
	Method         string            `json:"method"`
	Path           string            `json:"path"`
	Headers        map[string]string `json:"headers,omitempty"`
	Query          map[string]string `json:"query,omitempty"`
	Body           string            `json:"body,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	CacheTTLS      int               `json:"cache,omitempty"`
}

// HTTPProxyData is the `data` payload of a successful /proxy/http response.
type HTTPProxyData struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// LLMMessage is one conversational turn in a /proxy/llm request.
type LLMMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMProxyRequest is the body of POST /proxy/llm.
type LLMProxyRequest struct {
	Target         string       `json:"target"`
	Messages       []LLMMessage `json:"messages"`
	Model          string       `json:"model,omitempty"`
	MaxTokens      int          `json:"max_tokens,omitempty"`
	Temperature    float64      `json:"temperature,omitempty"`
	TopP           float64      `json:"top_p,omitempty"`
	Stop           []string     `json:"stop,omitempty"`
	Stream         bool         `json:"stream,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	CacheTTLS      int          `json:"cache,omitempty"`
}

// LLMUsage mirrors llmadapter.Usage in the caller-visible envelope.
type LLMUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// LLMProxyData is the `data` payload of a successful non-streaming
// /proxy/llm response.
type LLMProxyData struct {
	Content      string   `json:"content"`
	Role         string   `json:"role"`
	FinishReason string   `json:"finish_reason"`
	Usage        LLMUsage `json:"usage"`
}

// StreamEventMeta is the §4.13 `meta` SSE event payload.
type StreamEventMeta struct {
	Target            string  `json:"target"`
	Provider          string  `json:"provider"`
	Model             string  `json:"model"`
	RequestID         string  `json:"request_id"`
	CostEstimateUSD   float64 `json:"cost_estimate_usd"`
	CostPolicyApplied string  `json:"cost_policy_applied,omitempty"`
	MaxTokensReduced  bool    `json:"max_tokens_reduced,omitempty"`
	OriginalMaxTokens int     `json:"original_max_tokens,omitempty"`
}

// StreamEventChunk is the §4.13 `chunk` SSE event payload.
type StreamEventChunk struct {
	Delta        string `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// StreamEventDone is the §4.13 `done` SSE event payload.
type StreamEventDone struct {
	FinishReason string   `json:"finish_reason"`
	Usage        LLMUsage `json:"usage"`
	CostUSD      float64  `json:"cost_usd"`
}

// StreamEventError is the §4.13 `error` SSE event payload.
type StreamEventError struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	UpstreamStatus int   `json:"upstream_status,omitempty"`
}
