// Package llmadapter implements the gateway's LLM provider adapters, per
// §4.9. Provider dispatch is dynamic — selected by provider name, not by Go
// interface subclassing or a registry of constructors per type — per §9's
// design note: "dynamic adapter dispatch... select by provider name or URL
// inspection, not by subclass registration."
package llmadapter

import (
	"context"
	"net/http"
)

// Message is one chat message.
type Message struct {
	Role    string
	Content string
}

// ChatRequest is the gateway's provider-agnostic chat request shape.
type ChatRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	TopP        float64
	Stop        []string
	Stream      bool
}

// Usage is token accounting for one exchange.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResponse is a parsed non-streaming completion.
type ChatResponse struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// StreamChunk is one normalized unit of a streaming response. Exactly one
// of Delta, the usage-only sentinel (IsUsageOnly with Usage set), or Err is
// meaningful per chunk, per §4.9's three chunk kinds: delta, finish marker,
// and usage-only sentinel.
type StreamChunk struct {
	Delta        string
	FinishReason string
	IsUsageOnly  bool
	Usage        Usage
	Err          error
}

// Adapter is the common interface every concrete LLM provider implements.
type Adapter interface {
	// Name is the provider name this adapter serves, used for dynamic
	// dispatch by provider string.
	Name() string

	// PrepareRequest builds the outbound HTTP request for req.
	PrepareRequest(ctx context.Context, baseURL, apiKey string, req *ChatRequest) (*http.Request, error)

	// ParseResponse parses a non-streaming HTTP response body.
	ParseResponse(resp *http.Response) (*ChatResponse, error)

	// SupportsStreaming reports whether StreamChat is implemented.
	SupportsStreaming() bool

	// StreamChat parses an already-dispatched streaming HTTP response into
	// normalized chunks. The caller owns closing resp.Body; StreamChat
	// closes it once the stream ends.
	StreamChat(ctx context.Context, resp *http.Response) (<-chan StreamChunk, error)
}

// Registry resolves adapters by provider name.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a Registry from a set of adapters, keyed by their own
// Name().
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Resolve looks up an adapter by provider name. ok is false for
// UNKNOWN_PROVIDER / ADAPTER_NOT_FOUND handling upstream.
func (r *Registry) Resolve(provider string) (Adapter, bool) {
	a, ok := r.adapters[provider]
	return a, ok
}
