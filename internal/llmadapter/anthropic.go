package llmadapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model       string          `json:"model"`
	Messages    []claudeMessage `json:"messages"`
	System      string          `json:"system,omitempty"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
	StopSeqs    []string        `json:"stop_sequences,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeResponse struct {
	ID         string `json:"id"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage claudeUsage `json:"usage"`
}

// claudeStreamEvent covers the union of named-event payload shapes this
// adapter cares about: content deltas, message-level stop_reason/usage
// updates, and a terminal message_stop.
type claudeStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type         string `json:"type"`
		Text         string `json:"text"`
		StopReason   string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage   *claudeUsage `json:"usage,omitempty"`
	Message *struct {
		StopReason string      `json:"stop_reason"`
		Usage      claudeUsage `json:"usage"`
	} `json:"message,omitempty"`
}

// AnthropicAdapter implements Adapter for the Claude Messages API's named
// SSE events (`event: <type>` followed by `data: {...}`), as opposed to the
// OpenAI-style `data:`+`[DONE]` framing.
type AnthropicAdapter struct{}

// NewAnthropicAdapter builds the anthropic adapter.
func NewAnthropicAdapter() *AnthropicAdapter { return &AnthropicAdapter{} }

func (a *AnthropicAdapter) Name() string { return "anthropic" }

func (a *AnthropicAdapter) PrepareRequest(ctx context.Context, baseURL, apiKey string, req *ChatRequest) (*http.Request, error) {
	body := claudeRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		StopSeqs:    req.Stop,
		Stream:      req.Stream,
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			body.System = m.Content
			continue
		}
		body.Messages = append(body.Messages, claudeMessage{Role: m.Role, Content: m.Content})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func (a *AnthropicAdapter) ParseResponse(resp *http.Response) (*ChatResponse, error) {
	var cr claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}
	var text strings.Builder
	for _, block := range cr.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &ChatResponse{
		Content:      text.String(),
		FinishReason: cr.StopReason,
		Usage: Usage{
			PromptTokens:     cr.Usage.InputTokens,
			CompletionTokens: cr.Usage.OutputTokens,
			TotalTokens:      cr.Usage.InputTokens + cr.Usage.OutputTokens,
		},
	}, nil
}

func (a *AnthropicAdapter) SupportsStreaming() bool { return true }

// StreamChat parses the named-event stream: lines starting `event:` declare
// the event type and are otherwise ignored (the event is also encoded on
// the JSON payload's own "type" field), lines starting `data:` carry the
// payload, and a `message_stop` event terminates the stream.
func (a *AnthropicAdapter) StreamChat(ctx context.Context, resp *http.Response) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)

		var promptTokens int
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					sendChunk(ctx, ch, StreamChunk{Err: fmt.Errorf("read anthropic stream: %w", err)})
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "event:") {
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			var evt claudeStreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				sendChunk(ctx, ch, StreamChunk{Err: fmt.Errorf("decode anthropic event: %w", err)})
				return
			}

			switch evt.Type {
			case "message_start":
				if evt.Message != nil {
					promptTokens = evt.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if evt.Delta != nil && evt.Delta.Text != "" {
					if !sendChunk(ctx, ch, StreamChunk{Delta: evt.Delta.Text}) {
						return
					}
				}
			case "message_delta":
				if evt.Usage != nil {
					if !sendChunk(ctx, ch, StreamChunk{IsUsageOnly: true, Usage: Usage{
						PromptTokens:     promptTokens,
						CompletionTokens: evt.Usage.OutputTokens,
						TotalTokens:      promptTokens + evt.Usage.OutputTokens,
					}}) {
						return
					}
				}
				if evt.Delta != nil && evt.Delta.StopReason != "" {
					if !sendChunk(ctx, ch, StreamChunk{FinishReason: evt.Delta.StopReason}) {
						return
					}
				}
			case "message_stop":
				return
			}
		}
	}()
	return ch, nil
}
