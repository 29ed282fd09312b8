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

// openaiRequest mirrors the OpenAI chat-completions wire format.
type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiChoice struct {
	Index        int            `json:"index"`
	FinishReason string         `json:"finish_reason"`
	Message      *openaiMessage `json:"message,omitempty"`
	Delta        *openaiMessage `json:"delta,omitempty"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

// OpenAIAdapter implements Adapter for the OpenAI chat-completions wire
// format: `data: {...}\n\n` frames terminated by a literal `data: [DONE]`.
type OpenAIAdapter struct {
	name         string
	endpointPath string
}

// NewOpenAIAdapter builds an adapter registered under name, targeting
// endpointPath (default "/v1/chat/completions").
func NewOpenAIAdapter(name, endpointPath string) *OpenAIAdapter {
	if endpointPath == "" {
		endpointPath = "/v1/chat/completions"
	}
	return &OpenAIAdapter{name: name, endpointPath: endpointPath}
}

func (a *OpenAIAdapter) Name() string { return a.name }

func (a *OpenAIAdapter) PrepareRequest(ctx context.Context, baseURL, apiKey string, req *ChatRequest) (*http.Request, error) {
	body := openaiRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      req.Stream,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, openaiMessage{Role: m.Role, Content: m.Content})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal openai request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+a.endpointPath, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func (a *OpenAIAdapter) ParseResponse(resp *http.Response) (*ChatResponse, error) {
	var oaResp openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	if len(oaResp.Choices) == 0 {
		return nil, fmt.Errorf("openai response has no choices")
	}
	choice := oaResp.Choices[0]
	out := &ChatResponse{FinishReason: choice.FinishReason}
	if choice.Message != nil {
		out.Content = choice.Message.Content
	}
	if oaResp.Usage != nil {
		out.Usage = Usage{
			PromptTokens:     oaResp.Usage.PromptTokens,
			CompletionTokens: oaResp.Usage.CompletionTokens,
			TotalTokens:      oaResp.Usage.TotalTokens,
		}
	}
	return out, nil
}

func (a *OpenAIAdapter) SupportsStreaming() bool { return true }

func (a *OpenAIAdapter) StreamChat(ctx context.Context, resp *http.Response) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					sendChunk(ctx, ch, StreamChunk{Err: fmt.Errorf("read openai stream: %w", err)})
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var oaResp openaiResponse
			if err := json.Unmarshal([]byte(data), &oaResp); err != nil {
				sendChunk(ctx, ch, StreamChunk{Err: fmt.Errorf("decode openai chunk: %w", err)})
				return
			}
			if oaResp.Usage != nil && len(oaResp.Choices) == 0 {
				if !sendChunk(ctx, ch, StreamChunk{IsUsageOnly: true, Usage: Usage{
					PromptTokens:     oaResp.Usage.PromptTokens,
					CompletionTokens: oaResp.Usage.CompletionTokens,
					TotalTokens:      oaResp.Usage.TotalTokens,
				}}) {
					return
				}
				continue
			}
			for _, choice := range oaResp.Choices {
				chunk := StreamChunk{FinishReason: choice.FinishReason}
				if choice.Delta != nil {
					chunk.Delta = choice.Delta.Content
				}
				if !sendChunk(ctx, ch, chunk) {
					return
				}
			}
		}
	}()
	return ch, nil
}

func sendChunk(ctx context.Context, ch chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- chunk:
		return true
	}
}
