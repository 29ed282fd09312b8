package llmadapter

// MistralAdapter is OpenAI-compatible on the wire (same chat-completions
// shape and data:+[DONE] SSE framing); it embeds OpenAIAdapter and only
// overrides the provider name, matching the teacher's pattern of having
// OpenAI-compatible providers embed a shared base rather than duplicating
// the request/response plumbing.
type MistralAdapter struct {
	*OpenAIAdapter
}

// NewMistralAdapter builds the mistral adapter.
func NewMistralAdapter() *MistralAdapter {
	return &MistralAdapter{OpenAIAdapter: NewOpenAIAdapter("mistral", "/v1/chat/completions")}
}
