package dazee

import "context"

// Provider abstracts the LLM backend. Concrete HTTP clients live outside the
// core; the executor, intent analyzer and backtrack manager program entirely
// against this interface.
type Provider interface {
	// Chat sends a request and returns the complete response.
	Chat(ctx context.Context, req ModelRequest) (ModelResponse, error)
	// ChatStream streams chunks into ch, then returns the final response with
	// the fully assembled assistant message and usage. ch is always closed
	// before returning.
	ChatStream(ctx context.Context, req ModelRequest, ch chan<- StreamChunk) (ModelResponse, error)
	// Name returns the provider name (e.g. "anthropic", "script").
	Name() string
}

// EmbeddingProvider abstracts text embedding. Used by the intent analyzer's
// semantic cache and the memory store; optional everywhere.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}

// ModelRequest is a complete prompt: ordered system fragments, conversation
// messages, and tool definitions.
type ModelRequest struct {
	Model string `json:"model,omitempty"`
	// System fragments are ordered most-stable-first so the provider's prompt
	// cache prefix stays long across turns.
	System    []PromptFragment `json:"system,omitempty"`
	Messages  []Message        `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	MaxTokens int              `json:"max_tokens,omitempty"`
}

// SystemText concatenates the system fragments in order.
func (r ModelRequest) SystemText() string {
	var s string
	for i, f := range r.System {
		if i > 0 {
			s += "\n\n"
		}
		s += f.Text
	}
	return s
}

// ModelResponse is the model's completed turn.
type ModelResponse struct {
	Message Message `json:"message"` // assistant role, blocks indexed from 0
	Usage   Usage   `json:"usage"`
}
