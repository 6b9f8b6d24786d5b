// Package llm provides the chat-completion providers Recall talks to: the
// response generator that answers the user and the deep extractor that turns
// finished turns into memory proposals. Supports Ollama (local) and any
// OpenAI-compatible endpoint (cloud).
package llm

import (
	"context"
	"io"
	"time"
)

// MaxErrorBodySize limits how much of an error response body is read, so a
// malformed upstream cannot exhaust memory.
const MaxErrorBodySize = 1 * 1024 * 1024

// readLimitedBody reads up to maxBytes from r.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// Provider defines the interface for chat-completion providers.
type Provider interface {
	// Chat sends a request and returns the full response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Name returns the provider identifier.
	Name() string

	// Available returns true if the provider is configured and reachable.
	Available(ctx context.Context) bool
}

// StreamingProvider extends Provider with token streaming.
type StreamingProvider interface {
	Provider
	// ChatStream is like Chat but calls onToken for each generated chunk.
	// It returns the accumulated response text.
	ChatStream(ctx context.Context, req *ChatRequest, onToken func(token string) error) (string, error)
}

// ChatRequest represents a chat-completion request.
type ChatRequest struct {
	// Model overrides the provider's default model when set.
	Model string `json:"model,omitempty"`

	// SystemPrompt sets the assistant's behavior.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Messages in the conversation.
	Messages []Message `json:"messages"`

	// MaxTokens limits response length (0 = provider default).
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness.
	Temperature float64 `json:"temperature"`

	// JSONOnly asks the provider for a JSON-object response. Used by the
	// deep extractor.
	JSONOnly bool `json:"json_only,omitempty"`
}

// Message represents a conversation message.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// ChatResponse contains the provider's reply.
type ChatResponse struct {
	Content  string        `json:"content"`
	Model    string        `json:"model"`
	Duration time.Duration `json:"duration"`
}
