package ai

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one fully resolved provider call.
type Request struct {
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   *int

	// extra model parameters (top_p, stop, ...), merged into the provider payload
	Params map[string]any
	// provider-specific routing / runtime options
	ProviderOptions map[string]any
	ResponseFormat  map[string]any
}

type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

type Provider interface {
	Chat(ctx context.Context, req Request) (Completion, error)
}

// StreamResult is delivered exactly once per stream, before the chunk channel closes.
// On error Text holds whatever was generated before the failure.
type StreamResult struct {
	Completion
	Err error
}

// StreamProvider is an optional interface. Providers may implement streaming chat.
type StreamProvider interface {
	StreamChat(ctx context.Context, req Request) (<-chan string, <-chan StreamResult)
}
