// Package llm defines the Provider interface for generative language model
// backends.
//
// The recommendation engine uses a generative model for four things: query
// expansion, hypothetical passages (HyDE), per-book recommendation reasons,
// and the streamed query response. All of them are plain text-in/text-out
// prompts — no tool calling — in either one-shot (Complete) or token-streamed
// (StreamCompletion) mode.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or the supplied context is cancelled.
package llm

import "context"

// Message is a single message in a model conversation.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit and may differ between providers for the same
// text.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a
// response. A zero-value request is invalid; at minimum Messages must be
// non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The engine's prompts are a
	// single user message, optionally preceded by SystemPrompt.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation. Providers without a dedicated system slot prepend
	// it as a "system"-role message.
	SystemPrompt string

	// Temperature controls output randomness in [0.0, 2.0]. The engine uses
	// low values for structured JSON output and higher ones for expansion
	// and HyDE passages.
	Temperature float64

	// MaxTokens caps completion length. Zero means the provider default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content. May be empty on the final chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", or "error"
	// for failures that occur after the stream has started (Text then
	// carries the error message).
	FinishReason string
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the model's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any generative model backend.
//
// Each method must propagate context cancellation promptly: when ctx is
// cancelled the method must return (or close its channel) as quickly as
// possible, since every engine call site bounds the model with a timeout.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only
	// channel emitting Chunk values as they arrive. The channel is closed
	// when generation finishes or ctx is cancelled. Callers must drain the
	// channel to avoid goroutine leaks. The initial error is non-nil only
	// for failures that prevent the stream from starting; later errors
	// surface as a Chunk with FinishReason "error".
	//
	// The returned channel is never nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// ModelID returns the backend model identifier (e.g. "gpt-4o-mini",
	// "deepseek-r1:1.5b"). Used for logging.
	ModelID() string
}
