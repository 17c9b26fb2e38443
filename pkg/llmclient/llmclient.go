// Package llmclient pins the LLM client contract consumed by the
// Function-Calling Loop and the Conversation Engine. Its part/finish-reason
// vocabulary is borrowed directly from google.golang.org/genai so a "round"
// in this core lines up one-to-one with what a real Gemini client returns.
// No network-calling implementation lives here; see package fakellm for an
// in-memory double used by tests and the demo CLI.
package llmclient

import (
	"context"

	"github.com/scoopai/convcore/pkg/toolschema"
	"github.com/scoopai/convcore/pkg/types/chat"
)

// FinishReason mirrors genai's candidate finish reasons that the core
// cares about.
type FinishReason string

const (
	FinishReasonUnspecified FinishReason = ""
	FinishReasonStop        FinishReason = "STOP"
	FinishReasonMaxTokens   FinishReason = "MAX_TOKENS"
	FinishReasonSafety      FinishReason = "SAFETY"
	FinishReasonRecitation  FinishReason = "RECITATION"
	FinishReasonOther       FinishReason = "OTHER"
)

// Usage reports token accounting for one exchange.
type Usage struct {
	PromptTokens    int
	CandidateTokens int
	TotalTokens     int
}

// Response is one complete (non-streamed) model turn.
type Response struct {
	Parts             []chat.Part
	FinishReason      FinishReason
	PromptBlockReason string
	Usage             Usage
}

// HasFunctionCall reports whether any part of the response is a function call.
func (r Response) HasFunctionCall() bool {
	for _, p := range r.Parts {
		if p.Kind == chat.PartFunctionCall {
			return true
		}
	}
	return false
}

// Text concatenates all text parts of the response.
func (r Response) Text() string {
	var out string
	for _, p := range r.Parts {
		if p.Kind == chat.PartText {
			out += p.Text
		}
	}
	return out
}

// StreamEvent is one incremental unit delivered by a Stream.
type StreamEvent struct {
	// Kind distinguishes what the event carries; exactly one of the
	// corresponding fields below is populated.
	Kind StreamEventKind

	TextChunk    string
	Thought      string
	FunctionCall chat.FunctionCall

	// FinishReason and Usage are only set on the final event (Kind ==
	// StreamEventFinish).
	FinishReason      FinishReason
	PromptBlockReason string
	Usage             Usage
}

// StreamEventKind discriminates a StreamEvent's payload.
type StreamEventKind int

const (
	StreamEventText StreamEventKind = iota
	StreamEventThought
	StreamEventFunctionCall
	StreamEventFinish
)

// Stream delivers a model turn incrementally.
type Stream interface {
	// Next blocks for the next event. It returns io.EOF-equivalent via
	// (StreamEvent{}, false, nil) once the stream is exhausted after a
	// finish event was already delivered.
	Next(ctx context.Context) (StreamEvent, bool, error)
}

// ToolConfig disables the provider's native automatic function calling so
// the Function-Calling Loop remains the single dispatcher.
type ToolConfig struct {
	Declarations               []toolschema.Declaration
	DisableAutoFunctionCalling bool
}

// ChatSession is a configured, stateful conversation with a model. One
// session is built per Conversation Engine turn (not reused across users).
type ChatSession interface {
	// SendMessage sends message as the next user turn and returns the
	// model's complete response for that turn.
	SendMessage(ctx context.Context, message string) (Response, error)

	// SendMessageStream is the streaming counterpart of SendMessage.
	SendMessageStream(ctx context.Context, message string) (Stream, error)

	// SendFunctionResults sends the given function_response parts as the
	// next turn, the way the Function-Calling Loop replies to a round
	// that contained function calls. Used instead of SendMessage so the
	// wire-level pairing between a function_call and its response stays
	// the underlying client's responsibility, not a string convention.
	SendFunctionResults(ctx context.Context, results []chat.FunctionResponse) (Response, error)

	// SendFunctionResultsStream is the streaming counterpart of
	// SendFunctionResults.
	SendFunctionResultsStream(ctx context.Context, results []chat.FunctionResponse) (Stream, error)

	// History returns the full message history accumulated on this
	// session so far, suitable for persistence.
	History() []chat.Message

	// Model reports the model name this session is bound to.
	Model() string
}

// SessionConfig configures a new ChatSession.
type SessionConfig struct {
	Model            string
	SystemInstruction string
	Tools            ToolConfig
	History          []chat.Message
	Temperature      float32
}

// Client builds chat sessions and embeddings against one LLM backend.
type Client interface {
	NewChatSession(ctx context.Context, cfg SessionConfig) (ChatSession, error)
	EmbeddingClient
}

// EmbeddingClient produces vector embeddings for fact storage and
// retrieval and for the search-first preflight's product matching.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}
