// Package chat holds the wire-agnostic conversation data model shared by
// every component of the core: messages, their tagged-variant parts, and
// the ordered history of one (user_id, session_id) dialog.
package chat

import "time"

// Role identifies who produced a Message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// PartKind discriminates the tagged-variant Part type. Design note §9
// (spec.md) replaces dynamic dispatch over response parts with this
// explicit discriminator instead of an interface with type assertions.
type PartKind int

const (
	PartText PartKind = iota
	PartThought
	PartFunctionCall
	PartFunctionResponse
)

// Part is one element of a Message's content. Exactly one of the payload
// fields is meaningful, selected by Kind.
type Part struct {
	Kind PartKind

	// Text holds the payload for PartText and PartThought.
	Text string

	// FunctionCall holds the payload for PartFunctionCall.
	FunctionCall *FunctionCall

	// FunctionResponse holds the payload for PartFunctionResponse.
	FunctionResponse *FunctionResponse
}

// FunctionCall is the payload of a PartFunctionCall part.
type FunctionCall struct {
	Name string
	Args map[string]any
	// ID is an implementation-assigned correlation id for matching this
	// call with its eventual FunctionResponse; not part of the wire format
	// mandated by spec.md but needed to pair results in a round.
	ID string
}

// FunctionResponse is the payload of a PartFunctionResponse part.
type FunctionResponse struct {
	Name     string
	Response map[string]any
	CallID   string
}

// NewTextPart builds a plain text part.
func NewTextPart(text string) Part { return Part{Kind: PartText, Text: text} }

// NewThoughtPart builds a thought part.
func NewThoughtPart(text string) Part { return Part{Kind: PartThought, Text: text} }

// NewFunctionCallPart builds a function-call part.
func NewFunctionCallPart(fc FunctionCall) Part {
	return Part{Kind: PartFunctionCall, FunctionCall: &fc}
}

// NewFunctionResponsePart builds a function-response part.
func NewFunctionResponsePart(fr FunctionResponse) Part {
	return Part{Kind: PartFunctionResponse, FunctionResponse: &fr}
}

// Message is one turn's content: a role and an ordered, non-empty list of
// parts. function_response parts are only valid in user-role messages;
// function_call parts only in model-role messages (spec.md §3 invariant).
type Message struct {
	Role  Role
	Parts []Part
}

// Validate enforces the §3 Message invariants.
func (m Message) Validate() error {
	if len(m.Parts) == 0 {
		return errEmptyParts
	}
	for _, p := range m.Parts {
		switch p.Kind {
		case PartFunctionResponse:
			if m.Role != RoleUser {
				return errFunctionResponseRole
			}
		case PartFunctionCall:
			if m.Role != RoleModel {
				return errFunctionCallRole
			}
		}
	}
	return nil
}

// HasFunctionCall reports whether the message contains at least one
// function_call part.
func (m Message) HasFunctionCall() bool {
	for _, p := range m.Parts {
		if p.Kind == PartFunctionCall {
			return true
		}
	}
	return false
}

// TextContent concatenates all non-thought text parts.
func (m Message) TextContent() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// NewUserText is a convenience constructor for a single-part user message.
func NewUserText(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{NewTextPart(text)}}
}

// History is the ordered sequence of Messages for one (user_id, session_id).
type History struct {
	SessionID string
	UserID    string
	Messages  []Message
	// Summary, when non-empty, is injected as a synthetic leading user
	// message when the history is loaded (spec.md §3, §4.9).
	Summary   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WithSummaryPrefix returns the messages to feed the LLM: the synthetic
// summary message (if any) prepended to the stored messages.
func (h History) WithSummaryPrefix() []Message {
	if h.Summary == "" {
		return h.Messages
	}
	prefix := NewUserText("[წინა საუბრის შეჯამება]\n" + h.Summary)
	out := make([]Message, 0, len(h.Messages)+1)
	out = append(out, prefix)
	out = append(out, h.Messages...)
	return out
}
