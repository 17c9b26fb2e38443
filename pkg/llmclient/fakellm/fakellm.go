// Package fakellm is an in-memory implementation of llmclient.Client used
// by tests and the cmd/convcore demo harness. It replays a scripted
// sequence of responses per session rather than calling a real model.
package fakellm

import (
	"context"
	"fmt"
	"sync"

	"github.com/scoopai/convcore/pkg/llmclient"
	"github.com/scoopai/convcore/pkg/types/chat"
)

// Script is one scripted exchange: the Nth Script is handed back by the
// Nth call on a session, counting SendMessage, SendFunctionResults and
// their streaming variants.
type Script struct {
	Response llmclient.Response
	Err      error
}

// ScriptedClient is a llmclient.Client whose chat sessions replay a fixed
// list of Scripts in order, one per call to SendMessage,
// SendFunctionResults or their streaming variants.
// Embeddings are deterministic pseudo-vectors derived from the input text
// so tests can exercise cosine similarity without a real embedding model.
type ScriptedClient struct {
	mu        sync.Mutex
	scripts   []Script
	sessions  []*session
	embedDims int
}

// New builds a ScriptedClient over scripts. Every session it creates
// replays the list from the start with its own cursor.
func New(scripts ...Script) *ScriptedClient {
	return &ScriptedClient{scripts: scripts, embedDims: 768}
}

// WithEmbeddingDims overrides the dimensionality of generated embeddings.
func (c *ScriptedClient) WithEmbeddingDims(n int) *ScriptedClient {
	c.embedDims = n
	return c
}

// NewChatSession builds a session that replays this client's script queue.
func (c *ScriptedClient) NewChatSession(ctx context.Context, cfg llmclient.SessionConfig) (llmclient.ChatSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &session{
		client:  c,
		model:   cfg.Model,
		history: append([]chat.Message(nil), cfg.History...),
	}
	c.sessions = append(c.sessions, s)
	return s, nil
}

// Embed returns a deterministic pseudo-embedding for text: every dimension
// is a function of a simple rolling hash seeded by position and rune
// values, so equal inputs produce equal vectors and distinct inputs
// produce distinct ones.
func (c *ScriptedClient) Embed(ctx context.Context, text string) ([]float64, error) {
	dims := c.embedDims
	out := make([]float64, dims)
	seed := uint64(1469598103934665603)
	for _, r := range text {
		seed ^= uint64(r)
		seed *= 1099511628211
	}
	for i := range out {
		seed ^= uint64(i) + 0x9e3779b97f4a7c15
		seed *= 1099511628211
		// Fold into [-1, 1).
		out[i] = (float64(seed%2000) - 1000) / 1000
	}
	return out, nil
}

// session is a stateful ChatSession that reads scripted responses from its
// client's list with its own cursor, one per send call.
type session struct {
	mu      sync.Mutex
	client  *ScriptedClient
	model   string
	history []chat.Message
	cursor  int
}

func (s *session) nextScript() (Script, error) {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	if s.cursor >= len(s.client.scripts) {
		return Script{}, fmt.Errorf("fakellm: script queue exhausted after %d calls", s.cursor)
	}
	sc := s.client.scripts[s.cursor]
	s.cursor++
	return sc, nil
}

func (s *session) SendMessage(ctx context.Context, message string) (llmclient.Response, error) {
	s.mu.Lock()
	s.history = append(s.history, chat.NewUserText(message))
	s.mu.Unlock()

	sc, err := s.nextScript()
	if err != nil {
		return llmclient.Response{}, err
	}
	if sc.Err != nil {
		return llmclient.Response{}, sc.Err
	}

	s.mu.Lock()
	s.history = append(s.history, chat.Message{Role: chat.RoleModel, Parts: sc.Response.Parts})
	s.mu.Unlock()
	return sc.Response, nil
}

func (s *session) SendMessageStream(ctx context.Context, message string) (llmclient.Stream, error) {
	resp, err := s.SendMessage(ctx, message)
	if err != nil {
		return nil, err
	}
	return newReplayStream(resp), nil
}

func (s *session) SendFunctionResults(ctx context.Context, results []chat.FunctionResponse) (llmclient.Response, error) {
	parts := make([]chat.Part, 0, len(results))
	for _, r := range results {
		parts = append(parts, chat.NewFunctionResponsePart(r))
	}
	s.mu.Lock()
	s.history = append(s.history, chat.Message{Role: chat.RoleUser, Parts: parts})
	s.mu.Unlock()

	sc, err := s.nextScript()
	if err != nil {
		return llmclient.Response{}, err
	}
	if sc.Err != nil {
		return llmclient.Response{}, sc.Err
	}

	s.mu.Lock()
	s.history = append(s.history, chat.Message{Role: chat.RoleModel, Parts: sc.Response.Parts})
	s.mu.Unlock()
	return sc.Response, nil
}

func (s *session) SendFunctionResultsStream(ctx context.Context, results []chat.FunctionResponse) (llmclient.Stream, error) {
	resp, err := s.SendFunctionResults(ctx, results)
	if err != nil {
		return nil, err
	}
	return newReplayStream(resp), nil
}

func (s *session) History() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.history...)
}

func (s *session) Model() string { return s.model }

// replayStream turns a complete Response into the StreamEvent sequence a
// real streaming call would have produced: one event per part (text split
// into a couple of chunks to exercise chunked consumers), then a final
// finish event.
type replayStream struct {
	events []llmclient.StreamEvent
	pos    int
}

func newReplayStream(resp llmclient.Response) *replayStream {
	var events []llmclient.StreamEvent
	for _, p := range resp.Parts {
		switch p.Kind {
		case chat.PartThought:
			events = append(events, llmclient.StreamEvent{Kind: llmclient.StreamEventThought, Thought: p.Text})
		case chat.PartText:
			for _, chunk := range splitChunks(p.Text, 2) {
				events = append(events, llmclient.StreamEvent{Kind: llmclient.StreamEventText, TextChunk: chunk})
			}
		case chat.PartFunctionCall:
			if p.FunctionCall != nil {
				events = append(events, llmclient.StreamEvent{Kind: llmclient.StreamEventFunctionCall, FunctionCall: *p.FunctionCall})
			}
		}
	}
	events = append(events, llmclient.StreamEvent{
		Kind:              llmclient.StreamEventFinish,
		FinishReason:       resp.FinishReason,
		PromptBlockReason: resp.PromptBlockReason,
		Usage:             resp.Usage,
	})
	return &replayStream{events: events}
}

func (r *replayStream) Next(ctx context.Context) (llmclient.StreamEvent, bool, error) {
	if r.pos >= len(r.events) {
		return llmclient.StreamEvent{}, false, nil
	}
	ev := r.events[r.pos]
	r.pos++
	return ev, true, nil
}

// splitChunks breaks text into at most n roughly-equal pieces, used only
// to give streaming consumers more than one text event to observe.
func splitChunks(text string, n int) []string {
	if text == "" {
		return nil
	}
	if n <= 1 || len(text) < n {
		return []string{text}
	}
	runes := []rune(text)
	size := len(runes) / n
	if size == 0 {
		return []string{text}
	}
	var out []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) || len(runes)-end < size {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}
