package engine

import (
	"context"
	"time"

	"github.com/scoopai/convcore/pkg/buffer"
	"github.com/scoopai/convcore/pkg/loop"
	"github.com/scoopai/convcore/pkg/types/chat"
)

// EventKind discriminates a streamed Event, matching the SSE event types
// the wire format names: thinking, text, products, tip, quick_replies,
// done, error.
type EventKind string

const (
	EventThinking     EventKind = "thinking"
	EventText         EventKind = "text"
	EventProducts     EventKind = "products"
	EventTip          EventKind = "tip"
	EventQuickReplies EventKind = "quick_replies"
	EventDone         EventKind = "done"
	EventError        EventKind = "error"
)

// Event is one unit of a streamed response. Only the fields relevant to
// Kind are populated.
type Event struct {
	Kind    EventKind
	Content string
	Step    int
	IsFinal bool

	Replies []buffer.QuickReply

	Success        bool
	SessionID      string
	ModelUsed      string
	ElapsedSeconds float64
	ThinkingSteps  int
	FallbackUsed   bool

	Err string
}

// StreamMessage runs the same pipeline as ProcessMessage but emits
// events as the turn progresses, in the strictly ordered sequence
// thinking* text products? tip? quick_replies? done; any error
// terminates the stream with a single error event instead.
func (e *Engine) StreamMessage(ctx context.Context, userID, message, sessionID string) <-chan Event {
	out := make(chan Event, 8)

	go func() {
		defer close(out)
		start := time.Now()
		thinkingSteps := 0

		emit := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		emitThinking := func(content string) bool {
			thinkingSteps++
			return emit(Event{Kind: EventThinking, Content: content, Step: thinkingSteps})
		}

		tc, err := e.loadContext(ctx, userID, sessionID)
		if err != nil {
			emit(Event{Kind: EventError, Err: err.Error()})
			return
		}

		for _, step := range thinkingStepsFor(e.cfg.ThinkingStrategy, message) {
			if !emitThinking(step) {
				return
			}
			if e.cfg.ThinkingDelay > 0 {
				select {
				case <-time.After(e.cfg.ThinkingDelay):
				case <-ctx.Done():
					return
				}
			}
		}

		effectiveMessage := e.applySearchFirstPreflight(ctx, message, len(tc.sessionDoc.History))
		sdkHistory := tc.history.WithSummaryPrefix()

		var queryEmbedding []float64
		if e.llm != nil {
			queryEmbedding, _ = e.llm.Embed(ctx, message)
		}
		tiered := tc.profileDoc.Tiered()
		systemPrompt := buildSystemPrompt(tiered, queryEmbedding, message)

		var cb loop.Callbacks
		if e.cfg.ThinkingStrategy == ThinkingNative {
			cb.OnThought = func(thought string) { emitThinking(thought) }
		}
		if e.cfg.ThinkingStrategy != ThinkingNone {
			cb.OnFunctionCall = func(_ chat.FunctionCall) { emitThinking("ვამოწმებ მონაცემებს...") }
		}

		outcome := e.runTurn(ctx, userID, tc, systemPrompt, sdkHistory, effectiveMessage,
			func(ctx context.Context, model string) (loop.Result, []chat.Message, error) {
				return e.buildAndExecuteStreaming(ctx, userID, tc, model, systemPrompt, sdkHistory, effectiveMessage, cb)
			})

		e.persistTurn(ctx, userID, tc, outcome, systemPrompt)

		buf := buffer.New()
		buf.SetText(outcome.result.Text)
		buf.AddProducts(outcome.result.Products)
		text, tip, replies := buf.Finalize()

		if !emit(Event{Kind: EventText, Content: text}) {
			return
		}
		if buf.HasProducts() {
			if !emit(Event{Kind: EventProducts, Content: buf.FormatProductsMarkdown()}) {
				return
			}
		}
		if tip != "" {
			if !emit(Event{Kind: EventTip, Content: tip}) {
				return
			}
		}
		if len(replies) > 0 {
			if !emit(Event{Kind: EventQuickReplies, Replies: replies}) {
				return
			}
		}

		emit(Event{
			Kind:           EventDone,
			Success:        true,
			SessionID:      tc.sessionDoc.SessionID,
			ModelUsed:      outcome.model,
			ElapsedSeconds: time.Since(start).Seconds(),
			ThinkingSteps:  thinkingSteps,
			FallbackUsed:   outcome.fallbackUsed,
		})
	}()

	return out
}
