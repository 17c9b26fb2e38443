package engine

import (
	"context"

	"github.com/pkg/errors"

	"github.com/scoopai/convcore/pkg/hybrid"
	"github.com/scoopai/convcore/pkg/llmclient"
	"github.com/scoopai/convcore/pkg/loop"
	"github.com/scoopai/convcore/pkg/memory/facts"
	"github.com/scoopai/convcore/pkg/router"
	"github.com/scoopai/convcore/pkg/types/chat"
)

// contextWindowFor looks up a model's context window from the router's
// known configuration table, falling back to a conservative default for
// unlisted models.
func contextWindowFor(model string) int {
	if c, ok := router.DefaultModelConfigs[model]; ok {
		return c.MaxContext
	}
	return 200_000
}

// turnOutcome is what runTurn returns: the final loop result, the model
// that actually produced it (which may differ from the routed model if a
// fallback retry fired), the session's accumulated history for
// persistence, and whether a fallback retry was used.
type turnOutcome struct {
	result       loop.Result
	model        string
	history      []chat.Message
	fallbackUsed bool
}

// buildAndExecute builds a fresh session + tool executor + loop on model
// and runs it to completion, sync-mode.
func (e *Engine) buildAndExecute(ctx context.Context, userID string, tc turnContext, model, systemPrompt string, history []chat.Message, message string) (loop.Result, []chat.Message, error) {
	session, err := e.buildSession(ctx, model, systemPrompt, history)
	if err != nil {
		return loop.Result{}, nil, err
	}
	executor, err := e.buildExecutor(userID, profileMap(tc.profileDoc))
	if err != nil {
		return loop.Result{}, nil, err
	}
	lp := loop.New(session, executor, e.cfg.LoopConfig)
	res, err := lp.Execute(ctx, message)
	return res, session.History(), err
}

// buildAndExecuteStreaming is the streaming counterpart of
// buildAndExecute.
func (e *Engine) buildAndExecuteStreaming(ctx context.Context, userID string, tc turnContext, model, systemPrompt string, history []chat.Message, message string, cb loop.Callbacks) (loop.Result, []chat.Message, error) {
	session, err := e.buildSession(ctx, model, systemPrompt, history)
	if err != nil {
		return loop.Result{}, nil, err
	}
	executor, err := e.buildExecutor(userID, profileMap(tc.profileDoc))
	if err != nil {
		return loop.Result{}, nil, err
	}
	lp := loop.New(session, executor, e.cfg.LoopConfig)
	res, err := lp.ExecuteStreaming(ctx, message, cb)
	return res, session.History(), err
}

// runTurn drives pipeline steps 3-8: route, build, execute, and apply the
// two once-only fallback retry paths (safety-driven and empty-response).
// exec is buildAndExecute for sync callers and a closure around
// buildAndExecuteStreaming for streaming callers, so both modes share
// this one fallback-retry decision tree.
func (e *Engine) runTurn(ctx context.Context, userID string, tc turnContext, systemPrompt string, sdkHistory []chat.Message, message string, exec func(ctx context.Context, model string) (loop.Result, []chat.Message, error)) turnOutcome {
	decision := e.hybrid.RouteRequest(message, sdkHistory, false)
	model := decision.Model

	res, history, err := exec(ctx, model)

	if err != nil && errors.Is(err, loop.ErrEmptyResponse) {
		outcome := e.hybrid.RecordFailure("", loop.ErrEmptyResponse.Error(), nil)
		if fb := fallbackModelFor(e, model, outcome); fb != "" {
			if res2, history2, err2 := exec(ctx, fb); err2 == nil {
				e.hybrid.RecordSuccess(fb)
				return turnOutcome{result: res2, model: fb, history: history2, fallbackUsed: true}
			}
		}
		return turnOutcome{result: res, model: model, history: history}
	}
	if err != nil {
		e.hybrid.RecordFailure("", err.Error(), nil)
		return turnOutcome{result: res, model: model, history: history}
	}

	if res.LastFinishReason == llmclient.FinishReasonSafety && len(res.Text) < safetyFallbackTextThreshold {
		e.hybrid.RecordFailure(string(res.LastFinishReason), "SAFETY finish with near-empty accumulated text", nil)
		if fb := e.hybrid.GetFallbackModel(model); fb != "" {
			if res2, history2, err2 := exec(ctx, fb); err2 == nil {
				e.hybrid.RecordSuccess(fb)
				return turnOutcome{result: res2, model: fb, history: history2, fallbackUsed: true}
			}
		}
		return turnOutcome{result: res, model: model, history: history}
	}

	e.hybrid.RecordSuccess(model)
	return turnOutcome{result: res, model: model, history: history}
}

// fallbackModelFor picks the fallback model for the once-only
// empty-response retry: the Hybrid Manager's own routing decision takes
// priority when RecordFailure already computed one, otherwise the
// stability-order escalation ladder supplies it directly. This always
// switches models regardless of outcome.ShouldRetry — ShouldRetry only
// recommends retrying the *same* model, which an already-empty response
// is unlikely to fix; the engine's once-only retry is specifically a
// model switch.
func fallbackModelFor(e *Engine, currentModel string, outcome hybrid.FailureOutcome) string {
	if outcome.FallbackRouting != nil {
		return outcome.FallbackRouting.Model
	}
	return e.hybrid.GetFallbackModel(currentModel)
}

// persistTurn is pipeline step 11 (guarded persistence) plus the
// compaction check and eager post-turn fact extraction spec.md's data
// flow describes running after a turn completes.
func (e *Engine) persistTurn(ctx context.Context, userID string, tc turnContext, outcome turnOutcome, systemPrompt string) {
	history := outcome.history
	if e.compactor != nil && e.compactor.NeedsCompaction(history, systemPrompt, contextWindowFor(outcome.model)) {
		if compacted, err := e.compactor.Compact(ctx, userID, history, e.factSink(), e.embedFunc()); err == nil {
			history = compacted
		}
	}

	doc := tc.sessionDoc
	doc.UserID = userID
	doc.History = history

	if err := e.sessions.SaveSession(ctx, doc); err != nil {
		// Guarded: one immediate retry. A second failure is swallowed
		// here since the conversation result has already been produced
		// either way.
		_ = e.sessions.SaveSession(ctx, doc)
	}

	if e.extractor != nil && len(history) >= 2 {
		recent := history[max(0, len(history)-4):]
		for _, cand := range e.extractor.Extract(ctx, recent) {
			embedding, err := e.llm.Embed(ctx, cand.Text)
			if err != nil {
				continue
			}
			_, _ = e.sessions.AddFact(ctx, userID, facts.Fact{
				Text:        cand.Text,
				Embedding:   embedding,
				Importance:  cand.Importance,
				Source:      facts.SourceInferred,
				IsSensitive: cand.IsSensitive(),
			})
		}
	}
}

func (e *Engine) factSink() func(ctx context.Context, userID string, f facts.Fact) (string, error) {
	return e.sessions.AddFact
}

func (e *Engine) embedFunc() func(ctx context.Context, text string) ([]float64, error) {
	return e.llm.Embed
}
