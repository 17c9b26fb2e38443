package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/scoopai/convcore/pkg/hybrid"
	"github.com/scoopai/convcore/pkg/llmclient"
	"github.com/scoopai/convcore/pkg/llmclient/fakellm"
	"github.com/scoopai/convcore/pkg/loop"
	"github.com/scoopai/convcore/pkg/memory/extractor"
	"github.com/scoopai/convcore/pkg/memory/facts"
	"github.com/scoopai/convcore/pkg/memory/store"
	"github.com/scoopai/convcore/pkg/router"
	"github.com/scoopai/convcore/pkg/types/chat"
)

func newTestEngine(sessions *fakeSessionStore, comp *fakeCompactor, llm llmclient.Client) *Engine {
	return &Engine{
		llm:       llm,
		hybrid:    hybrid.New(hybrid.DefaultConfig()),
		sessions:  sessions,
		compactor: comp,
		cfg:       DefaultConfig(),
	}
}

// TestRunTurnSuccessPath covers the plain case: exec succeeds on the first
// try, no fallback retry fires, and the manager records a success.
func TestRunTurnSuccessPath(t *testing.T) {
	e := newTestEngine(newFakeSessionStore(), &fakeCompactor{}, fakellm.New())
	calls := 0
	exec := func(ctx context.Context, model string) (loop.Result, []chat.Message, error) {
		calls++
		return loop.Result{Text: "პასუხი"}, []chat.Message{chat.NewUserText("hi")}, nil
	}

	outcome := e.runTurn(context.Background(), "user1", turnContext{}, "sys", nil, "message", exec)

	if calls != 1 {
		t.Fatalf("expected exactly 1 exec call, got %d", calls)
	}
	if outcome.fallbackUsed {
		t.Fatal("fallbackUsed should be false on a clean success")
	}
	if outcome.result.Text != "პასუხი" {
		t.Fatalf("unexpected result text: %q", outcome.result.Text)
	}
}

// TestRunTurnSafetyFallbackOnce covers the S6-style property: a SAFETY
// finish with near-empty text triggers exactly one fallback retry, whose
// result replaces the original in the outcome.
func TestRunTurnSafetyFallbackOnce(t *testing.T) {
	e := newTestEngine(newFakeSessionStore(), &fakeCompactor{}, fakellm.New())
	calls := 0
	var seenModels []string
	exec := func(ctx context.Context, model string) (loop.Result, []chat.Message, error) {
		calls++
		seenModels = append(seenModels, model)
		if calls == 1 {
			return loop.Result{
				Text:             strings.Repeat("a", 120),
				LastFinishReason: llmclient.FinishReasonSafety,
			}, []chat.Message{chat.NewUserText("m")}, nil
		}
		return loop.Result{Text: strings.Repeat("b", 800)}, []chat.Message{
			chat.NewUserText("m"),
			{Role: chat.RoleModel, Parts: []chat.Part{chat.NewTextPart(strings.Repeat("b", 800))}},
		}, nil
	}

	outcome := e.runTurn(context.Background(), "user1", turnContext{}, "sys", nil, "message", exec)

	if calls != 2 {
		t.Fatalf("expected exactly one retry (2 exec calls), got %d", calls)
	}
	if !outcome.fallbackUsed {
		t.Fatal("expected fallbackUsed true")
	}
	if len(outcome.result.Text) != 800 {
		t.Fatalf("buffer should reflect the second run only, got len %d", len(outcome.result.Text))
	}
	if seenModels[0] == seenModels[1] {
		t.Fatalf("retry should have used a different model, got %q both times", seenModels[0])
	}

	status := e.hybrid.Status()
	if status.ManagerMetrics.SafetyBlocks != 1 {
		t.Fatalf("expected one recorded safety block, got %d", status.ManagerMetrics.SafetyBlocks)
	}
}

// TestRunTurnSafetyFallbackNotRetriedTwice ensures a second SAFETY finish
// on the fallback model is not retried again (once-only property).
func TestRunTurnSafetyFallbackNotRetriedTwice(t *testing.T) {
	e := newTestEngine(newFakeSessionStore(), &fakeCompactor{}, fakellm.New())
	calls := 0
	exec := func(ctx context.Context, model string) (loop.Result, []chat.Message, error) {
		calls++
		return loop.Result{
			Text:             strings.Repeat("a", 50),
			LastFinishReason: llmclient.FinishReasonSafety,
		}, nil, nil
	}

	outcome := e.runTurn(context.Background(), "user1", turnContext{}, "sys", nil, "message", exec)

	if calls != 2 {
		t.Fatalf("expected exactly 2 exec calls (one original, one retry, no further), got %d", calls)
	}
	if !outcome.fallbackUsed {
		t.Fatal("expected fallbackUsed true even though the retry also hit SAFETY")
	}
}

// TestRunTurnEmptyResponseFallbackOnce covers the empty-response retry
// path distinctly from the SAFETY path.
func TestRunTurnEmptyResponseFallbackOnce(t *testing.T) {
	e := newTestEngine(newFakeSessionStore(), &fakeCompactor{}, fakellm.New())
	calls := 0
	exec := func(ctx context.Context, model string) (loop.Result, []chat.Message, error) {
		calls++
		if calls == 1 {
			return loop.Result{}, nil, loop.ErrEmptyResponse
		}
		return loop.Result{Text: "recovered"}, []chat.Message{chat.NewUserText("m")}, nil
	}

	outcome := e.runTurn(context.Background(), "user1", turnContext{}, "sys", nil, "message", exec)

	if calls != 2 {
		t.Fatalf("expected exactly one retry, got %d exec calls", calls)
	}
	if outcome.result.Text != "recovered" {
		t.Fatalf("expected recovered text, got %q", outcome.result.Text)
	}
	if !outcome.fallbackUsed {
		t.Fatal("expected fallbackUsed true")
	}
}

// TestRunTurnGenericErrorNoFallback covers a plain (non-empty-response)
// error: the manager records failure but runTurn does not attempt any
// fallback exec call, since only the empty-response and SAFETY paths
// define a retry.
func TestRunTurnGenericErrorNoFallback(t *testing.T) {
	e := newTestEngine(newFakeSessionStore(), &fakeCompactor{}, fakellm.New())
	calls := 0
	exec := func(ctx context.Context, model string) (loop.Result, []chat.Message, error) {
		calls++
		return loop.Result{}, nil, context.DeadlineExceeded
	}

	outcome := e.runTurn(context.Background(), "user1", turnContext{}, "sys", nil, "message", exec)

	if calls != 1 {
		t.Fatalf("expected exactly 1 exec call, got %d", calls)
	}
	if outcome.fallbackUsed {
		t.Fatal("fallbackUsed should be false when no retry path applies")
	}
}

func TestContextWindowFor(t *testing.T) {
	for model, cfg := range router.DefaultModelConfigs {
		if got := contextWindowFor(model); got != cfg.MaxContext {
			t.Fatalf("contextWindowFor(%q) = %d, want %d", model, got, cfg.MaxContext)
		}
	}
	if got := contextWindowFor("some-unlisted-model"); got != 200_000 {
		t.Fatalf("unlisted model should fall back to 200000, got %d", got)
	}
}

func TestFallbackModelFor(t *testing.T) {
	e := newTestEngine(newFakeSessionStore(), &fakeCompactor{}, fakellm.New())

	routed := router.Decision{Model: "routed-fallback"}
	got := fallbackModelFor(e, "primary", hybrid.FailureOutcome{FallbackRouting: &routed})
	if got != "routed-fallback" {
		t.Fatalf("expected the outcome's own routing to take priority, got %q", got)
	}

	got = fallbackModelFor(e, "gemini-3-flash-preview", hybrid.FailureOutcome{ShouldRetry: false})
	if got == "" {
		t.Fatal("expected the stability ladder to supply a fallback")
	}

	// ShouldRetry only recommends retrying the same model; the engine's
	// once-only empty-response retry always switches models regardless.
	got = fallbackModelFor(e, "gemini-3-flash-preview", hybrid.FailureOutcome{ShouldRetry: true})
	if got == "" {
		t.Fatal("expected a fallback model even when ShouldRetry is true")
	}
}

// TestPersistTurnGuardedSaveRetries covers the one-retry-on-failure
// guarded persistence behavior: a single SaveSession failure is retried
// immediately and the retry succeeds.
func TestPersistTurnGuardedSaveRetries(t *testing.T) {
	sessions := newFakeSessionStore()
	sessions.saveErrOnce = context.DeadlineExceeded
	e := newTestEngine(sessions, &fakeCompactor{}, fakellm.New())

	tc := turnContext{sessionDoc: store.SessionDoc{SessionID: "s1"}}
	outcome := turnOutcome{history: []chat.Message{chat.NewUserText("hi")}, model: "gemini-3-flash-preview"}

	e.persistTurn(context.Background(), "user1", tc, outcome, "sys")

	if sessions.saveCalls != 2 {
		t.Fatalf("expected 2 save attempts (1 failure + 1 retry), got %d", sessions.saveCalls)
	}
	if _, ok := sessions.byID["s1"]; !ok {
		t.Fatal("session should be persisted after the guarded retry succeeds")
	}
}

// TestPersistTurnTriggersCompaction covers the compaction hand-off: when
// the compactor reports NeedsCompaction, persistTurn saves the compacted
// history rather than the original.
func TestPersistTurnTriggersCompaction(t *testing.T) {
	sessions := newFakeSessionStore()
	compacted := []chat.Message{chat.NewUserText("summary")}
	comp := &fakeCompactor{needs: true, compactResult: compacted}
	e := newTestEngine(sessions, comp, fakellm.New())

	tc := turnContext{sessionDoc: store.SessionDoc{SessionID: "s1"}}
	outcome := turnOutcome{history: []chat.Message{chat.NewUserText("a"), chat.NewUserText("b")}, model: "gemini-3-flash-preview"}

	e.persistTurn(context.Background(), "user1", tc, outcome, "sys")

	if comp.compactCalls != 1 {
		t.Fatalf("expected compactor to be invoked once, got %d", comp.compactCalls)
	}
	saved := sessions.byID["s1"]
	if len(saved.History) != 1 || saved.History[0].TextContent() != "summary" {
		t.Fatalf("expected the compacted history to be persisted, got %+v", saved.History)
	}
}

// TestPersistTurnEagerExtraction covers the eager post-turn fact
// extraction, distinct from the compactor's own pre-flush use of the
// extractor.
func TestPersistTurnEagerExtraction(t *testing.T) {
	sessions := newFakeSessionStore()
	extractLLM := fakellm.New(fakellm.Script{
		Response: llmclient.Response{Parts: []chat.Part{chat.NewTextPart(
			`[{"fact": "მომხმარებელს აქვს ლაქტოზის აუტანლობა", "importance": 0.6, "category": "general"}]`,
		)}},
	})
	e := newTestEngine(sessions, &fakeCompactor{}, fakellm.New())
	e.extractor = extractor.New(extractLLM, extractor.DefaultConfig())

	tc := turnContext{sessionDoc: store.SessionDoc{SessionID: "s1"}}
	history := []chat.Message{
		chat.NewUserText("მაქვს ლაქტოზის აუტანლობა"),
		{Role: chat.RoleModel, Parts: []chat.Part{chat.NewTextPart("გასაგებია")}},
	}
	outcome := turnOutcome{history: history, model: "gemini-3-flash-preview"}

	e.persistTurn(context.Background(), "user1", tc, outcome, "sys")

	if sessions.addFactCalls != 1 {
		t.Fatalf("expected one eager-extraction fact write, got %d", sessions.addFactCalls)
	}
	profile := sessions.profiles["user1"]
	if len(profile.Tiered().Daily) != 1 {
		t.Fatalf("expected the extracted fact to land in the daily tier, got %+v", profile)
	}
	if profile.Tiered().Daily[0].Source != facts.SourceInferred {
		t.Fatalf("eager extraction should tag facts as inferred, got %q", profile.Tiered().Daily[0].Source)
	}
}
