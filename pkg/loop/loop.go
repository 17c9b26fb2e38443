// Package loop implements the Function-Calling Loop: a bounded multi-round
// dialog driver around one llmclient.ChatSession. Each round's parts are
// classified into an outcome (CONTINUE/COMPLETE/EMPTY/ERROR); function
// calls are dispatched through a Tool Executor in batch mode and their
// results are fed back as the next round's message, until the model
// produces a final text-only round or the round budget is exhausted.
package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scoopai/convcore/pkg/buffer"
	"github.com/scoopai/convcore/pkg/llmclient"
	"github.com/scoopai/convcore/pkg/logger"
	"github.com/scoopai/convcore/pkg/telemetry"
	"github.com/scoopai/convcore/pkg/toolexec"
	"github.com/scoopai/convcore/pkg/types/chat"
)

// Outcome classifies one round of the loop.
type Outcome int

const (
	// OutcomeContinue: at least one function_call part. Prelude text in
	// the same round is discarded; the tool calls are authoritative.
	OutcomeContinue Outcome = iota
	// OutcomeComplete: at least one non-empty text part, no function calls.
	OutcomeComplete
	// OutcomeEmpty: neither text nor function calls.
	OutcomeEmpty
	// OutcomeError: the round raised during receipt/parse.
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "CONTINUE"
	case OutcomeComplete:
		return "COMPLETE"
	case OutcomeEmpty:
		return "EMPTY"
	default:
		return "ERROR"
	}
}

// ErrEmptyResponse is raised when the loop exhausts its retry budget
// without ever producing a COMPLETE round.
var ErrEmptyResponse = errors.New("loop: model produced no usable output")

// TimeoutError is raised when a round exceeds its per-round deadline; no
// further rounds execute once it's returned.
type TimeoutError struct {
	Round   int
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return "loop: round exceeded timeout"
}

// summaryDemandPromptFmt is the fixed retry message sent after an EMPTY
// round when products have already been accumulated: it forces the model
// to stop calling tools and write a natural-language summary instead.
const summaryDemandPromptFmt = "გთხოვ, დაწერე ბუნებრივი ენის რეკომენდაცია ზემოთ ნაპოვნი %d პროდუქტის საფუძველზე. აღარ გამოიძახო არცერთი ფუნქცია, მხოლოდ ტექსტი დაწერე."

func summaryDemandMessage(productCount int) string {
	return fmt.Sprintf(summaryDemandPromptFmt, productCount)
}

// ToolExecutor dispatches a round's function calls to their backends and
// tracks the cross-round accumulated products. toolexec.Executor
// satisfies this directly.
type ToolExecutor interface {
	ExecuteBatch(ctx context.Context, calls []chat.FunctionCall, dedupeSearch bool) []toolexec.Result
	GetAllProducts() []buffer.Product
}

// Config bounds one loop execution.
type Config struct {
	MaxRounds        int
	RoundTimeout     time.Duration
	MaxUniqueQueries int
	EnableRetry      bool
}

// DefaultConfig mirrors the original Python defaults.
func DefaultConfig() Config {
	return Config{
		MaxRounds:        8,
		RoundTimeout:     30 * time.Second,
		MaxUniqueQueries: 3,
		EnableRetry:      true,
	}
}

// Result is the outcome of a full loop execution.
type Result struct {
	Text             string
	FinalOutcome     Outcome
	LastFinishReason llmclient.FinishReason
	Rounds           int
	RetryUsed        bool
	Products         []buffer.Product
}

// Callbacks lets execute streaming variant forward partial data as it
// arrives; any nil field is simply not invoked.
type Callbacks struct {
	OnTextChunk    func(chunk string)
	OnThought      func(thought string)
	OnFunctionCall func(call chat.FunctionCall)
}

// Loop drives one conversation turn's function-calling rounds.
type Loop struct {
	session  llmclient.ChatSession
	executor ToolExecutor
	cfg      Config
}

// New builds a Loop around a session and its tool executor.
func New(session llmclient.ChatSession, executor ToolExecutor, cfg Config) *Loop {
	return &Loop{session: session, executor: executor, cfg: cfg}
}

// Execute runs the bounded round loop to completion (sync, non-streaming).
func (l *Loop) Execute(ctx context.Context, firstMessage string) (Result, error) {
	tracer := telemetry.Tracer("convcore.loop")
	ctx, span := tracer.Start(ctx, "loop.execute")
	defer span.End()

	state := &loopState{}
	retryAttempted := false

	sendNext := func(ctx context.Context, calls []chat.FunctionCall, message string) (llmclient.Response, Outcome, error) {
		if len(calls) == 0 {
			return l.runRoundWithTimeout(ctx, func(rc context.Context) (llmclient.Response, error) {
				return l.session.SendMessage(rc, message)
			})
		}
		results := l.dispatchTools(ctx, calls)
		responses := toFunctionResponses(calls, results)
		return l.runRoundWithTimeout(ctx, func(rc context.Context) (llmclient.Response, error) {
			return l.session.SendFunctionResults(rc, responses)
		})
	}

	var pendingCalls []chat.FunctionCall
	message := firstMessage

	for round := 0; round < l.cfg.MaxRounds; round++ {
		roundCtx, roundSpan := tracer.Start(ctx, "loop.round", trace.WithAttributes(attribute.Int("round", round)))
		resp, outcome, err := sendNext(roundCtx, pendingCalls, message)
		roundSpan.End()
		if err != nil {
			return state.result(OutcomeError, l.executor), err
		}
		state.lastFinishReason = resp.FinishReason
		state.rounds = round + 1

		switch outcome {
		case OutcomeComplete:
			state.text = resp.Text()
			return state.result(OutcomeComplete, l.executor), nil

		case OutcomeContinue:
			pendingCalls = functionCalls(resp.Parts)
			message = ""
			continue

		case OutcomeEmpty:
			if l.retryEligible(retryAttempted) {
				retryAttempted = true
				state.retryUsed = true
				pendingCalls = nil
				message = summaryDemandMessage(len(l.executor.GetAllProducts()))
				logger.G(ctx).Info("empty round, retrying with summary-demand prompt")
				continue
			}
			return state.result(OutcomeEmpty, l.executor), ErrEmptyResponse

		default:
			return state.result(OutcomeError, l.executor), errors.New("loop: unreachable outcome")
		}
	}

	// MAX_ROUNDS_REACHED with no text: one last retry if eligible.
	if l.retryEligible(retryAttempted) {
		state.retryUsed = true
		resp, outcome, err := l.runRoundWithTimeout(ctx, func(rc context.Context) (llmclient.Response, error) {
			return l.session.SendMessage(rc, summaryDemandMessage(len(l.executor.GetAllProducts())))
		})
		if err == nil && outcome == OutcomeComplete {
			state.text = resp.Text()
			state.lastFinishReason = resp.FinishReason
			state.rounds++
			return state.result(OutcomeComplete, l.executor), nil
		}
	}
	return state.result(OutcomeEmpty, l.executor), ErrEmptyResponse
}

// ExecuteStreaming mirrors Execute but reads partial chunks and invokes cb
// as data arrives; it additionally records LastFinishReason so the Engine
// can drive safety-triggered external fallback retries.
func (l *Loop) ExecuteStreaming(ctx context.Context, firstMessage string, cb Callbacks) (Result, error) {
	tracer := telemetry.Tracer("convcore.loop")
	ctx, span := tracer.Start(ctx, "loop.execute_streaming")
	defer span.End()

	state := &loopState{}
	retryAttempted := false
	var pendingCalls []chat.FunctionCall
	message := firstMessage

	for round := 0; round < l.cfg.MaxRounds; round++ {
		roundCtx, roundSpan := tracer.Start(ctx, "loop.round", trace.WithAttributes(attribute.Int("round", round)))

		var stream llmclient.Stream
		var err error
		if len(pendingCalls) == 0 {
			stream, err = l.session.SendMessageStream(roundCtx, message)
		} else {
			responses := toFunctionResponses(pendingCalls, l.dispatchTools(roundCtx, pendingCalls))
			stream, err = l.session.SendFunctionResultsStream(roundCtx, responses)
		}
		if err != nil {
			roundSpan.End()
			return state.result(OutcomeError, l.executor), err
		}

		var parts []chat.Part
		var text string
	drain:
		for {
			ev, ok, err := stream.Next(roundCtx)
			if err != nil {
				roundSpan.End()
				return state.result(OutcomeError, l.executor), err
			}
			if !ok {
				break drain
			}
			switch ev.Kind {
			case llmclient.StreamEventText:
				text += ev.TextChunk
				parts = append(parts, chat.NewTextPart(ev.TextChunk))
				if cb.OnTextChunk != nil {
					cb.OnTextChunk(ev.TextChunk)
				}
			case llmclient.StreamEventThought:
				if cb.OnThought != nil {
					cb.OnThought(ev.Thought)
				}
			case llmclient.StreamEventFunctionCall:
				parts = append(parts, chat.NewFunctionCallPart(ev.FunctionCall))
				if cb.OnFunctionCall != nil {
					cb.OnFunctionCall(ev.FunctionCall)
				}
			case llmclient.StreamEventFinish:
				state.lastFinishReason = ev.FinishReason
			}
		}
		roundSpan.End()

		outcome := classify(llmclient.Response{Parts: parts})
		state.rounds = round + 1

		switch outcome {
		case OutcomeComplete:
			state.text = text
			return state.result(OutcomeComplete, l.executor), nil
		case OutcomeContinue:
			pendingCalls = functionCalls(parts)
			message = ""
			continue
		case OutcomeEmpty:
			if l.retryEligible(retryAttempted) {
				retryAttempted = true
				state.retryUsed = true
				pendingCalls = nil
				message = summaryDemandMessage(len(l.executor.GetAllProducts()))
				continue
			}
			return state.result(OutcomeEmpty, l.executor), ErrEmptyResponse
		}
	}

	if l.retryEligible(retryAttempted) {
		state.retryUsed = true
		resp, outcome, err := l.runRoundWithTimeout(ctx, func(rc context.Context) (llmclient.Response, error) {
			return l.session.SendMessage(rc, summaryDemandMessage(len(l.executor.GetAllProducts())))
		})
		if err == nil && outcome == OutcomeComplete {
			state.text = resp.Text()
			state.lastFinishReason = resp.FinishReason
			state.rounds++
			return state.result(OutcomeComplete, l.executor), nil
		}
	}
	return state.result(OutcomeEmpty, l.executor), ErrEmptyResponse
}

func (l *Loop) retryEligible(alreadyAttempted bool) bool {
	return l.cfg.EnableRetry && len(l.executor.GetAllProducts()) > 0 && !alreadyAttempted
}

func (l *Loop) runRoundWithTimeout(ctx context.Context, send func(context.Context) (llmclient.Response, error)) (llmclient.Response, Outcome, error) {
	timeout := l.cfg.RoundTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	roundCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := send(roundCtx)
	if err != nil {
		if errors.Is(roundCtx.Err(), context.DeadlineExceeded) {
			return llmclient.Response{}, OutcomeError, &TimeoutError{Timeout: timeout}
		}
		return llmclient.Response{}, OutcomeError, err
	}
	return resp, classify(resp), nil
}

func (l *Loop) dispatchTools(ctx context.Context, calls []chat.FunctionCall) []toolexec.Result {
	ctx, span := telemetry.Tracer("convcore.loop").Start(ctx, "loop.dispatch_tools")
	defer span.End()
	return l.executor.ExecuteBatch(ctx, calls, true)
}

// classify implements the round outcome classification: CONTINUE wins over
// COMPLETE even when the same round carries prelude text, since the tool
// calls are authoritative and the text is an interrupted thought.
func classify(resp llmclient.Response) Outcome {
	hasFunctionCall := false
	hasText := false
	for _, p := range resp.Parts {
		switch p.Kind {
		case chat.PartFunctionCall:
			hasFunctionCall = true
		case chat.PartText:
			if p.Text != "" {
				hasText = true
			}
		}
	}
	switch {
	case hasFunctionCall:
		return OutcomeContinue
	case hasText:
		return OutcomeComplete
	default:
		return OutcomeEmpty
	}
}

func functionCalls(parts []chat.Part) []chat.FunctionCall {
	var out []chat.FunctionCall
	for _, p := range parts {
		if p.Kind == chat.PartFunctionCall && p.FunctionCall != nil {
			out = append(out, *p.FunctionCall)
		}
	}
	return out
}

func toFunctionResponses(calls []chat.FunctionCall, results []toolexec.Result) []chat.FunctionResponse {
	out := make([]chat.FunctionResponse, 0, len(calls))
	for i, call := range calls {
		resp := map[string]any{"error": "no result"}
		if i < len(results) {
			resp = results[i].Response
		}
		out = append(out, chat.FunctionResponse{
			Name:     call.Name,
			Response: resp,
			CallID:   call.ID,
		})
	}
	return out
}

type loopState struct {
	text             string
	rounds           int
	retryUsed        bool
	lastFinishReason llmclient.FinishReason
}

func (s *loopState) result(outcome Outcome, exec ToolExecutor) Result {
	var products []buffer.Product
	if exec != nil {
		products = exec.GetAllProducts()
	}
	return Result{
		Text:             s.text,
		FinalOutcome:     outcome,
		LastFinishReason: s.lastFinishReason,
		Rounds:           s.rounds,
		RetryUsed:        s.retryUsed,
		Products:         products,
	}
}
