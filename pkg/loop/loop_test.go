package loop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoopai/convcore/pkg/buffer"
	"github.com/scoopai/convcore/pkg/llmclient"
	"github.com/scoopai/convcore/pkg/llmclient/fakellm"
	"github.com/scoopai/convcore/pkg/toolexec"
	"github.com/scoopai/convcore/pkg/tools"
	"github.com/scoopai/convcore/pkg/types/chat"
)

// fakeExecutor is a minimal loop.ToolExecutor double: it answers every
// call with a canned product and tracks cross-round accumulation, without
// pulling in toolexec's dedup/backend plumbing.
type fakeExecutor struct {
	products []buffer.Product
	calls    int
}

func (f *fakeExecutor) ExecuteBatch(ctx context.Context, calls []chat.FunctionCall, dedupeSearch bool) []toolexec.Result {
	f.calls++
	results := make([]toolexec.Result, len(calls))
	for i, c := range calls {
		p := buffer.Product{ID: "p1", Name: "Whey Protein"}
		f.products = append(f.products, p)
		results[i] = toolexec.Result{
			Name:     c.Name,
			Response: map[string]any{"products": []buffer.Product{p}, "count": 1},
			Products: []buffer.Product{p},
		}
	}
	return results
}

func (f *fakeExecutor) GetAllProducts() []buffer.Product {
	return append([]buffer.Product(nil), f.products...)
}

func session(t *testing.T, scripts ...fakellm.Script) llmclient.ChatSession {
	t.Helper()
	client := fakellm.New(scripts...)
	sess, err := client.NewChatSession(context.Background(), llmclient.SessionConfig{Model: "test-model"})
	require.NoError(t, err)
	return sess
}

func textResponse(text string) llmclient.Response {
	return llmclient.Response{Parts: []chat.Part{chat.NewTextPart(text)}, FinishReason: llmclient.FinishReasonStop}
}

func callResponse(call chat.FunctionCall) llmclient.Response {
	return llmclient.Response{Parts: []chat.Part{chat.NewFunctionCallPart(call)}}
}

func TestExecute_SingleRoundComplete(t *testing.T) {
	sess := session(t, fakellm.Script{Response: textResponse("გამარჯობა!")})
	exec := &fakeExecutor{}
	l := New(sess, exec, DefaultConfig())

	res, err := l.Execute(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, res.FinalOutcome)
	assert.Equal(t, "გამარჯობა!", res.Text)
	assert.Equal(t, 1, res.Rounds)
	assert.False(t, res.RetryUsed)
}

func TestExecute_ContinueThenComplete_DispatchesTools(t *testing.T) {
	call := chat.FunctionCall{Name: tools.NameSearchProducts, Args: map[string]any{"query": "protein"}}
	sess := session(t,
		fakellm.Script{Response: callResponse(call)},
		fakellm.Script{Response: textResponse("აი შენი პროდუქტი")},
	)
	exec := &fakeExecutor{}
	l := New(sess, exec, DefaultConfig())

	res, err := l.Execute(context.Background(), "მომეცი პროტეინი")
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, res.FinalOutcome)
	assert.Equal(t, "აი შენი პროდუქტი", res.Text)
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, 1, exec.calls)
	require.Len(t, res.Products, 1)
}

func TestExecute_PreludeTextDiscardedWhenFunctionCallPresent(t *testing.T) {
	call := chat.FunctionCall{Name: tools.NameSearchProducts, Args: map[string]any{"query": "protein"}}
	mixed := llmclient.Response{Parts: []chat.Part{
		chat.NewTextPart("ვეძებ..."),
		chat.NewFunctionCallPart(call),
	}}
	sess := session(t,
		fakellm.Script{Response: mixed},
		fakellm.Script{Response: textResponse("საბოლოო პასუხი")},
	)
	exec := &fakeExecutor{}
	l := New(sess, exec, DefaultConfig())

	res, err := l.Execute(context.Background(), "მომეცი პროტეინი")
	require.NoError(t, err)
	// Only the final round's text survives; the prelude text from the
	// mixed round is never accumulated into the result.
	assert.Equal(t, "საბოლოო პასუხი", res.Text)
}

func TestExecute_EmptyRoundWithNoProducts_FailsWithoutRetry(t *testing.T) {
	sess := session(t, fakellm.Script{Response: llmclient.Response{}})
	exec := &fakeExecutor{}
	l := New(sess, exec, DefaultConfig())

	_, err := l.Execute(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestExecute_EmptyRoundWithProducts_RetriesOnceThenSucceeds(t *testing.T) {
	call := chat.FunctionCall{Name: tools.NameSearchProducts, Args: map[string]any{"query": "protein"}}
	sess := session(t,
		fakellm.Script{Response: callResponse(call)},  // round 1: CONTINUE, accumulates a product
		fakellm.Script{Response: llmclient.Response{}}, // round 2: EMPTY
		fakellm.Script{Response: textResponse("შეჯამება")}, // round 3: retry succeeds
	)
	exec := &fakeExecutor{}
	l := New(sess, exec, DefaultConfig())

	res, err := l.Execute(context.Background(), "მომეცი პროტეინი")
	require.NoError(t, err)
	assert.True(t, res.RetryUsed)
	assert.Equal(t, "შეჯამება", res.Text)
}

func TestExecute_EmptyRoundWithProducts_RetryStillEmptyFails(t *testing.T) {
	call := chat.FunctionCall{Name: tools.NameSearchProducts, Args: map[string]any{"query": "protein"}}
	sess := session(t,
		fakellm.Script{Response: callResponse(call)},
		fakellm.Script{Response: llmclient.Response{}},
		fakellm.Script{Response: llmclient.Response{}},
	)
	exec := &fakeExecutor{}
	l := New(sess, exec, DefaultConfig())

	_, err := l.Execute(context.Background(), "მომეცი პროტეინი")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestExecuteStreaming_EmitsCallbacksAndReturnsFinalText(t *testing.T) {
	sess := session(t, fakellm.Script{Response: textResponse("გამარჯობა მეგობარო")})
	exec := &fakeExecutor{}
	l := New(sess, exec, DefaultConfig())

	var chunks []string
	res, err := l.ExecuteStreaming(context.Background(), "hi", Callbacks{
		OnTextChunk: func(c string) { chunks = append(chunks, c) },
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, res.FinalOutcome)
	assert.NotEmpty(t, chunks)
	assert.Equal(t, "გამარჯობა მეგობარო", res.Text)
}

func TestExecuteStreaming_RecordsLastFinishReasonFromFinishEvent(t *testing.T) {
	sess := session(t, fakellm.Script{Response: llmclient.Response{
		Parts:        []chat.Part{chat.NewTextPart("პასუხი")},
		FinishReason: llmclient.FinishReasonSafety,
	}})
	exec := &fakeExecutor{}
	l := New(sess, exec, DefaultConfig())

	res, err := l.ExecuteStreaming(context.Background(), "hi", Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, llmclient.FinishReasonSafety, res.LastFinishReason)
}
