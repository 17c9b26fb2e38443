package estimator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoopai/convcore/pkg/types/chat"
)

func TestEstimateTokens_Empty(t *testing.T) {
	e := New()
	assert.Equal(t, 0, e.EstimateTokens("", false))
}

func TestEstimateTokens_ASCIIvsUnicode(t *testing.T) {
	e := New()

	ascii := strings.Repeat("a", 400)
	georgian := strings.Repeat("ა", 400)

	asciiTokens := e.EstimateTokens(ascii, false)
	georgianTokens := e.EstimateTokens(georgian, false)

	// Georgian text should cost roughly twice as many tokens as the same
	// number of ASCII characters.
	assert.Greater(t, georgianTokens, asciiTokens)
	assert.InDelta(t, asciiTokens*2, georgianTokens, float64(asciiTokens)*0.1+1)
}

func TestEstimateTokens_SafetyBuffer(t *testing.T) {
	e := New(WithSafetyMultiplier(1.2))
	text := strings.Repeat("x", 1000)

	plain := e.EstimateTokens(text, false)
	buffered := e.EstimateTokens(text, true)

	assert.Greater(t, buffered, plain)
}

func TestEstimateTokens_Monotonic(t *testing.T) {
	e := New()
	prev := 0
	for n := 10; n <= 1000; n += 50 {
		got := e.EstimateTokens(strings.Repeat("a", n), false)
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestCountHistoryTokens_OverheadPerMessage(t *testing.T) {
	e := New()

	history := []chat.Message{
		chat.NewUserText("hello"),
		chat.NewUserText("world"),
	}

	total := e.CountHistoryTokens(history)
	assert.GreaterOrEqual(t, total, 2*perMessageOverhead)
}

func TestNeedsExtendedContext(t *testing.T) {
	e := New(WithExtendedThreshold(50))

	small := []chat.Message{chat.NewUserText("hi")}
	assert.False(t, e.NeedsExtendedContext(small))

	big := []chat.Message{chat.NewUserText(strings.Repeat("word ", 500))}
	assert.True(t, e.NeedsExtendedContext(big))
}

func TestGetBreakdown(t *testing.T) {
	e := New(WithExtendedThreshold(1_000_000))

	history := []chat.Message{
		chat.NewUserText("first message"),
		{Role: chat.RoleModel, Parts: []chat.Part{chat.NewTextPart("second message")}},
	}

	bd := e.GetBreakdown(history)
	require.Len(t, bd.PerMessage, 2)
	assert.Equal(t, 0, bd.PerMessage[0].Index)
	assert.Equal(t, chat.RoleUser, bd.PerMessage[0].Role)
	assert.False(t, bd.NeedsExtended)
	assert.Equal(t, bd.TotalTokens, bd.PerMessage[0].Tokens+bd.PerMessage[1].Tokens)
}

func TestGetContextInfo(t *testing.T) {
	e := New(WithExtendedThreshold(100))

	history := []chat.Message{chat.NewUserText(strings.Repeat("a", 40))}
	info := e.GetContextInfo(history, 10, 1000)

	assert.Equal(t, info.HistoryTokens+10, info.TotalTokens)
	assert.Equal(t, 1000-info.TotalTokens, info.AvailableTokens)
}

// A 1MB ASCII string estimates to exactly len/4 tokens.
func TestEstimateTokens_LargeInputExactCount(t *testing.T) {
	e := New()
	big := strings.Repeat("a", 1_000_000)
	got := e.EstimateTokens(big, false)
	assert.Equal(t, 250_000, got)
}
