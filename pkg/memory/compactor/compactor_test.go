package compactor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoopai/convcore/pkg/estimator"
	"github.com/scoopai/convcore/pkg/llmclient"
	"github.com/scoopai/convcore/pkg/llmclient/fakellm"
	"github.com/scoopai/convcore/pkg/memory/extractor"
	"github.com/scoopai/convcore/pkg/memory/facts"
	"github.com/scoopai/convcore/pkg/types/chat"
)

func longHistory(n int) []chat.Message {
	out := make([]chat.Message, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, chat.NewUserText("პროტეინის შესახებ საკმაოდ გრძელი შეტყობინება ნომერი ერთი ორი სამი ოთხი ხუთი"))
	}
	return out
}

func TestNeedsCompaction_FalseUnderMessageFloor(t *testing.T) {
	c := New(estimator.New(), nil, nil)
	assert.False(t, c.NeedsCompaction(longHistory(5), "", 1000))
}

func TestNeedsCompaction_FalseWhenUnderTokenRatio(t *testing.T) {
	c := New(estimator.New(), nil, nil)
	assert.False(t, c.NeedsCompaction(longHistory(25), "hi", 10_000_000))
}

func TestNeedsCompaction_TrueWhenBothConditionsMet(t *testing.T) {
	c := New(estimator.New(), nil, nil)
	assert.True(t, c.NeedsCompaction(longHistory(25), "", 100))
}

func TestCompact_PreFlushesAndSummarizes(t *testing.T) {
	extractClient := fakellm.New(fakellm.Script{Response: llmclient.Response{
		Parts: []chat.Part{chat.NewTextPart(`[{"fact": "user prefers whey protein isolate", "importance": 0.6, "category": "general"}]`)},
	}})
	ext := extractor.New(extractClient, extractor.DefaultConfig())

	summaryClient := fakellm.New(fakellm.Script{Response: llmclient.Response{
		Parts: []chat.Part{chat.NewTextPart("მომხმარებელი დაინტერესებულია ცილის პროდუქტებით")},
	}})
	c := New(estimator.New(), ext, summaryClient)

	var savedUser string
	var savedFact facts.Fact
	sink := func(ctx context.Context, userID string, f facts.Fact) (string, error) {
		savedUser = userID
		savedFact = f
		return "daily_facts", nil
	}
	embed := func(ctx context.Context, text string) ([]float64, error) {
		return make([]float64, 768), nil
	}

	history := longHistory(20)
	out, err := c.Compact(context.Background(), "user-1", history, sink, embed)
	require.NoError(t, err)

	assert.Equal(t, "user-1", savedUser)
	assert.Equal(t, "user prefers whey protein isolate", savedFact.Text)
	assert.Equal(t, facts.SourceCompaction, savedFact.Source)

	require.Len(t, out, 1+len(history)/2)
	assert.Equal(t, "მომხმარებელი დაინტერესებულია ცილის პროდუქტებით", out[0].Parts[0].Text)
}

func TestCompact_ProceedsWhenExtractionReturnsZeroFacts(t *testing.T) {
	extractClient := fakellm.New(fakellm.Script{Response: llmclient.Response{
		Parts: []chat.Part{chat.NewTextPart("[]")},
	}})
	ext := extractor.New(extractClient, extractor.DefaultConfig())

	summaryClient := fakellm.New(fakellm.Script{Response: llmclient.Response{
		Parts: []chat.Part{chat.NewTextPart("შეჯამება")},
	}})
	c := New(estimator.New(), ext, summaryClient)

	sink := func(ctx context.Context, userID string, f facts.Fact) (string, error) { return "", nil }
	embed := func(ctx context.Context, text string) ([]float64, error) { return make([]float64, 768), nil }

	history := longHistory(20)
	out, err := c.Compact(context.Background(), "user-1", history, sink, embed)
	require.NoError(t, err)
	assert.Len(t, out, 1+len(history)/2)
}

func TestCompact_AbortsAndReturnsOriginalWhenSummarizationFails(t *testing.T) {
	extractClient := fakellm.New(fakellm.Script{Response: llmclient.Response{Parts: []chat.Part{chat.NewTextPart("[]")}}})
	ext := extractor.New(extractClient, extractor.DefaultConfig())

	failingSummaryClient := fakellm.New(fakellm.Script{Err: assertErr{}})
	c := New(estimator.New(), ext, failingSummaryClient)

	sink := func(ctx context.Context, userID string, f facts.Fact) (string, error) { return "", nil }
	embed := func(ctx context.Context, text string) ([]float64, error) { return make([]float64, 768), nil }

	history := longHistory(20)
	out, err := c.Compact(context.Background(), "user-1", history, sink, embed)
	require.NoError(t, err)
	assert.Equal(t, history, out)
}

type assertErr struct{}

func (assertErr) Error() string { return "summarizer unavailable" }
