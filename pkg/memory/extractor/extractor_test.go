package extractor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoopai/convcore/pkg/llmclient"
	"github.com/scoopai/convcore/pkg/llmclient/fakellm"
	"github.com/scoopai/convcore/pkg/types/chat"
)

func TestExtract_ParsesPlainJSONArray(t *testing.T) {
	client := fakellm.New(fakellm.Script{Response: llmclient.Response{
		Parts: []chat.Part{chat.NewTextPart(`[{"fact": "user is allergic to peanuts", "importance": 0.9, "category": "allergy"}]`)},
	}})
	e := New(client, DefaultConfig())

	got := e.Extract(context.Background(), []chat.Message{chat.NewUserText("მაქვს არაქისის ალერგია")})
	require.Len(t, got, 1)
	assert.Equal(t, "user is allergic to peanuts", got[0].Text)
	assert.True(t, got[0].IsSensitive())
}

func TestExtract_ParsesFencedJSON(t *testing.T) {
	client := fakellm.New(fakellm.Script{Response: llmclient.Response{
		Parts: []chat.Part{chat.NewTextPart("```json\n[{\"fact\": \"user trains five days a week\", \"importance\": 0.6, \"category\": \"general\"}]\n```")},
	}})
	e := New(client, DefaultConfig())

	got := e.Extract(context.Background(), nil)
	require.Len(t, got, 1)
	assert.False(t, got[0].IsSensitive())
}

func TestExtract_RecoversArrayRegionAmidProse(t *testing.T) {
	client := fakellm.New(fakellm.Script{Response: llmclient.Response{
		Parts: []chat.Part{chat.NewTextPart("Sure, here are the facts:\n[{\"fact\": \"user wants to lose weight\", \"importance\": 0.7, \"category\": \"general\"}]\nLet me know if you need more.")},
	}})
	e := New(client, DefaultConfig())

	got := e.Extract(context.Background(), nil)
	require.Len(t, got, 1)
	assert.Equal(t, "user wants to lose weight", got[0].Text)
}

func TestExtract_StripsTrailingComma(t *testing.T) {
	client := fakellm.New(fakellm.Script{Response: llmclient.Response{
		Parts: []chat.Part{chat.NewTextPart(`[{"fact": "user prefers morning workouts", "importance": 0.4, "category": "general"},]`)},
	}})
	e := New(client, DefaultConfig())

	got := e.Extract(context.Background(), nil)
	require.Len(t, got, 1)
}

func TestExtract_EmptyArrayYieldsNoCandidates(t *testing.T) {
	client := fakellm.New(fakellm.Script{Response: llmclient.Response{
		Parts: []chat.Part{chat.NewTextPart("[]")},
	}})
	e := New(client, DefaultConfig())

	got := e.Extract(context.Background(), nil)
	assert.Empty(t, got)
}

func TestExtract_UnparseableResponseReturnsEmptyNotError(t *testing.T) {
	client := fakellm.New(fakellm.Script{Response: llmclient.Response{
		Parts: []chat.Part{chat.NewTextPart("I could not find any facts in this conversation.")},
	}})
	e := New(client, DefaultConfig())

	got := e.Extract(context.Background(), nil)
	assert.Empty(t, got)
}

func TestExtract_ExhaustedRetriesReturnsEmptyNotError(t *testing.T) {
	client := fakellm.New(fakellm.Script{Err: unknownModelError{}})
	e := New(client, Config{Attempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})

	got := e.Extract(context.Background(), nil)
	assert.Empty(t, got)
}

type unknownModelError struct{}

func (unknownModelError) Error() string { return "unexpected model fault" }
