package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoopai/convcore/pkg/memory/facts"
	"github.com/scoopai/convcore/pkg/types/chat"
)

func TestApplySessionDefaults_StampsTimestampsAndCount(t *testing.T) {
	now := time.Now()
	doc := SessionDoc{SessionID: "s1", History: []chat.Message{chat.NewUserText("hi")}}

	got := applySessionDefaults(doc, now)
	assert.Equal(t, now, got.CreatedAt)
	assert.Equal(t, now, got.UpdatedAt)
	assert.Equal(t, 1, got.MessageCount)
	assert.WithinDuration(t, now.Add(historyTTL), got.ExpiresAt, time.Second)
}

func TestApplySessionDefaults_PreservesExistingCreatedAt(t *testing.T) {
	original := time.Now().Add(-48 * time.Hour)
	doc := SessionDoc{SessionID: "s1", CreatedAt: original}

	got := applySessionDefaults(doc, time.Now())
	assert.Equal(t, original, got.CreatedAt)
}

func TestApplySessionDefaults_StampsSummaryExpiryOnlyWhenSummaryPresent(t *testing.T) {
	now := time.Now()
	withSummary := applySessionDefaults(SessionDoc{Summary: "previous chat about protein"}, now)
	assert.WithinDuration(t, now.Add(summaryTTL), withSummary.SummaryExpiresAt, time.Second)

	withoutSummary := applySessionDefaults(SessionDoc{}, now)
	assert.True(t, withoutSummary.SummaryExpiresAt.IsZero())
}

func TestPruneHistory_LeavesShortHistoryUntouched(t *testing.T) {
	history := make([]chat.Message, 5)
	for i := range history {
		history[i] = chat.NewUserText("msg")
	}
	doc := SessionDoc{History: history}

	got := pruneHistory(doc)
	assert.Len(t, got.History, 5)
	assert.Empty(t, got.Summary)
}

func TestPruneHistory_CutsToWindowAndFoldsDiscardedHeadIntoSummary(t *testing.T) {
	history := make([]chat.Message, historyWindow+10)
	for i := range history {
		history[i] = chat.NewUserText(fmt.Sprintf("msg-%d", i))
	}
	doc := SessionDoc{History: history}

	got := pruneHistory(doc)
	require.Len(t, got.History, historyWindow)
	assert.Equal(t, "msg-10", got.History[0].TextContent())
	assert.Contains(t, got.Summary, "msg-0")
	assert.Contains(t, got.Summary, "msg-9")
	assert.NotContains(t, got.Summary, "msg-10")
}

func TestPruneHistory_AppendsToExistingSummaryAndBoundsLength(t *testing.T) {
	history := make([]chat.Message, historyWindow+1)
	for i := range history {
		history[i] = chat.NewUserText(strings.Repeat("x", maxSummaryChars))
	}
	doc := SessionDoc{History: history, Summary: "previous summary text"}

	got := pruneHistory(doc)
	assert.LessOrEqual(t, len(got.Summary), maxSummaryChars)
	assert.NotContains(t, got.Summary, "previous summary text")
}

func TestUserDoc_TieredRoundTrip(t *testing.T) {
	doc := UserDoc{UserID: "u1", CuratedFacts: []facts.Fact{{Text: "allergic to peanuts", Importance: 0.9}}}
	tiered := doc.Tiered()
	require.Len(t, tiered.Curated, 1)

	tiered.Daily = append(tiered.Daily, facts.Fact{Text: "mentioned liking bananas", Importance: 0.2})
	doc.SetTiered(tiered)

	assert.Len(t, doc.CuratedFacts, 1)
	assert.Len(t, doc.DailyFacts, 1)
}

// TestConnect_Integration exercises the real Mongo-backed Store end to
// end. It only runs when CONVCORE_MONGO_TEST_URI points at a reachable
// instance, matching how the core avoids requiring infrastructure for
// the unit test suite.
func TestConnect_Integration(t *testing.T) {
	uri := os.Getenv("CONVCORE_MONGO_TEST_URI")
	if uri == "" {
		t.Skip("CONVCORE_MONGO_TEST_URI not set; skipping Mongo integration test")
	}

	ctx := context.Background()
	s, err := Connect(ctx, uri, "convcore_test")
	require.NoError(t, err)
	defer s.Close(ctx)

	sessionID := "integration-session-1"
	require.NoError(t, s.SaveSession(ctx, SessionDoc{
		SessionID: sessionID,
		UserID:    "integration-user",
		History:   []chat.Message{chat.NewUserText("გამარჯობა")},
	}))

	loaded, err := s.LoadSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "integration-user", loaded.UserID)
	assert.Len(t, loaded.History, 1)

	tier, err := s.AddFact(ctx, "integration-user", facts.Fact{
		Text:       "user trains five times per week",
		Embedding:  make([]float64, 768),
		Importance: 0.9,
	})
	require.NoError(t, err)
	assert.Equal(t, "curated_facts", tier)

	_, err = s.AddFact(ctx, "integration-user", facts.Fact{
		Text:       "user mentioned liking smoothies today",
		Embedding:  make([]float64, 768),
		Importance: 0.1,
	})
	require.NoError(t, err)

	modified, err := s.CleanupExpiredDailyFacts(ctx, time.Now().Add(61*24*time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, modified, int64(1))
}
