package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/scoopai/convcore/pkg/llmclient"
	"github.com/scoopai/convcore/pkg/memory/facts"
	"github.com/scoopai/convcore/pkg/memory/store"
	"github.com/scoopai/convcore/pkg/tools"
	"github.com/scoopai/convcore/pkg/toolexec"
	"github.com/scoopai/convcore/pkg/types/chat"
)

// turnContext is the per-request state assembled by loadContext and
// threaded through the rest of the pipeline.
type turnContext struct {
	sessionDoc store.SessionDoc
	profileDoc store.UserDoc
	history    chat.History
}

// loadContext is pipeline step 1: it resolves the session (by id, or the
// user's most recent session when sessionID is empty, or a fresh one
// when neither exists) and the user's profile.
func (e *Engine) loadContext(ctx context.Context, userID, sessionID string) (turnContext, error) {
	var doc store.SessionDoc
	var err error

	switch {
	case sessionID != "":
		doc, err = e.sessions.LoadSession(ctx, sessionID)
	default:
		doc, err = e.sessions.LoadMostRecentSession(ctx, userID)
	}

	if errors.Is(err, store.ErrNotFound) {
		id := sessionID
		if id == "" {
			id = uuid.NewString()
		}
		doc = store.SessionDoc{SessionID: id, UserID: userID}
		err = nil
	}
	if err != nil {
		return turnContext{}, err
	}

	profile, err := e.sessions.GetUserProfile(ctx, userID)
	if err != nil {
		return turnContext{}, err
	}

	history := chat.History{
		SessionID: doc.SessionID,
		UserID:    userID,
		Messages:  doc.History,
		Summary:   doc.Summary,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}

	return turnContext{sessionDoc: doc, profileDoc: profile, history: history}, nil
}

// renderFacts builds the {{USER_FACTS}} substitution: the top
// factRenderLimit curated, daily and legacy facts relevant to queryEmbedding/message,
// one per line. Returns the placeholder text when there are none.
func renderFacts(tiered *facts.Tiered, queryEmbedding []float64, message string) string {
	scored := tiered.RelevantFacts(queryEmbedding, message, factRenderLimit, factMinSimilarity)
	if len(scored) == 0 {
		return noFactsPlaceholder
	}
	var sb strings.Builder
	for _, sf := range scored {
		sb.WriteString("- ")
		sb.WriteString(sf.Fact.Text)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// buildSystemPrompt substitutes the {{USER_FACTS}} placeholder into the
// base prompt.
func buildSystemPrompt(tiered *facts.Tiered, queryEmbedding []float64, message string) string {
	return strings.ReplaceAll(basePrompt, "{{USER_FACTS}}", renderFacts(tiered, queryEmbedding, message))
}

// buildExecutor is pipeline step 5: instantiate a Tool Executor scoped to
// this turn, with the pre-cached profile and catalog-backed tool
// implementations.
func (e *Engine) buildExecutor(userID string, profile map[string]any) (*toolexec.Executor, error) {
	opts := []toolexec.Option{
		toolexec.WithProfileUpdater(storeProfileUpdater{store: e.sessions}),
	}
	if e.catalog != nil {
		opts = append(opts,
			toolexec.WithSearcher(catalogSearcher{catalog: e.catalog}),
			toolexec.WithProductDetailsGetter(catalogDetailsGetter{catalog: e.catalog}),
		)
	}
	return toolexec.New(userID, profile, opts...)
}

// buildSession is pipeline step 4: merges the system instruction, tool
// schema and SDK history into a new chat session on model, with the
// provider's automatic function-calling disabled.
func (e *Engine) buildSession(ctx context.Context, model, systemPrompt string, history []chat.Message) (llmclient.ChatSession, error) {
	return e.llm.NewChatSession(ctx, llmclient.SessionConfig{
		Model:             model,
		SystemInstruction: systemPrompt,
		Tools: llmclient.ToolConfig{
			Declarations:               tools.Declarations(),
			DisableAutoFunctionCalling: true,
		},
		History:     history,
		Temperature: e.cfg.Temperature,
	})
}

// profileMap turns a UserDoc into the loosely-typed map the Tool
// Executor hands back verbatim for get_user_profile.
func profileMap(doc store.UserDoc) map[string]any {
	m := map[string]any{
		"goals":     doc.Goals,
		"allergies": doc.Allergies,
	}
	if doc.Name != "" {
		m["name"] = doc.Name
	}
	if len(doc.WeightHistory) > 0 {
		m["weight_kg"] = doc.WeightHistory[len(doc.WeightHistory)-1].Value
	}
	if doc.FitnessLevel != "" {
		m["fitness_level"] = doc.FitnessLevel
	}
	if doc.Preferences != nil {
		for k, v := range doc.Preferences {
			m[k] = v
		}
	}
	return m
}
