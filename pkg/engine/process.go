package engine

import (
	"context"

	"github.com/scoopai/convcore/pkg/buffer"
	"github.com/scoopai/convcore/pkg/loop"
	"github.com/scoopai/convcore/pkg/types/chat"
)

// ProcessMessage runs the full sync-mode pipeline for one user turn:
// context load, search-first preflight, routing, session/executor/loop
// build and execution (with the two once-only fallback retries),
// response assembly, guarded persistence and accounting.
func (e *Engine) ProcessMessage(ctx context.Context, userID, message, sessionID string) (ConversationResult, error) {
	tc, err := e.loadContext(ctx, userID, sessionID)
	if err != nil {
		return ConversationResult{}, err
	}

	effectiveMessage := e.applySearchFirstPreflight(ctx, message, len(tc.sessionDoc.History))

	sdkHistory := tc.history.WithSummaryPrefix()

	var queryEmbedding []float64
	if e.llm != nil {
		queryEmbedding, _ = e.llm.Embed(ctx, message)
	}
	tiered := tc.profileDoc.Tiered()
	systemPrompt := buildSystemPrompt(tiered, queryEmbedding, message)

	outcome := e.runTurn(ctx, userID, tc, systemPrompt, sdkHistory, effectiveMessage,
		func(ctx context.Context, model string) (loop.Result, []chat.Message, error) {
			return e.buildAndExecute(ctx, userID, tc, model, systemPrompt, sdkHistory, effectiveMessage)
		})

	e.persistTurn(ctx, userID, tc, outcome, systemPrompt)

	buf := buffer.New()
	buf.SetText(outcome.result.Text)
	buf.AddProducts(outcome.result.Products)
	text, tip, replies := buf.Finalize()

	return ConversationResult{
		Text:             text,
		Tip:              tip,
		QuickReplies:     replies,
		Products:         buf.Products(),
		ProductsMarkdown: buf.FormatProductsMarkdown(),
		SessionID:        tc.sessionDoc.SessionID,
		ModelUsed:        outcome.model,
		FallbackUsed:     outcome.fallbackUsed,
	}, nil
}

// applySearchFirstPreflight is pipeline step 2: on a positive
// classification, runs a catalog search for the matched keyword and
// injects the results into message; any failure (no catalog wired, or
// the search erroring) falls back to the original message unchanged.
func (e *Engine) applySearchFirstPreflight(ctx context.Context, message string, historyLen int) string {
	should, keyword := isProductQuery(message, historyLen)
	if !should || e.catalog == nil {
		return message
	}
	products, err := e.catalog.SearchProducts(ctx, keyword, "", 0)
	if err != nil || len(products) == 0 {
		return message
	}
	return injectProductReference(message, products)
}
