// Package compactor implements the context-window Compactor: it decides
// when a session's history has grown too large for the target model and,
// when so, folds the older half into a short summary after pre-flushing
// facts out of it. Grounded on the Function-Calling Loop's round-timeout
// style (pkg/loop) for the secondary summarization call and on
// pkg/estimator for the token budget check.
package compactor

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/scoopai/convcore/pkg/estimator"
	"github.com/scoopai/convcore/pkg/llmclient"
	"github.com/scoopai/convcore/pkg/logger"
	"github.com/scoopai/convcore/pkg/memory/extractor"
	"github.com/scoopai/convcore/pkg/memory/facts"
	"github.com/scoopai/convcore/pkg/types/chat"
)

const (
	// TriggerRatio is the fraction of a model's context window at which
	// compaction engages.
	TriggerRatio = 0.75
	// MinMessageCount is the message-count floor below which compaction
	// never triggers even if the ratio is met (short sessions aren't
	// worth summarizing).
	MinMessageCount = 20
	// SummaryTokenBudget bounds the secondary LLM call's summary length.
	SummaryTokenBudget = 500
	// summaryTemperature is deliberately low so the summary stays
	// faithful rather than creative.
	summaryTemperature = 0.2
)

const summaryPromptFmt = `შეაჯამე შემდეგი საუბრის მონაკვეთი არაუმეტეს %d სიტყვისა, შეინარჩუნე ყველა მნიშვნელოვანი დეტალი მომხმარებლის შესახებ:

%s`

// FactSink is the subset of a tiered fact store that pre-flush writes to.
// Implemented by pkg/memory/store.Store.AddFact (with the user id already
// bound) in the Conversation Engine's wiring.
type FactSink func(ctx context.Context, userID string, fact facts.Fact) (string, error)

// EmbedFunc produces the embedding a pre-flushed fact is stored with.
type EmbedFunc func(ctx context.Context, text string) ([]float64, error)

// Compactor decides whether a session's history needs compaction and, if
// so, performs the pre-flush + summarize + truncate sequence.
type Compactor struct {
	estimator *estimator.Estimator
	extractor *extractor.Extractor
	client    llmclient.Client
}

// New constructs a Compactor.
func New(est *estimator.Estimator, ext *extractor.Extractor, client llmclient.Client) *Compactor {
	return &Compactor{estimator: est, extractor: ext, client: client}
}

// NeedsCompaction reports whether history meets both trigger conditions
// for the given model's context window.
func (c *Compactor) NeedsCompaction(history []chat.Message, systemPrompt string, contextWindow int) bool {
	if len(history) < MinMessageCount {
		return false
	}
	if contextWindow <= 0 {
		return false
	}
	used := c.estimator.CountHistoryTokens(history) + c.estimator.EstimateTokens(systemPrompt, false)
	return float64(used) >= TriggerRatio*float64(contextWindow)
}

// Compact pre-flushes facts from the oldest half of history via the Fact
// Extractor, summarizes that half with a secondary LLM call, and returns
// [summary_message] + recent_half. If the summarization call fails,
// compaction aborts and the original history is returned unchanged — a
// failed pre-flush (zero facts extracted) does not abort compaction.
func (c *Compactor) Compact(ctx context.Context, userID string, history []chat.Message, sink FactSink, embed EmbedFunc) ([]chat.Message, error) {
	if len(history) < 2 {
		return history, nil
	}

	mid := len(history) / 2
	oldHalf := history[:mid]
	recentHalf := history[mid:]

	if err := c.preFlushFacts(ctx, userID, oldHalf, sink, embed); err != nil {
		logger.G(ctx).WithError(err).Warn("pre-flush had per-message failures, proceeding with compaction anyway")
	}

	summary, err := c.summarize(ctx, oldHalf)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("compaction summarization failed, keeping original history")
		return history, nil
	}

	summaryMessage := chat.NewUserText(summary)
	out := make([]chat.Message, 0, 1+len(recentHalf))
	out = append(out, summaryMessage)
	out = append(out, recentHalf...)
	return out, nil
}

// preFlushFacts runs the Fact Extractor over oldHalf and writes any
// candidates to sink before truncation. Extraction returning zero facts
// does not prevent compaction from proceeding; duplicate facts are
// rejected downstream by cosine dedup in pkg/memory/facts. Per-candidate
// embed/sink failures are collected and returned together rather than
// aborting the loop, since one bad candidate should not cost the rest
// their chance to be persisted.
func (c *Compactor) preFlushFacts(ctx context.Context, userID string, oldHalf []chat.Message, sink FactSink, embed EmbedFunc) error {
	candidates := c.extractor.Extract(ctx, oldHalf)
	var result *multierror.Error
	for _, cand := range candidates {
		embedding, err := embed(ctx, cand.Text)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("embed %q: %w", cand.Text, err))
			continue
		}
		f := facts.Fact{
			Text:        cand.Text,
			Embedding:   embedding,
			Importance:  cand.Importance,
			Source:      facts.SourceCompaction,
			IsSensitive: cand.IsSensitive(),
		}
		if _, err := sink(ctx, userID, f); err != nil {
			result = multierror.Append(result, fmt.Errorf("sink %q: %w", cand.Text, err))
		}
	}
	return result.ErrorOrNil()
}

func (c *Compactor) summarize(ctx context.Context, window []chat.Message) (string, error) {
	sess, err := c.client.NewChatSession(ctx, llmclient.SessionConfig{
		Model:       "context-summarizer",
		Temperature: summaryTemperature,
	})
	if err != nil {
		return "", err
	}
	resp, err := sess.SendMessage(ctx, fmt.Sprintf(summaryPromptFmt, SummaryTokenBudget, renderWindow(window)))
	if err != nil {
		return "", err
	}
	text := resp.Text()
	if text == "" {
		return "", errEmptySummary
	}
	return text, nil
}

func renderWindow(window []chat.Message) string {
	var out string
	for _, m := range window {
		for _, p := range m.Parts {
			if p.Kind == chat.PartText {
				out += string(m.Role) + ": " + p.Text + "\n"
			}
		}
	}
	return out
}

var errEmptySummary = fmt.Errorf("compactor: summarization returned empty text")
