// Package extractor implements the Fact Extractor: an LLM-backed step
// that scans a window of conversation messages and returns candidate
// user facts as structured data. Parsing is deliberately tolerant of the
// loosely-formatted JSON models tend to emit, grounded on
// jingkaihe-kodelet/pkg/llm/google/google.go's retry-go usage for the
// retry/backoff shape.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"

	"github.com/scoopai/convcore/pkg/fallback"
	"github.com/scoopai/convcore/pkg/llmclient"
	"github.com/scoopai/convcore/pkg/logger"
	"github.com/scoopai/convcore/pkg/types/chat"
)

// extractionPromptFmt is the fixed extraction prompt sent to the model,
// with the message window substituted in. The model is asked for a bare
// JSON array so the tolerant parser below has the smallest surface to
// recover from.
const extractionPromptFmt = `ქვემოთ მოცემულია საუბრის მონაკვეთი. გამოყავი მომხმარებლის შესახებ ფაქტები (ალერგიები, მიზნები, უპირატესობები, ჯანმრთელობის დეტალები) JSON მასივის სახით, ყოველგვარი დამატებითი ტექსტის გარეშე:

[{"fact": "...", "importance": 0.0-1.0, "category": "general|health|allergy"}]

თუ საუბარი არ შეიცავს შესამჩნევ ფაქტებს, დააბრუნე ცარიელი მასივი: []

საუბარი:
%s`

// Candidate is one LLM-proposed fact before it is turned into a
// facts.Fact (which additionally requires an embedding).
type Candidate struct {
	Text       string
	Importance float64
	Category   string
}

// sensitiveCategories override Importance to at least
// facts.SensitiveMinImportance when inserted, per spec.
var sensitiveCategories = map[string]bool{"health": true, "allergy": true}

// IsSensitive reports whether c's category requires the importance floor.
func (c Candidate) IsSensitive() bool { return sensitiveCategories[c.Category] }

// Config tunes the retry policy around the extraction LLM call.
type Config struct {
	Attempts     uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultConfig makes three attempts in total (the first call plus up to
// two retries) with exponential backoff.
func DefaultConfig() Config {
	return Config{Attempts: 3, InitialDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// Extractor calls an LLM to mine candidate facts out of a message window.
type Extractor struct {
	client  llmclient.Client
	trigger *fallback.Trigger
	cfg     Config
}

// New constructs an Extractor against client.
func New(client llmclient.Client, cfg Config) *Extractor {
	return &Extractor{client: client, trigger: fallback.New(), cfg: cfg}
}

// Extract sends the extraction prompt for window and parses the result.
// On total failure (all retries exhausted) it returns nil (no
// candidates) — a failed extraction never aborts the caller's broader flow (compaction
// or eager post-turn extraction).
func (e *Extractor) Extract(ctx context.Context, window []chat.Message) []Candidate {
	prompt := buildPrompt(window)

	var raw string
	err := retry.Do(
		func() error {
			sess, err := e.client.NewChatSession(ctx, llmclient.SessionConfig{Model: "fact-extraction"})
			if err != nil {
				return err
			}
			resp, err := sess.SendMessage(ctx, prompt)
			if err != nil {
				return err
			}
			raw = resp.Text()
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(e.cfg.Attempts),
		retry.Delay(e.cfg.InitialDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(e.cfg.MaxDelay),
		retry.RetryIf(func(err error) bool {
			d := e.trigger.AnalyzeError(errorTypeName(err), err.Error())
			return d.Retryable
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithField("attempt", n+1).Warn("retrying fact extraction")
		}),
	)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("fact extraction exhausted retries, returning no facts")
		return nil
	}

	return parseCandidates(raw)
}

func errorTypeName(err error) string {
	return errors.Cause(err).Error()
}

func buildPrompt(window []chat.Message) string {
	var sb strings.Builder
	for _, m := range window {
		for _, p := range m.Parts {
			if p.Kind != chat.PartText {
				continue
			}
			sb.WriteString(string(m.Role))
			sb.WriteString(": ")
			sb.WriteString(p.Text)
			sb.WriteString("\n")
		}
	}
	return fmt.Sprintf(extractionPromptFmt, sb.String())
}

var (
	fencedJSONRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(\\[.*?\\])\\s*```")
	arrayRegion     = regexp.MustCompile(`(?s)\[.*\]`)
	trailingComma   = regexp.MustCompile(`,\s*([\]}])`)
)

// parseCandidates tolerantly extracts a JSON array of candidates from an
// LLM completion: it accepts a fenced ```json block, otherwise recovers
// the first [...] region found anywhere in the text, and strips trailing
// commas before decoding.
func parseCandidates(raw string) []Candidate {
	body := raw
	if m := fencedJSONRegex.FindStringSubmatch(raw); m != nil {
		body = m[1]
	} else if m := arrayRegion.FindString(raw); m != "" {
		body = m
	} else {
		return nil
	}
	body = trailingComma.ReplaceAllString(body, "$1")

	var items []map[string]any
	if err := json.Unmarshal([]byte(body), &items); err != nil {
		return nil
	}
	out := make([]Candidate, 0, len(items))
	for _, it := range items {
		c := Candidate{
			Text:       strField(it, "fact"),
			Importance: numField(it, "importance"),
			Category:   strField(it, "category"),
		}
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

func strField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func numField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}
