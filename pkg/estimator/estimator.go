// Package estimator implements the Token Estimator: a pure, heuristic,
// character-class token counter used for context-window budgeting. It
// makes no API calls and does no I/O, so it can run on every message
// without adding latency to the hot path.
package estimator

import "github.com/scoopai/convcore/pkg/types/chat"

const (
	// DefaultCharsPerToken is the baseline ASCII chars-per-token ratio.
	DefaultCharsPerToken = 4.0
	// DefaultUnicodeMultiplier divides DefaultCharsPerToken for non-ASCII
	// runes, reflecting that Georgian (and other non-Latin scripts) cost
	// roughly twice as many tokens per character as English.
	DefaultUnicodeMultiplier = 2.0
	// DefaultExtendedThreshold is the token count above which the Hybrid
	// Manager should route to the extended-context model.
	DefaultExtendedThreshold = 150_000
	// perMessageOverhead approximates the fixed token cost of role and
	// structural framing around each message's parts.
	perMessageOverhead = 10
)

// Estimate is the result of estimating a single string.
type Estimate struct {
	Tokens          int
	Chars           int
	AvgCharsPerToken float64
	HasUnicode      bool
}

// Estimator is a heuristic, ASCII-vs-Unicode character counter. The zero
// value is not usable; construct with New.
type Estimator struct {
	charsPerToken     float64
	unicodeMultiplier float64
	extendedThreshold int
	safetyMultiplier  float64
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithCharsPerToken overrides the ASCII chars-per-token ratio.
func WithCharsPerToken(v float64) Option { return func(e *Estimator) { e.charsPerToken = v } }

// WithUnicodeMultiplier overrides the non-ASCII multiplier.
func WithUnicodeMultiplier(v float64) Option { return func(e *Estimator) { e.unicodeMultiplier = v } }

// WithExtendedThreshold overrides the extended-context token threshold.
func WithExtendedThreshold(v int) Option { return func(e *Estimator) { e.extendedThreshold = v } }

// WithSafetyMultiplier sets the multiplier applied when EstimateTokens is
// called with the safety buffer enabled.
func WithSafetyMultiplier(v float64) Option { return func(e *Estimator) { e.safetyMultiplier = v } }

// New constructs an Estimator with the package defaults, as overridden by
// opts.
func New(opts ...Option) *Estimator {
	e := &Estimator{
		charsPerToken:     DefaultCharsPerToken,
		unicodeMultiplier: DefaultUnicodeMultiplier,
		extendedThreshold: DefaultExtendedThreshold,
		safetyMultiplier:  1.0,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExtendedThreshold returns the configured extended-context threshold.
func (e *Estimator) ExtendedThreshold() int { return e.extendedThreshold }

// EstimateTokens counts the tokens in text using the ASCII/Unicode split.
// Runes below 128 cost 1/charsPerToken tokens; all other runes cost
// unicodeMultiplier times as much. withSafetyBuffer scales the result by
// the configured safety multiplier.
func (e *Estimator) EstimateTokens(text string, withSafetyBuffer bool) int {
	if text == "" {
		return 0
	}

	var asciiChars, unicodeChars int
	for _, r := range text {
		if r < 128 {
			asciiChars++
		} else {
			unicodeChars++
		}
	}

	asciiTokens := float64(asciiChars) / e.charsPerToken
	unicodeTokens := float64(unicodeChars) / (e.charsPerToken / e.unicodeMultiplier)

	total := int(asciiTokens + unicodeTokens)
	if withSafetyBuffer {
		total = int(float64(total) * e.safetyMultiplier)
	}
	return total
}

// Estimate returns a detailed breakdown of a single string's token cost.
func (e *Estimator) Estimate(text string) Estimate {
	hasUnicode := false
	for _, r := range text {
		if r >= 128 {
			hasUnicode = true
			break
		}
	}
	tokens := e.EstimateTokens(text, false)
	avg := 0.0
	chars := len([]rune(text))
	if tokens > 0 {
		avg = float64(chars) / float64(tokens)
	}
	return Estimate{Tokens: tokens, Chars: chars, AvgCharsPerToken: avg, HasUnicode: hasUnicode}
}

// CountHistoryTokens sums the estimated token cost of every text part in
// history, plus a fixed per-message overhead for role/structure framing.
func (e *Estimator) CountHistoryTokens(history []chat.Message) int {
	total := 0
	for _, msg := range history {
		for _, p := range msg.Parts {
			if p.Kind == chat.PartText || p.Kind == chat.PartThought {
				total += e.EstimateTokens(p.Text, false)
			}
		}
		total += perMessageOverhead
	}
	return total
}

// NeedsExtendedContext reports whether history's token count meets or
// exceeds the configured extended-context threshold.
func (e *Estimator) NeedsExtendedContext(history []chat.Message) bool {
	return e.CountHistoryTokens(history) >= e.extendedThreshold
}

// MessageBreakdown is a per-message entry of a full history breakdown.
type MessageBreakdown struct {
	Index  int
	Role   chat.Role
	Tokens int
}

// Breakdown is the detailed per-message token accounting returned by
// GetBreakdown, used for diagnostics.
type Breakdown struct {
	TotalTokens       int
	MessageCount      int
	PerMessage        []MessageBreakdown
	ExtendedThreshold int
	NeedsExtended     bool
}

// GetBreakdown returns a detailed per-message token breakdown of history.
func (e *Estimator) GetBreakdown(history []chat.Message) Breakdown {
	per := make([]MessageBreakdown, 0, len(history))
	total := 0
	for i, msg := range history {
		tokens := perMessageOverhead
		for _, p := range msg.Parts {
			if p.Kind == chat.PartText || p.Kind == chat.PartThought {
				tokens += e.EstimateTokens(p.Text, false)
			}
		}
		per = append(per, MessageBreakdown{Index: i, Role: msg.Role, Tokens: tokens})
		total += tokens
	}
	return Breakdown{
		TotalTokens:       total,
		MessageCount:      len(history),
		PerMessage:        per,
		ExtendedThreshold: e.extendedThreshold,
		NeedsExtended:     total >= e.extendedThreshold,
	}
}

// ContextInfo is the context-window utilization snapshot returned by
// GetContextInfo.
type ContextInfo struct {
	HistoryTokens    int
	SystemTokens     int
	TotalTokens      int
	MaxContext       int
	UtilizationPct   float64
	AvailableTokens  int
	NeedsExtended    bool
	ExtendedThreshold int
}

// GetContextInfo reports how much of maxContext the history plus a
// pre-counted system-prompt token count would consume.
func (e *Estimator) GetContextInfo(history []chat.Message, systemPromptTokens, maxContext int) ContextInfo {
	historyTokens := e.CountHistoryTokens(history)
	total := historyTokens + systemPromptTokens
	util := (float64(total) / float64(maxContext)) * 100
	return ContextInfo{
		HistoryTokens:     historyTokens,
		SystemTokens:      systemPromptTokens,
		TotalTokens:       total,
		MaxContext:        maxContext,
		UtilizationPct:    util,
		AvailableTokens:   maxContext - total,
		NeedsExtended:     total >= e.extendedThreshold,
		ExtendedThreshold: e.extendedThreshold,
	}
}
