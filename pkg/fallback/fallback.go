// Package fallback implements the Fallback Trigger: a stateless
// classifier that inspects a response candidate or an error and decides
// whether the caller should fall back to a different model, and whether
// the failed attempt is worth retrying on the same model first.
//
// It holds no breaker/router state of its own — circuit-breaker state is
// tracked separately by package breaker.
package fallback

import (
	"regexp"
	"strings"
	"sync"

	"github.com/scoopai/convcore/pkg/logger"
	"github.com/scoopai/convcore/pkg/types/chat"
)

// Reason categorizes why a fallback was recommended.
type Reason string

const (
	ReasonNone               Reason = "none"
	ReasonSafetyBlock        Reason = "safety_block"
	ReasonRecitationBlock    Reason = "recitation_block"
	ReasonServiceUnavailable Reason = "503_service_unavailable"
	ReasonInternalError      Reason = "500_internal_error"
	ReasonRateLimited        Reason = "429_rate_limited"
	ReasonEmptyResponse      Reason = "empty_response"
	ReasonIncompleteResponse Reason = "incomplete_response"
	ReasonTimeout            Reason = "timeout"
	ReasonUnknownError       Reason = "unknown_error"
	ReasonCircuitOpen        Reason = "circuit_open"
)

// Decision is the result of analyzing a response or error.
type Decision struct {
	ShouldFallback bool
	Reason         Reason
	Details        string
	// Retryable reports whether the same model is worth retrying once
	// before escalating to a different model.
	Retryable bool
	// Severity is 1 (low) to 3 (high), for metrics weighting.
	Severity int
}

func noneDecision(details string) Decision {
	return Decision{Reason: ReasonNone, Details: details}
}

// CandidateResponse is the minimal shape of an LLM round result this
// package needs to classify: the finish reason reported by the provider
// and the parts of the first candidate.
type CandidateResponse struct {
	FinishReason string
	Parts        []chat.Part
	// PromptBlockReason, when non-empty and not "BLOCK_REASON_UNSPECIFIED",
	// indicates the prompt itself (not the completion) was blocked.
	PromptBlockReason string
}

var servicePatterns = []struct {
	re     *regexp.Regexp
	reason Reason
}{
	{regexp.MustCompile(`(?i)503`), ReasonServiceUnavailable},
	{regexp.MustCompile(`(?i)ServiceUnavailable`), ReasonServiceUnavailable},
	{regexp.MustCompile(`(?i)500`), ReasonInternalError},
	{regexp.MustCompile(`(?i)InternalError`), ReasonInternalError},
	{regexp.MustCompile(`(?i)429`), ReasonRateLimited},
	{regexp.MustCompile(`(?i)ResourceExhausted`), ReasonRateLimited},
	{regexp.MustCompile(`(?i)RESOURCE_EXHAUSTED`), ReasonRateLimited},
}

var safetyRegex = regexp.MustCompile(`(?i)SAFETY|blocked.*safety|content.*policy|HARM_CATEGORY|safety.*block`)
var recitationRegex = regexp.MustCompile(`(?i)RECITATION|grounding.*policy|grounding.*block|source.*attribution`)

var incompletePatterns = []struct {
	re          *regexp.Regexp
	description string
}{
	{regexp.MustCompile(`:\s*$`), "ends with colon (incomplete list)"},
	{regexp.MustCompile(`ვარიანტებია:\s*$`), "ends with 'options are:' (incomplete list)"},
	{regexp.MustCompile(`შემდეგია:\s*$`), "ends with 'following:' (incomplete list)"},
	{regexp.MustCompile(`და\s*$`), "ends with Georgian 'and' conjunction"},
	{regexp.MustCompile(`მაგრამ\s*$`), "ends with Georgian 'but' conjunction"},
}

// Metrics is the accumulated per-category counter snapshot.
type Metrics struct {
	TotalAnalyzed        int
	SafetyBlocks         int
	RecitationBlocks     int
	ServiceErrors        int
	RateLimits           int
	EmptyResponses       int
	IncompleteResponses  int
}

// Trigger is a thread-safe, stateless-per-decision detector that
// accumulates metrics across calls.
type Trigger struct {
	mu      sync.Mutex
	metrics Metrics
}

// New constructs a Trigger with zeroed metrics.
func New() *Trigger { return &Trigger{} }

// AnalyzeResponse inspects a candidate response for fallback triggers, in
// priority order: safety/recitation block, prompt block, then (if
// checkEmpty) absence of meaningful content.
func (t *Trigger) AnalyzeResponse(resp CandidateResponse, checkEmpty bool) Decision {
	t.mu.Lock()
	t.metrics.TotalAnalyzed++
	t.mu.Unlock()

	if resp.FinishReason != "" {
		upper := strings.ToUpper(resp.FinishReason)
		if strings.Contains(upper, "SAFETY") {
			t.bump(func(m *Metrics) { m.SafetyBlocks++ })
			return Decision{
				ShouldFallback: true,
				Reason:         ReasonSafetyBlock,
				Details:        "safety block: " + resp.FinishReason,
				Retryable:      false,
				Severity:       3,
			}
		}
		if strings.Contains(upper, "RECITATION") {
			t.bump(func(m *Metrics) { m.RecitationBlocks++ })
			return Decision{
				ShouldFallback: true,
				Reason:         ReasonRecitationBlock,
				Details:        "recitation block: " + resp.FinishReason,
				Retryable:      false,
				Severity:       2,
			}
		}
	}

	if resp.PromptBlockReason != "" && resp.PromptBlockReason != "BLOCK_REASON_UNSPECIFIED" {
		if strings.Contains(strings.ToUpper(resp.PromptBlockReason), "SAFETY") {
			t.bump(func(m *Metrics) { m.SafetyBlocks++ })
			return Decision{
				ShouldFallback: true,
				Reason:         ReasonSafetyBlock,
				Details:        "prompt blocked: " + resp.PromptBlockReason,
				Retryable:      false,
				Severity:       3,
			}
		}
	}

	if checkEmpty && !hasMeaningfulContent(resp.Parts) {
		t.bump(func(m *Metrics) { m.EmptyResponses++ })
		return Decision{
			ShouldFallback: true,
			Reason:         ReasonEmptyResponse,
			Details:        "response has no meaningful content",
			Retryable:      true,
			Severity:       1,
		}
	}

	return noneDecision("response OK")
}

func hasMeaningfulContent(parts []chat.Part) bool {
	for _, p := range parts {
		switch p.Kind {
		case chat.PartText:
			if strings.TrimSpace(p.Text) != "" {
				return true
			}
		case chat.PartFunctionCall:
			return true
		}
	}
	return false
}

// AnalyzeError inspects an error's message and type name for fallback
// triggers: service errors first, then safety/recitation patterns, then
// timeout, falling back to an unknown-error classification as a
// precaution.
func (t *Trigger) AnalyzeError(errType, errMsg string) Decision {
	t.mu.Lock()
	t.metrics.TotalAnalyzed++
	t.mu.Unlock()

	for _, sp := range servicePatterns {
		if sp.re.MatchString(errMsg) || sp.re.MatchString(errType) {
			if sp.reason == ReasonRateLimited {
				t.bump(func(m *Metrics) { m.RateLimits++ })
				return Decision{ShouldFallback: true, Reason: sp.reason, Details: "rate limited: " + truncate(errMsg), Retryable: true, Severity: 2}
			}
			t.bump(func(m *Metrics) { m.ServiceErrors++ })
			return Decision{ShouldFallback: true, Reason: sp.reason, Details: "service error: " + truncate(errMsg), Retryable: true, Severity: 2}
		}
	}

	if safetyRegex.MatchString(errMsg) {
		t.bump(func(m *Metrics) { m.SafetyBlocks++ })
		return Decision{ShouldFallback: true, Reason: ReasonSafetyBlock, Details: "safety in exception: " + truncate(errMsg), Retryable: false, Severity: 3}
	}

	if recitationRegex.MatchString(errMsg) {
		t.bump(func(m *Metrics) { m.RecitationBlocks++ })
		return Decision{ShouldFallback: true, Reason: ReasonRecitationBlock, Details: "recitation in exception: " + truncate(errMsg), Retryable: false, Severity: 2}
	}

	if strings.Contains(strings.ToLower(errMsg), "timeout") || strings.Contains(errType, "TimeoutError") {
		return Decision{ShouldFallback: true, Reason: ReasonTimeout, Details: "request timeout: " + truncate(errMsg), Retryable: true, Severity: 2}
	}

	logger.L.Warnf("unknown error triggering fallback: %s: %s", errType, truncate(errMsg))
	return Decision{ShouldFallback: true, Reason: ReasonUnknownError, Details: "unknown: " + errType + ": " + truncate(errMsg), Retryable: true, Severity: 1}
}

// AnalyzeTextCompleteness inspects accumulated response text for
// mid-sentence cutoffs (Georgian conjunctions, trailing colon before an
// enumerated list) that indicate a truncated response worth retrying.
func (t *Trigger) AnalyzeTextCompleteness(text string) Decision {
	if text == "" {
		return noneDecision("empty text, not checking completeness")
	}

	stripped := strings.TrimSpace(text)
	if len(stripped) < 50 {
		return noneDecision("text too short to check completeness")
	}

	for _, ip := range incompletePatterns {
		if ip.re.MatchString(stripped) {
			t.bump(func(m *Metrics) { m.IncompleteResponses++ })
			logger.L.Warnf("incomplete response detected: %s", ip.description)
			return Decision{
				ShouldFallback: true,
				Reason:         ReasonIncompleteResponse,
				Details:        "response " + ip.description,
				Retryable:      true,
				Severity:       2,
			}
		}
	}

	return noneDecision("response appears complete")
}

// Metrics returns a copy of the accumulated detection counters.
func (t *Trigger) Metrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}

// ResetMetrics zeroes all counters.
func (t *Trigger) ResetMetrics() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = Metrics{}
}

func (t *Trigger) bump(f func(*Metrics)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f(&t.metrics)
}

func truncate(s string) string {
	if len(s) > 100 {
		return s[:100]
	}
	return s
}
