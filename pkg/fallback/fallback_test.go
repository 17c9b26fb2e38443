package fallback

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scoopai/convcore/pkg/types/chat"
)

func TestAnalyzeResponse_SafetyBlockTakesPriority(t *testing.T) {
	tr := New()
	resp := CandidateResponse{
		FinishReason: "SAFETY",
		Parts:        []chat.Part{chat.NewTextPart("some text")},
	}
	d := tr.AnalyzeResponse(resp, true)
	assert.True(t, d.ShouldFallback)
	assert.Equal(t, ReasonSafetyBlock, d.Reason)
	assert.False(t, d.Retryable)
}

func TestAnalyzeResponse_RecitationBlock(t *testing.T) {
	tr := New()
	resp := CandidateResponse{FinishReason: "RECITATION"}
	d := tr.AnalyzeResponse(resp, true)
	assert.Equal(t, ReasonRecitationBlock, d.Reason)
}

func TestAnalyzeResponse_PromptBlocked(t *testing.T) {
	tr := New()
	resp := CandidateResponse{PromptBlockReason: "SAFETY_BLOCKED"}
	d := tr.AnalyzeResponse(resp, true)
	assert.Equal(t, ReasonSafetyBlock, d.Reason)
}

func TestAnalyzeResponse_EmptyResponse(t *testing.T) {
	tr := New()
	resp := CandidateResponse{Parts: []chat.Part{chat.NewTextPart("   ")}}
	d := tr.AnalyzeResponse(resp, true)
	assert.True(t, d.ShouldFallback)
	assert.Equal(t, ReasonEmptyResponse, d.Reason)
	assert.True(t, d.Retryable)
}

func TestAnalyzeResponse_FunctionCallCountsAsContent(t *testing.T) {
	tr := New()
	resp := CandidateResponse{Parts: []chat.Part{chat.NewFunctionCallPart(chat.FunctionCall{Name: "search"})}}
	d := tr.AnalyzeResponse(resp, true)
	assert.False(t, d.ShouldFallback)
}

func TestAnalyzeResponse_OK(t *testing.T) {
	tr := New()
	resp := CandidateResponse{Parts: []chat.Part{chat.NewTextPart("hello there")}}
	d := tr.AnalyzeResponse(resp, true)
	assert.False(t, d.ShouldFallback)
	assert.Equal(t, ReasonNone, d.Reason)
}

func TestAnalyzeError_ServiceUnavailable(t *testing.T) {
	tr := New()
	d := tr.AnalyzeError("ServiceUnavailable", "503 backend overloaded")
	assert.True(t, d.ShouldFallback)
	assert.Equal(t, ReasonServiceUnavailable, d.Reason)
	assert.True(t, d.Retryable)
}

func TestAnalyzeError_RateLimited(t *testing.T) {
	tr := New()
	d := tr.AnalyzeError("ResourceExhausted", "429 too many requests")
	assert.Equal(t, ReasonRateLimited, d.Reason)
}

func TestAnalyzeError_Timeout(t *testing.T) {
	tr := New()
	d := tr.AnalyzeError("DeadlineExceeded", "request timeout after 30s")
	assert.Equal(t, ReasonTimeout, d.Reason)
}

func TestAnalyzeError_UnknownFallsBackAsPrecaution(t *testing.T) {
	tr := New()
	d := tr.AnalyzeError("WeirdError", "something odd happened")
	assert.True(t, d.ShouldFallback)
	assert.Equal(t, ReasonUnknownError, d.Reason)
}

func TestAnalyzeTextCompleteness(t *testing.T) {
	tr := New()

	longEnough := strings.Repeat("ტექსტი ", 10)

	cases := []struct {
		name      string
		text      string
		fallback  bool
	}{
		{"empty", "", false},
		{"too short", "short", false},
		{"ends with colon", longEnough + ":", true},
		{"ends with georgian and", longEnough + "და", true},
		{"complete sentence", longEnough + ".", false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := tr.AnalyzeTextCompleteness(c.text)
			assert.Equal(t, c.fallback, d.ShouldFallback)
		})
	}
}

func TestMetrics_AccumulateAndReset(t *testing.T) {
	tr := New()
	tr.AnalyzeResponse(CandidateResponse{FinishReason: "SAFETY"}, true)
	tr.AnalyzeResponse(CandidateResponse{Parts: []chat.Part{chat.NewTextPart("")}}, true)

	m := tr.Metrics()
	assert.Equal(t, 2, m.TotalAnalyzed)
	assert.Equal(t, 1, m.SafetyBlocks)
	assert.Equal(t, 1, m.EmptyResponses)

	tr.ResetMetrics()
	assert.Equal(t, Metrics{}, tr.Metrics())
}
