// Package facts implements the tiered user-fact model: cosine-similarity
// dedup, importance-based tier selection, bucket-size capping, and
// blended vector+keyword relevance ranking. Pure and I/O-free; the
// persisted UserProfile document lives in pkg/memory/store.
package facts

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Source identifies how a fact was learned.
type Source string

const (
	SourceUserStated Source = "user_stated"
	SourceInferred   Source = "inferred"
	SourceCompaction Source = "compaction"
)

const (
	// CuratedImportanceThreshold is the importance at/above which a fact
	// is routed to the curated (no-TTL) tier instead of daily.
	CuratedImportanceThreshold = 0.8
	// SensitiveMinImportance is the floor applied to health/allergy facts.
	SensitiveMinImportance = 0.85
	// DuplicateSimilarityThreshold: a new fact whose cosine similarity to
	// any existing fact (any tier) exceeds this is rejected as duplicate.
	DuplicateSimilarityThreshold = 0.90
	// MinFactLength is the shortest accepted fact text.
	MinFactLength = 10
	// CuratedCap and DailyCap bound each tier after any insert sequence.
	CuratedCap = 100
	DailyCap   = 200
	// DailyTTL is how long a daily fact survives before TTL cleanup
	// removes it.
	DailyTTL = 60 * 24 * time.Hour
)

var validEmbeddingDims = map[int]bool{768: true, 3072: true}

// ErrDuplicate is returned by Add when the new fact is too similar to an
// existing one.
var ErrDuplicate = errors.New("facts: duplicate fact")

// ErrTooShort is returned by Add when the fact text is under MinFactLength.
var ErrTooShort = errors.New("facts: fact text too short")

// ErrInvalidEmbedding is returned by Add when the embedding dimensionality
// is neither 768 nor 3072.
var ErrInvalidEmbedding = errors.New("facts: invalid embedding dimensionality")

// Fact is one stored piece of knowledge about a user.
type Fact struct {
	Text        string
	Embedding   []float64
	CreatedAt   time.Time
	Importance  float64
	Source      Source
	IsSensitive bool
	// ExpiresAt is set only for daily-tier facts.
	ExpiresAt time.Time
}

// Tiered holds a user's facts across the three buckets described in
// spec.md §3: curated (importance ≥ threshold, no TTL), daily (importance
// below threshold, 60-day TTL), and legacy (read-only fallback, never
// written to by Add).
type Tiered struct {
	Curated []Fact
	Daily   []Fact
	Legacy  []Fact
}

// CosineSimilarity computes cosine similarity between two equal-length
// vectors; returns 0 if either is a zero vector or lengths differ.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Add validates and inserts a new fact, choosing its tier by importance
// and rejecting duplicates found via cosine similarity across all three
// tiers. Sensitive facts have their importance floored at
// SensitiveMinImportance before tier selection. Returns the tier name the
// fact was written to ("curated_facts" or "daily_facts").
func (t *Tiered) Add(f Fact, now time.Time) (string, error) {
	if len(strings.TrimSpace(f.Text)) < MinFactLength {
		return "", ErrTooShort
	}
	if !validEmbeddingDims[len(f.Embedding)] {
		return "", ErrInvalidEmbedding
	}

	for _, existing := range t.all() {
		if CosineSimilarity(f.Embedding, existing.Embedding) > DuplicateSimilarityThreshold {
			return "", ErrDuplicate
		}
	}

	if f.IsSensitive && f.Importance < SensitiveMinImportance {
		f.Importance = SensitiveMinImportance
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}

	if f.Importance >= CuratedImportanceThreshold {
		t.Curated = appendCapped(t.Curated, f, CuratedCap)
		return "curated_facts", nil
	}
	f.ExpiresAt = now.Add(DailyTTL)
	t.Daily = appendCapped(t.Daily, f, DailyCap)
	return "daily_facts", nil
}

// appendCapped appends f and, if the slice exceeds limit, drops from the
// head (oldest-first slice-from-tail policy), keeping the most recent
// limit entries.
func appendCapped(facts []Fact, f Fact, limit int) []Fact {
	facts = append(facts, f)
	if len(facts) > limit {
		facts = facts[len(facts)-limit:]
	}
	return facts
}

func (t *Tiered) all() []Fact {
	out := make([]Fact, 0, len(t.Curated)+len(t.Daily)+len(t.Legacy))
	out = append(out, t.Curated...)
	out = append(out, t.Daily...)
	out = append(out, t.Legacy...)
	return out
}

// PurgeExpiredDaily removes daily facts whose ExpiresAt is before now,
// returning the count removed.
func (t *Tiered) PurgeExpiredDaily(now time.Time) int {
	kept := t.Daily[:0:0]
	removed := 0
	for _, f := range t.Daily {
		if !f.ExpiresAt.IsZero() && f.ExpiresAt.Before(now) {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	t.Daily = kept
	return removed
}

// ScoredFact pairs a Fact with its blended relevance score for one query.
type ScoredFact struct {
	Fact  Fact
	Score float64
}

// RelevantFacts ranks facts across all three tiers against a query
// embedding (and optionally query text, blended 0.7 vector + 0.3
// keyword-overlap), filters by minSimilarity, and returns the top limit
// entries sorted by score desc, breaking ties by importance so curated
// facts rank ahead of daily/legacy at equal score.
func (t *Tiered) RelevantFacts(queryEmbedding []float64, queryText string, limit int, minSimilarity float64) []ScoredFact {
	var scored []ScoredFact
	for _, f := range t.all() {
		vectorScore := CosineSimilarity(queryEmbedding, f.Embedding)
		score := vectorScore
		if queryText != "" {
			score = 0.7*vectorScore + 0.3*keywordScore(f.Text, queryText)
		}
		if score < minSimilarity {
			continue
		}
		scored = append(scored, ScoredFact{Fact: f, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Fact.Importance > scored[j].Fact.Importance
	})

	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// keywordScore is the fraction of query tokens that also appear among the
// fact's tokens.
func keywordScore(factText, queryText string) float64 {
	queryTokens := tokenize(queryText)
	if len(queryTokens) == 0 {
		return 0
	}
	factTokens := make(map[string]struct{})
	for _, tok := range tokenize(factText) {
		factTokens[tok] = struct{}{}
	}
	matches := 0
	for _, tok := range queryTokens {
		if _, ok := factTokens[tok]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(queryTokens))
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
