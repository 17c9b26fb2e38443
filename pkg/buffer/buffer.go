// Package buffer implements the Response Buffer: a thread-safe
// accumulator for one response's text, products, tip and quick replies.
// It replaces the scattered per-request state variables a naive
// streaming handler would otherwise juggle, and guarantees TIP/
// QUICK_REPLIES extraction happens exactly once per response.
package buffer

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
)

var (
	tipPattern = regexp.MustCompile(`(?is)\[TIP\](.*?)\[/TIP\]`)

	quickRepliesPattern         = regexp.MustCompile(`(?is)\[QUICK_REPLIES\](.*?)\[/QUICK_REPLIES\]`)
	quickRepliesFallbackPattern = regexp.MustCompile(`(?is)შემდეგი ნაბიჯი[:\s]*(.+?)(?:\n\n|\[|\z)`)

	leadingBulletPattern = regexp.MustCompile(`^[\s\-\*•\d.]+`)
	numberedBoldPattern  = regexp.MustCompile(`\*\*\d+\.`)
	boldRunPattern       = regexp.MustCompile(`\*\*[^*]+\*\*`)
)

const maxQuickReplies = 4
const maxProductsInMarkdown = 10

// QuickReply is a single suggested follow-up chip.
type QuickReply struct {
	Title   string
	Payload string
}

// Product is the minimal product shape the buffer needs: an
// identity for dedup and the display fields used by
// FormatProductsMarkdown. Callers populate Extra with whatever
// additional fields the UI layer wants verbatim.
type Product struct {
	ID    string
	Name  string
	Brand string
	Price float64
	Extra map[string]any
}

// TipSource identifies where a response's tip came from.
type TipSource string

const (
	TipSourceNone      TipSource = ""
	TipSourceNative    TipSource = "native"
	TipSourceGenerated TipSource = "generated"
)

// State is an immutable snapshot of a Buffer, safe to hand to an SSE
// writer without holding the buffer's lock.
type State struct {
	Text         string
	Products     []Product
	Tip          string
	TipSource    TipSource
	QuickReplies []QuickReply
	ProductCount int
	HasContent   bool
}

// Buffer is a thread-safe, single-response accumulator. The zero value
// is not usable; construct with New.
type Buffer struct {
	mu sync.RWMutex

	text         string
	products     []Product
	productIDs   map[string]struct{}
	tip          string
	tipSet       bool
	tipSource    TipSource
	quickReplies []QuickReply

	tipExtracted          bool
	quickRepliesExtracted bool
}

// New constructs an empty Buffer.
func New() *Buffer {
	return &Buffer{productIDs: make(map[string]struct{})}
}

// AppendText appends a chunk to the buffer's text, for streaming
// accumulation.
func (b *Buffer) AppendText(text string) {
	if text == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text += text
}

// SetText replaces the buffer's text wholesale and resets the TIP/
// quick-replies extraction flags, since the text changed underneath them.
func (b *Buffer) SetText(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text = text
	b.tipExtracted = false
	b.quickRepliesExtracted = false
}

// Text returns the current accumulated text.
func (b *Buffer) Text() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.text
}

// HasText reports whether the buffer has non-whitespace text.
func (b *Buffer) HasText() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return strings.TrimSpace(b.text) != ""
}

// AddProducts appends products, deduplicating by ID. Products without an
// ID are always added since they cannot be deduplicated. Returns the
// number of products actually added.
func (b *Buffer) AddProducts(products []Product) int {
	if len(products) == 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	added := 0
	for _, p := range products {
		if p.ID != "" {
			if _, exists := b.productIDs[p.ID]; exists {
				continue
			}
			b.productIDs[p.ID] = struct{}{}
		}
		b.products = append(b.products, p)
		added++
	}
	return added
}

// Products returns a copy of the current product list.
func (b *Buffer) Products() []Product {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Product, len(b.products))
	copy(out, b.products)
	return out
}

// ProductCount returns the number of products in the buffer.
func (b *Buffer) ProductCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.products)
}

// HasProducts reports whether the buffer holds any products.
func (b *Buffer) HasProducts() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.products) > 0
}

// ExtractAndSetTip extracts a [TIP]...[/TIP] block from the text if
// present, removes it from the text, and marks its source as native.
// This is the single extraction point for TIPs — calling it again is a
// no-op that returns the previously extracted value.
func (b *Buffer) ExtractAndSetTip() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tipExtracted {
		return b.tip, b.tipSet
	}

	loc := tipPattern.FindStringSubmatchIndex(b.text)
	b.tipExtracted = true
	if loc == nil {
		return "", false
	}

	tip := strings.TrimSpace(b.text[loc[2]:loc[3]])
	b.text = strings.TrimSpace(tipPattern.ReplaceAllString(b.text, ""))
	b.tip = tip
	b.tipSet = true
	b.tipSource = TipSourceNative
	return tip, true
}

// SetGeneratedTip sets tip as a generated (non-native) tip, but only if
// no tip has been set yet. Returns whether it was applied.
func (b *Buffer) SetGeneratedTip(tip string) bool {
	if tip == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tipSet {
		return false
	}
	b.tip = tip
	b.tipSet = true
	b.tipSource = TipSourceGenerated
	return true
}

// Tip returns the current tip and whether one is set.
func (b *Buffer) Tip() (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tip, b.tipSet
}

// HasTip reports whether a tip (native or generated) is set.
func (b *Buffer) HasTip() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tipSet
}

// TipSource returns the source of the current tip.
func (b *Buffer) TipSource() TipSource {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tipSource
}

// ParseQuickReplies extracts a [QUICK_REPLIES]...[/QUICK_REPLIES] block,
// falling back to the Georgian "შემდეგი ნაბიჯი:" convention, removes the
// matched block from the text, and caps the result at four entries. This
// is idempotent: a second call returns the previously parsed replies.
func (b *Buffer) ParseQuickReplies() []QuickReply {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.quickRepliesExtracted {
		out := make([]QuickReply, len(b.quickReplies))
		copy(out, b.quickReplies)
		return out
	}

	var replies []QuickReply

	if loc := quickRepliesPattern.FindStringSubmatchIndex(b.text); loc != nil {
		content := strings.TrimSpace(b.text[loc[2]:loc[3]])
		replies = parseReplyContent(content)
		b.text = strings.TrimSpace(quickRepliesPattern.ReplaceAllString(b.text, ""))
	} else if loc := quickRepliesFallbackPattern.FindStringSubmatchIndex(b.text); loc != nil {
		content := strings.TrimSpace(b.text[loc[2]:loc[3]])
		replies = parseReplyContent(content)
		b.text = strings.TrimSpace(quickRepliesFallbackPattern.ReplaceAllString(b.text, ""))
	}

	b.quickReplies = replies
	b.quickRepliesExtracted = true

	out := make([]QuickReply, len(replies))
	copy(out, replies)
	return out
}

func parseReplyContent(content string) []QuickReply {
	var replies []QuickReply
	lines := regexp.MustCompile(`[\n;]`).Split(content, -1)

	for _, line := range lines {
		line = leadingBulletPattern.ReplaceAllString(line, "")
		line = strings.TrimSpace(line)
		if len(line) <= 2 {
			continue
		}
		title := line
		if len(title) > 100 {
			title = title[:100]
		}
		replies = append(replies, QuickReply{Title: title, Payload: title})
		if len(replies) == maxQuickReplies {
			break
		}
	}
	return replies
}

// QuickReplies returns a copy of the current quick replies.
func (b *Buffer) QuickReplies() []QuickReply {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]QuickReply, len(b.quickReplies))
	copy(out, b.quickReplies)
	return out
}

// SetQuickReplies sets quick replies directly (for externally generated
// suggestions), capped at four.
func (b *Buffer) SetQuickReplies(replies []QuickReply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(replies) > maxQuickReplies {
		replies = replies[:maxQuickReplies]
	}
	b.quickReplies = replies
	b.quickRepliesExtracted = true
}

// FormatProductsMarkdown renders up to ten buffered products as a
// numbered, bold-title Markdown list: "**1. Name** - Brand - ₾Price".
func (b *Buffer) FormatProductsMarkdown() string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.products) == 0 {
		return ""
	}

	n := len(b.products)
	if n > maxProductsInMarkdown {
		n = maxProductsInMarkdown
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		p := b.products[i]
		name := p.Name
		if name == "" {
			name = "პროდუქტი"
		}
		line := fmt.Sprintf("**%d. %s**", i+1, name)
		if p.Brand != "" {
			line += " - " + p.Brand
		}
		if p.Price != 0 {
			line += fmt.Sprintf(" - ₾%g", p.Price)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// FormatProductsHTML renders FormatProductsMarkdown through goldmark to
// an HTML fragment, for callers whose UI contract wants HTML rather than
// raw Markdown.
func (b *Buffer) FormatProductsHTML() (string, error) {
	md := b.FormatProductsMarkdown()
	if md == "" {
		return "", nil
	}
	var out strings.Builder
	if err := goldmark.Convert([]byte(md), &out); err != nil {
		return "", fmt.Errorf("buffer: render product markdown: %w", err)
	}
	return out.String(), nil
}

// HasValidProductMarkdown heuristically detects whether the buffer's
// text already contains model-authored product formatting (a numbered
// bold line, or at least two bold runs), so the caller can skip
// generating its own product markdown.
func (b *Buffer) HasValidProductMarkdown() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.text == "" {
		return false
	}
	if numberedBoldPattern.MatchString(b.text) {
		return true
	}
	return len(boldRunPattern.FindAllString(b.text, -1)) >= 2
}

// Snapshot returns an immutable copy of the buffer's current state,
// safe to pass to an SSE writer without holding the lock.
func (b *Buffer) Snapshot() State {
	b.mu.RLock()
	defer b.mu.RUnlock()

	products := make([]Product, len(b.products))
	copy(products, b.products)
	replies := make([]QuickReply, len(b.quickReplies))
	copy(replies, b.quickReplies)

	return State{
		Text:         b.text,
		Products:     products,
		Tip:          b.tip,
		TipSource:    b.tipSource,
		QuickReplies: replies,
		ProductCount: len(b.products),
		HasContent:   strings.TrimSpace(b.text) != "" || len(b.products) > 0,
	}
}

// HasContent reports whether the buffer holds meaningful text or
// products.
func (b *Buffer) HasContent() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return strings.TrimSpace(b.text) != "" || len(b.products) > 0
}

// Clear resets all buffer state, for reuse between requests in tests.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text = ""
	b.products = nil
	b.productIDs = make(map[string]struct{})
	b.tip = ""
	b.tipSet = false
	b.tipSource = TipSourceNone
	b.quickReplies = nil
	b.tipExtracted = false
	b.quickRepliesExtracted = false
}

// GetCleanText ensures TIP and quick-reply extraction has run, then
// returns the resulting text.
func (b *Buffer) GetCleanText() string {
	b.ExtractAndSetTip()
	b.ParseQuickReplies()
	return b.Text()
}

// Finalize extracts TIP and quick replies if not already done, and
// returns the clean text, tip, and quick replies together — the
// convenience call sites use to build a final response.
func (b *Buffer) Finalize() (text, tip string, replies []QuickReply) {
	b.ExtractAndSetTip()
	b.ParseQuickReplies()

	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]QuickReply, len(b.quickReplies))
	copy(out, b.quickReplies)
	return b.text, b.tip, out
}
