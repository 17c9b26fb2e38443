package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/scoopai/convcore/pkg/buffer"
)

// productNounLexicon is the stem list the search-first classifier looks
// for; a message is only a candidate product query if one of these
// appears, case-insensitively, as a substring.
var productNounLexicon = []string{
	"პროტეინ", "კრეატინ", "ვიტამინ", "ამინომჟავ", "ცილ", "BCAA", "whey", "protein", "creatine",
}

// intentVerbLexicon are Georgian verbs that signal the user wants
// something, as opposed to merely mentioning a product noun in passing.
var intentVerbLexicon = []string{"მინდა", "მჭირდება", "გვჭირდება", "ვეძებ"}

// negativeMarkerLexicon are past-tense/complaint markers that veto a
// product-query classification even when a noun and intent verb are both
// present — "ვიყიდე პროტეინი" (I already bought protein) isn't a search
// request.
var negativeMarkerLexicon = []string{"ვიყიდე", "ვცადე", "ცუდი", "დაბრუნება"}

// maxPreflightHistoryLen is the history-length ceiling above which the
// search-first preflight never triggers — by then the conversation has
// enough context that an unprompted catalog search is more likely to be
// off-topic than helpful.
const maxPreflightHistoryLen = 4

// isProductQuery is the lightweight rule-based classifier: a message
// triggers a preflight search only if it names a product noun, shows
// buying intent (a verb or a question), carries no negative marker, and
// the conversation is still short enough that the user hasn't already
// established unrelated context.
func isProductQuery(message string, historyLen int) (bool, string) {
	if historyLen > maxPreflightHistoryLen {
		return false, ""
	}

	lower := strings.ToLower(message)

	for _, marker := range negativeMarkerLexicon {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return false, ""
		}
	}

	noun := ""
	for _, stem := range productNounLexicon {
		if strings.Contains(lower, strings.ToLower(stem)) {
			noun = stem
			break
		}
	}
	if noun == "" {
		return false, ""
	}

	hasIntentVerb := false
	for _, verb := range intentVerbLexicon {
		if strings.Contains(lower, strings.ToLower(verb)) {
			hasIntentVerb = true
			break
		}
	}
	isInterrogative := strings.Contains(message, "?") || strings.Contains(lower, "რა ")

	if !hasIntentVerb && !isInterrogative {
		return false, ""
	}
	return true, noun
}

const maxInjectedProducts = 5

// formatProductsForInjection renders up to maxInjectedProducts products as
// a numbered "name - price₾ (brand)" list for the reference block
// inserted into the first user message, omitting the parenthesized brand
// when absent.
func formatProductsForInjection(products []buffer.Product) string {
	if len(products) == 0 {
		return ""
	}
	n := len(products)
	if n > maxInjectedProducts {
		n = maxInjectedProducts
	}

	var sb strings.Builder
	for i := 0; i < n; i++ {
		p := products[i]
		line := fmt.Sprintf("%d. %s - %s₾", i+1, p.Name, trimPrice(p.Price))
		if p.Brand != "" {
			line += fmt.Sprintf(" (%s)", p.Brand)
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

func trimPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', -1, 64)
}

const productReferenceBlockFmt = "\n\n[პროდუქტების მონაცემები]\n%s[/პროდუქტების მონაცემები]"

// injectProductReference appends a delimited product reference block to
// message, for the search-first preflight to hand the model pre-fetched
// catalog matches without a tool round-trip.
func injectProductReference(message string, products []buffer.Product) string {
	rendered := formatProductsForInjection(products)
	if rendered == "" {
		return message
	}
	return message + fmt.Sprintf(productReferenceBlockFmt, rendered)
}
