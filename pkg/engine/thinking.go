package engine

import "strings"

// ThinkingStrategy selects how the engine surfaces progress to the UI
// while a turn is in flight.
type ThinkingStrategy string

const (
	// ThinkingNone emits no thinking events at all.
	ThinkingNone ThinkingStrategy = "none"
	// ThinkingSimpleLoader emits a short, category-guessed sequence of
	// Georgian progress strings, paced by Config.ThinkingDelay.
	ThinkingSimpleLoader ThinkingStrategy = "simple_loader"
	// ThinkingNative forwards the model's own thought parts verbatim.
	ThinkingNative ThinkingStrategy = "native"
)

// intentCategory is the coarse message-intent bucket the simple_loader
// strategy guesses from the user's message, to pick a plausible
// progress-string sequence.
type intentCategory int

const (
	intentGeneral intentCategory = iota
	intentProductSearch
	intentProfileUpdate
	intentGreeting
)

var greetingMarkers = []string{"გამარჯობა", "სალამი", "hi", "hello"}
var profileMarkers = []string{"წონა", "მიზანი", "ასაკი", "ალერგია"}

// guessIntentCategory is the simple_loader heuristic: it reuses the
// search-first product-noun lexicon plus a couple of small keyword
// lists, rather than a second full classifier, since the
// thinking UI only needs a plausible label, not a correct one.
func guessIntentCategory(message string) intentCategory {
	lower := strings.ToLower(message)
	for _, m := range greetingMarkers {
		if strings.Contains(lower, m) {
			return intentGreeting
		}
	}
	for _, stem := range productNounLexicon {
		if strings.Contains(lower, strings.ToLower(stem)) {
			return intentProductSearch
		}
	}
	for _, m := range profileMarkers {
		if strings.Contains(lower, m) {
			return intentProfileUpdate
		}
	}
	return intentGeneral
}

// simpleLoaderSteps are the fixed Georgian progress strings per category,
// emitted in order and paced by Config.ThinkingDelay.
var simpleLoaderSteps = map[intentCategory][]string{
	intentGreeting:       {"ვამზადებ პასუხს..."},
	intentProductSearch:  {"ვეძებ შესაფერის პროდუქტებს...", "ვამოწმებ ფასებსა და ბრენდებს..."},
	intentProfileUpdate:  {"ვაახლებ შენს პროფილს..."},
	intentGeneral:        {"ვფიქრობ პასუხზე..."},
}

// thinkingStepsFor returns the ordered progress strings the simple_loader
// strategy should emit for message, or nil for the none/native strategies.
func thinkingStepsFor(strategy ThinkingStrategy, message string) []string {
	if strategy != ThinkingSimpleLoader {
		return nil
	}
	return simpleLoaderSteps[guessIntentCategory(message)]
}
