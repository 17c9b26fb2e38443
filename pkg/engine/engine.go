// Package engine implements the Conversation Engine: the top-level
// orchestrator that loads a session's context, routes it to a model via
// the Hybrid Manager, drives the Function-Calling Loop, assembles the
// response through the Response Buffer, and persists the result. It is
// the one component that holds a full-request view and wires every
// other subsystem together, mirroring how jingkaihe-kodelet's CLI
// command layer composes its LLM client, conversation store and tool
// registry into one request path.
package engine

import (
	"context"
	"time"

	"github.com/scoopai/convcore/pkg/buffer"
	"github.com/scoopai/convcore/pkg/hybrid"
	"github.com/scoopai/convcore/pkg/llmclient"
	"github.com/scoopai/convcore/pkg/loop"
	"github.com/scoopai/convcore/pkg/memory/extractor"
	"github.com/scoopai/convcore/pkg/memory/store"
	"github.com/scoopai/convcore/pkg/tools"
	"github.com/scoopai/convcore/pkg/toolexec"
)

// basePrompt is the fixed persona/instruction prefix every session's
// system instruction is built from. {{USER_FACTS}} is substituted with a
// compact rendering of the user's curated and daily facts.
const basePrompt = `შენ ხარ სპორტული კვების ასისტენტი, რომელიც ეხმარება მომხმარებლებს პროდუქტების შერჩევასა და კვების რჩევებში. პასუხობ ქართულად, მეგობრულად და კონკრეტულად.

მომხმარებლის შესახებ ცნობილი ფაქტები:
{{USER_FACTS}}

თუ გჭირდება პროდუქტის ინფორმაცია, გამოიყენე ხელმისაწვდომი ფუნქციები. პასუხის ბოლოს შეგიძლია დაამატო რჩევა [TIP]...[/TIP] ტეგებში და შემდეგი ნაბიჯის ვარიანტები [QUICK_REPLIES]...[/QUICK_REPLIES] ტეგებში.`

const noFactsPlaceholder = "（ჯერ არაფერია ცნობილი）"

// factRenderLimit and factMinSimilarity bound how many facts are
// rendered into the system prompt and how relevant they must be to the
// current message to qualify.
const (
	factRenderLimit   = 8
	factMinSimilarity = 0.0
)

// safetyFallbackTextThreshold is the accumulated-text length below which
// a SAFETY-finished round is considered a near-empty response worth
// retrying on a fallback model.
const safetyFallbackTextThreshold = 300

// Catalog is the product-search backend the engine wires into the Tool
// Executor and into the search-first preflight.
type Catalog interface {
	SearchProducts(ctx context.Context, query, category string, maxPrice float64) ([]buffer.Product, error)
	GetProductDetails(ctx context.Context, productID string) (map[string]any, error)
}

// Config tunes one Engine instance.
type Config struct {
	LoopConfig       loop.Config
	Temperature      float32
	ThinkingStrategy ThinkingStrategy
	ThinkingDelay    time.Duration
}

// DefaultConfig mirrors the documented defaults: an 8-round loop budget,
// simple_loader thinking UI with a short pacing delay.
func DefaultConfig() Config {
	return Config{
		LoopConfig:       loop.DefaultConfig(),
		Temperature:      0.7,
		ThinkingStrategy: ThinkingSimpleLoader,
		ThinkingDelay:    150 * time.Millisecond,
	}
}

// Engine is the Conversation Engine: one instance serves every request,
// building fresh per-turn sessions, tool executors and loops.
type Engine struct {
	llm       llmclient.Client
	hybrid    *hybrid.Manager
	sessions  sessionStore
	compactor contextCompactor
	extractor *extractor.Extractor
	catalog   Catalog
	cfg       Config
}

// New constructs an Engine wiring together an LLM client, the Hybrid
// Manager, the Mongo-backed session/profile store, the context
// Compactor, the Fact Extractor (run eagerly after every turn, separate
// from the Compactor's own pre-flush use of it), and a product catalog
// backend. sessions and comp are narrowed to the methods the engine
// actually calls (sessionStore/contextCompactor), so *store.Store and
// *compactor.Compactor satisfy them directly while tests can substitute
// fakes.
func New(llm llmclient.Client, hyb *hybrid.Manager, sessions sessionStore, comp contextCompactor, ext *extractor.Extractor, catalog Catalog, cfg Config) *Engine {
	return &Engine{llm: llm, hybrid: hyb, sessions: sessions, compactor: comp, extractor: ext, catalog: catalog, cfg: cfg}
}

// ConversationResult is the sync-mode response of ProcessMessage.
type ConversationResult struct {
	Text            string
	Tip             string
	QuickReplies    []buffer.QuickReply
	Products        []buffer.Product
	ProductsMarkdown string
	SessionID       string
	ModelUsed       string
	FallbackUsed    bool
}

// catalogSearcher adapts Catalog to toolexec.Searcher.
type catalogSearcher struct{ catalog Catalog }

func (c catalogSearcher) Search(ctx context.Context, userID string, args tools.SearchProductsArgs) (toolexec.SearchResult, error) {
	products, err := c.catalog.SearchProducts(ctx, args.Query, args.Category, args.MaxPrice)
	if err != nil {
		return toolexec.SearchResult{}, err
	}
	return toolexec.SearchResult{Products: products, Count: len(products)}, nil
}

// catalogDetailsGetter adapts Catalog to toolexec.ProductDetailsGetter.
type catalogDetailsGetter struct{ catalog Catalog }

func (c catalogDetailsGetter) GetProductDetails(ctx context.Context, args tools.ProductDetailsArgs) (map[string]any, error) {
	return c.catalog.GetProductDetails(ctx, args.ProductID)
}

// storeProfileUpdater adapts a sessionStore to toolexec.ProfileUpdater,
// applying only the non-zero fields the model supplied.
type storeProfileUpdater struct{ store sessionStore }

func (p storeProfileUpdater) UpdateUserProfile(ctx context.Context, userID string, args tools.UpdateUserProfileArgs) (map[string]any, error) {
	doc, err := p.store.GetUserProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	doc.UserID = userID

	applied := map[string]any{}
	if args.Goal != "" {
		doc.Goals = appendUnique(doc.Goals, args.Goal)
		applied["goal"] = args.Goal
	}
	if args.WeightKg != 0 {
		doc.WeightHistory = append(doc.WeightHistory, store.WeightEntry{Value: args.WeightKg, Date: time.Now()})
		applied["weight_kg"] = args.WeightKg
	}
	if len(args.DietaryNeeds) > 0 {
		doc.Allergies = appendUniqueAll(doc.Allergies, args.DietaryNeeds)
		applied["dietary_needs"] = args.DietaryNeeds
	}
	if args.PreferredBrand != "" {
		if doc.Preferences == nil {
			doc.Preferences = map[string]any{}
		}
		doc.Preferences["preferred_brand"] = args.PreferredBrand
		applied["preferred_brand"] = args.PreferredBrand
	}

	if err := p.store.UpsertUserProfile(ctx, doc); err != nil {
		return nil, err
	}
	applied["updated"] = true
	return applied, nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func appendUniqueAll(list []string, values []string) []string {
	for _, v := range values {
		list = appendUnique(list, v)
	}
	return list
}
