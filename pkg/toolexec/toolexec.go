// Package toolexec implements the Tool Executor: dispatches a model's
// function calls to concrete backends with an explicit user id (no
// ambient/context-local state), deduplicates repeated searches within a
// batch and across a turn, and enforces a forceful stop directive once
// the unique-query budget is spent.
package toolexec

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/scoopai/convcore/pkg/buffer"
	"github.com/scoopai/convcore/pkg/logger"
	"github.com/scoopai/convcore/pkg/tools"
	"github.com/scoopai/convcore/pkg/types/chat"
)

// SearchResult is what a Searcher backend returns for one query.
type SearchResult struct {
	Products []buffer.Product
	Count    int
}

// Searcher executes a product search against the catalog.
type Searcher interface {
	Search(ctx context.Context, userID string, args tools.SearchProductsArgs) (SearchResult, error)
}

// ProfileUpdater persists a user profile update.
type ProfileUpdater interface {
	UpdateUserProfile(ctx context.Context, userID string, args tools.UpdateUserProfileArgs) (map[string]any, error)
}

// ProductDetailsGetter fetches a single product's full detail record.
type ProductDetailsGetter interface {
	GetProductDetails(ctx context.Context, args tools.ProductDetailsArgs) (map[string]any, error)
}

// Result is the outcome of executing one function call.
type Result struct {
	Name       string
	Response   map[string]any
	Products   []buffer.Product
	Skipped    bool
	SkipReason string
}

// ErrMissingUserID is returned by New when userID is empty; the Tool
// Executor never falls back to ambient/context-local state.
var ErrMissingUserID = errors.New("toolexec: user_id is required")

// Executor dispatches function calls for one conversation turn.
type Executor struct {
	mu sync.Mutex

	userID  string
	profile map[string]any

	search  Searcher
	update  ProfileUpdater
	details ProductDetailsGetter

	maxUniqueQueries int
	executedQueries  map[string]struct{}
	allProducts      []buffer.Product
}

// Option configures an Executor.
type Option func(*Executor)

// WithSearcher sets the search_products backend.
func WithSearcher(s Searcher) Option { return func(e *Executor) { e.search = s } }

// WithProfileUpdater sets the update_user_profile backend.
func WithProfileUpdater(u ProfileUpdater) Option { return func(e *Executor) { e.update = u } }

// WithProductDetailsGetter sets the get_product_details backend.
func WithProductDetailsGetter(g ProductDetailsGetter) Option {
	return func(e *Executor) { e.details = g }
}

// WithMaxUniqueQueries overrides how many distinct search queries one
// turn may execute before the executor returns a forceful stop
// directive.
func WithMaxUniqueQueries(n int) Option { return func(e *Executor) { e.maxUniqueQueries = n } }

// New constructs an Executor for one user's turn, with profile pre-cached
// to avoid a round-trip get_user_profile call for every parallel
// function-call batch.
func New(userID string, profile map[string]any, opts ...Option) (*Executor, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	e := &Executor{
		userID:           userID,
		profile:          profile,
		maxUniqueQueries: 3,
		executedQueries:  make(map[string]struct{}),
	}
	if e.profile == nil {
		e.profile = make(map[string]any)
	}
	for _, opt := range opts {
		opt(e)
	}
	logger.L.Infof("tool executor initialized for user_id=%s", userID)
	return e, nil
}

// Execute dispatches a single function call to its handler.
func (e *Executor) Execute(ctx context.Context, call chat.FunctionCall) Result {
	logger.G(ctx).WithField("tool", call.Name).Debug("executing tool call")

	switch call.Name {
	case tools.NameSearchProducts:
		return e.executeSearch(ctx, call.Args)
	case tools.NameGetUserProfile:
		return e.executeGetProfile()
	case tools.NameUpdateUserProfile:
		return e.executeUpdateProfile(ctx, call.Args)
	case tools.NameGetProductDetails:
		return e.executeProductDetails(ctx, call.Args)
	default:
		logger.G(ctx).Warnf("unknown function: %s", call.Name)
		return Result{Name: call.Name, Response: map[string]any{"error": fmt.Sprintf("unknown function: %s", call.Name)}}
	}
}

// ExecuteBatch dispatches every call in a single model round, optionally
// deduplicating search_products so only the first search in the batch
// actually runs; subsequent ones are marked skipped/batch_duplicate.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []chat.FunctionCall, dedupeSearch bool) []Result {
	results := make([]Result, 0, len(calls))
	searchExecutedInBatch := false

	for _, call := range calls {
		if dedupeSearch && call.Name == tools.NameSearchProducts {
			if searchExecutedInBatch {
				logger.G(ctx).Warn("skipping duplicate search_products in batch")
				results = append(results, Result{
					Name:       call.Name,
					Response:   map[string]any{"note": "skipped duplicate search in batch"},
					Skipped:    true,
					SkipReason: "batch_duplicate",
				})
				continue
			}
			searchExecutedInBatch = true
		}

		results = append(results, e.Execute(ctx, call))
	}
	return results
}

func (e *Executor) executeSearch(ctx context.Context, args map[string]any) Result {
	var parsed tools.SearchProductsArgs
	if err := decodeArgs(args, &parsed); err != nil {
		return Result{Name: tools.NameSearchProducts, Response: map[string]any{"error": err.Error()}}
	}
	parsed.Query = strings.TrimSpace(parsed.Query)
	queryKey := strings.ToLower(parsed.Query)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.executedQueries[queryKey]; dup {
		logger.G(ctx).Warnf("skipping duplicate query: %q", parsed.Query)
		return Result{
			Name: tools.NameSearchProducts,
			Response: map[string]any{
				"products": e.allProducts,
				"count":    len(e.allProducts),
				"note":     fmt.Sprintf("duplicate query %q, returning cached results", parsed.Query),
			},
			Products:   append([]buffer.Product(nil), e.allProducts...),
			Skipped:    true,
			SkipReason: "duplicate_query",
		}
	}

	if len(e.executedQueries) >= e.maxUniqueQueries {
		logger.G(ctx).Warnf("query limit reached (%d)", e.maxUniqueQueries)
		return Result{
			Name: tools.NameSearchProducts,
			Response: map[string]any{
				"products":    e.allProducts,
				"count":       len(e.allProducts),
				"status":      "SEARCH_COMPLETE",
				"instruction": fmt.Sprintf("⛔ საძიებო ლიმიტი ამოიწურა. ნაპოვნია %d პროდუქტი. აღარ გამოიძახო search_products! დაწერე რეკომენდაცია ახლავე ამ პროდუქტების საფუძველზე.", len(e.allProducts)),
			},
			Products:   append([]buffer.Product(nil), e.allProducts...),
			Skipped:    true,
			SkipReason: "query_limit",
		}
	}

	if e.search == nil {
		return Result{Name: tools.NameSearchProducts, Response: map[string]any{"error": "search function not configured"}}
	}

	// Mark the query executed before calling out, so a concurrent call
	// observing the same key cannot double-spend the query budget.
	e.executedQueries[queryKey] = struct{}{}

	result, err := e.search.Search(ctx, e.userID, parsed)
	if err != nil {
		return Result{Name: tools.NameSearchProducts, Response: map[string]any{"error": err.Error()}}
	}

	if len(result.Products) > 0 {
		e.allProducts = append(e.allProducts, result.Products...)
		logger.G(ctx).Infof("search found %d products (total: %d)", len(result.Products), len(e.allProducts))
	}

	return Result{
		Name: tools.NameSearchProducts,
		Response: map[string]any{
			"products": result.Products,
			"count":    result.Count,
		},
		Products: result.Products,
	}
}

func (e *Executor) executeGetProfile() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	logger.L.Infof("using pre-cached profile for user: %s", e.userID)

	profile := make(map[string]any, len(e.profile))
	for k, v := range e.profile {
		profile[k] = v
	}
	return Result{Name: tools.NameGetUserProfile, Response: profile}
}

func (e *Executor) executeUpdateProfile(ctx context.Context, args map[string]any) Result {
	if e.update == nil {
		return Result{Name: tools.NameUpdateUserProfile, Response: map[string]any{"error": "update function not configured"}}
	}

	var parsed tools.UpdateUserProfileArgs
	if err := decodeArgs(args, &parsed); err != nil {
		return Result{Name: tools.NameUpdateUserProfile, Response: map[string]any{"error": err.Error()}}
	}

	result, err := e.update.UpdateUserProfile(ctx, e.userID, parsed)
	if err != nil {
		return Result{Name: tools.NameUpdateUserProfile, Response: map[string]any{"error": err.Error()}}
	}

	e.mu.Lock()
	for k, v := range args {
		e.profile[k] = v
	}
	e.mu.Unlock()

	return Result{Name: tools.NameUpdateUserProfile, Response: result}
}

func (e *Executor) executeProductDetails(ctx context.Context, args map[string]any) Result {
	if e.details == nil {
		return Result{Name: tools.NameGetProductDetails, Response: map[string]any{"error": "product details function not configured"}}
	}

	var parsed tools.ProductDetailsArgs
	if err := decodeArgs(args, &parsed); err != nil {
		return Result{Name: tools.NameGetProductDetails, Response: map[string]any{"error": err.Error()}}
	}

	result, err := e.details.GetProductDetails(ctx, parsed)
	if err != nil {
		return Result{Name: tools.NameGetProductDetails, Response: map[string]any{"error": err.Error()}}
	}
	return Result{Name: tools.NameGetProductDetails, Response: result}
}

func decodeArgs(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: out})
	if err != nil {
		return errors.Wrap(err, "toolexec: decode tool arguments")
	}
	if err := dec.Decode(raw); err != nil {
		return errors.Wrap(err, "toolexec: decode tool arguments")
	}
	return nil
}

// GetAllProducts returns all products accumulated across searches in
// this turn.
func (e *Executor) GetAllProducts() []buffer.Product {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]buffer.Product(nil), e.allProducts...)
}

// GetExecutedQueries returns the set of lowercase query strings executed
// so far.
func (e *Executor) GetExecutedQueries() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.executedQueries))
	for q := range e.executedQueries {
		out = append(out, q)
	}
	return out
}

// Stats is the execution-statistics snapshot returned by Stats().
type Stats struct {
	UserID        string
	UniqueQueries int
	TotalProducts int
	Queries       []string
}

// Stats returns execution statistics for diagnostics.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	queries := make([]string, 0, len(e.executedQueries))
	for q := range e.executedQueries {
		queries = append(queries, q)
	}
	return Stats{
		UserID:        e.userID,
		UniqueQueries: len(e.executedQueries),
		TotalProducts: len(e.allProducts),
		Queries:       queries,
	}
}
