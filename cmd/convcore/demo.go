package main

import (
	"context"
	"sync"
	"time"

	"github.com/scoopai/convcore/internal/config"
	"github.com/scoopai/convcore/pkg/engine"
	"github.com/scoopai/convcore/pkg/llmclient"
	"github.com/scoopai/convcore/pkg/llmclient/fakellm"
	"github.com/scoopai/convcore/pkg/memory/compactor"
	"github.com/scoopai/convcore/pkg/memory/facts"
	"github.com/scoopai/convcore/pkg/memory/store"
	"github.com/scoopai/convcore/pkg/types/chat"
)

// demoStore is an in-memory, process-lifetime stand-in for
// pkg/memory/store.Store, used so the demo harness never requires a live
// Mongo connection. It implements the same method set pkg/engine.Engine
// depends on (LoadSession, LoadMostRecentSession, GetUserProfile,
// UpsertUserProfile, SaveSession, AddFact).
type demoStore struct {
	mu       sync.Mutex
	sessions map[string]store.SessionDoc
	byUser   map[string]store.SessionDoc
	profiles map[string]store.UserDoc
}

func newDemoStore() *demoStore {
	return &demoStore{
		sessions: map[string]store.SessionDoc{},
		byUser:   map[string]store.SessionDoc{},
		profiles: map[string]store.UserDoc{},
	}
}

func (d *demoStore) LoadSession(ctx context.Context, sessionID string) (store.SessionDoc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.sessions[sessionID]
	if !ok {
		return store.SessionDoc{}, store.ErrNotFound
	}
	return doc, nil
}

func (d *demoStore) LoadMostRecentSession(ctx context.Context, userID string) (store.SessionDoc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.byUser[userID]
	if !ok {
		return store.SessionDoc{}, store.ErrNotFound
	}
	return doc, nil
}

func (d *demoStore) GetUserProfile(ctx context.Context, userID string) (store.UserDoc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.profiles[userID]
	if !ok {
		return store.UserDoc{UserID: userID}, nil
	}
	return doc, nil
}

func (d *demoStore) UpsertUserProfile(ctx context.Context, doc store.UserDoc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc.UpdatedAt = time.Now()
	d.profiles[doc.UserID] = doc
	return nil
}

func (d *demoStore) SaveSession(ctx context.Context, doc store.SessionDoc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc.UpdatedAt = time.Now()
	d.sessions[doc.SessionID] = doc
	d.byUser[doc.UserID] = doc
	return nil
}

func (d *demoStore) AddFact(ctx context.Context, userID string, fact facts.Fact) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc := d.profiles[userID]
	doc.UserID = userID
	tiered := doc.Tiered()
	tier, err := tiered.Add(fact, time.Now())
	if err != nil {
		return "", err
	}
	doc.SetTiered(tiered)
	d.profiles[userID] = doc
	return tier, nil
}

// demoCompactor is a no-op contextCompactor: the demo harness runs too few
// turns in one process lifetime to ever hit the real trigger conditions,
// so there is nothing useful to exercise here beyond wiring the seam.
type demoCompactor struct{}

func (demoCompactor) NeedsCompaction(history []chat.Message, systemPrompt string, contextWindow int) bool {
	return false
}

func (demoCompactor) Compact(ctx context.Context, userID string, history []chat.Message, sink compactor.FactSink, embed compactor.EmbedFunc) ([]chat.Message, error) {
	return history, nil
}

// connectCatalog dials the configured MongoDB instance and returns its
// products collection wired as an engine.Catalog via
// store.Store.Products, so search_products/get_product_details have a
// real backend whenever the operator opts into --mongo instead of the
// default no-catalog demo mode. embed is typically the LLM client's own
// Embed method.
func connectCatalog(ctx context.Context, cfg config.Config, embed store.Embedder) (engine.Catalog, func(), error) {
	s, err := store.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		return nil, nil, err
	}
	return s.Products(embed), func() { _ = s.Close(ctx) }, nil
}

// demoScript returns a single canned, Georgian-language scripted response
// standing in for a real model call, since the demo harness wires no
// network-calling LLM client.
func demoScript(message string) fakellm.Script {
	return fakellm.Script{
		Response: llmclient.Response{
			Parts: []chat.Part{chat.NewTextPart(
				"გამარჯობა! მივიღე შენი შეტყობინება: \"" + message + "\". " +
					"ეს არის სადემონსტრაციო პასუხი, რადგან რეალური მოდელი არ არის მიერთებული. " +
					"[TIP]სცადე კონკრეტული პროდუქტის დასახელება რომ ვნახო საძიებო ნაკადი მუშაობს თუ არა[/TIP] " +
					"[QUICK_REPLIES]გამიგრძელე|მაჩვენე პროდუქტები[/QUICK_REPLIES]",
			)},
			FinishReason: llmclient.FinishReasonStop,
		},
	}
}
