package engine

import (
	"context"
	"sync"
	"time"

	"github.com/scoopai/convcore/pkg/buffer"
	"github.com/scoopai/convcore/pkg/llmclient"
	"github.com/scoopai/convcore/pkg/memory/compactor"
	"github.com/scoopai/convcore/pkg/memory/facts"
	"github.com/scoopai/convcore/pkg/memory/store"
	"github.com/scoopai/convcore/pkg/types/chat"
)

// fakeSessionStore is an in-memory sessionStore double; it never touches
// Mongo, so Engine tests run without any live infrastructure.
type fakeSessionStore struct {
	mu             sync.Mutex
	byID           map[string]store.SessionDoc
	byUser         map[string]store.SessionDoc
	profiles       map[string]store.UserDoc
	saveErrOnce    error
	loadErr        error
	saveCalls      int
	addFactCalls   int
	upsertProfileN int
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		byID:     map[string]store.SessionDoc{},
		byUser:   map[string]store.SessionDoc{},
		profiles: map[string]store.UserDoc{},
	}
}

func (f *fakeSessionStore) LoadSession(ctx context.Context, sessionID string) (store.SessionDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return store.SessionDoc{}, f.loadErr
	}
	doc, ok := f.byID[sessionID]
	if !ok {
		return store.SessionDoc{}, store.ErrNotFound
	}
	return doc, nil
}

func (f *fakeSessionStore) LoadMostRecentSession(ctx context.Context, userID string) (store.SessionDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return store.SessionDoc{}, f.loadErr
	}
	doc, ok := f.byUser[userID]
	if !ok {
		return store.SessionDoc{}, store.ErrNotFound
	}
	return doc, nil
}

func (f *fakeSessionStore) GetUserProfile(ctx context.Context, userID string) (store.UserDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.profiles[userID]
	if !ok {
		return store.UserDoc{UserID: userID}, nil
	}
	return doc, nil
}

func (f *fakeSessionStore) UpsertUserProfile(ctx context.Context, doc store.UserDoc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertProfileN++
	f.profiles[doc.UserID] = doc
	return nil
}

func (f *fakeSessionStore) SaveSession(ctx context.Context, doc store.SessionDoc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	if f.saveErrOnce != nil {
		err := f.saveErrOnce
		f.saveErrOnce = nil
		return err
	}
	f.byID[doc.SessionID] = doc
	f.byUser[doc.UserID] = doc
	return nil
}

func (f *fakeSessionStore) AddFact(ctx context.Context, userID string, fact facts.Fact) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addFactCalls++
	doc := f.profiles[userID]
	doc.UserID = userID
	tiered := doc.Tiered()
	tier, err := tiered.Add(fact, time.Now())
	if err != nil {
		return "", err
	}
	doc.SetTiered(tiered)
	f.profiles[userID] = doc
	return tier, nil
}

// fakeCompactor is a contextCompactor double with scripted behavior.
type fakeCompactor struct {
	needs         bool
	compactResult []chat.Message
	compactErr    error
	compactCalls  int
}

func (f *fakeCompactor) NeedsCompaction(history []chat.Message, systemPrompt string, contextWindow int) bool {
	return f.needs
}

func (f *fakeCompactor) Compact(ctx context.Context, userID string, history []chat.Message, sink compactor.FactSink, embed compactor.EmbedFunc) ([]chat.Message, error) {
	f.compactCalls++
	if f.compactErr != nil {
		return nil, f.compactErr
	}
	if f.compactResult != nil {
		return f.compactResult, nil
	}
	return history, nil
}

// fakeCatalog is a Catalog double backed by a fixed product list.
type fakeCatalog struct {
	products    []buffer.Product
	searchErr   error
	searchCalls int
}

func (f *fakeCatalog) SearchProducts(ctx context.Context, query, category string, maxPrice float64) ([]buffer.Product, error) {
	f.searchCalls++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.products, nil
}

func (f *fakeCatalog) GetProductDetails(ctx context.Context, productID string) (map[string]any, error) {
	return map[string]any{"product_id": productID}, nil
}

// modelAwareClient is a llmclient.Client double whose sessions answer
// based on which model they were built for, so tests can script distinct
// behavior for a primary model vs. the model an engine-level fallback
// retry switches to — something fakellm.ScriptedClient's per-session
// cursor can't express, since every new session restarts its own script
// queue from the top.
type modelAwareClient struct {
	responses map[string]llmclient.Response
	errs      map[string]error
	calls     map[string]int
	mu        sync.Mutex
}

func newModelAwareClient() *modelAwareClient {
	return &modelAwareClient{
		responses: map[string]llmclient.Response{},
		errs:      map[string]error{},
		calls:     map[string]int{},
	}
}

func (c *modelAwareClient) NewChatSession(ctx context.Context, cfg llmclient.SessionConfig) (llmclient.ChatSession, error) {
	return &modelAwareSession{client: c, model: cfg.Model, history: append([]chat.Message(nil), cfg.History...)}, nil
}

func (c *modelAwareClient) Embed(ctx context.Context, text string) ([]float64, error) {
	return make([]float64, 768), nil
}

type modelAwareSession struct {
	client  *modelAwareClient
	model   string
	history []chat.Message
}

func (s *modelAwareSession) SendMessage(ctx context.Context, message string) (llmclient.Response, error) {
	s.client.mu.Lock()
	s.client.calls[s.model]++
	s.client.mu.Unlock()
	s.history = append(s.history, chat.NewUserText(message))
	if err, ok := s.client.errs[s.model]; ok {
		return llmclient.Response{}, err
	}
	resp := s.client.responses[s.model]
	s.history = append(s.history, chat.Message{Role: chat.RoleModel, Parts: resp.Parts})
	return resp, nil
}

func (s *modelAwareSession) SendMessageStream(ctx context.Context, message string) (llmclient.Stream, error) {
	resp, err := s.SendMessage(ctx, message)
	if err != nil {
		return nil, err
	}
	return &modelAwareStream{resp: resp}, nil
}

func (s *modelAwareSession) SendFunctionResults(ctx context.Context, results []chat.FunctionResponse) (llmclient.Response, error) {
	return s.SendMessage(ctx, "")
}

func (s *modelAwareSession) SendFunctionResultsStream(ctx context.Context, results []chat.FunctionResponse) (llmclient.Stream, error) {
	return s.SendMessageStream(ctx, "")
}

func (s *modelAwareSession) History() []chat.Message { return s.history }
func (s *modelAwareSession) Model() string            { return s.model }

// modelAwareStream delivers a complete Response as one text event plus a
// finish event.
type modelAwareStream struct {
	resp llmclient.Response
	pos  int
}

func (r *modelAwareStream) Next(ctx context.Context) (llmclient.StreamEvent, bool, error) {
	events := []llmclient.StreamEvent{}
	for _, p := range r.resp.Parts {
		if p.Kind == chat.PartText {
			events = append(events, llmclient.StreamEvent{Kind: llmclient.StreamEventText, TextChunk: p.Text})
		}
	}
	events = append(events, llmclient.StreamEvent{Kind: llmclient.StreamEventFinish, FinishReason: r.resp.FinishReason})
	if r.pos >= len(events) {
		return llmclient.StreamEvent{}, false, nil
	}
	ev := events[r.pos]
	r.pos++
	return ev, true, nil
}
