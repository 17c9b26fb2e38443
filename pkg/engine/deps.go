package engine

import (
	"context"

	"github.com/scoopai/convcore/pkg/memory/compactor"
	"github.com/scoopai/convcore/pkg/memory/facts"
	"github.com/scoopai/convcore/pkg/memory/store"
	"github.com/scoopai/convcore/pkg/types/chat"
)

// sessionStore is the narrow slice of *store.Store the engine depends on,
// mirroring the toolexec.Searcher/ProfileUpdater idiom of pinning
// consumers to the methods they actually call rather than the concrete
// type. *store.Store satisfies this directly; tests substitute fakes.
type sessionStore interface {
	LoadSession(ctx context.Context, sessionID string) (store.SessionDoc, error)
	LoadMostRecentSession(ctx context.Context, userID string) (store.SessionDoc, error)
	GetUserProfile(ctx context.Context, userID string) (store.UserDoc, error)
	UpsertUserProfile(ctx context.Context, doc store.UserDoc) error
	SaveSession(ctx context.Context, doc store.SessionDoc) error
	AddFact(ctx context.Context, userID string, fact facts.Fact) (string, error)
}

// contextCompactor is the narrow slice of *compactor.Compactor the engine
// depends on.
type contextCompactor interface {
	NeedsCompaction(history []chat.Message, systemPrompt string, contextWindow int) bool
	Compact(ctx context.Context, userID string, history []chat.Message, sink compactor.FactSink, embed compactor.EmbedFunc) ([]chat.Message, error)
}
