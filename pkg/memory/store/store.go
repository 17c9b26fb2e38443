// Package store implements the Tiered Memory Store's persistence layer:
// session/history documents and user profiles (with tiered facts) backed
// by MongoDB, plus a read-only product search index. Grounded on
// original_source/app/memory/mongo_store.py's two-collection design
// (conversations, users) and jingkaihe-kodelet/pkg/conversations/store.go's
// interface shape (Save/Load/Query/Close), expressed with
// go.mongodb.org/mongo-driver/v2.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/scoopai/convcore/pkg/memory/facts"
	"github.com/scoopai/convcore/pkg/types/chat"
)

const (
	conversationsCollection = "conversations"
	usersCollection         = "users"

	// historyWindow is how many of the most recent messages are kept
	// verbatim on every save; older messages are folded into Summary.
	// This is unconditional and independent of the Compactor's
	// token-ratio-triggered history shrink, which only runs before the
	// next LLM call — historyWindow is what bounds storage.
	historyWindow = 30

	// maxSummaryChars bounds how long the accumulated discarded-head
	// digest in Summary is allowed to grow; oldest text is dropped first.
	maxSummaryChars = 4000

	historyTTL = 7 * 24 * time.Hour
	summaryTTL = 30 * 24 * time.Hour
)

// ErrNotFound is returned by Load* methods when no matching document exists.
var ErrNotFound = errors.New("store: not found")

// SessionDoc is the conversations collection's document shape.
type SessionDoc struct {
	SessionID         string        `bson:"session_id"`
	UserID            string        `bson:"user_id"`
	History           []chat.Message `bson:"history"`
	MessageCount      int           `bson:"message_count"`
	TokenEstimate     int           `bson:"token_estimate"`
	Summary           string        `bson:"summary,omitempty"`
	SummaryCreatedAt  time.Time     `bson:"summary_created_at,omitempty"`
	SummaryExpiresAt  time.Time     `bson:"summary_expires_at,omitempty"`
	Metadata          SessionMetadata `bson:"metadata"`
	CreatedAt         time.Time     `bson:"created_at"`
	UpdatedAt         time.Time     `bson:"updated_at"`
	ExpiresAt         time.Time     `bson:"expires_at"`
}

// SessionMetadata carries the free-form conversation metadata spec.md §6
// names.
type SessionMetadata struct {
	Language            string   `bson:"language,omitempty"`
	LastTopic           string   `bson:"last_topic,omitempty"`
	ProductsViewed      []string `bson:"products_viewed,omitempty"`
	ProductsRecommended []string `bson:"products_recommended,omitempty"`
}

// UserDoc is the users collection's document shape: profile plus tiered facts.
type UserDoc struct {
	UserID             string              `bson:"user_id"`
	Name               string              `bson:"name,omitempty"`
	Allergies          []string            `bson:"allergies,omitempty"`
	Goals              []string            `bson:"goals,omitempty"`
	Preferences        map[string]any      `bson:"preferences,omitempty"`
	FitnessLevel       string              `bson:"fitness_level,omitempty"`
	Age                int                 `bson:"age,omitempty"`
	Gender              string              `bson:"gender,omitempty"`
	Occupation         string              `bson:"occupation,omitempty"`
	OccupationCategory string              `bson:"occupation_category,omitempty"`
	HeightCM           float64             `bson:"height_cm,omitempty"`
	BodyFatPercent     float64             `bson:"body_fat_percent,omitempty"`
	WeightHistory      []WeightEntry       `bson:"weight_history,omitempty"`
	WorkoutFrequency   string              `bson:"workout_frequency,omitempty"`
	ExperienceYears    float64             `bson:"experience_years,omitempty"`
	SleepHours         float64             `bson:"sleep_hours,omitempty"`
	ActivityLevel      string              `bson:"activity_level,omitempty"`
	CuratedFacts       []facts.Fact        `bson:"curated_facts,omitempty"`
	DailyFacts         []facts.Fact        `bson:"daily_facts,omitempty"`
	LegacyFacts        []facts.Fact        `bson:"user_facts,omitempty"`
	CreatedAt          time.Time           `bson:"created_at"`
	UpdatedAt          time.Time           `bson:"updated_at"`
}

// WeightEntry is one sample in a user's weight history.
type WeightEntry struct {
	Value float64   `bson:"value"`
	Date  time.Time `bson:"date"`
	Note  string    `bson:"note,omitempty"`
}

// Tiered builds the in-memory facts.Tiered view of a user's facts, so
// callers can use pkg/memory/facts's pure Add/RelevantFacts logic without
// depending on this package's BSON document shape.
func (u *UserDoc) Tiered() *facts.Tiered {
	return &facts.Tiered{Curated: u.CuratedFacts, Daily: u.DailyFacts, Legacy: u.LegacyFacts}
}

// SetTiered writes an updated facts.Tiered view back onto the document.
func (u *UserDoc) SetTiered(t *facts.Tiered) {
	u.CuratedFacts = t.Curated
	u.DailyFacts = t.Daily
	u.LegacyFacts = t.Legacy
}

// Store is the Mongo-backed persistence layer for sessions and profiles.
type Store struct {
	client        *mongo.Client
	conversations *mongo.Collection
	users         *mongo.Collection
	products      *mongo.Collection
}

// Connect dials MongoDB and returns a Store with indexes ensured.
func Connect(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "store: connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, errors.Wrap(err, "store: ping")
	}

	db := client.Database(dbName)
	s := &Store{
		client:        client,
		conversations: db.Collection(conversationsCollection),
		users:         db.Collection(usersCollection),
		products:      db.Collection(productsCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	if err := s.ensureProductIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "session_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
		{Keys: bson.D{{Key: "summary_expires_at", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
	})
	if err != nil {
		return errors.Wrap(err, "store: create conversations indexes")
	}

	_, err = s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return errors.Wrap(err, "store: create users index")
	}
	return nil
}

// Close disconnects the underlying Mongo client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// SaveSession upserts a session document by session_id, applying the
// sliding-window history pruning policy unconditionally: the most recent
// historyWindow messages are kept verbatim; anything older is folded into
// a short text digest appended to doc.Summary. This runs on every save
// regardless of the Compactor, which only shrinks history for the next
// LLM call under its own token-ratio trigger and serves a different
// purpose — bounding what a long, token-light conversation accumulates
// in storage is this method's job alone.
func (s *Store) SaveSession(ctx context.Context, doc SessionDoc) error {
	doc = pruneHistory(doc)
	doc = applySessionDefaults(doc, time.Now())

	_, err := s.conversations.UpdateOne(ctx,
		bson.D{{Key: "session_id", Value: doc.SessionID}},
		bson.D{{Key: "$set", Value: doc}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return errors.Wrap(err, "store: save session")
	}
	return nil
}

// pruneHistory enforces the fixed-N sliding-window save policy: messages
// older than the most recent historyWindow are cut from History and
// folded into Summary as a short digest, so a session can never
// accumulate an unbounded history array no matter how it was produced.
func pruneHistory(doc SessionDoc) SessionDoc {
	if len(doc.History) <= historyWindow {
		return doc
	}
	cut := len(doc.History) - historyWindow
	discarded := doc.History[:cut]
	doc.History = doc.History[cut:]
	doc.Summary = appendDigest(doc.Summary, discarded)
	return doc
}

// appendDigest folds discarded messages' text content onto the end of an
// existing summary, trimming from the front once the result grows past
// maxSummaryChars so the field stays bounded across many prunes.
func appendDigest(existing string, discarded []chat.Message) string {
	var sb strings.Builder
	sb.WriteString(existing)
	for _, m := range discarded {
		text := m.TextContent()
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(text)
	}
	out := sb.String()
	if len(out) > maxSummaryChars {
		out = out[len(out)-maxSummaryChars:]
	}
	return out
}

// applySessionDefaults fills in the timestamps and counters SaveSession
// stamps before every upsert; split out as a pure function so the
// stamping logic is testable without a live Mongo connection.
func applySessionDefaults(doc SessionDoc, now time.Time) SessionDoc {
	doc.UpdatedAt = now
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.ExpiresAt = now.Add(historyTTL)
	if doc.Summary != "" && doc.SummaryExpiresAt.IsZero() {
		doc.SummaryCreatedAt = now
		doc.SummaryExpiresAt = now.Add(summaryTTL)
	}
	doc.MessageCount = len(doc.History)
	return doc
}

// LoadSession fetches a session by id.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (SessionDoc, error) {
	var doc SessionDoc
	err := s.conversations.FindOne(ctx, bson.D{{Key: "session_id", Value: sessionID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return SessionDoc{}, ErrNotFound
	}
	if err != nil {
		return SessionDoc{}, errors.Wrap(err, "store: load session")
	}
	return doc, nil
}

// LoadMostRecentSession finds the newest session for a user, used as the
// fallback when a request carries no session_id.
func (s *Store) LoadMostRecentSession(ctx context.Context, userID string) (SessionDoc, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	var doc SessionDoc
	err := s.conversations.FindOne(ctx, bson.D{{Key: "user_id", Value: userID}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return SessionDoc{}, ErrNotFound
	}
	if err != nil {
		return SessionDoc{}, errors.Wrap(err, "store: load most recent session")
	}
	return doc, nil
}

// GetUserProfile fetches a user's profile, returning a fresh zero-value
// document (not ErrNotFound) when none exists yet, matching "created on
// first write" semantics from spec.md §3.
func (s *Store) GetUserProfile(ctx context.Context, userID string) (UserDoc, error) {
	var doc UserDoc
	err := s.users.FindOne(ctx, bson.D{{Key: "user_id", Value: userID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return UserDoc{UserID: userID}, nil
	}
	if err != nil {
		return UserDoc{}, errors.Wrap(err, "store: get user profile")
	}
	return doc, nil
}

// UpsertUserProfile writes a user's profile document.
func (s *Store) UpsertUserProfile(ctx context.Context, doc UserDoc) error {
	now := time.Now()
	doc.UpdatedAt = now
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	_, err := s.users.UpdateOne(ctx,
		bson.D{{Key: "user_id", Value: doc.UserID}},
		bson.D{{Key: "$set", Value: doc}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return errors.Wrap(err, "store: upsert user profile")
	}
	return nil
}

// CleanupExpiredDailyFacts removes every daily_facts element whose
// expires_at is before now, across all user documents, via a single bulk
// update. Returns the number of user documents modified.
func (s *Store) CleanupExpiredDailyFacts(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.users.UpdateMany(ctx,
		bson.D{{Key: "daily_facts.expires_at", Value: bson.D{{Key: "$lt", Value: now}}}},
		bson.D{{Key: "$pull", Value: bson.D{{Key: "daily_facts", Value: bson.D{{Key: "expires_at", Value: bson.D{{Key: "$lt", Value: now}}}}}}}},
	)
	if err != nil {
		return 0, errors.Wrap(err, "store: cleanup expired daily facts")
	}
	return result.ModifiedCount, nil
}

// AddFact loads a user's profile, adds a fact via the tiered-fact rules in
// pkg/memory/facts, and persists the updated document. Returns
// facts.ErrDuplicate/facts.ErrTooShort/facts.ErrInvalidEmbedding unchanged
// so callers can distinguish rejection reasons.
func (s *Store) AddFact(ctx context.Context, userID string, fact facts.Fact) (string, error) {
	doc, err := s.GetUserProfile(ctx, userID)
	if err != nil {
		return "", err
	}
	doc.UserID = userID

	tiered := doc.Tiered()
	tier, err := tiered.Add(fact, time.Now())
	if err != nil {
		return "", err
	}
	doc.SetTiered(tiered)

	if err := s.UpsertUserProfile(ctx, doc); err != nil {
		return "", err
	}
	return tier, nil
}
