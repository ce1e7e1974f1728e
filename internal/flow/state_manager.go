package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/store"
)

// DefaultCacheTTL is how long a loaded record may be served from the cache.
const DefaultCacheTTL = 60 * time.Second

// StoreBasedStateManager implements StateManager on top of an attribute store.
type StoreBasedStateManager struct {
	store store.AttributeStore
	cache *cache.Cache
	group singleflight.Group
	now   func() time.Time
}

var _ StateManager = (*StoreBasedStateManager)(nil)

// StateManagerOption configures a StoreBasedStateManager.
type StateManagerOption func(*StoreBasedStateManager)

// WithCacheTTL sets the read cache expiry. A non-positive ttl disables caching.
func WithCacheTTL(ttl time.Duration) StateManagerOption {
	return func(sm *StoreBasedStateManager) {
		if ttl <= 0 {
			sm.cache = nil
			return
		}
		sm.cache = cache.New(ttl, 2*ttl)
	}
}

// WithClock overrides the time source used for UpdatedAt.
func WithClock(now func() time.Time) StateManagerOption {
	return func(sm *StoreBasedStateManager) {
		sm.now = now
	}
}

// NewStoreBasedStateManager creates a new StateManager backed by an attribute store.
func NewStoreBasedStateManager(st store.AttributeStore, opts ...StateManagerOption) *StoreBasedStateManager {
	slog.Debug("Creating StoreBasedStateManager")
	sm := &StoreBasedStateManager{
		store: st,
		cache: cache.New(DefaultCacheTTL, 2*DefaultCacheTTL),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

// Load returns the cached record when present, otherwise reads it. Concurrent misses for the
// same conversation share one store read.
func (sm *StoreBasedStateManager) Load(ctx context.Context, conversationID string) (models.ConversationRecord, error) {
	if sm.cache != nil {
		if v, ok := sm.cache.Get(conversationID); ok {
			slog.Debug("StateManager Load cache hit", "conversationID", conversationID)
			return v.(models.ConversationRecord).Clone(), nil
		}
	}
	v, err, _ := sm.group.Do(conversationID, func() (any, error) {
		return sm.read(ctx, conversationID)
	})
	if err != nil {
		return models.ConversationRecord{}, err
	}
	return v.(models.ConversationRecord).Clone(), nil
}

// LoadFresh bypasses both the cache and any in-flight shared read, which may have started
// before the caller acquired its lease.
func (sm *StoreBasedStateManager) LoadFresh(ctx context.Context, conversationID string) (models.ConversationRecord, error) {
	sm.Invalidate(conversationID)
	rec, err := sm.read(ctx, conversationID)
	if err != nil {
		return models.ConversationRecord{}, err
	}
	return rec.Clone(), nil
}

func (sm *StoreBasedStateManager) read(ctx context.Context, conversationID string) (models.ConversationRecord, error) {
	attrs, err := sm.store.GetAttributes(ctx, conversationID)
	if err != nil {
		slog.Error("StateManager read error", "error", err, "conversationID", conversationID)
		return models.ConversationRecord{}, fmt.Errorf("%w: load %s: %w", models.ErrPersistence, conversationID, err)
	}
	rec := models.RecordFromAttributes(conversationID, attrs)
	if sm.cache != nil {
		sm.cache.SetDefault(conversationID, rec)
	}
	slog.Debug("StateManager read", "conversationID", conversationID, "state", rec.CurrentState, "terminalReason", rec.TerminalReason)
	return rec, nil
}

// Save re-reads the stored attributes and overlays only the flow-owned keys, so metadata written
// by other systems since rec was loaded survives. Metadata held in rec is not written back.
func (sm *StoreBasedStateManager) Save(ctx context.Context, rec models.ConversationRecord) error {
	if rec.ConversationID == "" {
		return models.ErrEmptyConversationID
	}
	defer sm.Invalidate(rec.ConversationID)

	latest, err := sm.store.GetAttributes(ctx, rec.ConversationID)
	if err != nil {
		slog.Error("StateManager Save get error", "error", err, "conversationID", rec.ConversationID)
		return fmt.Errorf("%w: read before save %s: %w", models.ErrPersistence, rec.ConversationID, err)
	}

	rec.UpdatedAt = sm.now()
	merged := latest.Clone()
	for k, v := range rec.ToAttributes() {
		if models.IsOwnedKey(k) {
			merged[k] = v
		}
	}

	if err := sm.store.SetAttributes(ctx, rec.ConversationID, merged); err != nil {
		slog.Error("StateManager Save error", "error", err, "conversationID", rec.ConversationID, "state", rec.CurrentState)
		return fmt.Errorf("%w: save %s: %w", models.ErrPersistence, rec.ConversationID, err)
	}
	slog.Info("StateManager Save succeeded", "conversationID", rec.ConversationID, "state", rec.CurrentState, "terminalReason", rec.TerminalReason)
	return nil
}

// Invalidate drops the cached copy of a conversation.
func (sm *StoreBasedStateManager) Invalidate(conversationID string) {
	if sm.cache != nil {
		sm.cache.Delete(conversationID)
	}
}
