// Package store provides storage backends for SurveyPipe.
//
// It includes an in-memory attribute store and SQLite/PostgreSQL stores that hold conversation
// attributes, the inbound delivery log and the note outbox.
package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// AttributeStore is the key-value contract of the conversation store: the whole attribute map
// of a conversation is read and written at once. GetAttributes returns an empty map for a
// conversation it has never seen.
type AttributeStore interface {
	GetAttributes(ctx context.Context, conversationID string) (models.Attributes, error)
	SetAttributes(ctx context.Context, conversationID string, attrs models.Attributes) error
}

// InMemoryStore is a process-local AttributeStore.
type InMemoryStore struct {
	mu    sync.RWMutex
	attrs map[string]models.Attributes
}

var _ AttributeStore = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{attrs: make(map[string]models.Attributes)}
}

// GetAttributes returns a copy of the stored attributes.
func (s *InMemoryStore) GetAttributes(ctx context.Context, conversationID string) (models.Attributes, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attrs[conversationID].Clone(), nil
}

// SetAttributes replaces the stored attributes with a copy of attrs.
func (s *InMemoryStore) SetAttributes(ctx context.Context, conversationID string, attrs models.Attributes) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.attrs[conversationID] = attrs.Clone()
	s.mu.Unlock()
	slog.Debug("InMemoryStore SetAttributes", "conversationID", conversationID, "keys", len(attrs))
	return nil
}

// Len returns the number of conversations held.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.attrs)
}
