package flow

import (
	"context"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// StateManager reads and writes conversation records.
type StateManager interface {
	// Load returns the record of a conversation, possibly from a short-lived cache. A conversation
	// never seen before yields an unstarted record.
	Load(ctx context.Context, conversationID string) (models.ConversationRecord, error)

	// LoadFresh drops any cached copy and reads the record from the store. Callers holding the
	// conversation lease must use it before deciding a transition.
	LoadFresh(ctx context.Context, conversationID string) (models.ConversationRecord, error)

	// Save writes the flow-owned fields of rec, preserving every other attribute currently
	// stored for the conversation, and invalidates the cache entry.
	Save(ctx context.Context, rec models.ConversationRecord) error

	// Invalidate drops the cached copy of a conversation.
	Invalidate(conversationID string)
}
