package guard

import (
	"context"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/store"
)

// SQLDedupSet keeps the delivery log in the SQL store, so duplicates are caught across restarts.
type SQLDedupSet struct {
	repo      store.DedupRepo
	retention time.Duration
}

var (
	_ DedupSet = (*SQLDedupSet)(nil)
	_ Sweeper  = (*SQLDedupSet)(nil)
)

// NewSQLDedupSet creates a dedup set over repo; records older than retention are purged by Sweep.
func NewSQLDedupSet(repo store.DedupRepo, retention time.Duration) *SQLDedupSet {
	if retention <= 0 {
		retention = DefaultDedupRetention
	}
	return &SQLDedupSet{repo: repo, retention: retention}
}

func (s *SQLDedupSet) MarkIfNew(ctx context.Context, deliveryID, conversationID string) (bool, error) {
	return s.repo.RecordInbound(ctx, deliveryID, conversationID)
}

func (s *SQLDedupSet) MarkProcessed(ctx context.Context, deliveryID string) error {
	return s.repo.MarkProcessed(ctx, deliveryID)
}

func (s *SQLDedupSet) Forget(ctx context.Context, deliveryID string) error {
	return s.repo.ForgetInbound(ctx, deliveryID)
}

// Sweep purges records received before the retention window.
func (s *SQLDedupSet) Sweep(ctx context.Context, now time.Time) (int, error) {
	return s.repo.PurgeInboundBefore(ctx, now.Add(-s.retention))
}
