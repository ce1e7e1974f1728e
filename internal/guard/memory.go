package guard

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryDedupSet is a bounded in-process DedupSet: it holds at most capacity ids, each for at
// most retention, evicting the oldest first.
type MemoryDedupSet struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, string]
}

var _ DedupSet = (*MemoryDedupSet)(nil)

// NewMemoryDedupSet creates a bounded dedup set.
func NewMemoryDedupSet(capacity int, retention time.Duration) *MemoryDedupSet {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &MemoryDedupSet{seen: expirable.NewLRU[string, string](capacity, nil, retention)}
}

func (s *MemoryDedupSet) MarkIfNew(ctx context.Context, deliveryID, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen.Contains(deliveryID) {
		return false, nil
	}
	s.seen.Add(deliveryID, conversationID)
	return true, nil
}

func (s *MemoryDedupSet) MarkProcessed(ctx context.Context, deliveryID string) error {
	return nil
}

func (s *MemoryDedupSet) Forget(ctx context.Context, deliveryID string) error {
	s.mu.Lock()
	s.seen.Remove(deliveryID)
	s.mu.Unlock()
	return nil
}

// Len returns the number of remembered ids.
func (s *MemoryDedupSet) Len() int {
	return s.seen.Len()
}

// MemoryLeaseTable is a mutex-guarded map of leases.
type MemoryLeaseTable struct {
	mu     sync.Mutex
	leases map[string]Lease
	now    func() time.Time
}

var (
	_ LeaseTable = (*MemoryLeaseTable)(nil)
	_ Sweeper    = (*MemoryLeaseTable)(nil)
)

// NewMemoryLeaseTable creates an empty lease table.
func NewMemoryLeaseTable() *MemoryLeaseTable {
	return &MemoryLeaseTable{leases: make(map[string]Lease), now: time.Now}
}

func (t *MemoryLeaseTable) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, false, err
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if held, ok := t.leases[key]; ok && now.Before(held.ExpiresAt) {
		return Lease{}, false, nil
	}
	lease := Lease{Key: key, Owner: uuid.NewString(), ExpiresAt: now.Add(ttl)}
	t.leases[key] = lease
	return lease, true, nil
}

func (t *MemoryLeaseTable) Release(ctx context.Context, lease Lease) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if held, ok := t.leases[lease.Key]; ok && held.Owner == lease.Owner {
		delete(t.leases, lease.Key)
	}
	return nil
}

// Sweep drops expired leases.
func (t *MemoryLeaseTable) Sweep(ctx context.Context, now time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for key, lease := range t.leases {
		if !now.Before(lease.ExpiresAt) {
			delete(t.leases, key)
			n++
		}
	}
	return n, nil
}

// Len returns the number of leases held, expired or not.
func (t *MemoryLeaseTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.leases)
}
