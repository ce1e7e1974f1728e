// Package guard suppresses duplicate webhook deliveries and serializes work per conversation.
//
// A Guard owns two shared structures: a bounded set of seen delivery ids and a lease table
// keyed by conversation id. Both live for the lifetime of the process (or of the Redis keys
// backing them); a background sweep removes expired entries.
package guard

import (
	"context"
	"log/slog"
	"time"
)

// Defaults used when no option overrides them.
const (
	DefaultLeaseTTL       = 10 * time.Second
	DefaultSweepInterval  = 30 * time.Second
	DefaultDedupCapacity  = 10000
	DefaultDedupRetention = 24 * time.Hour
)

// DedupSet remembers delivery ids that were already accepted.
type DedupSet interface {
	// MarkIfNew records deliveryID and reports whether it was unseen.
	MarkIfNew(ctx context.Context, deliveryID, conversationID string) (bool, error)
	// MarkProcessed notes that the delivery was handled to completion.
	MarkProcessed(ctx context.Context, deliveryID string) error
	// Forget removes deliveryID so a redelivery is accepted again.
	Forget(ctx context.Context, deliveryID string) error
}

// Lease is a short-lived exclusive claim on a conversation.
type Lease struct {
	Key       string
	Owner     string
	ExpiresAt time.Time
}

// LeaseTable grants at most one live lease per key.
type LeaseTable interface {
	// TryAcquire never blocks: it returns false when a live lease is held by someone else.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error)
	// Release drops the lease if it is still owned by lease.Owner.
	Release(ctx context.Context, lease Lease) error
}

// Sweeper is implemented by structures that need periodic removal of expired entries.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Guard is the injectable guard state of one orchestrator.
type Guard struct {
	dedup         DedupSet
	leases        LeaseTable
	leaseTTL      time.Duration
	sweepInterval time.Duration
	now           func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithLeaseTTL sets how long a conversation lease lives before it can be taken over.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		if ttl > 0 {
			g.leaseTTL = ttl
		}
	}
}

// WithSweepInterval sets the period of the background sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.sweepInterval = d
		}
	}
}

// New creates a Guard over the given dedup set and lease table.
func New(dedup DedupSet, leases LeaseTable, opts ...Option) *Guard {
	g := &Guard{
		dedup:         dedup,
		leases:        leases,
		leaseTTL:      DefaultLeaseTTL,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewInMemory creates a Guard with process-local structures.
func NewInMemory(opts ...Option) *Guard {
	return New(NewMemoryDedupSet(DefaultDedupCapacity, DefaultDedupRetention), NewMemoryLeaseTable(), opts...)
}

// LeaseTTL returns the configured lease lifetime.
func (g *Guard) LeaseTTL() time.Duration {
	return g.leaseTTL
}

// AcceptDelivery records deliveryID and reports whether the event should be processed.
// Events without a delivery id are always accepted.
func (g *Guard) AcceptDelivery(ctx context.Context, deliveryID, conversationID string) (bool, error) {
	if deliveryID == "" {
		return true, nil
	}
	return g.dedup.MarkIfNew(ctx, deliveryID, conversationID)
}

// ForgetDelivery undoes AcceptDelivery after a failure the sender is expected to retry.
func (g *Guard) ForgetDelivery(ctx context.Context, deliveryID string) {
	if deliveryID == "" {
		return
	}
	if err := g.dedup.Forget(ctx, deliveryID); err != nil {
		slog.Error("Guard.ForgetDelivery: failed", "deliveryID", deliveryID, "error", err)
	}
}

// CompleteDelivery marks an accepted delivery as fully handled.
func (g *Guard) CompleteDelivery(ctx context.Context, deliveryID string) {
	if deliveryID == "" {
		return
	}
	if err := g.dedup.MarkProcessed(ctx, deliveryID); err != nil {
		slog.Warn("Guard.CompleteDelivery: failed", "deliveryID", deliveryID, "error", err)
	}
}

// Acquire tries to take the lease of a conversation.
func (g *Guard) Acquire(ctx context.Context, conversationID string) (Lease, bool, error) {
	return g.leases.TryAcquire(ctx, conversationID, g.leaseTTL)
}

// Release gives a lease back. Errors are logged: an unreleased lease expires on its own.
func (g *Guard) Release(ctx context.Context, lease Lease) {
	if err := g.leases.Release(ctx, lease); err != nil {
		slog.Warn("Guard.Release: failed", "conversationID", lease.Key, "error", err)
	}
}

// Sweep removes expired entries from every structure that supports it.
func (g *Guard) Sweep(ctx context.Context) {
	now := g.now()
	for name, s := range map[string]any{"leases": g.leases, "dedup": g.dedup} {
		sw, ok := s.(Sweeper)
		if !ok {
			continue
		}
		n, err := sw.Sweep(ctx, now)
		if err != nil {
			slog.Error("Guard.Sweep: failed", "structure", name, "error", err)
			continue
		}
		if n > 0 {
			slog.Debug("Guard.Sweep: removed expired entries", "structure", name, "count", n)
		}
	}
}

// Run sweeps periodically until ctx is cancelled.
func (g *Guard) Run(ctx context.Context) error {
	slog.Info("Guard.Run: starting sweep loop", "interval", g.sweepInterval)
	ticker := time.NewTicker(g.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Guard.Run: stopping")
			return nil
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}
