// Package store provides the OutboxSender for retrying deferred conversation notes.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// OutboxSendFunc performs the deferred action of one outbox message.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

const (
	// DefaultOutboxMaxAttempts bounds retries of a single outbox message.
	DefaultOutboxMaxAttempts = 8
	// DefaultOutboxStaleThreshold is how long a claimed message may stay in sending state.
	DefaultOutboxStaleThreshold = 5 * time.Minute
	// DefaultOutboxRetention is how long finished messages are kept for inspection.
	DefaultOutboxRetention = 7 * 24 * time.Hour

	outboxBaseRetryDelay = 10 * time.Second
	outboxMaxRetryDelay  = 30 * time.Minute
)

// OutboxSender periodically claims due outbox messages and attempts to send them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	retention      time.Duration
	claimLimit     int
	maxAttempts    int
	now            func() time.Time
}

// OutboxSenderOption configures an OutboxSender.
type OutboxSenderOption func(*OutboxSender)

// WithOutboxMaxAttempts sets how many failed sends a message may accumulate before it is given up.
func WithOutboxMaxAttempts(n int) OutboxSenderOption {
	return func(s *OutboxSender) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithOutboxRetention sets how long finished messages survive PurgeFinished.
func WithOutboxRetention(d time.Duration) OutboxSenderOption {
	return func(s *OutboxSender) {
		if d > 0 {
			s.retention = d
		}
	}
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration, opts ...OutboxSenderOption) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	s := &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: DefaultOutboxStaleThreshold,
		retention:      DefaultOutboxRetention,
		claimLimit:     10,
		maxAttempts:    DefaultOutboxMaxAttempts,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecoverStaleMessages requeues messages left in sending state, typically by a crashed instance.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	n, err := s.repo.RequeueStaleSendingMessages(ctx, s.now().Add(-s.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// PurgeFinished deletes finished messages older than the retention window.
func (s *OutboxSender) PurgeFinished(ctx context.Context) error {
	n, err := s.repo.PurgeFinishedOutboxMessages(ctx, s.now().Add(-s.retention))
	if err != nil {
		return fmt.Errorf("purge finished outbox messages: %w", err)
	}
	if n > 0 {
		slog.Info("OutboxSender.PurgeFinished: removed finished messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) error {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return nil
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *OutboxSender) poll(ctx context.Context) {
	now := s.now()
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.poll: claim failed", "error", err)
		return
	}

	for _, msg := range msgs {
		slog.Debug("OutboxSender.poll: sending message", "id", msg.ID, "conversationID", msg.ConversationID, "kind", msg.Kind)
		sendErr := s.sendFunc(ctx, msg)
		if sendErr == nil {
			if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
				slog.Error("OutboxSender.poll: mark sent error", "id", msg.ID, "error", err)
			}
			continue
		}

		attempts := msg.Attempts + 1
		slog.Error("OutboxSender.poll: send failed", "id", msg.ID, "attempts", attempts, "error", sendErr)
		if attempts >= s.maxAttempts {
			if err := s.repo.GiveUpOutboxMessage(ctx, msg.ID, sendErr.Error()); err != nil {
				slog.Error("OutboxSender.poll: give up error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.FailOutboxMessage(ctx, msg.ID, sendErr.Error(), now.Add(retryDelay(msg.Attempts))); err != nil {
			slog.Error("OutboxSender.poll: fail message error", "id", msg.ID, "error", err)
		}
	}
}

// retryDelay doubles from 10s per previous attempt, capped at 30m.
func retryDelay(previousAttempts int) time.Duration {
	d := outboxBaseRetryDelay
	for i := 0; i < previousAttempts; i++ {
		d *= 2
		if d >= outboxMaxRetryDelay {
			return outboxMaxRetryDelay
		}
	}
	return d
}
