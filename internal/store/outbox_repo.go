// Package store provides the OutboxRepo interface and model for restart-safe note delivery.
package store

import (
	"context"
	"time"
)

// OutboxStatus is the lifecycle state of a deferred note.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusFailed   OutboxStatus = "failed"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// OutboxMessage is a deferred conversation action, queued after its first attempt failed.
type OutboxMessage struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Kind           string       `json:"kind"`
	PayloadJSON    string       `json:"payload_json"`
	Status         OutboxStatus `json:"status"`
	Attempts       int          `json:"attempts"`
	NextAttemptAt  *time.Time   `json:"next_attempt_at"`
	DedupeKey      string       `json:"dedupe_key"` // conversation id plus effect key
	LockedAt       *time.Time   `json:"locked_at"`
	LastError      string       `json:"last_error"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// OutboxRepo persists deferred notes.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a queued message. A pending message with the same non-empty
	// dedupeKey is reused and its ID returned.
	EnqueueOutboxMessage(ctx context.Context, conversationID, kind, payloadJSON, dedupeKey string) (string, error)

	// ClaimDueOutboxMessages moves up to limit queued messages due at now to sending and returns them.
	ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)

	MarkOutboxMessageSent(ctx context.Context, id string) error

	// FailOutboxMessage counts a failed attempt and requeues the message for nextAttemptAt.
	FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error

	// GiveUpOutboxMessage marks a message as permanently failed.
	GiveUpOutboxMessage(ctx context.Context, id string, errMsg string) error

	// RequeueStaleSendingMessages requeues messages claimed before staleBefore whose sender
	// never reported back.
	RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error)

	// PurgeFinishedOutboxMessages deletes sent, failed and canceled messages last updated before before.
	PurgeFinishedOutboxMessages(ctx context.Context, before time.Time) (int, error)
}
