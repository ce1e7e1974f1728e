// Package store provides the DedupRepo interface for inbound delivery deduplication.
package store

import (
	"context"
	"time"
)

// DedupRepo is the durable inbound delivery log.
type DedupRepo interface {
	// RecordInbound records a delivery and reports whether it was new.
	RecordInbound(ctx context.Context, messageID, conversationID string) (bool, error)

	// MarkProcessed stamps the delivery as fully handled.
	MarkProcessed(ctx context.Context, messageID string) error

	// ForgetInbound removes a delivery record so that a redelivery is processed again.
	ForgetInbound(ctx context.Context, messageID string) error

	// PurgeInboundBefore deletes records received before cutoff and returns how many were removed.
	PurgeInboundBefore(ctx context.Context, cutoff time.Time) (int, error)
}
