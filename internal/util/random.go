// Package util provides small helpers shared across SurveyPipe packages.
package util

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateRandomID returns prefix followed by 32 hex characters of a random UUID.
func GenerateRandomID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateOutboxID generates a unique outbox message ID with "outbox_" prefix.
func GenerateOutboxID() string {
	return GenerateRandomID("outbox_")
}
