package shared

import (
	"context"
	"time"
)

// IdempotencyStore remembers bus event ids that were already handled so a
// replayed cross-tab delivery can be skipped
type IdempotencyStore interface {
	// MarkProcessed records eventID for ttl.
	// Returns true if the id was newly recorded, false if it was seen before
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)

	// IsProcessed checks if an event id is currently recorded
	IsProcessed(ctx context.Context, eventID string) (bool, error)

	Close() error
}

// IdempotencyConfig holds configuration for duplicate suppression
type IdempotencyConfig struct {
	// TTL bounds how long an event id is remembered. Cross-tab replays arrive
	// within seconds, so this stays short.
	TTL time.Duration

	Enabled bool
}

// DefaultIdempotencyConfig returns the default idempotency configuration
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		TTL:     10 * time.Minute,
		Enabled: true,
	}
}
