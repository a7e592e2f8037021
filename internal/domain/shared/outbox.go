package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// OutboxStatus represents the status of a pending remote write
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "PENDING"
	OutboxStatusProcessing OutboxStatus = "PROCESSING"
	OutboxStatusSent       OutboxStatus = "SENT"
	OutboxStatusFailed     OutboxStatus = "FAILED"
	OutboxStatusDead       OutboxStatus = "DEAD"
)

// Default retry configuration
const (
	DefaultMaxRetries  = 5
	DefaultBaseBackoff = time.Second
	// DefaultProcessingLease bounds a replay claim. A claim older than this
	// belongs to an engine that stopped mid-replay and may be taken over.
	DefaultProcessingLease = 2 * time.Minute
)

// OutboxEntry is a local mutation whose remote write has not been confirmed.
// It is replayed against the Remote Gateway until it succeeds or dies.
type OutboxEntry struct {
	ID          uuid.UUID         `json:"id"`
	EntityType  string            `json:"entity_type"`
	ScopeKey    string            `json:"scope_key"`
	Action      MutationAction    `json:"action"`
	Items       []json.RawMessage `json:"items"`
	Status      OutboxStatus      `json:"status"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
	LastError   string            `json:"last_error,omitempty"`
	NextRetryAt *time.Time        `json:"next_retry_at,omitempty"`
	ProcessedAt *time.Time        `json:"processed_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// NewOutboxEntry creates a pending entry for a failed remote write
func NewOutboxEntry(entityType, scopeKey string, action MutationAction, items []json.RawMessage) *OutboxEntry {
	now := time.Now()
	return &OutboxEntry{
		ID:         uuid.New(),
		EntityType: entityType,
		ScopeKey:   scopeKey,
		Action:     action,
		Items:      items,
		Status:     OutboxStatusPending,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// CacheKey identifies the cache entry this write belongs to
func (e *OutboxEntry) CacheKey() string {
	return e.EntityType + ":" + e.ScopeKey
}

// CanRetry returns true if the entry can be retried
func (e *OutboxEntry) CanRetry() bool {
	return e.Status == OutboxStatusFailed && e.RetryCount < e.MaxRetries
}

// IsDue reports whether a failed entry's backoff has elapsed
func (e *OutboxEntry) IsDue(now time.Time) bool {
	if !e.CanRetry() {
		return false
	}
	return e.NextRetryAt == nil || !now.Before(*e.NextRetryAt)
}

// IsOpen reports whether the write is still owed to the remote
func (e *OutboxEntry) IsOpen() bool {
	return e.Status == OutboxStatusPending || e.Status == OutboxStatusProcessing || e.Status == OutboxStatusFailed
}

// IsStale reports whether a processing claim has outlived lease
func (e *OutboxEntry) IsStale(now time.Time, lease time.Duration) bool {
	return e.Status == OutboxStatusProcessing && !now.Before(e.UpdatedAt.Add(lease))
}

// IsClaimable reports whether a replay may take the entry at now
func (e *OutboxEntry) IsClaimable(now time.Time, lease time.Duration) bool {
	return e.Status == OutboxStatusPending || e.IsDue(now) || e.IsStale(now, lease)
}

// MarkProcessing marks the entry as being replayed
func (e *OutboxEntry) MarkProcessing() error {
	if e.Status != OutboxStatusPending && e.Status != OutboxStatusFailed {
		return errors.New("can only mark pending or failed entries as processing")
	}
	e.Status = OutboxStatusProcessing
	e.UpdatedAt = time.Now()
	return nil
}

// Claim marks a claimable entry as processing at now, taking over a stale
// claim if needed
func (e *OutboxEntry) Claim(now time.Time, lease time.Duration) error {
	if !e.IsClaimable(now, lease) {
		return errors.New("outbox entry is not claimable")
	}
	e.Status = OutboxStatusProcessing
	e.UpdatedAt = now
	return nil
}

// MarkSent marks the entry as accepted by the remote
func (e *OutboxEntry) MarkSent() {
	now := time.Now()
	e.Status = OutboxStatusSent
	e.ProcessedAt = &now
	e.UpdatedAt = now
}

// MarkFailed records the error and schedules the next attempt
func (e *OutboxEntry) MarkFailed(errMsg string) {
	e.RetryCount++
	e.LastError = errMsg
	e.UpdatedAt = time.Now()

	if e.RetryCount >= e.MaxRetries {
		e.Status = OutboxStatusDead
		e.NextRetryAt = nil
		return
	}
	e.Status = OutboxStatusFailed
	// 1s, 2s, 4s, 8s, ...
	backoff := DefaultBaseBackoff * time.Duration(1<<uint(e.RetryCount-1))
	next := time.Now().Add(backoff)
	e.NextRetryAt = &next
}

// ResetForRetry revives a dead entry
func (e *OutboxEntry) ResetForRetry() error {
	if e.Status != OutboxStatusDead {
		return errors.New("can only retry dead letter entries")
	}
	e.Status = OutboxStatusPending
	e.RetryCount = 0
	e.LastError = ""
	e.NextRetryAt = nil
	e.UpdatedAt = time.Now()
	return nil
}

// IsDead returns true if the entry is in dead letter status
func (e *OutboxEntry) IsDead() bool {
	return e.Status == OutboxStatusDead
}

// OutboxRepository persists pending remote writes
type OutboxRepository interface {
	Save(ctx context.Context, entries ...*OutboxEntry) error
	// FindPending returns pending entries oldest first
	FindPending(ctx context.Context, limit int) ([]*OutboxEntry, error)
	// FindRetryable returns failed entries due before the given time
	FindRetryable(ctx context.Context, before time.Time, limit int) ([]*OutboxEntry, error)
	// FindOpen returns every entry still owed to the remote, oldest first
	FindOpen(ctx context.Context) ([]*OutboxEntry, error)
	// Claim atomically marks entry processing if the stored copy is still
	// claimable, refreshing entry from it. False means another replay owns it.
	Claim(ctx context.Context, entry *OutboxEntry, now time.Time, lease time.Duration) (bool, error)
	FindDead(ctx context.Context) ([]*OutboxEntry, error)
	FindByID(ctx context.Context, id uuid.UUID) (*OutboxEntry, error)
	// HasOpen reports whether any unsent entry exists for the cache key
	HasOpen(ctx context.Context, entityType, scopeKey string) (bool, error)
	Update(ctx context.Context, entry *OutboxEntry) error
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[OutboxStatus]int64, error)
}
