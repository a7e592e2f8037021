package entitysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/erp/datasync/internal/domain/shared"
)

// OutboxKeyPrefix prefixes outbox entries in the persistent store
const OutboxKeyPrefix = "outbox:"

// StoreOutboxRepository keeps outbox entries in the persistent store, one
// key per entry. It shares the store with the cache so pending writes
// survive a restart whenever the cache does.
type StoreOutboxRepository struct {
	store shared.PersistentStore
	// serializes read-modify-write within one instance
	mu sync.Mutex
}

// NewStoreOutboxRepository creates a repository over store
func NewStoreOutboxRepository(store shared.PersistentStore) *StoreOutboxRepository {
	return &StoreOutboxRepository{store: store}
}

func outboxKey(id uuid.UUID) string {
	return OutboxKeyPrefix + id.String()
}

// Save persists one or more entries
func (r *StoreOutboxRepository) Save(ctx context.Context, entries ...*shared.OutboxEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		if err := r.put(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Update overwrites an existing entry
func (r *StoreOutboxRepository) Update(ctx context.Context, entry *shared.OutboxEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.store.Get(ctx, outboxKey(entry.ID)); err != nil {
		if errors.Is(err, shared.ErrKeyNotFound) {
			return shared.ErrNotFound
		}
		return fmt.Errorf("outbox update %s: %w", entry.ID, err)
	}
	entry.UpdatedAt = time.Now()
	return r.put(ctx, entry)
}

func (r *StoreOutboxRepository) put(ctx context.Context, e *shared.OutboxEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return &shared.SerializationError{Op: "encode outbox entry", Err: err}
	}
	if err := r.store.Set(ctx, outboxKey(e.ID), raw); err != nil {
		return fmt.Errorf("outbox save %s: %w", e.ID, err)
	}
	return nil
}

// FindByID returns shared.ErrNotFound for an unknown id
func (r *StoreOutboxRepository) FindByID(ctx context.Context, id uuid.UUID) (*shared.OutboxEntry, error) {
	raw, err := r.store.Get(ctx, outboxKey(id))
	if err != nil {
		if errors.Is(err, shared.ErrKeyNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("outbox get %s: %w", id, err)
	}
	var e shared.OutboxEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, &shared.SerializationError{Op: "decode outbox entry", Err: err}
	}
	return &e, nil
}

// all loads every entry. Undecodable entries are skipped.
func (r *StoreOutboxRepository) all(ctx context.Context) ([]*shared.OutboxEntry, error) {
	keys, err := r.store.Keys(ctx, OutboxKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("outbox keys: %w", err)
	}
	entries := make([]*shared.OutboxEntry, 0, len(keys))
	for _, k := range keys {
		raw, err := r.store.Get(ctx, k)
		if err != nil {
			if errors.Is(err, shared.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("outbox get %s: %w", k, err)
		}
		var e shared.OutboxEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		entries = append(entries, &e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

func (r *StoreOutboxRepository) filter(ctx context.Context, limit int, keep func(*shared.OutboxEntry) bool) ([]*shared.OutboxEntry, error) {
	entries, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*shared.OutboxEntry, 0)
	for _, e := range entries {
		if !keep(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// FindPending returns pending entries oldest first
func (r *StoreOutboxRepository) FindPending(ctx context.Context, limit int) ([]*shared.OutboxEntry, error) {
	return r.filter(ctx, limit, func(e *shared.OutboxEntry) bool {
		return e.Status == shared.OutboxStatusPending
	})
}

// FindRetryable returns failed entries whose backoff ends before the given time
func (r *StoreOutboxRepository) FindRetryable(ctx context.Context, before time.Time, limit int) ([]*shared.OutboxEntry, error) {
	return r.filter(ctx, limit, func(e *shared.OutboxEntry) bool {
		return e.IsDue(before)
	})
}

// FindOpen returns every pending, processing or failed entry oldest first
func (r *StoreOutboxRepository) FindOpen(ctx context.Context) ([]*shared.OutboxEntry, error) {
	return r.filter(ctx, 0, func(e *shared.OutboxEntry) bool {
		return e.IsOpen()
	})
}

// Claim marks the stored entry processing. On stores that support
// compare-and-swap the claim holds across processes; elsewhere only the
// repository mutex guards it.
func (r *StoreOutboxRepository) Claim(ctx context.Context, entry *shared.OutboxEntry, now time.Time, lease time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := outboxKey(entry.ID)
	prev, err := r.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, shared.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("outbox claim %s: %w", entry.ID, err)
	}
	var current shared.OutboxEntry
	if err := json.Unmarshal(prev, &current); err != nil {
		return false, &shared.SerializationError{Op: "decode outbox entry", Err: err}
	}
	if err := current.Claim(now, lease); err != nil {
		return false, nil
	}
	next, err := json.Marshal(&current)
	if err != nil {
		return false, &shared.SerializationError{Op: "encode outbox entry", Err: err}
	}

	if cas, ok := r.store.(shared.CompareAndSwapper); ok {
		swapped, err := cas.CompareAndSwap(ctx, key, prev, next)
		if err != nil {
			return false, fmt.Errorf("outbox claim %s: %w", entry.ID, err)
		}
		if !swapped {
			return false, nil
		}
	} else if err := r.store.Set(ctx, key, next); err != nil {
		return false, fmt.Errorf("outbox claim %s: %w", entry.ID, err)
	}
	*entry = current
	return true, nil
}

// FindDead returns dead-lettered entries oldest first
func (r *StoreOutboxRepository) FindDead(ctx context.Context) ([]*shared.OutboxEntry, error) {
	return r.filter(ctx, 0, func(e *shared.OutboxEntry) bool {
		return e.IsDead()
	})
}

// HasOpen reports whether a write for the cache key is still owed
func (r *StoreOutboxRepository) HasOpen(ctx context.Context, entityType, scopeKey string) (bool, error) {
	open, err := r.filter(ctx, 1, func(e *shared.OutboxEntry) bool {
		return e.EntityType == entityType && e.ScopeKey == scopeKey && e.IsOpen()
	})
	if err != nil {
		return false, err
	}
	return len(open) > 0, nil
}

// DeleteOlderThan removes sent entries processed before the cutoff
func (r *StoreOutboxRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sent, err := r.filter(ctx, 0, func(e *shared.OutboxEntry) bool {
		return e.Status == shared.OutboxStatusSent && e.ProcessedAt != nil && e.ProcessedAt.Before(before)
	})
	if err != nil {
		return 0, err
	}
	var deleted int64
	for _, e := range sent {
		if err := r.store.Delete(ctx, outboxKey(e.ID)); err != nil {
			return deleted, fmt.Errorf("outbox delete %s: %w", e.ID, err)
		}
		deleted++
	}
	return deleted, nil
}

// CountByStatus returns the number of entries per status
func (r *StoreOutboxRepository) CountByStatus(ctx context.Context) (map[shared.OutboxStatus]int64, error) {
	entries, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[shared.OutboxStatus]int64)
	for _, e := range entries {
		counts[e.Status]++
	}
	return counts, nil
}

var _ shared.OutboxRepository = (*StoreOutboxRepository)(nil)
