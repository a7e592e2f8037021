package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/erp/datasync/internal/domain/shared"
)

const (
	// DefaultIdempotencyPrefix namespaces event ids in Redis
	DefaultIdempotencyPrefix = "datasync:bus:seen:"

	defaultSweepInterval = time.Minute
)

// MemoryIdempotencyStore remembers event ids in process. Expired ids are
// swept periodically.
type MemoryIdempotencyStore struct {
	mu        sync.Mutex
	expiry    map[string]time.Time
	now       func() time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewMemoryIdempotencyStore starts a store sweeping every interval. A
// non-positive interval uses one minute.
func NewMemoryIdempotencyStore(interval time.Duration) *MemoryIdempotencyStore {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	s := &MemoryIdempotencyStore{
		expiry: make(map[string]time.Time),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.sweepLoop(interval)
	return s
}

// MarkProcessed records eventID unless it is already recorded and unexpired
func (s *MemoryIdempotencyStore) MarkProcessed(_ context.Context, eventID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if exp, ok := s.expiry[eventID]; ok && now.Before(exp) {
		return false, nil
	}
	s.expiry[eventID] = now.Add(ttl)
	return true, nil
}

// IsProcessed reports whether eventID is recorded and unexpired
func (s *MemoryIdempotencyStore) IsProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.expiry[eventID]
	return ok && s.now().Before(exp), nil
}

// Close stops the sweeper
func (s *MemoryIdempotencyStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
	})
	return nil
}

// Size returns the number of recorded ids, expired ones included
func (s *MemoryIdempotencyStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expiry)
}

func (s *MemoryIdempotencyStore) sweepLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryIdempotencyStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, exp := range s.expiry {
		if !now.Before(exp) {
			delete(s.expiry, id)
		}
	}
}

// RedisIdempotencyStore shares seen event ids between instances with
// SET NX and a TTL
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
}

// NewRedisIdempotencyStore uses client without taking ownership
func NewRedisIdempotencyStore(client *redis.Client, prefix string) *RedisIdempotencyStore {
	if prefix == "" {
		prefix = DefaultIdempotencyPrefix
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix}
}

// MarkProcessed records eventID atomically
func (s *RedisIdempotencyStore) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+eventID, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark event %s as processed: %w", eventID, err)
	}
	return ok, nil
}

// IsProcessed checks whether eventID is recorded
func (s *RedisIdempotencyStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event %s: %w", eventID, err)
	}
	return n > 0, nil
}

// Close is a no-op; the client belongs to the caller
func (s *RedisIdempotencyStore) Close() error {
	return nil
}

var (
	_ shared.IdempotencyStore = (*MemoryIdempotencyStore)(nil)
	_ shared.IdempotencyStore = (*RedisIdempotencyStore)(nil)
)

// ScopedIdempotencyStore namespaces event ids within a shared store. Every
// tab hears the same event id, so each tab needs its own scope or the first
// tab to handle an event hides it from the rest.
type ScopedIdempotencyStore struct {
	store shared.IdempotencyStore
	scope string
}

// NewScopedIdempotencyStore scopes store to one tab. Closing the scoped
// store leaves the underlying store open.
func NewScopedIdempotencyStore(store shared.IdempotencyStore, scope string) *ScopedIdempotencyStore {
	return &ScopedIdempotencyStore{store: store, scope: scope}
}

func (s *ScopedIdempotencyStore) key(eventID string) string {
	return s.scope + ":" + eventID
}

// MarkProcessed implements shared.IdempotencyStore
func (s *ScopedIdempotencyStore) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	return s.store.MarkProcessed(ctx, s.key(eventID), ttl)
}

// IsProcessed implements shared.IdempotencyStore
func (s *ScopedIdempotencyStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	return s.store.IsProcessed(ctx, s.key(eventID))
}

// Close is a no-op
func (s *ScopedIdempotencyStore) Close() error {
	return nil
}

var _ shared.IdempotencyStore = (*ScopedIdempotencyStore)(nil)
