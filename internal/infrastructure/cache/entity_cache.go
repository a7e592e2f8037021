// Package cache keeps the locally held copy of every (entity type, scope)
// collection in the shared persistent store and announces each write on the
// broadcast bus.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/erp/datasync/internal/domain/entity"
	"github.com/erp/datasync/internal/domain/shared"
	"github.com/erp/datasync/internal/infrastructure/logger"
	"github.com/erp/datasync/internal/infrastructure/telemetry"
)

// KeyPrefix prefixes every cache key in the persistent store
const KeyPrefix = "cache:"

// Key returns the store key of a collection
func Key(t entity.Type, scopeKey string) string {
	return KeyPrefix + t.String() + ":" + scopeKey
}

// ParseKey splits a store key produced by Key
func ParseKey(key string) (entity.Type, string, bool) {
	rest, ok := strings.CutPrefix(key, KeyPrefix)
	if !ok {
		return "", "", false
	}
	t, scope, ok := strings.Cut(rest, ":")
	if !ok || t == "" || scope == "" {
		return "", "", false
	}
	return entity.Type(t), scope, true
}

// EntityCache owns the cache entries. Reads never fail on bad data: a
// corrupted entry is deleted and reported as a miss.
type EntityCache struct {
	store     shared.PersistentStore
	registry  *entity.Registry
	publisher shared.EventPublisher
	ttl       entity.TTLPolicy
	locks     *KeyedMutex
	logger    *zap.Logger
	metrics   *telemetry.SyncMetrics
	now       func() time.Time
}

// Option configures an EntityCache
type Option func(*EntityCache)

// WithPublisher announces writes on the bus
func WithPublisher(p shared.EventPublisher) Option {
	return func(c *EntityCache) {
		c.publisher = p
	}
}

// WithTTLPolicy overrides the default TTL classes
func WithTTLPolicy(p entity.TTLPolicy) Option {
	return func(c *EntityCache) {
		c.ttl = p
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(c *EntityCache) {
		c.logger = logger.Component(l, "cache")
	}
}

// WithMetrics counts lookups by result
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(c *EntityCache) {
		c.metrics = m
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *EntityCache) {
		c.now = now
	}
}

// New creates a cache over store
func New(store shared.PersistentStore, registry *entity.Registry, opts ...Option) *EntityCache {
	c := &EntityCache{
		store:    store,
		registry: registry,
		ttl:      entity.DefaultTTLPolicy(),
		locks:    NewKeyedMutex(),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Now returns the cache's clock reading
func (c *EntityCache) Now() time.Time {
	return c.now()
}

// TTL returns the freshness window of an entity type
func (c *EntityCache) TTL(t entity.Type) time.Duration {
	s, err := c.registry.Lookup(t)
	if err != nil {
		return c.ttl.Shared
	}
	return c.ttl.For(s.TTLClass)
}

// RefreshTTL is the background needs-refresh horizon
func (c *EntityCache) RefreshTTL() time.Duration {
	return c.ttl.Refresh
}

// IsStale reports whether entry is older than ttl. nil is maximally stale.
func (c *EntityCache) IsStale(entry *entity.CacheEntry, ttl time.Duration) bool {
	return entity.IsStale(entry, ttl, c.now())
}

// Read returns the entry or nil. The only error is an unregistered type.
func (c *EntityCache) Read(ctx context.Context, t entity.Type, scopeKey string) (*entity.CacheEntry, error) {
	if _, err := c.registry.Lookup(t); err != nil {
		return nil, err
	}
	key := Key(t, scopeKey)

	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, shared.ErrKeyNotFound) {
			c.logger.Warn("Cache read failed, treating as miss", zap.String("key", key), zap.Error(err))
		}
		c.metrics.RecordCacheLookup(ctx, t.String(), telemetry.CacheMiss)
		return nil, nil
	}

	var entry entity.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.discard(ctx, key, t, &shared.SerializationError{Op: "read " + key, Err: err})
		return nil, nil
	}
	if err := c.registry.ValidateEntry(&entry, t); err != nil {
		c.discard(ctx, key, t, err)
		return nil, nil
	}
	if entry.Data == nil {
		entry.Data = []json.RawMessage{}
	}

	result := telemetry.CacheHit
	if c.IsStale(&entry, c.TTL(t)) {
		result = telemetry.CacheStale
	}
	c.metrics.RecordCacheLookup(ctx, t.String(), result)
	return &entry, nil
}

func (c *EntityCache) discard(ctx context.Context, key string, t entity.Type, cause error) {
	c.logger.Warn("Discarding corrupted cache entry", zap.String("key", key), zap.Error(cause))
	c.metrics.RecordCacheLookup(ctx, t.String(), telemetry.CacheCorrupted)
	if err := c.store.Delete(ctx, key); err != nil {
		c.logger.Warn("Failed to delete corrupted cache entry", zap.String("key", key), zap.Error(err))
	}
}

// WriteOption tags a write with the mutation that caused it
type WriteOption func(*writeOptions)

type writeOptions struct {
	action shared.MutationAction
	data   []json.RawMessage
}

// WithAction sets the action announced on the bus. Default is refresh.
func WithAction(a shared.MutationAction) WriteOption {
	return func(o *writeOptions) {
		o.action = a
	}
}

// WithEventData announces only the changed items instead of the whole
// collection
func WithEventData(items []json.RawMessage) WriteOption {
	return func(o *writeOptions) {
		o.data = items
	}
}

// Write replaces the collection, stamps fetchedAt and lastModified with the
// current time, and publishes exactly one bus event once the key is
// unlocked.
func (c *EntityCache) Write(ctx context.Context, t entity.Type, scopeKey string, data []json.RawMessage, remoteSynced bool, opts ...WriteOption) (*entity.CacheEntry, error) {
	return c.mutate(ctx, t, scopeKey, remoteSynced, false, func(*entity.CacheEntry) ([]json.RawMessage, error) {
		return data, nil
	}, opts)
}

// Update re-reads the entry and writes fn's result under the key's lock.
// fn receives nil when nothing is cached.
func (c *EntityCache) Update(ctx context.Context, t entity.Type, scopeKey string, remoteSynced bool, fn func(current *entity.CacheEntry) ([]json.RawMessage, error), opts ...WriteOption) (*entity.CacheEntry, error) {
	return c.mutate(ctx, t, scopeKey, remoteSynced, true, fn, opts)
}

func (c *EntityCache) mutate(ctx context.Context, t entity.Type, scopeKey string, remoteSynced, reread bool, fn func(*entity.CacheEntry) ([]json.RawMessage, error), opts []WriteOption) (*entity.CacheEntry, error) {
	schema, err := c.registry.Lookup(t)
	if err != nil {
		return nil, err
	}
	o := writeOptions{action: shared.ActionRefresh}
	for _, opt := range opts {
		opt(&o)
	}

	key := Key(t, scopeKey)
	c.locks.Lock(key)
	entry, err := c.persist(ctx, schema, scopeKey, remoteSynced, reread, fn)
	c.locks.Unlock(key)
	if err != nil {
		return nil, err
	}

	c.announce(ctx, entry, o)
	return entry, nil
}

func (c *EntityCache) persist(ctx context.Context, schema entity.Schema, scopeKey string, remoteSynced, reread bool, fn func(*entity.CacheEntry) ([]json.RawMessage, error)) (*entity.CacheEntry, error) {
	key := Key(schema.Type, scopeKey)
	var current *entity.CacheEntry
	if reread {
		var err error
		if current, err = c.Read(ctx, schema.Type, scopeKey); err != nil {
			return nil, err
		}
	}
	data, err := fn(current)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []json.RawMessage{}
	}

	now := c.now()
	entry := &entity.CacheEntry{
		EntityType:    schema.Type,
		ScopeKey:      scopeKey,
		SchemaVersion: schema.Version,
		Data:          data,
		FetchedAt:     now,
		LastModified:  now,
		RemoteSynced:  remoteSynced,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, &shared.SerializationError{Op: "write " + key, Err: err}
	}
	if err := c.store.Set(ctx, key, raw); err != nil {
		return nil, fmt.Errorf("cache write %s: %w", key, err)
	}
	return entry, nil
}

func (c *EntityCache) announce(ctx context.Context, entry *entity.CacheEntry, o writeOptions) {
	if c.publisher == nil {
		return
	}
	data := o.data
	if data == nil {
		data = entry.Data
	}
	payload := shared.MutationPayload{
		Type:         entry.EntityType.String(),
		Scope:        entry.ScopeKey,
		Action:       o.action,
		Data:         data,
		Timestamp:    entry.LastModified.UnixMilli(),
		RemoteSynced: entry.RemoteSynced,
	}
	topic := entity.Topic(entry.EntityType, entry.ScopeKey)
	if err := c.publisher.Publish(ctx, topic, payload); err != nil {
		// the write itself succeeded; peers catch up on their next read
		c.logger.Warn("Failed to publish cache write",
			zap.String("topic", topic.String()),
			zap.String("key", Key(entry.EntityType, entry.ScopeKey)),
			zap.Error(err))
	}
}

// Invalidate removes a collection without announcing it
func (c *EntityCache) Invalidate(ctx context.Context, t entity.Type, scopeKey string) error {
	if err := c.store.Delete(ctx, Key(t, scopeKey)); err != nil {
		return fmt.Errorf("cache invalidate %s: %w", Key(t, scopeKey), err)
	}
	return nil
}

// CachedKey identifies one cached collection
type CachedKey struct {
	Type  entity.Type
	Scope string
}

// Keys lists every cached collection
func (c *EntityCache) Keys(ctx context.Context) ([]CachedKey, error) {
	raw, err := c.store.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("cache keys: %w", err)
	}
	keys := make([]CachedKey, 0, len(raw))
	for _, k := range raw {
		if t, scope, ok := ParseKey(k); ok {
			keys = append(keys, CachedKey{Type: t, Scope: scope})
		}
	}
	return keys, nil
}
