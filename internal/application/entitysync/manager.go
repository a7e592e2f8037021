// Package entitysync reconciles the local cache with the remote backend:
// stale-while-revalidate reads, write-through mutations, and an outbox that
// replays writes the remote did not accept.
package entitysync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/erp/datasync/internal/domain/entity"
	"github.com/erp/datasync/internal/domain/shared"
	"github.com/erp/datasync/internal/infrastructure/cache"
	"github.com/erp/datasync/internal/infrastructure/logger"
	"github.com/erp/datasync/internal/infrastructure/telemetry"
)

// Source tells where a Load result came from
type Source string

const (
	SourceCache  Source = "cache"
	SourceRemote Source = "remote"
	SourceStale  Source = "stale"
	SourceEmpty  Source = "empty"
)

// Snapshot is the result of a Load
type Snapshot struct {
	Type         entity.Type       `json:"type"`
	Scope        string            `json:"scope"`
	Items        []json.RawMessage `json:"items"`
	RemoteSynced bool              `json:"remoteSynced"`
	FetchedAt    time.Time         `json:"fetchedAt,omitzero"`
	Source       Source            `json:"source"`
}

func snapshotOf(entry *entity.CacheEntry, source Source) *Snapshot {
	return &Snapshot{
		Type:         entry.EntityType,
		Scope:        entry.ScopeKey,
		Items:        entry.Data,
		RemoteSynced: entry.RemoteSynced,
		FetchedAt:    entry.FetchedAt,
		Source:       source,
	}
}

// LoadOption tunes a single Load
type LoadOption func(*loadOptions)

type loadOptions struct {
	force bool
}

// Force skips the fresh-cache shortcut and goes to the remote first
func Force() LoadOption {
	return func(o *loadOptions) {
		o.force = true
	}
}

// ErrEmptyScope is returned for a blank scope key
var ErrEmptyScope = shared.NewDomainError("INVALID_SCOPE", "Scope key cannot be empty")

// Manager is the single entry point for reading and writing mirrored
// entities
type Manager struct {
	cache    *cache.EntityCache
	gateway  shared.RemoteGateway
	registry *entity.Registry
	outbox   shared.OutboxRepository
	logger   *zap.Logger
	metrics  *telemetry.SyncMetrics

	maxRetries        int
	backgroundRefresh bool
	onRemoteSuccess   func()

	group singleflight.Group
	bg    sync.WaitGroup
}

// Option configures a Manager
type Option func(*Manager)

// WithOutbox enqueues writes the remote rejected
func WithOutbox(repo shared.OutboxRepository, maxRetries int) Option {
	return func(m *Manager) {
		m.outbox = repo
		if maxRetries > 0 {
			m.maxRetries = maxRetries
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger.Component(l, "entitysync")
	}
}

// WithMetrics records outbox activity
func WithMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithBackgroundRefresh toggles the refresh started by a fresh cache hit
func WithBackgroundRefresh(enabled bool) Option {
	return func(m *Manager) {
		m.backgroundRefresh = enabled
	}
}

// NewManager wires a manager. The registry must be the one the cache
// validates against.
func NewManager(c *cache.EntityCache, gateway shared.RemoteGateway, registry *entity.Registry, opts ...Option) *Manager {
	m := &Manager{
		cache:             c,
		gateway:           gateway,
		registry:          registry,
		logger:            zap.NewNop(),
		maxRetries:        shared.DefaultMaxRetries,
		backgroundRefresh: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnRemoteSuccess registers a hook run after every successful fetch. The
// reconciler uses it to replay pending writes once the remote is back.
func (m *Manager) OnRemoteSuccess(fn func()) {
	m.onRemoteSuccess = fn
}

// Registry returns the entity registry
func (m *Manager) Registry() *entity.Registry {
	return m.registry
}

// Cache returns the underlying cache
func (m *Manager) Cache() *cache.EntityCache {
	return m.cache
}

func (m *Manager) check(t entity.Type, scopeKey string) error {
	if _, err := m.registry.Lookup(t); err != nil {
		return err
	}
	if scopeKey == "" {
		return ErrEmptyScope
	}
	return nil
}

// Load returns the collection for (t, scopeKey). Remote and cache
// failures fall back to whatever is cached, then to an empty collection;
// only invalid arguments are errors.
func (m *Manager) Load(ctx context.Context, t entity.Type, scopeKey string, opts ...LoadOption) (*Snapshot, error) {
	if err := m.check(t, scopeKey); err != nil {
		return nil, err
	}
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	entry, err := m.cache.Read(ctx, t, scopeKey)
	if err != nil {
		return nil, err
	}
	if !o.force && entry != nil && !m.cache.IsStale(entry, m.cache.TTL(t)) {
		if m.backgroundRefresh {
			m.refreshInBackground(ctx, t, scopeKey)
		}
		return snapshotOf(entry, SourceCache), nil
	}

	fetched, err := m.refresh(ctx, t, scopeKey)
	if err == nil {
		return snapshotOf(fetched, SourceRemote), nil
	}
	logger.L(ctx).Warn("Remote fetch failed, serving cached data",
		zap.String("entity_type", t.String()),
		zap.String("scope", scopeKey),
		zap.Bool("cached", entry != nil),
		zap.Error(err))

	if entry != nil {
		return snapshotOf(entry, SourceStale), nil
	}
	return &Snapshot{Type: t, Scope: scopeKey, Items: []json.RawMessage{}, Source: SourceEmpty}, nil
}

// Current returns the locally cached collection for a read-modify-write,
// loading it only when nothing is cached. Unlike Load it never replaces a
// cached collection with remote data.
func (m *Manager) Current(ctx context.Context, t entity.Type, scopeKey string) ([]json.RawMessage, error) {
	if err := m.check(t, scopeKey); err != nil {
		return nil, err
	}
	entry, err := m.cache.Read(ctx, t, scopeKey)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return entry.Data, nil
	}
	snap, err := m.Load(ctx, t, scopeKey)
	if err != nil {
		return nil, err
	}
	return snap.Items, nil
}

// refresh fetches once per key at a time; concurrent callers share the
// result
func (m *Manager) refresh(ctx context.Context, t entity.Type, scopeKey string) (*entity.CacheEntry, error) {
	v, err, _ := m.group.Do(cache.Key(t, scopeKey), func() (any, error) {
		return m.fetch(ctx, t, scopeKey)
	})
	if err != nil {
		return nil, err
	}
	return v.(*entity.CacheEntry), nil
}

func (m *Manager) refreshInBackground(ctx context.Context, t entity.Type, scopeKey string) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		bgCtx := context.WithoutCancel(ctx)
		if _, err := m.refresh(bgCtx, t, scopeKey); err != nil {
			m.logger.Debug("Background refresh failed",
				zap.String("entity_type", t.String()),
				zap.String("scope", scopeKey),
				zap.Error(err))
		}
	}()
}

// Wait blocks until background refreshes started so far have finished
func (m *Manager) Wait() {
	m.bg.Wait()
}

func (m *Manager) fetch(ctx context.Context, t entity.Type, scopeKey string) (*entity.CacheEntry, error) {
	items, err := m.gateway.Fetch(ctx, t.String(), scopeKey)
	if err != nil {
		return nil, err
	}
	if m.onRemoteSuccess != nil {
		m.onRemoteSuccess()
	}
	items = m.validItems(t, items)

	if m.outbox != nil {
		open, err := m.outbox.HasOpen(ctx, t.String(), scopeKey)
		if err != nil {
			m.logger.Warn("Failed to check outbox, overwriting cache with remote data", zap.Error(err))
		}
		if open {
			// keep local unsynced writes until the outbox replays them
			m.logger.Debug("Skipping cache overwrite, writes pending",
				zap.String("entity_type", t.String()),
				zap.String("scope", scopeKey))
			entry, err := m.cache.Read(ctx, t, scopeKey)
			if err == nil && entry != nil {
				return entry, nil
			}
		}
	}

	return m.cache.Write(ctx, t, scopeKey, items, true)
}

// validItems drops remote items that would make the whole entry fail
// validation on its next read
func (m *Manager) validItems(t entity.Type, items []json.RawMessage) []json.RawMessage {
	out := items[:0:0]
	for _, item := range items {
		if err := m.registry.ValidateItem(t, item); err != nil {
			m.logger.Warn("Dropping invalid remote item",
				zap.String("entity_type", t.String()),
				zap.ByteString("item", item),
				zap.Error(err))
			continue
		}
		out = append(out, item)
	}
	return out
}

// Save writes through to the remote and applies the same mutation to the
// cache whatever the remote said. It returns whether the remote accepted
// the write; err only reports invalid arguments or a failed local write.
func (m *Manager) Save(ctx context.Context, t entity.Type, scopeKey string, action shared.MutationAction, items []json.RawMessage) (bool, error) {
	if err := m.check(t, scopeKey); err != nil {
		return false, err
	}
	if !action.IsValid() {
		return false, shared.NewDomainError("INVALID_ACTION", "Unsupported mutation action: "+action.String())
	}
	for _, item := range items {
		if action == shared.ActionDelete {
			if _, err := m.registry.ItemID(t, item); err != nil {
				return false, shared.NewDomainError(shared.ErrInvalidInput.Code, err.Error())
			}
			continue
		}
		if err := m.registry.ValidateItem(t, item); err != nil {
			return false, shared.NewDomainError(shared.ErrInvalidInput.Code, err.Error())
		}
	}

	remoteErr := pushRemote(ctx, m.gateway, m.registry, t, action, items)
	synced := remoteErr == nil
	if !synced {
		logger.L(ctx).Warn("Remote write failed, keeping local change",
			zap.String("entity_type", t.String()),
			zap.String("scope", scopeKey),
			zap.String("action", action.String()),
			zap.Error(remoteErr))
		m.enqueue(ctx, t, scopeKey, action, items, remoteErr)
	}

	entrySynced := synced && !m.hasOpen(ctx, t, scopeKey)
	_, err := m.cache.Update(ctx, t, scopeKey, entrySynced, func(current *entity.CacheEntry) ([]json.RawMessage, error) {
		var data []json.RawMessage
		if current != nil {
			data = current.Data
		}
		return applyMutation(m.registry, t, data, action, items)
	}, cache.WithAction(action), cache.WithEventData(items))
	if err != nil {
		return synced, err
	}
	return synced, nil
}

func (m *Manager) enqueue(ctx context.Context, t entity.Type, scopeKey string, action shared.MutationAction, items []json.RawMessage, cause error) {
	if m.outbox == nil {
		return
	}
	entry := shared.NewOutboxEntry(t.String(), scopeKey, action, items)
	entry.MaxRetries = m.maxRetries
	entry.LastError = cause.Error()
	if err := m.outbox.Save(ctx, entry); err != nil {
		m.logger.Error("Failed to enqueue write for reconciliation",
			zap.String("entity_type", t.String()),
			zap.String("scope", scopeKey),
			zap.Error(err))
		return
	}
	m.metrics.RecordOutboxEnqueued(ctx, t.String())
}

func (m *Manager) hasOpen(ctx context.Context, t entity.Type, scopeKey string) bool {
	if m.outbox == nil {
		return false
	}
	open, err := m.outbox.HasOpen(ctx, t.String(), scopeKey)
	if err != nil {
		m.logger.Warn("Failed to check outbox", zap.Error(err))
		return true
	}
	return open
}

var errNothingCached = errors.New("nothing cached")

// MarkSynced flips the cached entry's remoteSynced flag once nothing is
// owed to the remote for it. A missing entry is left alone.
func (m *Manager) MarkSynced(ctx context.Context, t entity.Type, scopeKey string) error {
	if err := m.check(t, scopeKey); err != nil {
		return err
	}
	if m.hasOpen(ctx, t, scopeKey) {
		return nil
	}
	_, err := m.cache.Update(ctx, t, scopeKey, true, func(current *entity.CacheEntry) ([]json.RawMessage, error) {
		if current == nil {
			return nil, errNothingCached
		}
		return current.Data, nil
	})
	if errors.Is(err, errNothingCached) {
		return nil
	}
	return err
}

// Invalidate drops the cached collection so the next Load goes remote
func (m *Manager) Invalidate(ctx context.Context, t entity.Type, scopeKey string) error {
	if err := m.check(t, scopeKey); err != nil {
		return err
	}
	return m.cache.Invalidate(ctx, t, scopeKey)
}
