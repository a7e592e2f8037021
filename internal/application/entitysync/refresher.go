package entitysync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/erp/datasync/internal/domain/entity"
	"github.com/erp/datasync/internal/infrastructure/cache"
	"github.com/erp/datasync/internal/infrastructure/logger"
)

// Refresher force-loads cached collections that have outlived the refresh
// horizon, plus any keys tracked explicitly
type Refresher struct {
	manager  *Manager
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	tracked map[cache.CachedKey]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRefresher creates a refresher ticking every interval
func NewRefresher(manager *Manager, interval time.Duration, log *zap.Logger) *Refresher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Refresher{
		manager:  manager,
		interval: interval,
		logger:   logger.Component(log, "refresher"),
		tracked:  make(map[cache.CachedKey]struct{}),
	}
}

// Track keeps (t, scopeKey) refreshed even when nothing is cached for it
func (r *Refresher) Track(t entity.Type, scopeKey string) {
	r.mu.Lock()
	r.tracked[cache.CachedKey{Type: t, Scope: scopeKey}] = struct{}{}
	r.mu.Unlock()
}

// Start begins the refresh loop
func (r *Refresher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RefreshOnce(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for it
func (r *Refresher) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// RefreshOnce reloads every due key and returns how many were reloaded
func (r *Refresher) RefreshOnce(ctx context.Context) int {
	keys, err := r.manager.Cache().Keys(ctx)
	if err != nil {
		r.logger.Warn("Failed to list cached keys", zap.Error(err))
	}

	due := make(map[cache.CachedKey]struct{})
	r.mu.Lock()
	for k := range r.tracked {
		due[k] = struct{}{}
	}
	r.mu.Unlock()
	for _, k := range keys {
		due[k] = struct{}{}
	}

	c := r.manager.Cache()
	refreshed := 0
	for k := range due {
		if ctx.Err() != nil {
			break
		}
		if _, err := r.manager.Registry().Lookup(k.Type); err != nil {
			continue
		}
		entry, err := c.Read(ctx, k.Type, k.Scope)
		if err != nil || !c.IsStale(entry, c.RefreshTTL()) {
			continue
		}
		snap, err := r.manager.Load(ctx, k.Type, k.Scope, Force())
		if err != nil {
			r.logger.Warn("Refresh failed",
				zap.String("entity_type", k.Type.String()),
				zap.String("scope", k.Scope),
				zap.Error(err))
			continue
		}
		if snap.Source == SourceRemote {
			refreshed++
		}
	}
	if refreshed > 0 {
		r.logger.Debug("Refreshed stale collections", zap.Int("count", refreshed))
	}
	return refreshed
}
