package entitysync

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erp/datasync/internal/domain/entity"
	"github.com/erp/datasync/internal/domain/shared"
	"github.com/erp/datasync/internal/infrastructure/logger"
	"github.com/erp/datasync/internal/infrastructure/telemetry"
)

// ReconcilerConfig holds configuration for the outbox replay loop
type ReconcilerConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// ProcessingLease is how long a claim holds before another replay may
	// take the entry over
	ProcessingLease  time.Duration
	CleanupEnabled   bool
	CleanupRetention time.Duration
	CleanupInterval  time.Duration
}

// DefaultReconcilerConfig returns default configuration
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		BatchSize:        50,
		PollInterval:     5 * time.Second,
		ProcessingLease:  shared.DefaultProcessingLease,
		CleanupEnabled:   true,
		CleanupRetention: 24 * time.Hour,
		CleanupInterval:  time.Hour,
	}
}

// Reconciler replays outbox entries against the remote until they are
// accepted or dead-lettered
type Reconciler struct {
	repo    shared.OutboxRepository
	gateway shared.RemoteGateway
	manager *Manager
	config  ReconcilerConfig
	logger  *zap.Logger
	metrics *telemetry.SyncMetrics
	now     func() time.Time

	nudge chan struct{}
	// one batch at a time
	batchMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ReconcilerOption configures a Reconciler
type ReconcilerOption func(*Reconciler)

// WithReconcilerLogger sets the logger
func WithReconcilerLogger(l *zap.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.logger = logger.Component(l, "reconciler")
	}
}

// WithReconcilerMetrics records replay outcomes
func WithReconcilerMetrics(m *telemetry.SyncMetrics) ReconcilerOption {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// NewReconciler creates a reconciler and hooks it to the manager's
// successful fetches
func NewReconciler(repo shared.OutboxRepository, gateway shared.RemoteGateway, manager *Manager, config ReconcilerConfig, opts ...ReconcilerOption) *Reconciler {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultReconcilerConfig().BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultReconcilerConfig().PollInterval
	}
	if config.ProcessingLease <= 0 {
		config.ProcessingLease = DefaultReconcilerConfig().ProcessingLease
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultReconcilerConfig().CleanupInterval
	}
	r := &Reconciler{
		repo:    repo,
		gateway: gateway,
		manager: manager,
		config:  config,
		logger:  zap.NewNop(),
		now:     time.Now,
		nudge:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	manager.OnRemoteSuccess(r.Nudge)
	return r
}

// Nudge asks for a replay as soon as possible. It never blocks.
func (r *Reconciler) Nudge() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// Start starts the background loops
func (r *Reconciler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.processLoop(ctx)

	if r.config.CleanupEnabled {
		r.wg.Add(1)
		go r.cleanupLoop(ctx)
	}

	r.logger.Info("Reconciler started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
	return nil
}

// Stop waits for the loops to exit or ctx to end
func (r *Reconciler) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("Reconciler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) processLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.nudge:
		}
		r.ProcessOnce(ctx)
	}
}

// ProcessOnce replays up to one batch of claimable entries and returns how
// many the remote accepted. Writes for one cache key replay oldest first: an
// older entry that is still owed holds back every newer one for its key,
// whether it failed this round, waits out its backoff or is claimed
// elsewhere.
func (r *Reconciler) ProcessOnce(ctx context.Context) int {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()

	open, err := r.repo.FindOpen(ctx)
	if err != nil {
		r.logger.Error("Failed to find open outbox entries", zap.Error(err))
		return 0
	}

	now := r.now()
	sent, attempts := 0, 0
	touched := make(map[entity.Type]map[string]bool)
	blocked := make(map[string]bool)
	for _, entry := range open {
		key := entry.CacheKey()
		if blocked[key] {
			continue
		}
		if !entry.IsClaimable(now, r.config.ProcessingLease) {
			blocked[key] = true
			continue
		}
		if attempts >= r.config.BatchSize {
			break
		}
		attempts++
		if r.replay(ctx, entry, now) {
			sent++
			t := entity.Type(entry.EntityType)
			if touched[t] == nil {
				touched[t] = make(map[string]bool)
			}
			touched[t][entry.ScopeKey] = true
		} else {
			blocked[key] = true
		}
	}

	for t, scopes := range touched {
		for scope := range scopes {
			if err := r.manager.MarkSynced(ctx, t, scope); err != nil {
				r.logger.Warn("Failed to mark cache entry synced",
					zap.String("entity_type", t.String()),
					zap.String("scope", scope),
					zap.Error(err))
			}
		}
	}
	return sent
}

func (r *Reconciler) replay(ctx context.Context, entry *shared.OutboxEntry, now time.Time) bool {
	stale := entry.Status == shared.OutboxStatusProcessing
	claimed, err := r.repo.Claim(ctx, entry, now, r.config.ProcessingLease)
	if err != nil {
		r.logger.Error("Failed to claim outbox entry", zap.String("id", entry.ID.String()), zap.Error(err))
		return false
	}
	if !claimed {
		// another engine on the shared store got there first
		return false
	}
	if stale {
		r.logger.Warn("Took over stale outbox claim",
			zap.String("id", entry.ID.String()),
			zap.String("entity_type", entry.EntityType),
			zap.String("scope", entry.ScopeKey))
	}

	t := entity.Type(entry.EntityType)
	err = pushRemote(ctx, r.gateway, r.manager.Registry(), t, entry.Action, entry.Items)
	if err != nil {
		entry.MarkFailed(err.Error())
		r.metrics.RecordOutboxReplay(ctx, entry.EntityType, false, entry.IsDead())
		if entry.IsDead() {
			r.logger.Warn("Outbox entry moved to dead letter",
				zap.String("id", entry.ID.String()),
				zap.String("entity_type", entry.EntityType),
				zap.String("scope", entry.ScopeKey),
				zap.String("action", entry.Action.String()),
				zap.Int("retry_count", entry.RetryCount),
				zap.String("last_error", entry.LastError))
		} else {
			r.logger.Debug("Outbox replay failed",
				zap.String("id", entry.ID.String()),
				zap.Int("retry_count", entry.RetryCount),
				zap.Error(err))
		}
		if updateErr := r.repo.Update(ctx, entry); updateErr != nil {
			r.logger.Error("Failed to update outbox entry", zap.Error(updateErr))
		}
		return false
	}

	entry.MarkSent()
	r.metrics.RecordOutboxReplay(ctx, entry.EntityType, true, false)
	if err := r.repo.Update(ctx, entry); err != nil {
		r.logger.Error("Failed to mark outbox entry sent",
			zap.String("id", entry.ID.String()),
			zap.Error(err))
		return false
	}
	r.logger.Debug("Outbox entry replayed",
		zap.String("id", entry.ID.String()),
		zap.String("entity_type", entry.EntityType),
		zap.String("scope", entry.ScopeKey))
	return true
}

func (r *Reconciler) cleanupLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Cleanup(ctx)
		}
	}
}

// Cleanup removes sent entries older than the retention
func (r *Reconciler) Cleanup(ctx context.Context) int64 {
	cutoff := r.now().Add(-r.config.CleanupRetention)
	deleted, err := r.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		r.logger.Error("Failed to clean up outbox", zap.Error(err))
		return 0
	}
	if deleted > 0 {
		r.logger.Info("Cleaned up outbox entries",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff))
	}
	return deleted
}

// DeadLetters lists entries that exhausted their retries
func (r *Reconciler) DeadLetters(ctx context.Context) ([]*shared.OutboxEntry, error) {
	return r.repo.FindDead(ctx)
}

// Retry revives a dead entry and nudges the loop
func (r *Reconciler) Retry(ctx context.Context, id uuid.UUID) error {
	entry, err := r.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := entry.ResetForRetry(); err != nil {
		return shared.NewDomainError(shared.ErrInvalidState.Code, err.Error())
	}
	if err := r.repo.Update(ctx, entry); err != nil {
		return err
	}
	r.Nudge()
	return nil
}

// Stats counts entries per status
func (r *Reconciler) Stats(ctx context.Context) (map[shared.OutboxStatus]int64, error) {
	return r.repo.CountByStatus(ctx)
}
