// Package ranking keeps loyalty records in step with completed orders.
package ranking

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/erp/datasync/internal/application/entitysync"
	"github.com/erp/datasync/internal/domain/entity"
	"github.com/erp/datasync/internal/domain/ranking"
	"github.com/erp/datasync/internal/domain/shared"
	"github.com/erp/datasync/internal/domain/trade"
	"github.com/erp/datasync/internal/infrastructure/cache"
	"github.com/erp/datasync/internal/infrastructure/logger"
)

// Service recomputes a user's record from all of their completed orders
// whenever one completes. Records are stored under entity.ScopeAll.
type Service struct {
	manager *entitysync.Manager
	logger  *zap.Logger
	locks   *cache.KeyedMutex
	now     func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger.Component(l, "ranking")
	}
}

// NewService creates a ranking service
func NewService(manager *entitysync.Manager, opts ...Option) *Service {
	s := &Service{
		manager: manager,
		logger:  zap.NewNop(),
		locks:   cache.NewKeyedMutex(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach subscribes to order-completed on sub
func (s *Service) Attach(sub shared.EventSubscriber) shared.Unsubscribe {
	return sub.Subscribe(shared.TopicOrderCompleted, s.HandleOrderCompleted)
}

// HandleOrderCompleted recomputes the ordering user's record. Replays are
// harmless because the record is rebuilt from scratch.
func (s *Service) HandleOrderCompleted(ctx context.Context, event shared.SyncEvent) error {
	var payload trade.OrderEvent
	if err := event.Decode(&payload); err != nil {
		return err
	}
	if payload.UserID == "" {
		return shared.NewDomainError(shared.ErrInvalidInput.Code, "order-completed event without user id")
	}
	_, err := s.Recompute(ctx, payload.UserID)
	return err
}

// Recompute rebuilds userID's record from the completed orders and saves it
func (s *Service) Recompute(ctx context.Context, userID string) (*ranking.Record, error) {
	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	items, err := s.manager.Current(ctx, entity.Orders, entity.ScopeAll)
	if err != nil {
		return nil, err
	}
	orders, err := entity.Decode[trade.Order](items)
	if err != nil {
		return nil, err
	}

	rec := ranking.Recompute(userID, orders, s.now())
	raw, err := entity.Encode(rec)
	if err != nil {
		return nil, err
	}
	if _, err := s.manager.Save(ctx, entity.Rankings, entity.ScopeAll, shared.ActionUpdate, raw); err != nil {
		return nil, fmt.Errorf("save ranking %s: %w", userID, err)
	}
	s.logger.Debug("Ranking recomputed",
		zap.String("user_id", userID),
		zap.Int64("points", rec.Points),
		zap.Int("orders", rec.TotalOrders),
		zap.String("rank", string(rec.Rank)))
	return &rec, nil
}

// Get returns userID's record, a zero bronze record when none exists
func (s *Service) Get(ctx context.Context, userID string) (*ranking.Record, error) {
	records, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].UserID == userID {
			r := records[i]
			return &r, nil
		}
	}
	return &ranking.Record{UserID: userID, Rank: ranking.RankBronze}, nil
}

// Leaderboard returns the top records by points. limit <= 0 returns all.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]ranking.Record, error) {
	records, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Points != records[j].Points {
			return records[i].Points > records[j].Points
		}
		return records[i].UserID < records[j].UserID
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *Service) all(ctx context.Context) ([]ranking.Record, error) {
	snap, err := s.manager.Load(ctx, entity.Rankings, entity.ScopeAll)
	if err != nil {
		return nil, err
	}
	return entity.Decode[ranking.Record](snap.Items)
}
