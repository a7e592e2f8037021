package trade

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/erp/datasync/internal/application/entitysync"
	"github.com/erp/datasync/internal/domain/entity"
	"github.com/erp/datasync/internal/domain/shared"
	"github.com/erp/datasync/internal/domain/trade"
	"github.com/erp/datasync/internal/domain/wallet"
	"github.com/erp/datasync/internal/infrastructure/cache"
	"github.com/erp/datasync/internal/infrastructure/logger"
	"github.com/erp/datasync/internal/infrastructure/telemetry"
)

// ErrOrderNotFound is returned for an unknown order id
var ErrOrderNotFound = shared.NewDomainError("ORDER_NOT_FOUND", "Order not found")

// Payer charges and refunds orders against a wallet
type Payer interface {
	Deduct(ctx context.Context, userID string, amount int64, description, orderID string) (*wallet.Wallet, bool, error)
	Refund(ctx context.Context, userID string, amount int64, description, orderID string) (*wallet.Wallet, error)
}

// OrderService drives the order lifecycle. Orders live under
// entity.ScopeAll; creation and completion are announced on the bus.
type OrderService struct {
	manager   *entitysync.Manager
	publisher shared.EventPublisher
	payer     Payer
	logger    *zap.Logger
	locks     *cache.KeyedMutex
}

// OrderServiceOption configures an OrderService
type OrderServiceOption func(*OrderService)

// WithPayer lets Pay and Cancel move coins
func WithPayer(p Payer) OrderServiceOption {
	return func(s *OrderService) {
		s.payer = p
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) OrderServiceOption {
	return func(s *OrderService) {
		s.logger = logger.Component(l, "orders")
	}
}

// NewOrderService creates an OrderService
func NewOrderService(manager *entitysync.Manager, publisher shared.EventPublisher, opts ...OrderServiceOption) *OrderService {
	s := &OrderService{
		manager:   manager,
		publisher: publisher,
		logger:    zap.NewNop(),
		locks:     cache.NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates and records a pending order, then publishes
// order-created
func (s *OrderService) Create(ctx context.Context, userID string, items []trade.OrderItem) (*trade.Order, error) {
	order, err := trade.NewOrder(userID, items)
	if err != nil {
		return nil, err
	}
	if err := s.save(ctx, order, shared.ActionAdd); err != nil {
		return nil, err
	}
	s.announce(ctx, shared.TopicOrderCreated, order)
	return order, nil
}

// Get returns one order
func (s *OrderService) Get(ctx context.Context, orderID string) (*trade.Order, error) {
	orders, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].ID == orderID {
			o := orders[i]
			return &o, nil
		}
	}
	return nil, ErrOrderNotFound
}

// List returns every order, or only userID's when set
func (s *OrderService) List(ctx context.Context, userID string) ([]trade.Order, error) {
	snap, err := s.manager.Load(ctx, entity.Orders, entity.ScopeAll)
	if err != nil {
		return nil, err
	}
	orders, err := entity.Decode[trade.Order](snap.Items)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return orders, nil
	}
	out := make([]trade.Order, 0, len(orders))
	for _, o := range orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out, nil
}

// Pay charges the order total to the user's wallet and marks it paid. The
// charge is keyed by the order id, so a Pay retried after a failed order
// save does not charge twice.
func (s *OrderService) Pay(ctx context.Context, orderID string) (*trade.Order, error) {
	return s.transition(ctx, orderID, "pay", func(o *trade.Order) error {
		if o.Status != trade.OrderStatusPending {
			return o.MarkPaid()
		}
		if s.payer != nil && o.Total > 0 {
			_, ok, err := s.payer.Deduct(ctx, o.UserID, o.Total, "Order "+o.ID, o.ID)
			if err != nil {
				return err
			}
			if !ok {
				return shared.ErrInsufficientBalance
			}
		}
		return o.MarkPaid()
	})
}

// Ship marks a paid order shipped
func (s *OrderService) Ship(ctx context.Context, orderID string) (*trade.Order, error) {
	return s.transition(ctx, orderID, "ship", func(o *trade.Order) error {
		return o.Ship()
	})
}

// Complete marks the order completed and publishes order-completed
func (s *OrderService) Complete(ctx context.Context, orderID string) (*trade.Order, error) {
	order, err := s.transition(ctx, orderID, "complete", func(o *trade.Order) error {
		return o.Complete()
	})
	if err != nil {
		return nil, err
	}
	s.announce(ctx, shared.TopicOrderCompleted, order)
	return order, nil
}

// Cancel cancels the order, refunding it when it was already paid. The
// refund goes first and the order stays paid until it succeeds, so a failed
// cancel can be retried; the refund is keyed by the order id.
func (s *OrderService) Cancel(ctx context.Context, orderID string) (*trade.Order, error) {
	return s.transition(ctx, orderID, "cancel", func(o *trade.Order) error {
		refund := o.Status == trade.OrderStatusPaid && o.Total > 0
		if err := o.Cancel(); err != nil {
			return err
		}
		if refund && s.payer != nil {
			if _, err := s.payer.Refund(ctx, o.UserID, o.Total, "Order "+o.ID+" cancelled", o.ID); err != nil {
				return fmt.Errorf("refund order %s: %w", o.ID, err)
			}
		}
		return nil
	})
}

func (s *OrderService) transition(ctx context.Context, orderID, op string, apply func(*trade.Order) error) (*trade.Order, error) {
	ctx, span := telemetry.StartSpan(ctx, "orders."+op,
		telemetry.WithAttribute(telemetry.SpanAttrOrderID, orderID),
	)
	defer span.End()

	s.locks.Lock(orderID)
	defer s.locks.Unlock(orderID)

	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := apply(order); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if err := s.save(ctx, order, shared.ActionUpdate); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	s.logger.Info("Order updated",
		zap.String("op", op),
		zap.String("order_id", order.ID),
		zap.String("status", order.Status.String()))
	return order, nil
}

func (s *OrderService) current(ctx context.Context) ([]trade.Order, error) {
	items, err := s.manager.Current(ctx, entity.Orders, entity.ScopeAll)
	if err != nil {
		return nil, err
	}
	return entity.Decode[trade.Order](items)
}

func (s *OrderService) save(ctx context.Context, order *trade.Order, action shared.MutationAction) error {
	items, err := entity.Encode(*order)
	if err != nil {
		return err
	}
	if _, err := s.manager.Save(ctx, entity.Orders, entity.ScopeAll, action, items); err != nil {
		return fmt.Errorf("save order %s: %w", order.ID, err)
	}
	return nil
}

func (s *OrderService) announce(ctx context.Context, topic shared.Topic, order *trade.Order) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, topic, trade.NewOrderEvent(order)); err != nil {
		s.logger.Warn("Failed to publish order event",
			zap.String("topic", topic.String()),
			zap.String("order_id", order.ID),
			zap.Error(err))
	}
}
