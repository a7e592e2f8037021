// Package wallet runs balance bookkeeping and the deposit approval workflow
// on top of the entity sync manager.
package wallet

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/erp/datasync/internal/application/entitysync"
	"github.com/erp/datasync/internal/domain/entity"
	"github.com/erp/datasync/internal/domain/shared"
	"github.com/erp/datasync/internal/domain/wallet"
	"github.com/erp/datasync/internal/infrastructure/cache"
	"github.com/erp/datasync/internal/infrastructure/logger"
	"github.com/erp/datasync/internal/infrastructure/telemetry"
)

// Errors returned by the service
var (
	ErrDepositNotFound = shared.NewDomainError("DEPOSIT_NOT_FOUND", "Deposit order not found")
	ErrMethodNotFound  = shared.NewDomainError("METHOD_NOT_FOUND", "Deposit method not found")
)

// CreateDepositRequest is a user's deposit intent
type CreateDepositRequest struct {
	UserID   string `json:"userId" validate:"required"`
	Amount   int64  `json:"amount" validate:"gt=0"`
	MethodID string `json:"methodId" validate:"required"`
}

// Service mutates wallets and deposits. Every mutation re-reads the
// current state under a per-user lock and writes through the manager, so
// other tabs hear about it on wallet-sync and deposit-sync.
type Service struct {
	manager  *entitysync.Manager
	logger   *zap.Logger
	validate *validator.Validate
	locks    *cache.KeyedMutex
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger.Component(l, "wallet")
	}
}

// NewService creates a wallet service
func NewService(manager *entitysync.Manager, opts ...Option) *Service {
	s := &Service{
		manager:  manager,
		logger:   zap.NewNop(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		locks:    cache.NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func walletLock(userID string) string { return "wallet:" + userID }
func depositLock(orderID string) string { return "deposit:" + orderID }

// Get returns the user's wallet, or an empty one when none is known
func (s *Service) Get(ctx context.Context, userID string) (*wallet.Wallet, error) {
	if userID == "" {
		return nil, shared.NewDomainError("INVALID_USER", "User ID cannot be empty")
	}
	snap, err := s.manager.Load(ctx, entity.Wallets, userID)
	if err != nil {
		return nil, err
	}
	return pickWallet(userID, snap.Items)
}

// current re-reads the wallet from the local cache, going to the remote
// only when nothing is cached
func (s *Service) current(ctx context.Context, userID string) (*wallet.Wallet, error) {
	items, err := s.manager.Current(ctx, entity.Wallets, userID)
	if err != nil {
		return nil, err
	}
	return pickWallet(userID, items)
}

func pickWallet(userID string, items []json.RawMessage) (*wallet.Wallet, error) {
	wallets, err := entity.Decode[wallet.Wallet](items)
	if err != nil {
		return nil, err
	}
	for i := range wallets {
		if wallets[i].UserID == userID {
			w := wallets[i]
			if w.Transactions == nil {
				w.Transactions = make([]wallet.Transaction, 0)
			}
			return &w, nil
		}
	}
	return wallet.NewWallet(userID), nil
}

func (s *Service) saveWallet(ctx context.Context, w *wallet.Wallet) error {
	items, err := entity.Encode(*w)
	if err != nil {
		return err
	}
	synced, err := s.manager.Save(ctx, entity.Wallets, w.UserID, shared.ActionUpdate, items)
	if err != nil {
		return fmt.Errorf("save wallet %s: %w", w.UserID, err)
	}
	if !synced {
		logger.L(ctx).Info("Wallet change kept locally until the remote accepts it",
			zap.String("user_id", w.UserID))
	}
	return nil
}

// Deduct charges a purchase. It returns false, changing nothing, when the
// balance does not cover amount.
func (s *Service) Deduct(ctx context.Context, userID string, amount int64, description, orderID string) (*wallet.Wallet, bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "wallet.deduct",
		telemetry.WithAttribute(telemetry.SpanAttrUserID, userID),
		telemetry.WithAttribute(telemetry.SpanAttrOrderID, orderID),
	)
	defer span.End()

	s.locks.Lock(walletLock(userID))
	defer s.locks.Unlock(walletLock(userID))

	w, err := s.current(ctx, userID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, false, err
	}
	if amount > 0 && w.Charged(orderID) {
		s.logger.Info("Order already charged",
			zap.String("user_id", userID),
			zap.String("order_id", orderID))
		return w, true, nil
	}
	ok, err := w.Deduct(amount, description, orderID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		s.logger.Info("Deduction refused, insufficient balance",
			zap.String("user_id", userID),
			zap.Int64("amount", amount),
			zap.Int64("balance", w.Balance))
		return w, false, nil
	}
	if err := s.saveWallet(ctx, w); err != nil {
		telemetry.RecordError(span, err)
		return nil, false, err
	}
	return w, true, nil
}

// Refund credits amount back. A refund for an order that was already
// refunded returns the wallet unchanged.
func (s *Service) Refund(ctx context.Context, userID string, amount int64, description, orderID string) (*wallet.Wallet, error) {
	return s.credit(ctx, userID, func(w *wallet.Wallet) (bool, error) {
		if amount > 0 && w.Refunded(orderID) {
			s.logger.Info("Order already refunded",
				zap.String("user_id", userID),
				zap.String("order_id", orderID))
			return false, nil
		}
		return true, w.Refund(amount, description, orderID)
	})
}

// GrantBonus credits a promotional amount
func (s *Service) GrantBonus(ctx context.Context, userID string, amount int64, description string) (*wallet.Wallet, error) {
	return s.credit(ctx, userID, func(w *wallet.Wallet) (bool, error) {
		return true, w.GrantBonus(amount, description)
	})
}

// credit applies a balance increase. apply reports false when there is
// nothing to save.
func (s *Service) credit(ctx context.Context, userID string, apply func(*wallet.Wallet) (bool, error)) (*wallet.Wallet, error) {
	s.locks.Lock(walletLock(userID))
	defer s.locks.Unlock(walletLock(userID))

	w, err := s.current(ctx, userID)
	if err != nil {
		return nil, err
	}
	changed, err := apply(w)
	if err != nil {
		return nil, err
	}
	if !changed {
		return w, nil
	}
	if err := s.saveWallet(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Methods returns the deposit methods, falling back to the built-in set
// when the remote has none
func (s *Service) Methods(ctx context.Context) ([]wallet.DepositMethod, error) {
	snap, err := s.manager.Load(ctx, entity.DepositMethods, entity.ScopeAll)
	if err != nil {
		return nil, err
	}
	methods, err := entity.Decode[wallet.DepositMethod](snap.Items)
	if err != nil {
		return nil, err
	}
	if len(methods) == 0 {
		return wallet.DefaultDepositMethods(), nil
	}
	return methods, nil
}

// SeedMethods writes the default method catalog when the remote holds
// none. It reports whether anything was written.
func (s *Service) SeedMethods(ctx context.Context) (bool, error) {
	snap, err := s.manager.Load(ctx, entity.DepositMethods, entity.ScopeAll)
	if err != nil {
		return false, err
	}
	if len(snap.Items) > 0 {
		return false, nil
	}
	items, err := entity.Encode(wallet.DefaultDepositMethods()...)
	if err != nil {
		return false, err
	}
	if _, err := s.manager.Save(ctx, entity.DepositMethods, entity.ScopeAll, shared.ActionAdd, items); err != nil {
		return false, fmt.Errorf("seed deposit methods: %w", err)
	}
	s.logger.Info("Seeded deposit methods", zap.Int("count", len(items)))
	return true, nil
}

func (s *Service) method(ctx context.Context, id string) (wallet.DepositMethod, error) {
	methods, err := s.Methods(ctx)
	if err != nil {
		return wallet.DepositMethod{}, err
	}
	for _, m := range methods {
		if m.ID == id {
			return m, nil
		}
	}
	return wallet.DepositMethod{}, ErrMethodNotFound
}

// Deposits lists deposit orders, optionally only those of one user
func (s *Service) Deposits(ctx context.Context, userID string) ([]wallet.DepositOrder, error) {
	snap, err := s.manager.Load(ctx, entity.Deposits, entity.ScopeAll)
	if err != nil {
		return nil, err
	}
	orders, err := entity.Decode[wallet.DepositOrder](snap.Items)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return orders, nil
	}
	out := make([]wallet.DepositOrder, 0, len(orders))
	for _, o := range orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *Service) deposit(ctx context.Context, orderID string) (*wallet.DepositOrder, error) {
	items, err := s.manager.Current(ctx, entity.Deposits, entity.ScopeAll)
	if err != nil {
		return nil, err
	}
	orders, err := entity.Decode[wallet.DepositOrder](items)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].OrderID == orderID {
			o := orders[i]
			return &o, nil
		}
	}
	return nil, ErrDepositNotFound
}

func (s *Service) saveDeposit(ctx context.Context, order *wallet.DepositOrder, action shared.MutationAction) error {
	items, err := entity.Encode(*order)
	if err != nil {
		return err
	}
	if _, err := s.manager.Save(ctx, entity.Deposits, entity.ScopeAll, action, items); err != nil {
		return fmt.Errorf("save deposit %s: %w", order.OrderID, err)
	}
	return nil
}

// CreateDeposit validates the request against the method and records the
// order in the created state. No transaction exists yet.
func (s *Service) CreateDeposit(ctx context.Context, req CreateDepositRequest) (*wallet.DepositOrder, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, shared.NewDomainError(shared.ErrInvalidInput.Code, err.Error())
	}
	method, err := s.method(ctx, req.MethodID)
	if err != nil {
		return nil, err
	}
	order, err := wallet.NewDepositOrder(req.UserID, req.Amount, method)
	if err != nil {
		return nil, err
	}
	if err := s.saveDeposit(ctx, order, shared.ActionAdd); err != nil {
		return nil, err
	}
	s.logger.Info("Deposit created",
		zap.String("order_id", order.OrderID),
		zap.String("user_id", order.UserID),
		zap.Int64("amount", order.Amount),
		zap.Int64("fee", order.Fee))
	return order, nil
}

// ConfirmDeposit records that the user sent the payment and adds the
// pending transaction to the wallet history. Confirming again is a no-op.
func (s *Service) ConfirmDeposit(ctx context.Context, orderID, userID string) (*wallet.DepositOrder, error) {
	s.locks.Lock(depositLock(orderID))
	defer s.locks.Unlock(depositLock(orderID))

	order, err := s.deposit(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if userID != "" && order.UserID != userID {
		return nil, ErrDepositNotFound
	}
	changed, err := order.Confirm()
	if err != nil || !changed {
		return order, err
	}

	s.locks.Lock(walletLock(order.UserID))
	defer s.locks.Unlock(walletLock(order.UserID))
	w, err := s.current(ctx, order.UserID)
	if err != nil {
		return nil, err
	}
	if w.AddPendingDeposit(order) {
		if err := s.saveWallet(ctx, w); err != nil {
			return nil, err
		}
	}
	if err := s.saveDeposit(ctx, order, shared.ActionUpdate); err != nil {
		return nil, err
	}
	return order, nil
}

// ApproveDeposit completes a pending deposit and credits the net amount.
// The wallet is written before the order, so a failure part way leaves the
// order pending and a retry settles it without crediting twice.
func (s *Service) ApproveDeposit(ctx context.Context, orderID, adminID string) (*wallet.DepositOrder, error) {
	return s.settle(ctx, "approve", orderID, adminID, func(order *wallet.DepositOrder, w *wallet.Wallet) (bool, bool, error) {
		changed, err := order.Approve(adminID)
		if err != nil || !changed {
			return false, false, err
		}
		credited, err := w.CompleteDeposit(order)
		return true, credited, err
	})
}

// RejectDeposit refuses a pending deposit. The balance is untouched.
func (s *Service) RejectDeposit(ctx context.Context, orderID, adminID, reason string) (*wallet.DepositOrder, error) {
	return s.settle(ctx, "reject", orderID, adminID, func(order *wallet.DepositOrder, w *wallet.Wallet) (bool, bool, error) {
		changed, err := order.Reject(adminID, reason)
		if err != nil || !changed {
			return false, false, err
		}
		failed, err := w.FailDeposit(order)
		return true, failed, err
	})
}

// settle runs an admin transition. transition reports whether the order
// changed and whether the wallet did.
func (s *Service) settle(ctx context.Context, op, orderID, adminID string, transition func(*wallet.DepositOrder, *wallet.Wallet) (bool, bool, error)) (*wallet.DepositOrder, error) {
	ctx, span := telemetry.StartSpan(ctx, "wallet."+op+"_deposit",
		telemetry.WithAttribute(telemetry.SpanAttrOrderID, orderID),
	)
	defer span.End()

	if adminID == "" {
		return nil, shared.NewDomainError("INVALID_ADMIN", "Admin ID cannot be empty")
	}

	s.locks.Lock(depositLock(orderID))
	defer s.locks.Unlock(depositLock(orderID))

	order, err := s.deposit(ctx, orderID)
	if err != nil {
		return nil, err
	}
	prior := order.Status

	s.locks.Lock(walletLock(order.UserID))
	defer s.locks.Unlock(walletLock(order.UserID))
	w, err := s.current(ctx, order.UserID)
	if err != nil {
		return nil, err
	}

	fail := func(err error) (*wallet.DepositOrder, error) {
		telemetry.RecordError(span, err)
		s.logger.Error("Deposit "+op+" failed, order left as it was",
			zap.String("order_id", orderID),
			zap.String("status", string(prior)),
			zap.String("admin_id", adminID),
			zap.Error(err))
		return nil, err
	}

	orderChanged, walletChanged, err := transition(order, w)
	if err != nil {
		return fail(err)
	}
	if !orderChanged {
		return order, nil
	}
	if walletChanged {
		if err := s.saveWallet(ctx, w); err != nil {
			return fail(err)
		}
	}
	if err := s.saveDeposit(ctx, order, shared.ActionUpdate); err != nil {
		return fail(err)
	}

	s.logger.Info("Deposit settled",
		zap.String("op", op),
		zap.String("order_id", orderID),
		zap.String("user_id", order.UserID),
		zap.String("admin_id", adminID),
		zap.Int64("net_amount", order.NetAmount()),
		zap.Int64("balance", w.Balance))
	return order, nil
}
