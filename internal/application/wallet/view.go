package wallet

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/erp/datasync/internal/domain/entity"
	"github.com/erp/datasync/internal/domain/shared"
	"github.com/erp/datasync/internal/domain/wallet"
	"github.com/erp/datasync/internal/infrastructure/logger"
)

// View keeps the latest wallet of every user seen on wallet-sync. A payload
// only replaces what the view holds when it is not older, so replays and
// out-of-order deliveries settle on the same state.
type View struct {
	mu      sync.RWMutex
	wallets map[string]wallet.Wallet
	logger  *zap.Logger
}

// NewView creates an empty view
func NewView(log *zap.Logger) *View {
	return &View{
		wallets: make(map[string]wallet.Wallet),
		logger:  logger.Component(log, "wallet_view"),
	}
}

// Attach subscribes the view to wallet-sync on sub
func (v *View) Attach(sub shared.EventSubscriber) shared.Unsubscribe {
	return sub.Subscribe(shared.TopicWalletSync, v.Handle)
}

// Handle applies one wallet-sync event
func (v *View) Handle(_ context.Context, event shared.SyncEvent) error {
	var payload shared.MutationPayload
	if err := event.Decode(&payload); err != nil {
		return err
	}
	if payload.Type != entity.Wallets.String() {
		return nil
	}
	wallets, err := entity.Decode[wallet.Wallet](payload.Data)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, w := range wallets {
		if payload.Action == shared.ActionDelete {
			delete(v.wallets, w.UserID)
			continue
		}
		held, ok := v.wallets[w.UserID]
		if ok && w.LastModified.Before(held.LastModified) {
			v.logger.Debug("Ignoring older wallet snapshot",
				zap.String("user_id", w.UserID),
				zap.String("event_id", event.ID.String()))
			continue
		}
		v.wallets[w.UserID] = w
	}
	return nil
}

// Get returns the held wallet of userID
func (v *View) Get(userID string) (wallet.Wallet, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	w, ok := v.wallets[userID]
	return w, ok
}

// Balance returns the held balance, zero when unknown
func (v *View) Balance(userID string) int64 {
	w, _ := v.Get(userID)
	return w.Balance
}
