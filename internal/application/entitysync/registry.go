package entitysync

import (
	"github.com/erp/datasync/internal/domain/catalog"
	"github.com/erp/datasync/internal/domain/entity"
	"github.com/erp/datasync/internal/domain/identity"
	"github.com/erp/datasync/internal/domain/ranking"
	"github.com/erp/datasync/internal/domain/trade"
	"github.com/erp/datasync/internal/domain/wallet"
)

// NewDefaultRegistry registers every entity type the engine mirrors.
// Wallets and favorites are kept per user; everything else lives under
// entity.ScopeAll.
func NewDefaultRegistry() *entity.Registry {
	r := entity.NewRegistry()
	r.Register(entity.Schema{Type: entity.Users, TTLClass: entity.TTLShared}, identity.User{})
	r.Register(entity.Schema{Type: entity.Products, TTLClass: entity.TTLShared}, catalog.Product{})
	r.Register(entity.Schema{Type: entity.Orders, TTLClass: entity.TTLShared}, trade.Order{})
	r.Register(entity.Schema{Type: entity.Wallets, IDField: "userId", TTLClass: entity.TTLUser, PerUser: true}, wallet.Wallet{})
	r.Register(entity.Schema{Type: entity.Rankings, IDField: "userId", TTLClass: entity.TTLShared}, ranking.Record{})
	r.Register(entity.Schema{Type: entity.Deposits, IDField: "orderId", TTLClass: entity.TTLUser}, wallet.DepositOrder{})
	r.Register(entity.Schema{Type: entity.DepositMethods, TTLClass: entity.TTLShared}, wallet.DepositMethod{})
	r.Register(entity.Schema{Type: entity.Favorites, TTLClass: entity.TTLUser, PerUser: true}, catalog.Favorite{})
	return r
}
