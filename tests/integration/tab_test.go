package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/erp/datasync/internal/application/entitysync"
	appranking "github.com/erp/datasync/internal/application/ranking"
	apptrade "github.com/erp/datasync/internal/application/trade"
	appwallet "github.com/erp/datasync/internal/application/wallet"
	"github.com/erp/datasync/internal/domain/shared"
	"github.com/erp/datasync/internal/infrastructure/bus"
	"github.com/erp/datasync/internal/infrastructure/cache"
	"github.com/erp/datasync/tests/testutil"
)

// tab is one engine instance, wired the way cmd/syncd wires a process
type tab struct {
	bus        *bus.Bus
	manager    *entitysync.Manager
	outbox     *entitysync.StoreOutboxRepository
	reconciler *entitysync.Reconciler
	wallets    *appwallet.Service
	orders     *apptrade.OrderService
	rankings   *appranking.Service
	view       *appwallet.View
	viewHandle *bus.IdempotentHandler
	deposits   *testutil.EventRecorder
}

type tabOptions struct {
	store       shared.PersistentStore
	transport   bus.Transport
	gateway     shared.RemoteGateway
	idempotency shared.IdempotencyStore
	tabID       string
	rankings    bool
}

func newTab(t *testing.T, opts tabOptions) *tab {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := zap.NewNop()
	if opts.idempotency == nil {
		idem := bus.NewMemoryIdempotencyStore(0)
		t.Cleanup(func() { _ = idem.Close() })
		opts.idempotency = idem
	}

	b := bus.New(bus.WithTransport(opts.transport), bus.WithTabID(opts.tabID), bus.WithLogger(log))
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Close() })

	reg := entitysync.NewDefaultRegistry()
	c := cache.New(opts.store, reg, cache.WithPublisher(b), cache.WithLogger(log))
	outbox := entitysync.NewStoreOutboxRepository(opts.store)
	m := entitysync.NewManager(c, opts.gateway, reg,
		entitysync.WithOutbox(outbox, 3),
		entitysync.WithBackgroundRefresh(false),
		entitysync.WithLogger(log))

	tb := &tab{
		bus:        b,
		manager:    m,
		outbox:     outbox,
		reconciler: entitysync.NewReconciler(outbox, opts.gateway, m, entitysync.DefaultReconcilerConfig()),
		wallets:    appwallet.NewService(m, appwallet.WithLogger(log)),
		rankings:   appranking.NewService(m, appranking.WithLogger(log)),
		view:       appwallet.NewView(log),
		deposits:   testutil.NewEventRecorder(),
	}
	tb.orders = apptrade.NewOrderService(m, b, apptrade.WithPayer(tb.wallets))
	tb.viewHandle = bus.NewIdempotentHandler(tb.view.Handle, opts.idempotency, log)
	t.Cleanup(b.Subscribe(shared.TopicWalletSync, tb.viewHandle.Handle))
	t.Cleanup(b.Subscribe(shared.TopicDepositSync, tb.deposits.Handle))
	if opts.rankings {
		t.Cleanup(tb.rankings.Attach(b))
	}
	return tb
}
