package entitysync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/datasync/internal/domain/catalog"
	"github.com/erp/datasync/internal/domain/entity"
	"github.com/erp/datasync/internal/domain/shared"
	"github.com/erp/datasync/internal/infrastructure/bus"
	"github.com/erp/datasync/internal/infrastructure/cache"
	"github.com/erp/datasync/internal/infrastructure/remote"
	"github.com/erp/datasync/internal/infrastructure/store"
	"github.com/erp/datasync/tests/testutil"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store    *store.MemoryStore
	cache    *cache.EntityCache
	bus      *bus.Bus
	gateway  shared.RemoteGateway
	fake     *testutil.FakeGateway
	outbox   *StoreOutboxRepository
	manager  *Manager
	clock    *clock
	registry *entity.Registry
	events   *testutil.EventRecorder
}

func newHarness(t *testing.T, gateway shared.RemoteGateway, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemoryStore(),
		bus:      bus.New(),
		clock:    &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		registry: NewDefaultRegistry(),
		events:   testutil.NewEventRecorder(),
	}
	if gateway == nil {
		h.fake = testutil.NewFakeGateway()
		gateway = h.fake
	}
	h.gateway = gateway
	h.cache = cache.New(h.store, h.registry, cache.WithPublisher(h.bus), cache.WithClock(h.clock.Now))
	h.outbox = NewStoreOutboxRepository(h.store)

	base := []Option{WithOutbox(h.outbox, 3), WithBackgroundRefresh(false)}
	h.manager = NewManager(h.cache, gateway, h.registry, append(base, opts...)...)

	h.bus.Subscribe(shared.TopicAdminDataSync, h.events.Handle)
	return h
}

func products(t *testing.T, ps ...catalog.Product) []json.RawMessage {
	t.Helper()
	items, err := entity.Encode(ps...)
	require.NoError(t, err)
	return items
}

func decodeProducts(t *testing.T, items []json.RawMessage) []catalog.Product {
	t.Helper()
	ps, err := entity.Decode[catalog.Product](items)
	require.NoError(t, err)
	return ps
}

func TestManager_LoadArguments(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.manager.Load(ctx, entity.Type("widgets"), entity.ScopeAll)
	assert.ErrorIs(t, err, shared.ErrUnknownEntityType)

	_, err = h.manager.Load(ctx, entity.Products, "")
	assert.ErrorIs(t, err, ErrEmptyScope)

	_, err = h.manager.Save(ctx, entity.Products, entity.ScopeAll, shared.ActionRefresh, nil)
	require.Error(t, err)
	assert.Equal(t, 0, h.fake.CallCount("save"))
}

func TestManager_LoadMissGoesRemote(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.fake.SetCollection("products", entity.ScopeAll, products(t, catalog.Product{ID: "p1", Name: "Pen", Price: 1500}))

	snap, err := h.manager.Load(ctx, entity.Products, entity.ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, snap.Source)
	assert.True(t, snap.RemoteSynced)
	require.Len(t, snap.Items, 1)

	entry, err := h.cache.Read(ctx, entity.Products, entity.ScopeAll)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.RemoteSynced)
	assert.Equal(t, 1, h.events.HandledCount(), "the cache write is announced once")
}

func TestManager_LoadFreshServesCache(t *testing.T) {
	h := newHarness(t, nil, WithBackgroundRefresh(true))
	ctx := context.Background()
	_, err := h.cache.Write(ctx, entity.Products, entity.ScopeAll, products(t, catalog.Product{ID: "p1", Name: "Pen"}), true)
	require.NoError(t, err)
	h.fake.SetCollection("products", entity.ScopeAll, products(t, catalog.Product{ID: "p2", Name: "Ink"}))

	snap, err := h.manager.Load(ctx, entity.Products, entity.ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, snap.Source)
	assert.Equal(t, "Pen", decodeProducts(t, snap.Items)[0].Name)

	h.manager.Wait()
	assert.Equal(t, 1, h.fake.CallCount("fetch"), "fresh hit revalidates in the background")

	entry, err := h.cache.Read(ctx, entity.Products, entity.ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, "Ink", decodeProducts(t, entry.Data)[0].Name)
}

func TestManager_LoadForceSkipsFreshCache(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.cache.Write(ctx, entity.Products, entity.ScopeAll, products(t, catalog.Product{ID: "p1", Name: "Pen"}), true)
	require.NoError(t, err)
	h.fake.SetCollection("products", entity.ScopeAll, products(t, catalog.Product{ID: "p2", Name: "Ink"}))

	snap, err := h.manager.Load(ctx, entity.Products, entity.ScopeAll, Force())
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, snap.Source)
	assert.Equal(t, "Ink", decodeProducts(t, snap.Items)[0].Name)
}

func TestManager_LoadFallsBackToStaleCache(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable"))
	}))
	defer srv.Close()

	cfg := remote.DefaultConfig(srv.URL)
	cfg.RetryDelay = time.Millisecond
	cfg.Timeout = time.Second
	h := newHarness(t, remote.New(cfg))
	ctx := context.Background()

	_, err := h.cache.Write(ctx, entity.Products, entity.ScopeAll, products(t, catalog.Product{ID: "p1", Name: "Pen"}), true)
	require.NoError(t, err)
	h.clock.Advance(10 * time.Minute)

	snap, err := h.manager.Load(ctx, entity.Products, entity.ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, int32(3), requests.Load(), "one attempt plus two retries")
	assert.Equal(t, SourceStale, snap.Source)
	assert.True(t, snap.RemoteSynced)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "Pen", decodeProducts(t, snap.Items)[0].Name)
}

func TestManager_LoadWithNothingCachedAndRemoteDown(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.SetOffline(true)

	snap, err := h.manager.Load(context.Background(), entity.Products, entity.ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, SourceEmpty, snap.Source)
	assert.NotNil(t, snap.Items)
	assert.Empty(t, snap.Items)
}

func TestManager_LoadDropsInvalidRemoteItems(t *testing.T) {
	h := newHarness(t, nil)
	items := products(t, catalog.Product{ID: "p1", Name: "Pen"})
	items = append(items, json.RawMessage(`{"id":"p2","price":-5}`))
	h.fake.SetCollection("products", entity.ScopeAll, items)

	snap, err := h.manager.Load(context.Background(), entity.Products, entity.ScopeAll)
	require.NoError(t, err)
	assert.Len(t, snap.Items, 1)

	entry, err := h.cache.Read(context.Background(), entity.Products, entity.ScopeAll)
	require.NoError(t, err)
	require.NotNil(t, entry, "entry survives read validation")
}

// gatedGateway blocks fetches until released
type gatedGateway struct {
	*testutil.FakeGateway
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
}

func (g *gatedGateway) Fetch(ctx context.Context, entityType, scopeKey string) ([]json.RawMessage, error) {
	g.once.Do(func() { close(g.started) })
	<-g.gate
	return g.FakeGateway.Fetch(ctx, entityType, scopeKey)
}

func TestManager_ConcurrentLoadsShareOneFetch(t *testing.T) {
	gw := &gatedGateway{FakeGateway: testutil.NewFakeGateway(), gate: make(chan struct{}), started: make(chan struct{})}
	gw.SetCollection("products", entity.ScopeAll, products(t, catalog.Product{ID: "p1", Name: "Pen"}))
	h := newHarness(t, gw)

	const loaders = 5
	var wg sync.WaitGroup
	results := make([]*Snapshot, loaders)
	wg.Add(1)
	go func() {
		defer wg.Done()
		snap, err := h.manager.Load(context.Background(), entity.Products, entity.ScopeAll)
		assert.NoError(t, err)
		results[0] = snap
	}()
	<-gw.started
	for i := 1; i < loaders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := h.manager.Load(context.Background(), entity.Products, entity.ScopeAll)
			assert.NoError(t, err)
			results[i] = snap
		}(i)
	}
	// let the followers reach the shared call
	time.Sleep(20 * time.Millisecond)
	close(gw.gate)
	wg.Wait()

	assert.Equal(t, 1, gw.CallCount("fetch"))
	for _, r := range results {
		require.NotNil(t, r)
		assert.Len(t, r.Items, 1)
	}
}

func TestManager_SaveWritesThrough(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	synced, err := h.manager.Save(ctx, entity.Products, entity.ScopeAll, shared.ActionAdd,
		products(t, catalog.Product{ID: "p1", Name: "Pen", Price: 1500}))
	require.NoError(t, err)
	assert.True(t, synced)

	calls := h.fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "save", calls[0].Op)
	assert.Equal(t, shared.SaveModeAdd, calls[0].Mode)

	entry, err := h.cache.Read(ctx, entity.Products, entity.ScopeAll)
	require.NoError(t, err)
	assert.True(t, entry.RemoteSynced)
	assert.Equal(t, 1, entry.Len())

	mutations := h.events.Mutations(t)
	require.Len(t, mutations, 1)
	assert.Equal(t, shared.ActionAdd, mutations[0].Action)
	assert.Equal(t, "products", mutations[0].Type)
	assert.Equal(t, entity.ScopeAll, mutations[0].Scope)
	assert.True(t, mutations[0].RemoteSynced)
	assert.NotZero(t, mutations[0].Timestamp)

	counts, err := h.outbox.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestManager_SaveRemoteCalls(t *testing.T) {
	ctx := context.Background()
	pen := catalog.Product{ID: "p1", Name: "Pen"}
	ink := catalog.Product{ID: "p2", Name: "Ink"}

	tests := []struct {
		name   string
		action shared.MutationAction
		items  []catalog.Product
		op     string
		mode   shared.SaveMode
		calls  int
	}{
		{"bulk update", shared.ActionBulkUpdate, []catalog.Product{pen, ink}, "save", shared.SaveModeBulkUpdate, 1},
		{"single update uses put", shared.ActionUpdate, []catalog.Product{pen}, "update", "", 1},
		{"multi update uses post", shared.ActionUpdate, []catalog.Product{pen, ink}, "save", shared.SaveModeUpdate, 1},
		{"delete per id", shared.ActionDelete, []catalog.Product{pen, ink}, "delete", "", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			synced, err := h.manager.Save(ctx, entity.Products, entity.ScopeAll, tt.action, products(t, tt.items...))
			require.NoError(t, err)
			assert.True(t, synced)
			assert.Equal(t, tt.calls, h.fake.CallCount(tt.op))
			if tt.mode != "" {
				assert.Equal(t, tt.mode, h.fake.Calls()[0].Mode)
			}
		})
	}

	t.Run("update by id", func(t *testing.T) {
		h := newHarness(t, nil)
		_, err := h.manager.Save(ctx, entity.Products, entity.ScopeAll, shared.ActionUpdate, products(t, pen))
		require.NoError(t, err)
		assert.Equal(t, "p1", h.fake.Calls()[0].ID)
	})
}

func TestManager_SaveRejectsInvalidItems(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.manager.Save(context.Background(), entity.Products, entity.ScopeAll, shared.ActionAdd,
		[]json.RawMessage{json.RawMessage(`{"id":"p1"}`)})
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
	assert.Empty(t, h.fake.Calls())

	_, err = h.manager.Save(context.Background(), entity.Products, entity.ScopeAll, shared.ActionDelete,
		[]json.RawMessage{json.RawMessage(`{"name":"no id"}`)})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestManager_SaveWhileOfflineIsReconciled(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.fake.SetOffline(true)

	synced, err := h.manager.Save(ctx, entity.Products, entity.ScopeAll, shared.ActionAdd,
		products(t, catalog.Product{ID: "p1", Name: "Pen"}))
	require.NoError(t, err, "remote failure is not an error")
	assert.False(t, synced)

	entry, err := h.cache.Read(ctx, entity.Products, entity.ScopeAll)
	require.NoError(t, err)
	assert.False(t, entry.RemoteSynced)
	assert.Equal(t, 1, entry.Len(), "local change applied anyway")
	assert.False(t, h.events.Mutations(t)[0].RemoteSynced)

	open, err := h.outbox.HasOpen(ctx, "products", entity.ScopeAll)
	require.NoError(t, err)
	assert.True(t, open)

	// a later successful write keeps the entry unsynced while one is owed
	h.fake.SetOffline(false)
	synced, err = h.manager.Save(ctx, entity.Products, entity.ScopeAll, shared.ActionAdd,
		products(t, catalog.Product{ID: "p2", Name: "Ink"}))
	require.NoError(t, err)
	assert.True(t, synced)
	entry, err = h.cache.Read(ctx, entity.Products, entity.ScopeAll)
	require.NoError(t, err)
	assert.False(t, entry.RemoteSynced)

	// remote data does not clobber the unsynced entry
	h.fake.SetCollection("products", entity.ScopeAll, []json.RawMessage{})
	snap, err := h.manager.Load(ctx, entity.Products, entity.ScopeAll, Force())
	require.NoError(t, err)
	assert.Len(t, snap.Items, 2)

	r := NewReconciler(h.outbox, h.gateway, h.manager, DefaultReconcilerConfig())
	assert.Equal(t, 1, r.ProcessOnce(ctx))

	entry, err = h.cache.Read(ctx, entity.Products, entity.ScopeAll)
	require.NoError(t, err)
	assert.True(t, entry.RemoteSynced)
	assert.Equal(t, 2, entry.Len())

	open, err = h.outbox.HasOpen(ctx, "products", entity.ScopeAll)
	require.NoError(t, err)
	assert.False(t, open)
}

func TestManager_MarkSyncedWithoutEntry(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.manager.MarkSynced(context.Background(), entity.Products, entity.ScopeAll))

	entry, err := h.cache.Read(context.Background(), entity.Products, entity.ScopeAll)
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, 0, h.events.HandledCount())
}

func TestManager_Invalidate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.cache.Write(ctx, entity.Products, entity.ScopeAll, nil, true)
	require.NoError(t, err)

	require.NoError(t, h.manager.Invalidate(ctx, entity.Products, entity.ScopeAll))
	entry, err := h.cache.Read(ctx, entity.Products, entity.ScopeAll)
	require.NoError(t, err)
	assert.Nil(t, entry)
}
