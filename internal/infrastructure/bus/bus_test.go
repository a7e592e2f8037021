package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/datasync/internal/domain/shared"
)

type recorder struct {
	mu     sync.Mutex
	events []shared.SyncEvent
	err    error
}

func (r *recorder) Handle(_ context.Context, event shared.SyncEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recorder) got() []shared.SyncEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]shared.SyncEvent(nil), r.events...)
}

func (r *recorder) count() int {
	return len(r.got())
}

type walletPayload struct {
	UserID    string `json:"userId"`
	Balance   int64  `json:"balance"`
	Timestamp int64  `json:"timestamp"`
}

func TestBus_LocalDeliveryIsSynchronous(t *testing.T) {
	b := New()
	rec := &recorder{}
	b.Subscribe(shared.TopicWalletSync, rec.Handle)

	err := b.Publish(context.Background(), shared.TopicWalletSync, walletPayload{UserID: "u-1", Balance: 10})
	require.NoError(t, err)

	events := rec.got()
	require.Len(t, events, 1, "delivered before Publish returns")
	assert.Equal(t, b.TabID(), events[0].OriginTabID)
	assert.NotEqual(t, [16]byte{}, [16]byte(events[0].ID))

	var p walletPayload
	require.NoError(t, events[0].Decode(&p))
	assert.Equal(t, int64(10), p.Balance)
}

func TestBus_TopicsAreIsolated(t *testing.T) {
	b := New()
	wallet := &recorder{}
	deposit := &recorder{}
	b.Subscribe(shared.TopicWalletSync, wallet.Handle)
	b.Subscribe(shared.TopicDepositSync, deposit.Handle)

	require.NoError(t, b.Publish(context.Background(), shared.TopicDepositSync, map[string]any{"timestamp": 1}))

	assert.Equal(t, 0, wallet.count())
	assert.Equal(t, 1, deposit.count())
}

func TestBus_HandlerFailuresDoNotStopDelivery(t *testing.T) {
	b := New()
	failing := &recorder{err: errors.New("boom")}
	after := &recorder{}

	b.Subscribe(shared.TopicOrderCompleted, func(context.Context, shared.SyncEvent) error {
		panic("handler exploded")
	})
	b.Subscribe(shared.TopicOrderCompleted, failing.Handle)
	b.Subscribe(shared.TopicOrderCompleted, after.Handle)

	err := b.Publish(context.Background(), shared.TopicOrderCompleted, map[string]any{"orderId": "o-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, failing.count())
	assert.Equal(t, 1, after.count())
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	rec := &recorder{}
	unsubscribe := b.Subscribe(shared.TopicWalletSync, rec.Handle)
	assert.Equal(t, 1, b.Subscribers(shared.TopicWalletSync))

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, b.Subscribers(shared.TopicWalletSync))

	require.NoError(t, b.Publish(context.Background(), shared.TopicWalletSync, map[string]any{}))
	assert.Equal(t, 0, rec.count())
}

func TestBus_UnsubscribeDuringDispatch(t *testing.T) {
	b := New()
	second := &recorder{}
	var unsubscribe shared.Unsubscribe
	unsubscribe = b.Subscribe(shared.TopicWalletSync, func(context.Context, shared.SyncEvent) error {
		unsubscribe()
		return nil
	})
	b.Subscribe(shared.TopicWalletSync, second.Handle)

	require.NoError(t, b.Publish(context.Background(), shared.TopicWalletSync, map[string]any{}))
	require.NoError(t, b.Publish(context.Background(), shared.TopicWalletSync, map[string]any{}))

	assert.Equal(t, 2, second.count())
	assert.Equal(t, 1, b.Subscribers(shared.TopicWalletSync))
}

func TestBus_PublishUnencodablePayload(t *testing.T) {
	b := New()
	err := b.Publish(context.Background(), shared.TopicWalletSync, map[string]any{"bad": make(chan int)})
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrSerialization)
}

func TestBus_CrossTabThroughHub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(0)
	tabA := New(WithTransport(hub.Connect()), WithTabID("tab-a"))
	tabB := New(WithTransport(hub.Connect()), WithTabID("tab-b"))
	require.NoError(t, tabA.Start(ctx))
	require.NoError(t, tabB.Start(ctx))
	defer tabA.Close()
	defer tabB.Close()

	recA := &recorder{}
	recB := &recorder{}
	tabA.Subscribe(shared.TopicWalletSync, recA.Handle)
	tabB.Subscribe(shared.TopicWalletSync, recB.Handle)

	require.NoError(t, tabA.Publish(ctx, shared.TopicWalletSync, walletPayload{UserID: "u-1", Balance: 42}))

	require.Eventually(t, func() bool { return recB.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "tab-a", recB.got()[0].OriginTabID)

	// give a stray self-delivery time to show up
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, recA.count(), "origin tab sees only its local delivery")
}

func TestBus_DropsSelfOriginatedTransportCopies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// a loopback transport behaves like Redis pub/sub: the sender receives
	// its own message
	loop := newLoopback()
	b := New(WithTransport(loop), WithTabID("tab-a"))
	require.NoError(t, b.Start(ctx))
	defer b.Close()

	rec := &recorder{}
	b.Subscribe(shared.TopicDepositSync, rec.Handle)
	require.NoError(t, b.Publish(ctx, shared.TopicDepositSync, map[string]any{"timestamp": 1}))

	foreign, err := shared.NewSyncEvent(shared.TopicDepositSync, "tab-b", map[string]any{"timestamp": 2})
	require.NoError(t, err)
	require.NoError(t, loop.Send(ctx, foreign))

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	events := rec.got()
	require.Len(t, events, 2)
	assert.Equal(t, "tab-a", events[0].OriginTabID)
	assert.Equal(t, "tab-b", events[1].OriginTabID)
}

func TestBus_CloseIsIdempotent(t *testing.T) {
	hub := NewHub(0)
	b := New(WithTransport(hub.Connect()))
	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, 1, hub.Endpoints())

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, 0, hub.Endpoints())
	assert.ErrorIs(t, b.Start(context.Background()), ErrTransportClosed)

	// local delivery keeps working, the send fails
	rec := &recorder{}
	b.Subscribe(shared.TopicWalletSync, rec.Handle)
	err := b.Publish(context.Background(), shared.TopicWalletSync, map[string]any{})
	assert.ErrorIs(t, err, ErrTransportClosed)
	assert.Equal(t, 1, rec.count())
}

func TestHub_SendSkipsSender(t *testing.T) {
	hub := NewHub(4)
	a := hub.Connect()
	b := hub.Connect()
	defer a.Close()
	defer b.Close()

	event, err := shared.NewSyncEvent(shared.TopicWalletSync, "tab-a", map[string]any{})
	require.NoError(t, err)
	require.NoError(t, a.Send(context.Background(), event))

	assert.Len(t, a.inbox, 0)
	assert.Len(t, b.inbox, 1)
}

func TestHub_SendDropsWhenPeerIsFull(t *testing.T) {
	hub := NewHub(1)
	a := hub.Connect()
	b := hub.Connect()
	c := hub.Connect()
	defer a.Close()
	defer b.Close()
	defer c.Close()

	event, err := shared.NewSyncEvent(shared.TopicWalletSync, "tab-a", map[string]any{})
	require.NoError(t, err)
	require.NoError(t, a.Send(context.Background(), event))
	assert.Zero(t, hub.Dropped())

	// b and c never drain; a is not held up by them
	done := make(chan error, 1)
	go func() { done <- a.Send(context.Background(), event) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full peer")
	}
	assert.Equal(t, int64(2), hub.Dropped())
	assert.Len(t, b.inbox, 1)
	assert.Len(t, c.inbox, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.Send(ctx, event), context.Canceled)
}

func TestHub_TabsPublishingFromHandlersDoNotDeadlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(1)
	tabA := New(WithTransport(hub.Connect()), WithTabID("tab-a"))
	tabB := New(WithTransport(hub.Connect()), WithTabID("tab-b"))
	require.NoError(t, tabA.Start(ctx))
	require.NoError(t, tabB.Start(ctx))
	defer tabA.Close()
	defer tabB.Close()

	// each tab answers a foreign order-completed with a wallet-sync,
	// from the receive goroutine
	answer := func(b *Bus) shared.EventHandler {
		return func(ctx context.Context, event shared.SyncEvent) error {
			return b.Publish(ctx, shared.TopicWalletSync, walletPayload{UserID: "u-1"})
		}
	}
	tabA.Subscribe(shared.TopicOrderCompleted, answer(tabA))
	tabB.Subscribe(shared.TopicOrderCompleted, answer(tabB))
	walletsA := &recorder{}
	tabA.Subscribe(shared.TopicWalletSync, walletsA.Handle)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 50 {
			_ = tabA.Publish(ctx, shared.TopicOrderCompleted, map[string]any{"orderId": "o-1"})
			_ = tabB.Publish(ctx, shared.TopicOrderCompleted, map[string]any{"orderId": "o-2"})
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publishers deadlocked")
	}
	assert.Positive(t, walletsA.count())
}

// loopback delivers every sent event back to its own receiver
type loopback struct {
	ch     chan shared.SyncEvent
	closed chan struct{}
	once   sync.Once
}

func newLoopback() *loopback {
	return &loopback{ch: make(chan shared.SyncEvent, 16), closed: make(chan struct{})}
}

func (l *loopback) Send(_ context.Context, event shared.SyncEvent) error {
	l.ch <- event
	return nil
}

func (l *loopback) Receive(ctx context.Context, deliver func(shared.SyncEvent)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.closed:
			return nil
		case e := <-l.ch:
			deliver(e)
		}
	}
}

func (l *loopback) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}
