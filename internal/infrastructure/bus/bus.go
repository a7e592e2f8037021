// Package bus implements the broadcast bus: synchronous in-process delivery
// to the subscribers of one engine instance plus asynchronous delivery to
// sibling instances through a pluggable Transport.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erp/datasync/internal/domain/shared"
	"github.com/erp/datasync/internal/infrastructure/logger"
	"github.com/erp/datasync/internal/infrastructure/telemetry"
)

// Delivery paths reported to metrics
const (
	PathLocal  = "local"
	PathRemote = "remote"
)

// NewTabID returns a fresh instance identifier
func NewTabID() string {
	return "tab-" + uuid.NewString()
}

type subscription struct {
	id      uint64
	handler shared.EventHandler
}

// Bus is one tab's view of the broadcast bus
type Bus struct {
	tabID     string
	transport Transport
	logger    *zap.Logger
	metrics   *telemetry.SyncMetrics

	mu     sync.RWMutex
	subs   map[shared.Topic][]subscription
	nextID uint64

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// Option configures a Bus
type Option func(*Bus)

// WithTransport enables cross-tab delivery
func WithTransport(t Transport) Option {
	return func(b *Bus) {
		b.transport = t
	}
}

// WithTabID fixes the instance id instead of generating one
func WithTabID(id string) Option {
	return func(b *Bus) {
		b.tabID = id
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) {
		b.logger = logger.Component(l, "bus")
	}
}

// WithMetrics counts deliveries
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

// New creates a bus. Without a transport it only delivers in-process.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger: zap.NewNop(),
		subs:   make(map[shared.Topic][]subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.tabID == "" {
		b.tabID = NewTabID()
	}
	b.logger = b.logger.With(zap.String("tab_id", b.tabID))
	return b
}

// TabID identifies this bus among its peers
func (b *Bus) TabID() string {
	return b.tabID
}

// Start begins receiving cross-tab events in the background. It is a no-op
// without a transport or when already started.
func (b *Bus) Start(ctx context.Context) error {
	if b.transport == nil {
		return nil
	}
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.stopped {
		return ErrTransportClosed
	}
	if b.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		err := b.transport.Receive(runCtx, func(event shared.SyncEvent) {
			b.receive(runCtx, event)
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrTransportClosed) {
			b.logger.Error("Bus transport stopped", zap.Error(err))
		}
	}()
	b.logger.Info("Bus started")
	return nil
}

// Close stops cross-tab delivery and closes the transport
func (b *Bus) Close() error {
	b.runMu.Lock()
	if b.stopped {
		b.runMu.Unlock()
		return nil
	}
	b.stopped = true
	cancel, done := b.cancel, b.done
	b.runMu.Unlock()

	var err error
	if b.transport != nil {
		err = b.transport.Close()
	}
	if cancel != nil {
		cancel()
		<-done
	}
	b.logger.Info("Bus stopped")
	return err
}

// Subscribe registers handler for topic. Handlers run on the publishing
// goroutine for same-tab events and on the receive goroutine for cross-tab
// events.
func (b *Bus) Subscribe(topic shared.Topic, handler shared.EventHandler) shared.Unsubscribe {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: handler})
	b.mu.Unlock()

	b.logger.Debug("Handler subscribed", zap.String("topic", topic.String()))

	var once sync.Once
	return func() {
		once.Do(func() {
			b.unsubscribe(topic, id)
		})
	}
}

func (b *Bus) unsubscribe(topic shared.Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			// copy so in-flight dispatch loops keep their snapshot
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, topic)
			} else {
				b.subs[topic] = next
			}
			return
		}
	}
}

// Subscribers returns the number of handlers on topic
func (b *Bus) Subscribers(topic shared.Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Publish delivers payload to this tab's subscribers before returning, then
// hands it to the transport. Handler failures are logged, never returned.
func (b *Bus) Publish(ctx context.Context, topic shared.Topic, payload any) error {
	event, err := shared.NewSyncEvent(topic, b.tabID, payload)
	if err != nil {
		return err
	}
	return b.PublishEvent(ctx, event)
}

// PublishEvent is Publish for an already built event
func (b *Bus) PublishEvent(ctx context.Context, event shared.SyncEvent) error {
	b.dispatch(ctx, event, PathLocal)

	if b.transport == nil {
		return nil
	}
	if err := b.transport.Send(ctx, event); err != nil {
		return fmt.Errorf("bus send %s: %w", event.Topic, err)
	}
	return nil
}

func (b *Bus) receive(ctx context.Context, event shared.SyncEvent) {
	if event.OriginTabID == b.tabID {
		return
	}
	b.dispatch(ctx, event, PathRemote)
}

func (b *Bus) dispatch(ctx context.Context, event shared.SyncEvent, path string) {
	b.mu.RLock()
	subs := b.subs[event.Topic]
	b.mu.RUnlock()

	for _, s := range subs {
		err := b.invoke(ctx, s.handler, event)
		b.metrics.RecordBusDelivery(ctx, event.Topic.String(), path, err)
		if err != nil {
			b.logger.Error("Handler failed to process event",
				zap.String("topic", event.Topic.String()),
				zap.String("event_id", event.ID.String()),
				zap.String("origin_tab_id", event.OriginTabID),
				zap.String("path", path),
				zap.Error(err))
		}
	}
}

func (b *Bus) invoke(ctx context.Context, handler shared.EventHandler, event shared.SyncEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, event)
}

var _ shared.EventBus = (*Bus)(nil)
