package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/erp/datasync/internal/domain/shared"
	"github.com/erp/datasync/internal/infrastructure/logger"
)

const (
	// DefaultRedisChannel is the pub/sub channel shared by all instances
	DefaultRedisChannel = "datasync:bus"

	defaultCloseTimeout = 5 * time.Second
)

// RedisTransport carries bus events over Redis pub/sub. Every instance
// subscribed to the same channel sees every event, including its own; the
// Bus drops self-originated copies.
type RedisTransport struct {
	client     *redis.Client
	ownsClient bool
	channel    string
	logger     *zap.Logger

	mu        sync.Mutex
	cancelFn  context.CancelFunc
	doneCh    chan struct{}
	doneOnce  sync.Once
	isRunning bool
	closed    bool
}

// RedisTransportOption configures a RedisTransport
type RedisTransportOption func(*RedisTransport)

// WithRedisChannel sets the pub/sub channel name
func WithRedisChannel(channel string) RedisTransportOption {
	return func(t *RedisTransport) {
		t.channel = channel
	}
}

// WithRedisLogger sets the logger
func WithRedisLogger(l *zap.Logger) RedisTransportOption {
	return func(t *RedisTransport) {
		t.logger = logger.Component(l, "bus.redis")
	}
}

// WithOwnedClient makes Close also close the Redis client
func WithOwnedClient() RedisTransportOption {
	return func(t *RedisTransport) {
		t.ownsClient = true
	}
}

// NewRedisTransport creates a transport over an existing client. The caller
// keeps ownership of the client unless WithOwnedClient is given.
func NewRedisTransport(client *redis.Client, opts ...RedisTransportOption) *RedisTransport {
	t := &RedisTransport{
		client:  client,
		channel: DefaultRedisChannel,
		logger:  zap.NewNop(),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send publishes the event on the channel
func (t *RedisTransport) Send(ctx context.Context, event shared.SyncEvent) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}

	data, err := json.Marshal(event)
	if err != nil {
		return &shared.SerializationError{Op: "encode bus event", Err: err}
	}
	if err := t.client.Publish(ctx, t.channel, data).Err(); err != nil {
		t.logger.Error("Failed to publish bus event",
			zap.String("channel", t.channel),
			zap.String("topic", event.Topic.String()),
			zap.Error(err))
		return &shared.NetworkError{Op: "publish " + t.channel, Err: err}
	}
	return nil
}

// Receive subscribes to the channel and delivers events in arrival order.
// It returns once the subscription is stopped.
func (t *RedisTransport) Receive(ctx context.Context, deliver func(shared.SyncEvent)) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if t.isRunning {
		t.mu.Unlock()
		return fmt.Errorf("bus: redis subscription already running")
	}
	t.isRunning = true
	subCtx, cancel := context.WithCancel(ctx)
	t.cancelFn = cancel
	t.mu.Unlock()

	defer func() {
		cancel()
		t.mu.Lock()
		t.isRunning = false
		t.mu.Unlock()
		t.markDone()
	}()

	pubsub := t.client.Subscribe(subCtx, t.channel)
	defer pubsub.Close()

	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(subCtx); err != nil {
		return &shared.NetworkError{Op: "subscribe " + t.channel, Err: err}
	}
	t.logger.Info("Subscribed to bus channel", zap.String("channel", t.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			t.logger.Info("Bus subscription stopped", zap.String("channel", t.channel))
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		case msg, ok := <-ch:
			if !ok {
				t.logger.Warn("Bus channel closed", zap.String("channel", t.channel))
				return nil
			}
			var event shared.SyncEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				t.logger.Error("Failed to decode bus event",
					zap.String("payload", msg.Payload),
					zap.Error(err))
				continue
			}
			deliver(event)
		}
	}
}

func (t *RedisTransport) markDone() {
	t.doneOnce.Do(func() {
		close(t.doneCh)
	})
}

// Close stops the subscription and waits for Receive to return
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancelFn := t.cancelFn
	t.mu.Unlock()

	if cancelFn != nil {
		cancelFn()
		select {
		case <-t.doneCh:
		case <-time.After(defaultCloseTimeout):
			t.logger.Warn("Timeout waiting for bus subscription to stop")
		}
	}

	if t.ownsClient {
		return t.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client
func (t *RedisTransport) Client() *redis.Client {
	return t.client
}

var _ Transport = (*RedisTransport)(nil)
