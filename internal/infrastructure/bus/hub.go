package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/erp/datasync/internal/domain/shared"
)

const defaultHubBuffer = 256

// Hub is an in-process transport switch. Each connected endpoint receives
// the events sent by every other endpoint.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[*HubTransport]struct{}
	buffer    int
	logger    *zap.Logger
	dropped   atomic.Int64
}

// HubOption configures a Hub
type HubOption func(*Hub)

// WithHubLogger sets the logger used to report dropped events
func WithHubLogger(l *zap.Logger) HubOption {
	return func(h *Hub) {
		h.logger = l
	}
}

// NewHub creates a hub whose endpoints buffer up to buffer events
func NewHub(buffer int, opts ...HubOption) *Hub {
	if buffer <= 0 {
		buffer = defaultHubBuffer
	}
	h := &Hub{
		endpoints: make(map[*HubTransport]struct{}),
		buffer:    buffer,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Dropped returns how many deliveries were lost to full inboxes
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Connect attaches a new endpoint
func (h *Hub) Connect() *HubTransport {
	t := &HubTransport{
		hub:    h,
		inbox:  make(chan shared.SyncEvent, h.buffer),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	h.endpoints[t] = struct{}{}
	h.mu.Unlock()
	return t
}

// Endpoints returns the number of connected endpoints
func (h *Hub) Endpoints() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.endpoints)
}

func (h *Hub) peers(except *HubTransport) []*HubTransport {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*HubTransport, 0, len(h.endpoints))
	for t := range h.endpoints {
		if t != except {
			out = append(out, t)
		}
	}
	return out
}

func (h *Hub) disconnect(t *HubTransport) {
	h.mu.Lock()
	delete(h.endpoints, t)
	h.mu.Unlock()
}

// HubTransport is one endpoint of a Hub
type HubTransport struct {
	hub       *Hub
	inbox     chan shared.SyncEvent
	closed    chan struct{}
	closeOnce sync.Once
}

// Send enqueues the event on every peer without blocking. A peer whose
// inbox is full misses the event; handlers publish from the receive
// goroutine, so waiting on a full peer could deadlock two tabs.
func (t *HubTransport) Send(ctx context.Context, event shared.SyncEvent) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, peer := range t.hub.peers(t) {
		select {
		case peer.inbox <- event:
		case <-peer.closed:
		default:
			t.hub.dropped.Add(1)
			t.hub.logger.Warn("Hub peer inbox full, event dropped",
				zap.String("topic", event.Topic.String()),
				zap.String("event_id", event.ID.String()))
		}
	}
	return nil
}

// Receive delivers queued events until ctx is done or the endpoint closes
func (t *HubTransport) Receive(ctx context.Context, deliver func(shared.SyncEvent)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed:
			return nil
		case event := <-t.inbox:
			deliver(event)
		}
	}
}

// Close detaches the endpoint. Queued events are dropped.
func (t *HubTransport) Close() error {
	t.closeOnce.Do(func() {
		t.hub.disconnect(t)
		close(t.closed)
	})
	return nil
}

var _ Transport = (*HubTransport)(nil)
