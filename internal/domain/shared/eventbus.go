package shared

import "context"

// EventHandler processes one bus event. Handlers must tolerate replays of the
// same payload: delivery is at-least-once and unordered across tabs.
type EventHandler func(ctx context.Context, event SyncEvent) error

// Unsubscribe detaches a handler. Calling it more than once is harmless.
type Unsubscribe func()

// EventPublisher publishes bus events
type EventPublisher interface {
	// Publish delivers payload to same-tab subscribers synchronously and to
	// other tabs through the cross-tab transport
	Publish(ctx context.Context, topic Topic, payload any) error
}

// EventSubscriber registers bus handlers
type EventSubscriber interface {
	Subscribe(topic Topic, handler EventHandler) Unsubscribe
}

// EventBus combines publisher and subscriber capabilities
type EventBus interface {
	EventPublisher
	EventSubscriber
	// TabID identifies this bus instance among its peers
	TabID() string
}
