package bus

import (
	"context"
	"errors"

	"github.com/erp/datasync/internal/domain/shared"
)

// ErrTransportClosed is returned by Send and Receive after Close
var ErrTransportClosed = errors.New("bus: transport closed")

// Transport carries events between bus instances. Delivery is at-least-once
// and unordered across senders.
type Transport interface {
	// Send hands the event to every other connected instance
	Send(ctx context.Context, event shared.SyncEvent) error

	// Receive blocks, calling deliver for each incoming event, until ctx is
	// cancelled or the transport is closed
	Receive(ctx context.Context, deliver func(shared.SyncEvent)) error

	Close() error
}
