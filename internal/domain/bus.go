package domain

import "context"

// Bus carries encoded change events from the feed to every gateway fan-out
// loop. Payloads are marshaled realtime.ChangeEvent JSON so the gateway can
// forward them to clients without re-encoding. Implementations must be safe
// for concurrent use.
type Bus interface {
	// Publish sends an encoded change event to all active subscribers.
	// Returns ErrBusClosed after Close.
	Publish(ctx context.Context, payload []byte) error
	// Subscribe returns a channel of encoded change events and a cancel
	// function. The channel is closed when cancel is called or the bus
	// shuts down. Cancel is idempotent.
	Subscribe(ctx context.Context) (<-chan []byte, func(), error)
	// Close shuts the bus down and closes all subscriber channels.
	Close() error
}
