package realtime

import "log/slog"

// Option configures a Client at construction.
type Option func(*Client)

// MessageHandler receives inbound frames that are not handled internally
// (everything except pong and change_event).
type MessageHandler func(InboundEnvelope)

// ErrorHandler receives terminal errors, currently only reconnect
// exhaustion. Transient faults are logged and drive state transitions
// instead.
type ErrorHandler func(error)

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMessageHandler sets the handler for direct (non change-event) frames.
func WithMessageHandler(h MessageHandler) Option {
	return func(c *Client) { c.onMessage = h }
}

// WithStateObserver registers a state observer before the client is first
// used. More can be added later with ObserveState.
func WithStateObserver(fn StateObserver) Option {
	return func(c *Client) { c.machine.Observe(fn) }
}

// WithErrorHandler sets the terminal error handler.
func WithErrorHandler(h ErrorHandler) Option {
	return func(c *Client) { c.onError = h }
}
