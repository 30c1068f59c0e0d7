package realtime

import "errors"

var (
	// ErrInvalidConfig reports a config rejected by Validate.
	ErrInvalidConfig = errors.New("realtime: invalid config")

	// ErrAlreadyConnected is returned by Connect when a connection attempt
	// is already in flight or established.
	ErrAlreadyConnected = errors.New("realtime: already connected")

	// ErrReconnectExhausted is passed to the error handler when every
	// reconnect attempt failed and the client entered the failed state.
	ErrReconnectExhausted = errors.New("realtime: reconnect attempts exhausted")

	// ErrHeartbeatTimeout reports a missed pong. It triggers the same
	// recovery path as an unclean close.
	ErrHeartbeatTimeout = errors.New("realtime: heartbeat timeout")
)

// errSendThrottled stops a queue flush when the rate limiter runs dry. The
// connected-state drain picks the queue back up once tokens refill.
var errSendThrottled = errors.New("realtime: send throttled")
