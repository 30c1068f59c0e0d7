// Package realtime implements the resilient websocket client used by chat
// widgets: one managed connection with automatic reconnection, a bounded
// offline send queue, outbound rate limiting, heartbeat latency tracking,
// and filtered change-event subscriptions with typed facades.
//
// Example:
//
//	client, err := realtime.New(realtime.DefaultConfig("wss://chat.example.com/ws", token))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	sub := realtime.SubscribeChatMessages(client, sessionID, realtime.RowHandler[realtime.ChatMessage]{
//	    OnAppend: func(m realtime.ChatMessage) { fmt.Println(m.Sender, m.Content) },
//	})
//	defer sub.Unsubscribe()
//
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	client.SendMessage(map[string]any{"session_id": sessionID, "content": "hello"})
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	writeTimeout  = 10 * time.Second
	drainInterval = 250 * time.Millisecond
	maxFrameBytes = 1 << 20
)

// Client is a managed websocket connection to the chatwire gateway. It owns
// at most one physical connection at a time and survives connection loss by
// reconnecting with backoff, queueing outbound messages in the meantime.
//
// All methods are safe for concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger

	machine  *stateMachine
	queue    *messageQueue
	limiter  *rate.Limiter
	registry *registry
	backoff  backoff
	window   *rateWindow

	onMessage MessageHandler
	onError   ErrorHandler

	// mu guards the lifecycle fields below. It is never held across
	// network writes or observer notifications.
	mu         sync.Mutex
	conn       *websocket.Conn
	connCancel context.CancelFunc
	gen        uint64
	dialing    bool
	manual     bool

	// wmu serializes frame writes so queued flushes and direct sends
	// never interleave.
	wmu sync.Mutex

	attempts  atomic.Int32
	pingSent  atomic.Int64 // epoch millis of the outstanding ping, 0 = none
	latencyMS atomic.Int64
}

// New builds a Client from cfg. Zero numeric fields take defaults; the
// config is validated before use.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		logger:  slog.Default(),
		machine: newStateMachine(),
		queue:   newMessageQueue(cfg.MaxQueueSize),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitPerSecond),
		backoff: newBackoff(cfg.ReconnectBackoff, cfg.ReconnectInterval),
		window:  &rateWindow{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.registry = newRegistry(c.logger)
	return c, nil
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return c.machine.Current()
}

// ObserveState registers a state observer and returns its removal function.
func (c *Client) ObserveState(fn StateObserver) func() {
	return c.machine.Observe(fn)
}

// Stats returns a snapshot of the client's health counters.
func (c *Client) Stats() Stats {
	return Stats{
		ConnectionState:      c.machine.Current(),
		QueuedMessages:       c.queue.Len(),
		ReconnectAttempts:    int(c.attempts.Load()),
		MaxReconnectAttempts: c.cfg.MaxReconnectAttempts,
		MessageRatePerMinute: c.window.count(time.Now()),
		LatencyMillis:        c.latencyMS.Load(),
	}
}

// Subscribe registers handler for change events on resource. An empty events
// slice matches all event types; an empty filter matches all rows. The
// subscription receives events as soon as Subscribe returns and lives until
// Unsubscribe.
func (c *Client) Subscribe(resource string, events []EventType, filter string, handler ChangeHandler) *Subscription {
	return c.registry.Subscribe(resource, events, filter, handler)
}

// Connect dials the gateway. It returns ErrAlreadyConnected when a
// connection attempt is in flight or established, including the wait
// between reconnect attempts. Calling Connect from the failed state starts
// a fresh cycle with the attempt counter reset.
//
// The first dial runs synchronously and its error is returned. When
// auto-reconnect is enabled a failed first dial still arms the retry cycle,
// so callers may treat the error as informational.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.dialing || c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	switch c.machine.Current() {
	case StateConnecting, StateConnected, StateReconnecting:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.manual = false
	c.attempts.Store(0)
	c.dialing = true
	c.mu.Unlock()

	return c.dial(ctx)
}

// Disconnect closes the connection deliberately. A deliberate close never
// triggers reconnection. code 0 means normal closure. Disconnect is
// idempotent and safe to call in any state; a pending reconnect is
// cancelled.
func (c *Client) Disconnect(code int, reason string) {
	c.mu.Lock()
	c.manual = true
	conn := c.conn
	cancel := c.connCancel
	c.conn = nil
	c.connCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		status := websocket.StatusCode(code)
		if code == 0 {
			status = websocket.StatusNormalClosure
		}
		_ = conn.Close(status, reason)
	}
	c.pingSent.Store(0)

	switch c.machine.Current() {
	case StateDisconnected, StateFailed:
	default:
		c.machine.Transition(StateDisconnected)
		c.logger.Info("disconnected", "code", code, "reason", reason)
	}
}

// Close disconnects with a normal closure. It implements io.Closer so the
// client can sit behind a defer.
func (c *Client) Close() error {
	c.Disconnect(int(websocket.StatusNormalClosure), "client closed")
	return nil
}

// SendMessage marshals payload and sends it as a chat_message frame. When
// the client is not connected, the rate limiter has no token, or older
// messages are still queued, the payload is queued instead and flushed in
// order once the connection and token budget allow. The only error returned
// is a payload marshal failure; transport faults drive state transitions
// rather than surfacing here.
func (c *Client) SendMessage(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	env := OutboundEnvelope{Payload: raw, EnqueuedAt: time.Now()}

	c.mu.Lock()
	conn := c.conn
	gen := c.gen
	c.mu.Unlock()

	connected := conn != nil && c.machine.Current() == StateConnected
	if !connected || c.queue.Len() > 0 || !c.limiter.Allow() {
		c.enqueue(env)
		return nil
	}

	c.wmu.Lock()
	err = c.write(context.Background(), conn, Frame{Type: FrameChatMessage, Payload: raw})
	c.wmu.Unlock()
	if err != nil {
		c.enqueue(env)
		c.connLost(gen, fmt.Errorf("send: %w", err))
		return nil
	}
	c.window.mark(time.Now())
	return nil
}

func (c *Client) enqueue(env OutboundEnvelope) {
	if c.queue.Enqueue(env) {
		c.logger.Warn("send queue full, dropped oldest message", "cap", c.cfg.MaxQueueSize)
	}
	c.debug("message queued", "queued", c.queue.Len())
}

// dial performs one connection attempt. The caller must have set dialing.
func (c *Client) dial(ctx context.Context) error {
	c.machine.Transition(StateConnecting)

	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, _, err := websocket.Dial(dctx, c.dialURL(), nil)
	cancel()
	if err != nil {
		c.mu.Lock()
		c.dialing = false
		c.mu.Unlock()
		c.logger.Warn("dial failed", "url", c.cfg.URL, "error", err)
		c.scheduleReconnect(err)
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(maxFrameBytes)

	cctx, ccancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.dialing = false
	c.gen++
	gen := c.gen
	c.conn = conn
	c.connCancel = ccancel
	c.attempts.Store(0)
	c.mu.Unlock()

	c.machine.Transition(StateConnected)
	c.logger.Info("connected", "url", c.cfg.URL)

	c.flushQueue(cctx, gen, conn)

	go c.readLoop(cctx, gen, conn)
	go c.heartbeatLoop(cctx, gen, conn)
	return nil
}

func (c *Client) dialURL() string {
	if c.cfg.Token == "" {
		return c.cfg.URL
	}
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return c.cfg.URL
	}
	q := u.Query()
	q.Set("token", c.cfg.Token)
	u.RawQuery = q.Encode()
	return u.String()
}

// connLost tears down the connection identified by gen and routes into the
// recovery policy. Stale and duplicate reports are ignored, so the read
// loop, heartbeat loop, and failed sends can all report the same loss.
func (c *Client) connLost(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	cancel := c.connCancel
	c.conn = nil
	c.connCancel = nil
	manual := c.manual
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	c.pingSent.Store(0)

	if manual || isCleanClose(cause) {
		c.machine.Transition(StateDisconnected)
		c.logger.Info("connection closed", "reason", cause)
		return
	}

	c.logger.Warn("connection lost", "error", cause)
	c.scheduleReconnect(cause)
}

func isCleanClose(err error) bool {
	return websocket.CloseStatus(err) == websocket.StatusNormalClosure
}

// scheduleReconnect applies the recovery policy after an unclean loss or a
// failed dial: transition to reconnecting and arm a delayed redial, or give
// up into the failed state once attempts are exhausted.
func (c *Client) scheduleReconnect(cause error) {
	c.mu.Lock()
	if c.manual || !c.cfg.AutoReconnect {
		c.mu.Unlock()
		c.machine.Transition(StateDisconnected)
		return
	}
	attempt := int(c.attempts.Load())
	if attempt >= c.cfg.MaxReconnectAttempts {
		c.mu.Unlock()
		c.machine.Transition(StateFailed)
		c.logger.Error("reconnect attempts exhausted", "attempts", attempt, "error", cause)
		c.notifyError(fmt.Errorf("%w: gave up after %d attempts: %v", ErrReconnectExhausted, attempt, cause))
		return
	}
	c.attempts.Add(1)
	gen := c.gen
	c.mu.Unlock()

	delay := c.backoff.Delay(attempt)
	c.machine.Transition(StateReconnecting)
	c.logger.Info("reconnecting",
		"attempt", attempt+1,
		"max_attempts", c.cfg.MaxReconnectAttempts,
		"delay", delay,
	)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		<-timer.C

		c.mu.Lock()
		if c.manual || c.gen != gen || c.dialing || c.conn != nil {
			c.mu.Unlock()
			return
		}
		c.dialing = true
		c.mu.Unlock()

		_ = c.dial(context.Background())
	}()
}

func (c *Client) notifyError(err error) {
	if c.onError == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("error handler panicked", "panic", rec)
		}
	}()
	c.onError(err)
}

// readLoop parses and dispatches inbound frames until the connection dies.
// Malformed frames are logged and dropped without killing the connection.
func (c *Client) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.connLost(gen, err)
			return
		}
		at := time.Now()

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
			c.logger.Warn("dropping malformed frame", "error", err, "bytes", len(data))
			continue
		}
		c.handleFrame(f, at)
	}
}

func (c *Client) handleFrame(f Frame, at time.Time) {
	switch f.Type {
	case FramePong:
		sent := c.pingSent.Load()
		if f.SentAt != 0 && f.SentAt == sent {
			c.latencyMS.Store(at.UnixMilli() - f.SentAt)
			c.pingSent.Store(0)
			c.debug("pong", "latency_ms", c.latencyMS.Load())
		}
	case FrameChangeEvent:
		var ev ChangeEvent
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			c.logger.Warn("dropping malformed change event", "error", err)
			return
		}
		c.registry.Dispatch(ev)
	case FrameError:
		c.logger.Warn("gateway error frame", "error", f.Error)
		c.deliver(f, at)
	default:
		c.deliver(f, at)
	}
}

func (c *Client) deliver(f Frame, at time.Time) {
	if c.onMessage == nil {
		return
	}
	c.onMessage(InboundEnvelope{Type: f.Type, Payload: f.Payload, ReceivedAt: at})
}

// heartbeatLoop sends pings on the heartbeat interval and watches for
// missing pongs. Its finer-grained tick also drains the queue while
// connected, so messages parked by the rate limiter leave without waiting
// for a reconnect.
func (c *Client) heartbeatLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	ping := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ping.Stop()
	tick := time.NewTicker(drainInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ping.C:
			now := time.Now().UnixMilli()
			// One outstanding ping at a time. If the previous one is
			// still unanswered the timeout check below handles it.
			if !c.pingSent.CompareAndSwap(0, now) {
				continue
			}
			c.wmu.Lock()
			err := c.write(ctx, conn, Frame{Type: FramePing, SentAt: now})
			c.wmu.Unlock()
			if err != nil {
				c.connLost(gen, fmt.Errorf("heartbeat write: %w", err))
				return
			}

		case <-tick.C:
			if sent := c.pingSent.Load(); sent != 0 && time.Since(time.UnixMilli(sent)) > c.cfg.HeartbeatTimeout {
				c.connLost(gen, ErrHeartbeatTimeout)
				return
			}
			if c.queue.Len() > 0 && c.machine.Current() == StateConnected {
				c.flushQueue(ctx, gen, conn)
			}
		}
	}
}

// flushQueue drains queued messages through the rate limiter in FIFO order.
// The drain stops when tokens run out (the entry stays queued for the next
// tick) or when a write fails (the connection is reported lost).
func (c *Client) flushQueue(ctx context.Context, gen uint64, conn *websocket.Conn) {
	c.wmu.Lock()
	sent, err := c.queue.Flush(func(env OutboundEnvelope) error {
		if !c.limiter.Allow() {
			return errSendThrottled
		}
		if werr := c.write(ctx, conn, Frame{Type: FrameChatMessage, Payload: env.Payload}); werr != nil {
			return werr
		}
		c.window.mark(time.Now())
		return nil
	})
	c.wmu.Unlock()

	if sent > 0 {
		c.debug("flushed queued messages", "count", sent, "remaining", c.queue.Len())
	}
	if err != nil && !errors.Is(err, errSendThrottled) {
		c.connLost(gen, fmt.Errorf("flush: %w", err))
	}
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, f Frame) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, f)
}

func (c *Client) debug(msg string, args ...any) {
	if c.cfg.Debug {
		c.logger.Debug(msg, args...)
	}
}
