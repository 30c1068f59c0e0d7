// Package gateway is the server side of the chatwire wire protocol: it
// accepts widget WebSocket connections, answers pings, takes chat_message
// publishes into the chat service, and forwards every change event from the
// bus to every connected client.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"chatwire/internal/domain"
	"chatwire/internal/infra/config"
	"chatwire/internal/infra/middleware"
	"chatwire/internal/infra/tracer"
	"chatwire/internal/usecase/chat"
	"chatwire/pkg/realtime"
)

const writeTimeout = 5 * time.Second

// defaultOriginPatterns admits local development pages when the config
// lists no explicit origins.
var defaultOriginPatterns = []string{
	"localhost",
	"localhost:*",
	"127.0.0.1",
	"127.0.0.1:*",
	"[::1]",
	"[::1]:*",
}

// clientConn tracks a single widget connection. Outbound frames go through
// sendCh so one slow client never blocks the fan-out loop.
type clientConn struct {
	id        uint64
	info      *ClientInfo
	ws        *websocket.Conn
	sendCh    chan realtime.Frame
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter // inbound publish budget
}

func (cc *clientConn) close() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// Server accepts widget connections and bridges them to the chat service
// and the change-event bus.
type Server struct {
	cfg     config.GatewayConfig
	chat    *chat.Service
	bus     domain.Bus
	auth    Authenticator
	logger  *slog.Logger
	schema  *jsonschema.Schema
	metrics *Metrics

	clients   sync.Map // connID (uint64) -> *clientConn
	nextID    atomic.Uint64
	startedAt time.Time

	mu        sync.Mutex
	boundAddr string
	httpSrv   *http.Server
	busCancel func()
	httpStop  context.CancelFunc
}

// NewServer builds a gateway server. It fails only when the publish schema
// does not compile, which would be a programming error caught at startup.
func NewServer(cfg config.GatewayConfig, chatSvc *chat.Service, bus domain.Bus, auth Authenticator, logger *slog.Logger) (*Server, error) {
	schema, err := compilePublishSchema()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:       cfg,
		chat:      chatSvc,
		bus:       bus,
		auth:      auth,
		logger:    logger,
		schema:    schema,
		metrics:   &Metrics{},
		startedAt: time.Now(),
	}, nil
}

// Start listens on the configured address and serves until ctx is
// cancelled. It blocks; run it in a goroutine next to the signal handler.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/healthz", healthzHandler)
	mux.HandleFunc("/api/v1/status", s.statusHandler())
	mux.HandleFunc("/metrics", s.metricsHandler())
	for _, resource := range []string{
		realtime.ResourceChatSessions,
		realtime.ResourceChatMessages,
		realtime.ResourceWidgetConfigs,
		realtime.ResourceNotifications,
	} {
		mux.HandleFunc("/api/v1/"+resource, s.snapshotHandler(resource))
	}

	// Every endpoint goes through the shared middleware: security headers
	// plus a per-IP limiter that also caps websocket upgrade attempts.
	httpCtx, httpStop := context.WithCancel(context.Background())
	handler := middleware.SecurityHeaders(middleware.RateLimit(httpCtx, 100, 20)(mux))

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		httpStop()
		return fmt.Errorf("gateway listen: %w", err)
	}

	events, busCancel, err := s.bus.Subscribe(ctx)
	if err != nil {
		httpStop()
		listener.Close()
		return domain.WrapOp("Gateway.Start", err)
	}

	s.mu.Lock()
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	s.busCancel = busCancel
	s.httpStop = httpStop
	srv := s.httpSrv
	s.mu.Unlock()

	go s.fanoutLoop(events)
	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	s.logger.Info("gateway started", "addr", s.BoundAddr())

	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop detaches from the bus, closes every client, and shuts the HTTP
// server down. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	busCancel := s.busCancel
	httpStop := s.httpStop
	srv := s.httpSrv
	s.busCancel = nil
	s.httpStop = nil
	s.httpSrv = nil
	s.mu.Unlock()

	if busCancel != nil {
		busCancel()
	}
	if httpStop != nil {
		httpStop()
	}

	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the listen address. Empty until Start has bound.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	info, err := s.auth.Authenticate(r.URL.Query().Get("token"))
	if err != nil {
		s.metrics.AuthRejectsTotal.Add(1)
		s.logger.Warn("gateway auth rejected", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	patterns := s.cfg.OriginPatterns
	if len(patterns) == 0 {
		patterns = defaultOriginPatterns
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: patterns})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(int64(s.cfg.MaxPayloadBytes))

	connID := s.nextID.Add(1)
	cc := &clientConn{
		id:     connID,
		info:   info,
		ws:     ws,
		sendCh: make(chan realtime.Frame, s.cfg.SendBuffer),
		done:   make(chan struct{}),
		limiter: rate.NewLimiter(
			rate.Limit(s.cfg.PublishRatePerSecond),
			s.cfg.PublishRatePerSecond,
		),
	}
	s.clients.Store(connID, cc)
	s.metrics.ConnectionsTotal.Add(1)

	s.logger.Info("client connected", "conn_id", connID, "client", info.Name)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.close()
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("client disconnected", "conn_id", connID)
}

// readLoop parses inbound frames until the connection dies. Malformed
// frames are counted and dropped, never fatal.
func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		_, data, err := cc.ws.Read(ctx)
		if err != nil {
			return
		}

		var f realtime.Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
			s.metrics.MalformedTotal.Add(1)
			s.logger.Warn("dropping malformed frame", "conn_id", cc.id, "bytes", len(data))
			continue
		}

		switch f.Type {
		case realtime.FramePing:
			s.metrics.PingsTotal.Add(1)
			// Echo sent_at so the client can compute round-trip latency.
			s.send(cc, realtime.Frame{Type: realtime.FramePong, SentAt: f.SentAt})
		case realtime.FrameChatMessage:
			s.handlePublish(ctx, cc, f.Payload)
		default:
			s.logger.Debug("ignoring frame", "conn_id", cc.id, "type", string(f.Type))
		}
	}
}

// handlePublish runs one chat_message publish: rate gate, schema check,
// then the chat service. Failures go back to the publisher as an error
// frame; the success signal is the INSERT event arriving on the feed.
func (s *Server) handlePublish(ctx context.Context, cc *clientConn, payload json.RawMessage) {
	ctx, span := tracer.StartSpan(ctx, "gateway.publish",
		trace.WithAttributes(tracer.StringAttr("client.name", cc.info.Name)),
	)
	defer span.End()

	s.metrics.PublishesTotal.Add(1)

	if !cc.limiter.Allow() {
		err := domain.NewSubSystemError("gateway", "Gateway.Publish", domain.ErrLimitReached,
			"publish rate exceeded")
		s.rejectPublish(cc, span, err)
		return
	}

	p, err := parsePublish(s.schema, payload)
	if err != nil {
		s.rejectPublish(cc, span, err)
		return
	}

	if _, err := s.chat.PostMessage(ctx, p.SessionID, p.Sender, p.Content); err != nil {
		s.rejectPublish(cc, span, err)
		return
	}
	tracer.SetOK(span)
}

func (s *Server) rejectPublish(cc *clientConn, span trace.Span, err error) {
	s.metrics.PublishErrorsTotal.Add(1)
	tracer.RecordError(span, err)
	s.logger.Warn("publish rejected", "conn_id", cc.id, "error", err)
	s.send(cc, realtime.Frame{Type: realtime.FrameError, Error: err.Error()})
}

// fanoutLoop forwards every bus payload to every connected client. The
// loop exits when the bus subscription channel closes.
func (s *Server) fanoutLoop(events <-chan []byte) {
	for payload := range events {
		_, span := tracer.StartSpan(context.Background(), "gateway.fanout")

		frame := realtime.Frame{Type: realtime.FrameChangeEvent, Payload: payload}
		sent := 0
		s.clients.Range(func(_, value any) bool {
			cc := value.(*clientConn)
			select {
			case cc.sendCh <- frame:
				sent++
			default:
				s.metrics.EventsDroppedTotal.Add(1)
				s.logger.Warn("dropped change event for slow client", "conn_id", cc.id)
			}
			return true
		})
		s.metrics.EventsForwardedTotal.Add(int64(sent))

		span.SetAttributes(tracer.IntAttr("fanout.clients", sent))
		span.End()
	}
}

func (s *Server) send(cc *clientConn, f realtime.Frame) {
	select {
	case cc.sendCh <- f:
	default:
		s.logger.Warn("dropped frame for slow client", "conn_id", cc.id, "type", string(f.Type))
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// activeConnections counts currently registered clients.
func (s *Server) activeConnections() int {
	n := 0
	s.clients.Range(func(_, _ any) bool { n++; return true })
	return n
}
