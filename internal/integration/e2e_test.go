//go:build integration
// +build integration

package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"chatwire/internal/adapter/gateway"
	"chatwire/internal/adapter/pubsub"
	"chatwire/internal/adapter/snapshot"
	"chatwire/internal/adapter/store"
	"chatwire/internal/domain"
	"chatwire/internal/infra/config"
	"chatwire/internal/usecase/chat"
	"chatwire/internal/usecase/feed"
	"chatwire/pkg/realtime"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testGatewayConfig(addr string) config.GatewayConfig {
	return config.GatewayConfig{
		Addr:                 addr,
		MaxPayloadBytes:      16 * 1024,
		PublishRatePerSecond: 100,
		SendBuffer:           32,
	}
}

// newStack builds the real server-side pipeline on a throwaway SQLite file
// and an in-process bus.
func newStack(t *testing.T) (*chat.Service, domain.Bus) {
	t.Helper()
	log := testLogger()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "e2e.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	bus := pubsub.NewMemoryBus(64, log)
	t.Cleanup(func() { bus.Close() })
	return chat.NewService(st, feed.NewEmitter(bus, log), log), bus
}

// startGateway runs a gateway until test cleanup and returns it once bound.
func startGateway(t *testing.T, cfg config.GatewayConfig, svc *chat.Service, bus domain.Bus) *gateway.Server {
	t.Helper()
	srv, err := gateway.NewServer(cfg, svc, bus, gateway.AllowAll(), testLogger())
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	waitFor(t, 3*time.Second, func() bool { return srv.BoundAddr() != "" }, "gateway did not bind")
	return srv
}

// clientConfig returns a client tuned for fast local reconnects.
func clientConfig(addr string) realtime.Config {
	return realtime.Config{
		URL:                  "ws://" + addr + "/ws",
		AutoReconnect:        true,
		MaxReconnectAttempts: 50,
		ReconnectInterval:    100 * time.Millisecond,
		ReconnectBackoff:     realtime.BackoffFixed,
		HeartbeatInterval:    time.Second,
		HeartbeatTimeout:     2 * time.Second,
		MaxQueueSize:         32,
		RateLimitPerSecond:   50,
		ConnectTimeout:       2 * time.Second,
	}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestE2E_PublishObservePersist walks the full path: client publish over the
// websocket, store write, change event back out to the same client's
// subscription, and the row readable through the service.
func TestE2E_PublishObservePersist(t *testing.T) {
	SkipIfShort(t)
	ctx := NewTestContext(t, 30*time.Second)

	svc, bus := newStack(t)
	srv := startGateway(t, testGatewayConfig("127.0.0.1:0"), svc, bus)

	sess, err := svc.OpenSession(ctx, 7, 1)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	// Let the session INSERT drain before the client subscribes.
	time.Sleep(100 * time.Millisecond)

	client, err := realtime.New(clientConfig(srv.BoundAddr()), realtime.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer client.Close()

	var got atomic.Pointer[realtime.ChatMessage]
	realtime.SubscribeChatMessages(client, sess.ID, realtime.RowHandler[realtime.ChatMessage]{
		OnAppend: func(m realtime.ChatMessage) { got.Store(&m) },
	})

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return client.State() == realtime.StateConnected }, "client never connected")

	msg := struct {
		SessionID int64  `json:"session_id"`
		Content   string `json:"content"`
	}{sess.ID, "round trip"}
	if err := client.SendMessage(msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return got.Load() != nil }, "change event never arrived")
	m := got.Load()
	if m.Content != "round trip" || m.Sender != domain.SenderVisitor || m.SessionID != sess.ID {
		t.Fatalf("unexpected message: %+v", *m)
	}

	rows, err := svc.Messages(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(rows) != 1 || rows[0].Content != "round trip" {
		t.Fatalf("store has %d rows, want the published message", len(rows))
	}
}

// TestE2E_QueueFlushOnReconnect drops the gateway out from under a connected
// client, queues a send while the link is down, then rebinds the same
// address and checks the queue flushes and the message lands.
func TestE2E_QueueFlushOnReconnect(t *testing.T) {
	SkipIfShort(t)
	ctx := NewTestContext(t, 30*time.Second)

	svc, bus := newStack(t)

	first, err := gateway.NewServer(testGatewayConfig("127.0.0.1:0"), svc, bus, gateway.AllowAll(), testLogger())
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	firstCtx, stopFirst := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() { firstDone <- first.Start(firstCtx) }()
	defer stopFirst()
	waitFor(t, 3*time.Second, func() bool { return first.BoundAddr() != "" }, "first gateway did not bind")
	addr := first.BoundAddr()

	sess, err := svc.OpenSession(ctx, 7, 1)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	client, err := realtime.New(clientConfig(addr), realtime.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer client.Close()

	var inserts atomic.Int32
	realtime.SubscribeChatMessages(client, sess.ID, realtime.RowHandler[realtime.ChatMessage]{
		OnAppend: func(realtime.ChatMessage) { inserts.Add(1) },
	})

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return client.State() == realtime.StateConnected }, "client never connected")

	// Shutdown closes with going-away, which the client treats as unclean,
	// so the retry cycle arms itself.
	stopFirst()
	<-firstDone
	waitFor(t, 5*time.Second, func() bool { return client.State() == realtime.StateReconnecting }, "client never noticed the drop")

	msg := struct {
		SessionID int64  `json:"session_id"`
		Content   string `json:"content"`
	}{sess.ID, "parked until reconnect"}
	if err := client.SendMessage(msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n := client.Stats().QueuedMessages; n != 1 {
		t.Fatalf("QueuedMessages = %d, want 1", n)
	}

	// Rebind the same address; the retry cycle finds it and flushes.
	startGateway(t, testGatewayConfig(addr), svc, bus)

	waitFor(t, 10*time.Second, func() bool { return client.Stats().QueuedMessages == 0 }, "queue never flushed")
	waitFor(t, 5*time.Second, func() bool { return inserts.Load() == 1 }, "flushed message never came back on the feed")

	rows, err := svc.Messages(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(rows) != 1 || rows[0].Content != "parked until reconnect" {
		t.Fatalf("store rows = %+v, want the queued message", rows)
	}
}

// TestE2E_SnapshotSeedThenLive reads history over the snapshot REST API and
// then receives a live event on the same resource, the tail command's flow.
func TestE2E_SnapshotSeedThenLive(t *testing.T) {
	SkipIfShort(t)
	ctx := NewTestContext(t, 30*time.Second)

	svc, bus := newStack(t)
	srv := startGateway(t, testGatewayConfig("127.0.0.1:0"), svc, bus)

	sess, err := svc.OpenSession(ctx, 7, 1)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.PostMessage(ctx, sess.ID, domain.SenderAgent, fmt.Sprintf("history %d", i)); err != nil {
			t.Fatalf("post: %v", err)
		}
	}

	sc := snapshot.NewClient(config.SnapshotConfig{BaseURL: "http://" + srv.BoundAddr()}, testLogger())
	seed, err := sc.Fetch(ctx, realtime.ResourceChatMessages, fmt.Sprintf("session_id=eq.%d", sess.ID))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(seed) != 3 {
		t.Fatalf("snapshot rows = %d, want 3", len(seed))
	}

	client, err := realtime.New(clientConfig(srv.BoundAddr()), realtime.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer client.Close()

	var live atomic.Int32
	realtime.SubscribeChatMessages(client, sess.ID, realtime.RowHandler[realtime.ChatMessage]{
		OnAppend: func(realtime.ChatMessage) { live.Add(1) },
	})

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return client.State() == realtime.StateConnected }, "client never connected")

	if _, err := svc.PostMessage(ctx, sess.ID, domain.SenderAgent, "live"); err != nil {
		t.Fatalf("post live: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return live.Load() == 1 }, "live event never arrived")
}

// TestE2E_RedisBusFanout runs two gateways on separate redis buses and
// checks an event published through one comes out of the other.
func TestE2E_RedisBusFanout(t *testing.T) {
	SkipIfShort(t)
	itCfg := LoadConfig()
	SkipIfNoRedis(t, itCfg.RedisAddr)
	ctx := NewTestContext(t, itCfg.TestTimeout)

	log := testLogger()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "redis-e2e.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	redisCfg := config.RedisConfig{Addr: itCfg.RedisAddr}
	busA, err := pubsub.NewRedisBus(ctx, redisCfg, 64, log)
	if err != nil {
		t.Fatalf("redis bus A: %v", err)
	}
	t.Cleanup(func() { busA.Close() })
	busB, err := pubsub.NewRedisBus(ctx, redisCfg, 64, log)
	if err != nil {
		t.Fatalf("redis bus B: %v", err)
	}
	t.Cleanup(func() { busB.Close() })

	svcA := chat.NewService(st, feed.NewEmitter(busA, log), log)
	svcB := chat.NewService(st, feed.NewEmitter(busB, log), log)

	srvA := startGateway(t, testGatewayConfig("127.0.0.1:0"), svcA, busA)
	srvB := startGateway(t, testGatewayConfig("127.0.0.1:0"), svcB, busB)

	sess, err := svcA.OpenSession(ctx, 7, 1)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	// Observer hangs off gateway B; the publish goes in through gateway A.
	obs, err := realtime.New(clientConfig(srvB.BoundAddr()), realtime.WithLogger(log))
	if err != nil {
		t.Fatalf("observer: %v", err)
	}
	defer obs.Close()

	var got atomic.Pointer[realtime.ChatMessage]
	realtime.SubscribeChatMessages(obs, sess.ID, realtime.RowHandler[realtime.ChatMessage]{
		OnAppend: func(m realtime.ChatMessage) { got.Store(&m) },
	})
	if err := obs.Connect(ctx); err != nil {
		t.Fatalf("observer connect: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return obs.State() == realtime.StateConnected }, "observer never connected")

	pub, err := realtime.New(clientConfig(srvA.BoundAddr()), realtime.WithLogger(log))
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	defer pub.Close()
	if err := pub.Connect(ctx); err != nil {
		t.Fatalf("publisher connect: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return pub.State() == realtime.StateConnected }, "publisher never connected")

	msg := struct {
		SessionID int64  `json:"session_id"`
		Content   string `json:"content"`
	}{sess.ID, "across the bus"}
	if err := pub.SendMessage(msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return got.Load() != nil }, "event never crossed the redis bus")
	if m := got.Load(); m.Content != "across the bus" {
		t.Fatalf("observer got %+v", *m)
	}
}

// TestE2E_ExternalGateway holds a heartbeat against a deployed gateway. A
// missing pong inside HeartbeatTimeout would tear the link down, so staying
// connected across several intervals proves the round trip.
func TestE2E_ExternalGateway(t *testing.T) {
	itCfg := LoadConfig()
	if itCfg.GatewayURL == "" {
		t.Skip("Skipping external gateway test: CHATWIRE_TEST_GATEWAY_URL not set")
	}
	ctx := NewTestContext(t, itCfg.TestTimeout)

	cfg := realtime.DefaultConfig(itCfg.GatewayURL, os.Getenv("CHATWIRE_TEST_GATEWAY_TOKEN"))
	cfg.HeartbeatInterval = 500 * time.Millisecond
	cfg.HeartbeatTimeout = 2 * time.Second

	client, err := realtime.New(cfg)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return client.State() == realtime.StateConnected }, "client never connected")

	time.Sleep(2 * time.Second)

	stats := client.Stats()
	if stats.ConnectionState != realtime.StateConnected || stats.ReconnectAttempts != 0 {
		t.Fatalf("link did not hold: %+v", stats)
	}
}
