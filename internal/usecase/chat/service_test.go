package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"chatwire/internal/domain"
	"chatwire/internal/usecase/feed"
	"chatwire/pkg/realtime"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureBus records published change events in order.
type captureBus struct {
	mu     sync.Mutex
	events []realtime.ChangeEvent
	pubErr error
}

func (b *captureBus) Publish(_ context.Context, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubErr != nil {
		return b.pubErr
	}
	var ev realtime.ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	b.events = append(b.events, ev)
	return nil
}

func (b *captureBus) Subscribe(context.Context) (<-chan []byte, func(), error) {
	return nil, nil, errors.New("not implemented")
}

func (b *captureBus) Close() error { return nil }

func (b *captureBus) all() []realtime.ChangeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]realtime.ChangeEvent(nil), b.events...)
}

// fakeStore is an in-memory domain.Store covering what the service touches.
type fakeStore struct {
	mu            sync.Mutex
	sessions      map[int64]realtime.ChatSession
	messages      []realtime.ChatMessage
	widgets       map[int64]realtime.WidgetConfig
	notifications map[int64]realtime.Notification
	nextID        int64

	appendErr error
	touchErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:      make(map[int64]realtime.ChatSession),
		widgets:       make(map[int64]realtime.WidgetConfig),
		notifications: make(map[int64]realtime.Notification),
	}
}

func (f *fakeStore) id() int64 { f.nextID++; return f.nextID }

func (f *fakeStore) CreateSession(_ context.Context, userID, widgetID int64) (realtime.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	sess := realtime.ChatSession{
		ID: f.id(), UserID: userID, WidgetID: widgetID,
		Status: domain.SessionActive, CreatedAt: now, UpdatedAt: now,
	}
	f.sessions[sess.ID] = sess
	return sess, nil
}

func (f *fakeStore) SessionByID(_ context.Context, id int64) (realtime.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return realtime.ChatSession{}, domain.ErrSessionNotFound
	}
	return sess, nil
}

func (f *fakeStore) SessionsByUser(context.Context, int64) ([]realtime.ChatSession, error) {
	return nil, nil
}

func (f *fakeStore) UpdateSessionStatus(_ context.Context, id int64, status string) (realtime.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return realtime.ChatSession{}, domain.ErrSessionNotFound
	}
	sess.Status = status
	sess.UpdatedAt = time.Now().UTC()
	f.sessions[id] = sess
	return sess, nil
}

func (f *fakeStore) TouchSession(_ context.Context, id int64) (realtime.ChatSession, error) {
	if f.touchErr != nil {
		return realtime.ChatSession{}, f.touchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return realtime.ChatSession{}, domain.ErrSessionNotFound
	}
	sess.UpdatedAt = time.Now().UTC()
	f.sessions[id] = sess
	return sess, nil
}

func (f *fakeStore) AppendMessage(_ context.Context, sessionID int64, sender, content string) (realtime.ChatMessage, error) {
	if f.appendErr != nil {
		return realtime.ChatMessage{}, f.appendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := realtime.ChatMessage{
		ID: f.id(), SessionID: sessionID, Sender: sender, Content: content,
		CreatedAt: time.Now().UTC(),
	}
	f.messages = append(f.messages, msg)
	return msg, nil
}

func (f *fakeStore) MessagesBySession(context.Context, int64, int) ([]realtime.ChatMessage, error) {
	return nil, nil
}

func (f *fakeStore) DeleteMessagesBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (f *fakeStore) UpsertWidgetConfig(_ context.Context, cfg realtime.WidgetConfig) (realtime.WidgetConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cfg.ID == 0 {
		cfg.ID = f.id()
	}
	cfg.UpdatedAt = time.Now().UTC()
	f.widgets[cfg.ID] = cfg
	return cfg, nil
}

func (f *fakeStore) WidgetConfigByID(_ context.Context, id int64) (realtime.WidgetConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.widgets[id]
	if !ok {
		return realtime.WidgetConfig{}, domain.ErrWidgetNotFound
	}
	return cfg, nil
}

func (f *fakeStore) WidgetConfigsByUser(context.Context, int64) ([]realtime.WidgetConfig, error) {
	return nil, nil
}

func (f *fakeStore) DeleteWidgetConfig(_ context.Context, id int64) (realtime.WidgetConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.widgets[id]
	if !ok {
		return realtime.WidgetConfig{}, domain.ErrWidgetNotFound
	}
	delete(f.widgets, id)
	return cfg, nil
}

func (f *fakeStore) CreateNotification(_ context.Context, n realtime.Notification) (realtime.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n.ID = f.id()
	n.CreatedAt = time.Now().UTC()
	f.notifications[n.ID] = n
	return n, nil
}

func (f *fakeStore) MarkNotificationRead(_ context.Context, id int64) (realtime.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notifications[id]
	if !ok {
		return realtime.Notification{}, domain.ErrNotificationNotFound
	}
	n.Read = true
	f.notifications[id] = n
	return n, nil
}

func (f *fakeStore) NotificationsByUser(context.Context, int64, bool) ([]realtime.Notification, error) {
	return nil, nil
}

func (f *fakeStore) DeleteNotificationsBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStore) Close() error { return nil }

func newTestService() (*Service, *fakeStore, *captureBus) {
	store := newFakeStore()
	bus := &captureBus{}
	logger := newTestLogger()
	return NewService(store, feed.NewEmitter(bus, logger), logger), store, bus
}

// --- tests ---

func TestOpenSessionEmitsInsert(t *testing.T) {
	svc, _, bus := newTestService()

	sess, err := svc.OpenSession(context.Background(), 42, 7)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if sess.Status != domain.SessionActive {
		t.Errorf("status = %q, want active", sess.Status)
	}

	events := bus.all()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Type != realtime.EventInsert || events[0].Resource != realtime.ResourceChatSessions {
		t.Errorf("event = %s %s", events[0].Type, events[0].Resource)
	}

	var row realtime.ChatSession
	if err := json.Unmarshal(events[0].New, &row); err != nil {
		t.Fatalf("decode new row: %v", err)
	}
	if row.ID != sess.ID || row.UserID != 42 {
		t.Errorf("row = %+v", row)
	}
}

func TestPostMessageEmitsInsertThenSessionUpdate(t *testing.T) {
	svc, _, bus := newTestService()
	ctx := context.Background()

	sess, err := svc.OpenSession(ctx, 1, 1)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	msg, err := svc.PostMessage(ctx, sess.ID, domain.SenderVisitor, "  hello there ")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if msg.Content != "hello there" {
		t.Errorf("content = %q, want trimmed", msg.Content)
	}

	events := bus.all()
	if len(events) != 3 { // session insert, message insert, session update
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[1].Type != realtime.EventInsert || events[1].Resource != realtime.ResourceChatMessages {
		t.Errorf("second event = %s %s", events[1].Type, events[1].Resource)
	}
	if events[2].Type != realtime.EventUpdate || events[2].Resource != realtime.ResourceChatSessions {
		t.Errorf("third event = %s %s", events[2].Type, events[2].Resource)
	}
	if len(events[2].Old) == 0 {
		t.Error("session update should carry the old row")
	}
}

func TestPostMessageValidation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	sess, _ := svc.OpenSession(ctx, 1, 1)

	cases := []struct {
		name    string
		sender  string
		content string
	}{
		{"unknown sender", "robot", "hi"},
		{"empty content", domain.SenderVisitor, "   "},
		{"oversized content", domain.SenderVisitor, strings.Repeat("x", maxContentBytes+1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.PostMessage(ctx, sess.ID, tc.sender, tc.content)
			if err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestPostMessageErrorCodes(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	sess, _ := svc.OpenSession(ctx, 1, 1)

	_, err := svc.PostMessage(ctx, sess.ID, "robot", "hi")
	if got := domain.ErrorCodeOf(err); got != domain.CodePayloadInvalid {
		t.Errorf("code = %s, want PAYLOAD_INVALID", got)
	}

	_, err = svc.PostMessage(ctx, sess.ID, domain.SenderVisitor, strings.Repeat("x", maxContentBytes+1))
	if got := domain.ErrorCodeOf(err); got != domain.CodePayloadTooLarge {
		t.Errorf("code = %s, want PAYLOAD_TOO_LARGE", got)
	}
}

func TestPostMessageUnknownSession(t *testing.T) {
	svc, _, bus := newTestService()

	_, err := svc.PostMessage(context.Background(), 999, domain.SenderVisitor, "hi")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
	if len(bus.all()) != 0 {
		t.Error("no events should be emitted for a rejected message")
	}
}

func TestPostMessageClosedSession(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	sess, _ := svc.OpenSession(ctx, 1, 1)
	if _, err := svc.CloseSession(ctx, sess.ID); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	_, err := svc.PostMessage(ctx, sess.ID, domain.SenderVisitor, "hi")
	if !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}
}

func TestPostMessageSurvivesTouchFailure(t *testing.T) {
	svc, store, bus := newTestService()
	ctx := context.Background()

	sess, _ := svc.OpenSession(ctx, 1, 1)
	store.touchErr = errors.New("disk full")

	msg, err := svc.PostMessage(ctx, sess.ID, domain.SenderVisitor, "hi")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if msg.ID == 0 {
		t.Error("message should be stored")
	}

	events := bus.all()
	if len(events) != 2 { // session insert + message insert, no session update
		t.Fatalf("events = %d, want 2", len(events))
	}
}

func TestCloseSessionEmitsUpdateWithOldRow(t *testing.T) {
	svc, _, bus := newTestService()
	ctx := context.Background()

	sess, _ := svc.OpenSession(ctx, 1, 1)
	closed, err := svc.CloseSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if closed.Status != domain.SessionClosed {
		t.Errorf("status = %q, want closed", closed.Status)
	}

	events := bus.all()
	last := events[len(events)-1]
	if last.Type != realtime.EventUpdate {
		t.Fatalf("last event = %s, want UPDATE", last.Type)
	}

	var old realtime.ChatSession
	if err := json.Unmarshal(last.Old, &old); err != nil {
		t.Fatalf("decode old row: %v", err)
	}
	if old.Status != domain.SessionActive {
		t.Errorf("old status = %q, want active", old.Status)
	}
}

func TestSaveWidgetConfigInsertThenUpdate(t *testing.T) {
	svc, _, bus := newTestService()
	ctx := context.Background()

	cfg, err := svc.SaveWidgetConfig(ctx, realtime.WidgetConfig{UserID: 42, Name: "support", Theme: "light"})
	if err != nil {
		t.Fatalf("SaveWidgetConfig: %v", err)
	}

	cfg.Theme = "dark"
	if _, err := svc.SaveWidgetConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveWidgetConfig update: %v", err)
	}

	events := bus.all()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Type != realtime.EventInsert {
		t.Errorf("first event = %s, want INSERT", events[0].Type)
	}
	if events[1].Type != realtime.EventUpdate {
		t.Errorf("second event = %s, want UPDATE", events[1].Type)
	}

	var old realtime.WidgetConfig
	if err := json.Unmarshal(events[1].Old, &old); err != nil {
		t.Fatalf("decode old row: %v", err)
	}
	if old.Theme != "light" {
		t.Errorf("old theme = %q, want light", old.Theme)
	}
}

func TestRemoveWidgetConfigEmitsDelete(t *testing.T) {
	svc, _, bus := newTestService()
	ctx := context.Background()

	cfg, _ := svc.SaveWidgetConfig(ctx, realtime.WidgetConfig{UserID: 42, Name: "support"})
	removed, err := svc.RemoveWidgetConfig(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("RemoveWidgetConfig: %v", err)
	}
	if removed.ID != cfg.ID {
		t.Errorf("removed ID = %d, want %d", removed.ID, cfg.ID)
	}

	events := bus.all()
	last := events[len(events)-1]
	if last.Type != realtime.EventDelete {
		t.Fatalf("last event = %s, want DELETE", last.Type)
	}
	if len(last.New) != 0 {
		t.Error("delete event should carry no new row")
	}
	if len(last.Old) == 0 {
		t.Error("delete event should carry the old row")
	}
}

func TestRemoveWidgetConfigMissing(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.RemoveWidgetConfig(context.Background(), 404)
	if !errors.Is(err, domain.ErrWidgetNotFound) {
		t.Errorf("err = %v, want ErrWidgetNotFound", err)
	}
}

func TestNotifyAndMarkRead(t *testing.T) {
	svc, _, bus := newTestService()
	ctx := context.Background()

	n, err := svc.Notify(ctx, realtime.Notification{UserID: 42, Kind: "message", Title: "New chat"})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	read, err := svc.MarkNotificationRead(ctx, n.ID)
	if err != nil {
		t.Fatalf("MarkNotificationRead: %v", err)
	}
	if !read.Read {
		t.Error("notification should be read")
	}

	events := bus.all()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Type != realtime.EventInsert || events[0].Resource != realtime.ResourceNotifications {
		t.Errorf("first event = %s %s", events[0].Type, events[0].Resource)
	}
	if events[1].Type != realtime.EventUpdate {
		t.Errorf("second event = %s, want UPDATE", events[1].Type)
	}
}

func TestPostMessageBusFailureStillStores(t *testing.T) {
	svc, store, bus := newTestService()
	ctx := context.Background()

	sess, _ := svc.OpenSession(ctx, 1, 1)
	bus.pubErr = domain.ErrBusClosed

	msg, err := svc.PostMessage(ctx, sess.ID, domain.SenderVisitor, "hi")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if msg.ID == 0 {
		t.Error("message should be stored despite bus failure")
	}
	if len(store.messages) != 1 {
		t.Errorf("stored messages = %d, want 1", len(store.messages))
	}
}
