package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"chatwire/internal/domain"
	"chatwire/pkg/realtime"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureBus records published payloads in order.
type captureBus struct {
	mu       sync.Mutex
	payloads [][]byte
	pubErr   error
}

func (b *captureBus) Publish(_ context.Context, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubErr != nil {
		return b.pubErr
	}
	b.payloads = append(b.payloads, payload)
	return nil
}

func (b *captureBus) Subscribe(context.Context) (<-chan []byte, func(), error) {
	return nil, nil, errors.New("not implemented")
}

func (b *captureBus) Close() error { return nil }

func (b *captureBus) last(t *testing.T) realtime.ChangeEvent {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.payloads) == 0 {
		t.Fatal("no events published")
	}
	var ev realtime.ChangeEvent
	if err := json.Unmarshal(b.payloads[len(b.payloads)-1], &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return ev
}

func TestEmitterInsert(t *testing.T) {
	bus := &captureBus{}
	em := NewEmitter(bus, newTestLogger())

	msg := realtime.ChatMessage{ID: 12, SessionID: 4, Sender: domain.SenderVisitor, Content: "hello"}
	if err := em.Insert(context.Background(), realtime.ResourceChatMessages, msg); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	ev := bus.last(t)
	if ev.Type != realtime.EventInsert {
		t.Errorf("Type = %q, want INSERT", ev.Type)
	}
	if ev.Resource != realtime.ResourceChatMessages {
		t.Errorf("Resource = %q, want chat_messages", ev.Resource)
	}
	if len(ev.ID) != 26 {
		t.Errorf("ID = %q, want a 26-char ULID", ev.ID)
	}
	if ev.Old != nil {
		t.Errorf("INSERT should not carry an old row, got %s", ev.Old)
	}
	if ev.CommitTime.IsZero() || time.Since(ev.CommitTime) > 5*time.Second {
		t.Errorf("CommitTime = %v, want recent", ev.CommitTime)
	}

	var got realtime.ChatMessage
	if err := json.Unmarshal(ev.Row(), &got); err != nil {
		t.Fatalf("unmarshal row: %v", err)
	}
	if got.ID != 12 || got.Content != "hello" {
		t.Errorf("row = %+v", got)
	}
}

func TestEmitterUpdate(t *testing.T) {
	bus := &captureBus{}
	em := NewEmitter(bus, newTestLogger())

	oldSess := realtime.ChatSession{ID: 3, Status: domain.SessionActive}
	newSess := realtime.ChatSession{ID: 3, Status: domain.SessionClosed}
	if err := em.Update(context.Background(), realtime.ResourceChatSessions, newSess, oldSess); err != nil {
		t.Fatalf("Update: %v", err)
	}

	ev := bus.last(t)
	if ev.Type != realtime.EventUpdate {
		t.Errorf("Type = %q, want UPDATE", ev.Type)
	}
	if ev.New == nil || ev.Old == nil {
		t.Fatalf("UPDATE should carry both rows: new=%s old=%s", ev.New, ev.Old)
	}

	var after realtime.ChatSession
	if err := json.Unmarshal(ev.Row(), &after); err != nil {
		t.Fatalf("unmarshal row: %v", err)
	}
	if after.Status != domain.SessionClosed {
		t.Errorf("Row() should be the new row, got status %q", after.Status)
	}
}

func TestEmitterDelete(t *testing.T) {
	bus := &captureBus{}
	em := NewEmitter(bus, newTestLogger())

	cfg := realtime.WidgetConfig{ID: 8, Name: "gone"}
	if err := em.Delete(context.Background(), realtime.ResourceWidgetConfigs, cfg); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	ev := bus.last(t)
	if ev.Type != realtime.EventDelete {
		t.Errorf("Type = %q, want DELETE", ev.Type)
	}
	if ev.New != nil {
		t.Errorf("DELETE should not carry a new row, got %s", ev.New)
	}

	var got realtime.WidgetConfig
	if err := json.Unmarshal(ev.Row(), &got); err != nil {
		t.Fatalf("unmarshal row: %v", err)
	}
	if got.Name != "gone" {
		t.Errorf("Row() should be the old row, got %+v", got)
	}
}

func TestEmitterUniqueIDs(t *testing.T) {
	bus := &captureBus{}
	em := NewEmitter(bus, newTestLogger())

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		if err := em.Insert(context.Background(), realtime.ResourceNotifications, realtime.Notification{ID: int64(i)}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		ev := bus.last(t)
		if seen[ev.ID] {
			t.Fatalf("duplicate event ID %q", ev.ID)
		}
		seen[ev.ID] = true
	}
}

func TestEmitterPublishError(t *testing.T) {
	bus := &captureBus{pubErr: domain.ErrBusClosed}
	em := NewEmitter(bus, newTestLogger())

	err := em.Insert(context.Background(), realtime.ResourceChatMessages, realtime.ChatMessage{})
	if !errors.Is(err, domain.ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}
