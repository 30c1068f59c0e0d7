package realtime

import (
	"encoding/json"
	"log/slog"
	"testing"
)

func newTestRegistry() *registry {
	return newRegistry(slog.Default())
}

func messageInsert(sessionID int) ChangeEvent {
	row, _ := json.Marshal(map[string]any{"id": 1, "session_id": sessionID, "content": "hi"})
	return ChangeEvent{Type: EventInsert, Resource: ResourceChatMessages, New: row}
}

func TestRegistryDispatchMatching(t *testing.T) {
	r := newTestRegistry()

	var hits []string
	r.Subscribe(ResourceChatMessages, []EventType{EventInsert}, "", func(ev ChangeEvent) {
		hits = append(hits, "messages")
	})
	r.Subscribe(ResourceChatSessions, []EventType{EventInsert}, "", func(ev ChangeEvent) {
		hits = append(hits, "sessions")
	})
	r.Subscribe(ResourceChatMessages, []EventType{EventDelete}, "", func(ev ChangeEvent) {
		hits = append(hits, "deletes")
	})

	r.Dispatch(messageInsert(1))

	if len(hits) != 1 || hits[0] != "messages" {
		t.Fatalf("hits = %v, want [messages]", hits)
	}
}

func TestRegistryDispatchFilter(t *testing.T) {
	r := newTestRegistry()

	var got int
	r.Subscribe(ResourceChatMessages, []EventType{EventInsert}, "session_id=eq.7", func(ChangeEvent) {
		got++
	})

	r.Dispatch(messageInsert(7))
	r.Dispatch(messageInsert(8))
	r.Dispatch(messageInsert(7))

	if got != 2 {
		t.Fatalf("got %d deliveries, want 2", got)
	}
}

func TestRegistryDispatchOrder(t *testing.T) {
	r := newTestRegistry()

	var order []int
	for i := 1; i <= 5; i++ {
		i := i
		r.Subscribe(ResourceChatMessages, nil, "", func(ChangeEvent) {
			order = append(order, i)
		})
	}

	r.Dispatch(messageInsert(1))

	for i, v := range order {
		if v != i+1 {
			t.Fatalf("order = %v, want registration order", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("len(order) = %d, want 5", len(order))
	}
}

func TestRegistryUnsubscribeIdempotent(t *testing.T) {
	r := newTestRegistry()

	var got int
	sub := r.Subscribe(ResourceChatMessages, nil, "", func(ChangeEvent) { got++ })

	r.Dispatch(messageInsert(1))
	sub.Unsubscribe()
	sub.Unsubscribe() // second call is a no-op
	r.Dispatch(messageInsert(1))

	if got != 1 {
		t.Fatalf("got %d deliveries, want 1", got)
	}
	if r.Len() != 0 {
		t.Fatalf("registry still holds %d subscriptions", r.Len())
	}
}

func TestRegistryPanicIsolation(t *testing.T) {
	r := newTestRegistry()

	var got int
	r.Subscribe(ResourceChatMessages, nil, "", func(ChangeEvent) { panic("handler bug") })
	r.Subscribe(ResourceChatMessages, nil, "", func(ChangeEvent) { got++ })

	r.Dispatch(messageInsert(1))

	if got != 1 {
		t.Fatalf("second handler got %d deliveries, want 1", got)
	}
}

func TestRegistryUnsubscribeDuringDispatch(t *testing.T) {
	r := newTestRegistry()

	var first, second int
	var subA *Subscription
	subA = r.Subscribe(ResourceChatMessages, nil, "", func(ChangeEvent) {
		first++
		subA.Unsubscribe()
	})
	r.Subscribe(ResourceChatMessages, nil, "", func(ChangeEvent) { second++ })

	r.Dispatch(messageInsert(1))
	r.Dispatch(messageInsert(1))

	if first != 1 {
		t.Fatalf("self-removing handler fired %d times, want 1", first)
	}
	if second != 2 {
		t.Fatalf("remaining handler fired %d times, want 2", second)
	}
}

func TestRegistryVisibleImmediately(t *testing.T) {
	r := newTestRegistry()

	var got int
	r.Subscribe(ResourceChatMessages, nil, "", func(ChangeEvent) { got++ })
	r.Dispatch(messageInsert(1))

	if got != 1 {
		t.Fatal("subscription was not visible to the next dispatch")
	}
}

func TestRegistryEmptyEventsMatchesAll(t *testing.T) {
	r := newTestRegistry()

	var got []EventType
	r.Subscribe(ResourceChatMessages, nil, "", func(ev ChangeEvent) {
		got = append(got, ev.Type)
	})

	row := json.RawMessage(`{"id":1,"session_id":1}`)
	r.Dispatch(ChangeEvent{Type: EventInsert, Resource: ResourceChatMessages, New: row})
	r.Dispatch(ChangeEvent{Type: EventUpdate, Resource: ResourceChatMessages, New: row})
	r.Dispatch(ChangeEvent{Type: EventDelete, Resource: ResourceChatMessages, Old: row})

	if len(got) != 3 {
		t.Fatalf("got %v, want all three event types", got)
	}
}

func TestRegistrySubscriptionIDsUnique(t *testing.T) {
	r := newTestRegistry()
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		sub := r.Subscribe(ResourceChatMessages, nil, "", func(ChangeEvent) {})
		if seen[sub.ID()] {
			t.Fatalf("duplicate subscription id %s", sub.ID())
		}
		seen[sub.ID()] = true
	}
}
