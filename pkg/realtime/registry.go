package realtime

import (
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ChangeHandler receives change events matching a subscription.
type ChangeHandler func(ChangeEvent)

// Subscription is a live registration in the registry. It stays active until
// Unsubscribe is called; Unsubscribe is idempotent.
type Subscription struct {
	id       string
	resource string
	events   []EventType
	filter   rowFilter
	filtered bool
	handler  ChangeHandler

	once   sync.Once
	remove func(id string)
}

// ID returns the subscription's unique handle.
func (s *Subscription) ID() string { return s.id }

// Unsubscribe removes the subscription from its registry. Calling it again
// does nothing. A dispatch already in flight may still deliver its current
// event to this subscription; later events are never delivered.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.remove(s.id) })
}

func (s *Subscription) matches(ev ChangeEvent) bool {
	if s.resource != ev.Resource {
		return false
	}
	if len(s.events) > 0 && !slices.Contains(s.events, ev.Type) {
		return false
	}
	if !s.filtered {
		return true
	}
	return s.filter.matches(ev)
}

// registry multiplexes change events over any number of subscriptions.
// Dispatch walks subscriptions in registration order and invokes matching
// handlers synchronously; a panicking handler is logged and skipped without
// disturbing the rest.
type registry struct {
	mu     sync.RWMutex
	subs   []*Subscription
	logger *slog.Logger
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{logger: logger}
}

// Subscribe registers handler for events on resource. An empty events slice
// matches every event type; an empty filter matches every row. The
// registration is visible to Dispatch before Subscribe returns.
func (r *registry) Subscribe(resource string, events []EventType, filter string, handler ChangeHandler) *Subscription {
	sub := &Subscription{
		id:       newID(),
		resource: resource,
		events:   slices.Clone(events),
		handler:  handler,
		remove:   r.removeByID,
	}
	if filter != "" {
		f, ok := parseFilter(filter)
		if !ok {
			r.logger.Warn("unparseable subscription filter, subscription will never match",
				"resource", resource,
				"filter", filter,
			)
		}
		sub.filter = f
		sub.filtered = true
	}

	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
	return sub
}

func (r *registry) removeByID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.id == id {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

// Dispatch delivers ev to every matching subscription, in registration
// order, on the calling goroutine. The subscription list is snapshotted at
// entry, so handlers may unsubscribe freely during delivery.
func (r *registry) Dispatch(ev ChangeEvent) {
	r.mu.RLock()
	subs := make([]*Subscription, len(r.subs))
	copy(subs, r.subs)
	r.mu.RUnlock()

	for _, sub := range subs {
		if !sub.matches(ev) {
			continue
		}
		r.invoke(sub, ev)
	}
}

func (r *registry) invoke(sub *Subscription, ev ChangeEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("subscription handler panicked",
				"subscription", sub.id,
				"resource", sub.resource,
				"event_type", string(ev.Type),
				"panic", rec,
			)
		}
	}()
	sub.handler(ev)
}

// Len returns the number of live subscriptions.
func (r *registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func newID() string {
	now := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}
