// Package feed turns store mutations into change events on the bus and
// prunes aged rows on a schedule.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"chatwire/internal/domain"
	"chatwire/pkg/realtime"
)

// Emitter publishes change events describing row mutations. Every event
// carries a ULID so consumers can de-duplicate and a UTC commit timestamp.
type Emitter struct {
	bus    domain.Bus
	logger *slog.Logger
}

// NewEmitter creates an emitter publishing to bus.
func NewEmitter(bus domain.Bus, logger *slog.Logger) *Emitter {
	return &Emitter{bus: bus, logger: logger}
}

// Insert publishes an INSERT event carrying the new row.
func (e *Emitter) Insert(ctx context.Context, resource string, row any) error {
	return e.emit(ctx, realtime.EventInsert, resource, row, nil)
}

// Update publishes an UPDATE event carrying the row after and before the
// change.
func (e *Emitter) Update(ctx context.Context, resource string, newRow, oldRow any) error {
	return e.emit(ctx, realtime.EventUpdate, resource, newRow, oldRow)
}

// Delete publishes a DELETE event carrying the removed row.
func (e *Emitter) Delete(ctx context.Context, resource string, oldRow any) error {
	return e.emit(ctx, realtime.EventDelete, resource, nil, oldRow)
}

func (e *Emitter) emit(ctx context.Context, typ realtime.EventType, resource string, newRow, oldRow any) error {
	ev := realtime.ChangeEvent{
		ID:         newEventID(),
		Type:       typ,
		Resource:   resource,
		CommitTime: time.Now().UTC(),
	}

	var err error
	if newRow != nil {
		if ev.New, err = json.Marshal(newRow); err != nil {
			return fmt.Errorf("feed: marshal new row: %w", err)
		}
	}
	if oldRow != nil {
		if ev.Old, err = json.Marshal(oldRow); err != nil {
			return fmt.Errorf("feed: marshal old row: %w", err)
		}
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("feed: marshal event: %w", err)
	}
	if err := e.bus.Publish(ctx, payload); err != nil {
		return domain.WrapOp("Feed.Emit", err)
	}

	e.logger.Debug("change event published",
		"id", ev.ID,
		"resource", resource,
		"event_type", string(typ),
	)
	return nil
}

func newEventID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
