package realtime

import "sync"

// messageQueue is a bounded FIFO for outbound envelopes created while no
// usable connection exists. When full, the oldest entry is evicted to make
// room, so the queue always holds the most recent max entries.
type messageQueue struct {
	mu      sync.Mutex
	items   []OutboundEnvelope
	max     int
	dropped uint64
}

func newMessageQueue(max int) *messageQueue {
	return &messageQueue{max: max}
}

// Enqueue appends env. Reports whether an older entry was evicted to make
// room.
func (q *messageQueue) Enqueue(env OutboundEnvelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if len(q.items) >= q.max {
		q.items = q.items[1:]
		q.dropped++
		evicted = true
	}
	q.items = append(q.items, env)
	return evicted
}

// Flush drains the queue head to tail through send, stopping at the first
// error. The entry that failed stays at the head along with everything
// behind it. Returns the number of entries sent and the error that stopped
// the drain, if any.
//
// send runs outside the queue lock so concurrent enqueues are never blocked
// on network writes. Callers must not run two flushes concurrently.
func (q *messageQueue) Flush(send func(OutboundEnvelope) error) (int, error) {
	sent := 0
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return sent, nil
		}
		head := q.items[0]
		q.mu.Unlock()

		if err := send(head); err != nil {
			return sent, err
		}

		q.mu.Lock()
		q.items = q.items[1:]
		q.mu.Unlock()
		sent++
	}
}

// Len returns the number of queued entries.
func (q *messageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many entries overflow has evicted since creation.
func (q *messageQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
