package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(n int) OutboundEnvelope {
	return OutboundEnvelope{
		Payload:    json.RawMessage(fmt.Sprintf(`{"n":%d}`, n)),
		EnqueuedAt: time.Now(),
	}
}

func TestMessageQueue_FIFO(t *testing.T) {
	q := newMessageQueue(10)
	for i := 1; i <= 3; i++ {
		q.Enqueue(env(i))
	}
	assert.Equal(t, 3, q.Len())

	var got []string
	sent, err := q.Flush(func(e OutboundEnvelope) error {
		got = append(got, string(e.Payload))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, sent)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, got)
	assert.Equal(t, 0, q.Len())
}

func TestMessageQueue_OverflowDropsOldest(t *testing.T) {
	q := newMessageQueue(3)
	for i := 1; i <= 5; i++ {
		evicted := q.Enqueue(env(i))
		assert.Equal(t, i > 3, evicted, "enqueue %d", i)
	}
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, uint64(2), q.Dropped())

	// The three most recent entries survive, still in order.
	var got []string
	_, err := q.Flush(func(e OutboundEnvelope) error {
		got = append(got, string(e.Payload))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"n":3}`, `{"n":4}`, `{"n":5}`}, got)
}

func TestMessageQueue_FlushStopsOnFirstFailure(t *testing.T) {
	q := newMessageQueue(10)
	for i := 1; i <= 4; i++ {
		q.Enqueue(env(i))
	}

	boom := errors.New("socket gone")
	var got []string
	sent, err := q.Flush(func(e OutboundEnvelope) error {
		if len(got) == 2 {
			return boom
		}
		got = append(got, string(e.Payload))
		return nil
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, sent)

	// The failed entry stays at the head along with everything behind it.
	assert.Equal(t, 2, q.Len())
	var rest []string
	_, err = q.Flush(func(e OutboundEnvelope) error {
		rest = append(rest, string(e.Payload))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"n":3}`, `{"n":4}`}, rest)
}

func TestMessageQueue_FlushEmpty(t *testing.T) {
	q := newMessageQueue(3)
	sent, err := q.Flush(func(OutboundEnvelope) error {
		t.Fatal("send must not run on an empty queue")
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestMessageQueue_EnqueueDuringFlush(t *testing.T) {
	q := newMessageQueue(10)
	q.Enqueue(env(1))

	var got []string
	_, err := q.Flush(func(e OutboundEnvelope) error {
		got = append(got, string(e.Payload))
		if len(got) == 1 {
			q.Enqueue(env(2)) // arrives behind the in-flight entry
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, got)
}
