package realtime

import (
	"encoding/json"
	"time"
)

// FrameType discriminates wire frames exchanged with the gateway.
type FrameType string

const (
	FrameChatMessage FrameType = "chat_message"
	FramePing        FrameType = "ping"
	FramePong        FrameType = "pong"
	FrameChangeEvent FrameType = "change_event"
	FrameError       FrameType = "error"
)

// Frame is the JSON envelope for every message on the wire. Type is always
// set; the other fields depend on it. Ping and pong carry SentAt (epoch
// milliseconds) so the sender can measure round-trip latency.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  int64           `json:"sent_at,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// EventType classifies a row mutation.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Resource names published on the change feed.
const (
	ResourceChatMessages  = "chat_messages"
	ResourceChatSessions  = "chat_sessions"
	ResourceWidgetConfigs = "widget_configs"
	ResourceNotifications = "notifications"
)

// ChangeEvent describes a single row mutation on a resource. New carries the
// row after an INSERT or UPDATE; Old carries the row before a DELETE (and,
// when the producer has it, before an UPDATE).
type ChangeEvent struct {
	ID         string          `json:"id,omitempty"`
	Type       EventType       `json:"event_type"`
	Resource   string          `json:"resource"`
	New        json.RawMessage `json:"new,omitempty"`
	Old        json.RawMessage `json:"old,omitempty"`
	CommitTime time.Time       `json:"commit_timestamp"`
}

// Row returns the event's representative row: New for inserts and updates,
// Old for deletes.
func (ev ChangeEvent) Row() json.RawMessage {
	if ev.Type == EventDelete {
		return ev.Old
	}
	return ev.New
}

// OutboundEnvelope is a payload waiting in the send queue. Payload is
// marshaled when the envelope is created, so queued entries never change
// after enqueue.
type OutboundEnvelope struct {
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// InboundEnvelope is a parsed inbound frame handed to the message handler.
type InboundEnvelope struct {
	Type       FrameType       `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Stats is a point-in-time snapshot of a client's health counters.
type Stats struct {
	ConnectionState      ConnectionState `json:"connection_state"`
	QueuedMessages       int             `json:"queued_messages"`
	ReconnectAttempts    int             `json:"reconnect_attempts"`
	MaxReconnectAttempts int             `json:"max_reconnect_attempts"`
	MessageRatePerMinute int             `json:"message_rate_per_minute"`
	LatencyMillis        int64           `json:"latency_ms"`
}

// ChatMessage is a single message within a chat session.
type ChatMessage struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatSession is one visitor conversation attached to a widget.
type ChatSession struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	WidgetID  int64     `json:"widget_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WidgetConfig is the embeddable widget configuration owned by a user.
type WidgetConfig struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Name      string          `json:"name"`
	Theme     string          `json:"theme"`
	Settings  json.RawMessage `json:"settings,omitempty"`
	Active    bool            `json:"active"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Notification is an in-app notification addressed to a user.
type Notification struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}
