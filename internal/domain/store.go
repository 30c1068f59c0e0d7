package domain

import (
	"context"
	"time"

	"chatwire/pkg/realtime"
)

// Chat session lifecycle states.
const (
	SessionActive = "active"
	SessionClosed = "closed"
)

// Message sender roles.
const (
	SenderVisitor = "visitor"
	SenderAgent   = "agent"
	SenderSystem  = "system"
)

// Store is the persistence boundary for chat data. Row types are shared
// with the client SDK so change events and snapshot responses carry the
// same shapes the server persists.
//
// Mutating methods return the row as written, including generated IDs and
// server-side timestamps, so callers can emit change events without a
// second read.
type Store interface {
	// Sessions.
	CreateSession(ctx context.Context, userID, widgetID int64) (realtime.ChatSession, error)
	SessionByID(ctx context.Context, id int64) (realtime.ChatSession, error)
	SessionsByUser(ctx context.Context, userID int64) ([]realtime.ChatSession, error)
	// UpdateSessionStatus moves a session between SessionActive and
	// SessionClosed and bumps its UpdatedAt. Returns ErrSessionNotFound
	// if no row matches.
	UpdateSessionStatus(ctx context.Context, id int64, status string) (realtime.ChatSession, error)
	// TouchSession bumps UpdatedAt without changing status.
	TouchSession(ctx context.Context, id int64) (realtime.ChatSession, error)

	// Messages.
	AppendMessage(ctx context.Context, sessionID int64, sender, content string) (realtime.ChatMessage, error)
	MessagesBySession(ctx context.Context, sessionID int64, limit int) ([]realtime.ChatMessage, error)
	DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Widget configs.
	UpsertWidgetConfig(ctx context.Context, cfg realtime.WidgetConfig) (realtime.WidgetConfig, error)
	WidgetConfigByID(ctx context.Context, id int64) (realtime.WidgetConfig, error)
	WidgetConfigsByUser(ctx context.Context, userID int64) ([]realtime.WidgetConfig, error)
	DeleteWidgetConfig(ctx context.Context, id int64) (realtime.WidgetConfig, error)

	// Notifications.
	CreateNotification(ctx context.Context, n realtime.Notification) (realtime.Notification, error)
	MarkNotificationRead(ctx context.Context, id int64) (realtime.Notification, error)
	NotificationsByUser(ctx context.Context, userID int64, unreadOnly bool) ([]realtime.Notification, error)
	DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
