// Package chat validates and persists chat traffic and emits the matching
// change events. It is the only writer of chat rows; the gateway and CLI
// never touch the store directly.
package chat

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"chatwire/internal/domain"
	"chatwire/internal/infra/tracer"
	"chatwire/internal/usecase/feed"
	"chatwire/pkg/realtime"
)

// maxContentBytes bounds a single message body. The gateway additionally
// bounds the whole frame, so this only catches oversized content smuggled
// inside an otherwise small frame.
const maxContentBytes = 8 * 1024

// Service owns chat mutations: each write goes to the store and, once
// durable, out on the change feed. Feed emission is best effort: a failed
// publish is logged, never rolled back, because subscribers recover missed
// events from REST snapshots.
type Service struct {
	store  domain.Store
	feed   *feed.Emitter
	logger *slog.Logger
}

// NewService wires the chat service to its store and change feed.
func NewService(store domain.Store, emitter *feed.Emitter, logger *slog.Logger) *Service {
	return &Service{store: store, feed: emitter, logger: logger}
}

// OpenSession creates an active session for a visitor on a widget and emits
// its INSERT event.
func (s *Service) OpenSession(ctx context.Context, userID, widgetID int64) (realtime.ChatSession, error) {
	sess, err := s.store.CreateSession(ctx, userID, widgetID)
	if err != nil {
		return realtime.ChatSession{}, domain.WrapOp("Chat.OpenSession", err)
	}
	s.emitInsert(ctx, realtime.ResourceChatSessions, sess)
	return sess, nil
}

// CloseSession marks a session closed and emits the UPDATE carrying both
// the closed row and the row as it was before.
func (s *Service) CloseSession(ctx context.Context, id int64) (realtime.ChatSession, error) {
	before, err := s.store.SessionByID(ctx, id)
	if err != nil {
		return realtime.ChatSession{}, domain.WrapOp("Chat.CloseSession", err)
	}
	sess, err := s.store.UpdateSessionStatus(ctx, id, domain.SessionClosed)
	if err != nil {
		return realtime.ChatSession{}, domain.WrapOp("Chat.CloseSession", err)
	}
	s.emitUpdate(ctx, realtime.ResourceChatSessions, sess, before)
	return sess, nil
}

// PostMessage validates and stores one message, bumps the session's
// activity, and emits the message INSERT followed by the session UPDATE.
// Posting to a closed session fails with ErrSessionClosed.
func (s *Service) PostMessage(ctx context.Context, sessionID int64, sender, content string) (realtime.ChatMessage, error) {
	ctx, span := tracer.StartSpan(ctx, "chat.post_message",
		trace.WithAttributes(
			tracer.Int64Attr("session.id", sessionID),
			tracer.StringAttr("message.sender", sender),
		),
	)
	defer span.End()

	if err := validateMessage(sender, content); err != nil {
		tracer.RecordError(span, err)
		return realtime.ChatMessage{}, err
	}

	before, err := s.store.SessionByID(ctx, sessionID)
	if err != nil {
		tracer.RecordError(span, err)
		return realtime.ChatMessage{}, domain.WrapOp("Chat.PostMessage", err)
	}
	if before.Status == domain.SessionClosed {
		err := domain.NewDomainError("Chat.PostMessage", domain.ErrSessionClosed, "")
		tracer.RecordError(span, err)
		return realtime.ChatMessage{}, err
	}

	msg, err := s.store.AppendMessage(ctx, sessionID, sender, strings.TrimSpace(content))
	if err != nil {
		tracer.RecordError(span, err)
		return realtime.ChatMessage{}, domain.WrapOp("Chat.PostMessage", err)
	}
	s.emitInsert(ctx, realtime.ResourceChatMessages, msg)

	touched, err := s.store.TouchSession(ctx, sessionID)
	if err != nil {
		// The message is durable and announced; a failed touch only stales
		// the session's updated_at.
		s.logger.Warn("touch session failed", "session_id", sessionID, "error", err)
		tracer.SetOK(span)
		return msg, nil
	}
	s.emitUpdate(ctx, realtime.ResourceChatSessions, touched, before)

	tracer.SetOK(span)
	return msg, nil
}

// SaveWidgetConfig inserts or updates a widget config and emits the
// corresponding INSERT or UPDATE event.
func (s *Service) SaveWidgetConfig(ctx context.Context, cfg realtime.WidgetConfig) (realtime.WidgetConfig, error) {
	var before *realtime.WidgetConfig
	if cfg.ID != 0 {
		prev, err := s.store.WidgetConfigByID(ctx, cfg.ID)
		if err == nil {
			before = &prev
		}
	}

	saved, err := s.store.UpsertWidgetConfig(ctx, cfg)
	if err != nil {
		return realtime.WidgetConfig{}, domain.WrapOp("Chat.SaveWidgetConfig", err)
	}
	if before != nil {
		s.emitUpdate(ctx, realtime.ResourceWidgetConfigs, saved, *before)
	} else {
		s.emitInsert(ctx, realtime.ResourceWidgetConfigs, saved)
	}
	return saved, nil
}

// RemoveWidgetConfig deletes a widget config and emits its DELETE event
// carrying the removed row.
func (s *Service) RemoveWidgetConfig(ctx context.Context, id int64) (realtime.WidgetConfig, error) {
	removed, err := s.store.DeleteWidgetConfig(ctx, id)
	if err != nil {
		return realtime.WidgetConfig{}, domain.WrapOp("Chat.RemoveWidgetConfig", err)
	}
	s.emitDelete(ctx, realtime.ResourceWidgetConfigs, removed)
	return removed, nil
}

// Notify stores a notification and emits its INSERT event.
func (s *Service) Notify(ctx context.Context, n realtime.Notification) (realtime.Notification, error) {
	created, err := s.store.CreateNotification(ctx, n)
	if err != nil {
		return realtime.Notification{}, domain.WrapOp("Chat.Notify", err)
	}
	s.emitInsert(ctx, realtime.ResourceNotifications, created)
	return created, nil
}

// MarkNotificationRead flags a notification read and emits the UPDATE. The
// event carries no old row: the store returns only the row as written.
func (s *Service) MarkNotificationRead(ctx context.Context, id int64) (realtime.Notification, error) {
	updated, err := s.store.MarkNotificationRead(ctx, id)
	if err != nil {
		return realtime.Notification{}, domain.WrapOp("Chat.MarkNotificationRead", err)
	}
	s.emitUpdate(ctx, realtime.ResourceNotifications, updated, nil)
	return updated, nil
}

// Read-side queries backing the gateway's snapshot endpoints. They pass
// straight through to the store; reads emit no events.

// Session returns one session by ID.
func (s *Service) Session(ctx context.Context, id int64) (realtime.ChatSession, error) {
	sess, err := s.store.SessionByID(ctx, id)
	if err != nil {
		return realtime.ChatSession{}, domain.WrapOp("Chat.Session", err)
	}
	return sess, nil
}

// SessionsForUser lists a user's sessions, most recent first.
func (s *Service) SessionsForUser(ctx context.Context, userID int64) ([]realtime.ChatSession, error) {
	sessions, err := s.store.SessionsByUser(ctx, userID)
	if err != nil {
		return nil, domain.WrapOp("Chat.SessionsForUser", err)
	}
	return sessions, nil
}

// Messages lists up to limit messages of a session in send order.
func (s *Service) Messages(ctx context.Context, sessionID int64, limit int) ([]realtime.ChatMessage, error) {
	msgs, err := s.store.MessagesBySession(ctx, sessionID, limit)
	if err != nil {
		return nil, domain.WrapOp("Chat.Messages", err)
	}
	return msgs, nil
}

// WidgetConfig returns one widget config by ID.
func (s *Service) WidgetConfig(ctx context.Context, id int64) (realtime.WidgetConfig, error) {
	cfg, err := s.store.WidgetConfigByID(ctx, id)
	if err != nil {
		return realtime.WidgetConfig{}, domain.WrapOp("Chat.WidgetConfig", err)
	}
	return cfg, nil
}

// WidgetConfigsForUser lists a user's widget configs.
func (s *Service) WidgetConfigsForUser(ctx context.Context, userID int64) ([]realtime.WidgetConfig, error) {
	cfgs, err := s.store.WidgetConfigsByUser(ctx, userID)
	if err != nil {
		return nil, domain.WrapOp("Chat.WidgetConfigsForUser", err)
	}
	return cfgs, nil
}

// Notifications lists a user's notifications, optionally unread only.
func (s *Service) Notifications(ctx context.Context, userID int64, unreadOnly bool) ([]realtime.Notification, error) {
	ns, err := s.store.NotificationsByUser(ctx, userID, unreadOnly)
	if err != nil {
		return nil, domain.WrapOp("Chat.Notifications", err)
	}
	return ns, nil
}

func validateMessage(sender, content string) error {
	switch sender {
	case domain.SenderVisitor, domain.SenderAgent, domain.SenderSystem:
	default:
		return domain.NewSubSystemError("payload", "Chat.PostMessage", domain.ErrInvalidInput,
			"unknown sender "+sender)
	}
	if strings.TrimSpace(content) == "" {
		return domain.NewSubSystemError("payload", "Chat.PostMessage", domain.ErrInvalidInput,
			"empty content")
	}
	if len(content) > maxContentBytes {
		return domain.NewSubSystemError("payload", "Chat.PostMessage", domain.ErrLimitReached,
			"content exceeds 8KiB")
	}
	return nil
}

func (s *Service) emitInsert(ctx context.Context, resource string, row any) {
	if err := s.feed.Insert(ctx, resource, row); err != nil {
		s.logger.Warn("change event lost", "resource", resource, "event_type", "INSERT", "error", err)
	}
}

func (s *Service) emitUpdate(ctx context.Context, resource string, newRow, oldRow any) {
	if err := s.feed.Update(ctx, resource, newRow, oldRow); err != nil {
		s.logger.Warn("change event lost", "resource", resource, "event_type", "UPDATE", "error", err)
	}
}

func (s *Service) emitDelete(ctx context.Context, resource string, oldRow any) {
	if err := s.feed.Delete(ctx, resource, oldRow); err != nil {
		s.logger.Warn("change event lost", "resource", resource, "event_type", "DELETE", "error", err)
	}
}
