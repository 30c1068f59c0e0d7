package realtime

import (
	"encoding/json"
	"fmt"
)

// RowHandler receives typed row lifecycle callbacks from a facade
// subscription. Inserts append, updates replace, deletes remove. Nil
// callbacks are skipped.
type RowHandler[T any] struct {
	OnAppend  func(T)
	OnReplace func(T)
	OnRemove  func(T)
}

// allEvents is what the facades subscribe with; the translation switch
// below handles each member.
var allEvents = []EventType{EventInsert, EventUpdate, EventDelete}

func subscribeRows[T any](c *Client, resource, filter string, h RowHandler[T]) *Subscription {
	return c.Subscribe(resource, allEvents, filter, func(ev ChangeEvent) {
		var row T
		if err := json.Unmarshal(ev.Row(), &row); err != nil {
			c.logger.Warn("dropping undecodable row",
				"resource", resource,
				"event_type", string(ev.Type),
				"error", err,
			)
			return
		}
		switch ev.Type {
		case EventInsert:
			if h.OnAppend != nil {
				h.OnAppend(row)
			}
		case EventUpdate:
			if h.OnReplace != nil {
				h.OnReplace(row)
			}
		case EventDelete:
			if h.OnRemove != nil {
				h.OnRemove(row)
			}
		}
	})
}

// SubscribeChatMessages delivers message changes for one chat session.
func SubscribeChatMessages(c *Client, sessionID int64, h RowHandler[ChatMessage]) *Subscription {
	return subscribeRows(c, ResourceChatMessages, fmt.Sprintf("session_id=eq.%d", sessionID), h)
}

// SubscribeChatSession delivers changes to a single chat session row.
func SubscribeChatSession(c *Client, sessionID int64, h RowHandler[ChatSession]) *Subscription {
	return subscribeRows(c, ResourceChatSessions, fmt.Sprintf("id=eq.%d", sessionID), h)
}

// SubscribeWidgetConfigs delivers widget config changes owned by one user.
func SubscribeWidgetConfigs(c *Client, userID int64, h RowHandler[WidgetConfig]) *Subscription {
	return subscribeRows(c, ResourceWidgetConfigs, fmt.Sprintf("user_id=eq.%d", userID), h)
}

// SubscribeNotifications delivers notification changes addressed to one user.
func SubscribeNotifications(c *Client, userID int64, h RowHandler[Notification]) *Subscription {
	return subscribeRows(c, ResourceNotifications, fmt.Sprintf("user_id=eq.%d", userID), h)
}
