package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"chatwire/internal/domain"
	"chatwire/pkg/realtime"
)

// snapshotMaxRows caps one snapshot response.
const snapshotMaxRows = 500

// snapshotHandler serves GET /api/v1/{resource}: the REST side that the
// snapshot client seeds from. The filter query parameter uses the same
// column=eq.value grammar as subscription filters; each resource supports
// the columns its store queries can serve.
func (s *Server) snapshotHandler(resource string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		col, val, err := parseSnapshotFilter(r.URL.Query().Get("filter"))
		if err != nil {
			writeSnapshotError(w, http.StatusBadRequest, err)
			return
		}

		rows, err := s.snapshotRows(r.Context(), resource, col, val)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, domain.ErrInvalidInput) {
				status = http.StatusBadRequest
			}
			s.logger.Warn("snapshot query failed", "resource", resource, "error", err)
			writeSnapshotError(w, status, err)
			return
		}

		raw, err := json.Marshal(rows)
		if err != nil {
			writeSnapshotError(w, http.StatusInternalServerError, err)
			return
		}
		// A nil slice marshals to null; a snapshot is always an array.
		if string(raw) == "null" {
			raw = []byte("[]")
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(raw)
	}
}

// snapshotRows translates a parsed filter into the matching store query. An
// id filter with no matching row yields an empty set, not an error: a
// snapshot of nothing is still a snapshot.
func (s *Server) snapshotRows(ctx context.Context, resource, col, val string) (any, error) {
	if col == "" {
		return nil, domain.NewSubSystemError("payload", "Gateway.Snapshot", domain.ErrInvalidInput,
			"snapshot of "+resource+" requires a filter")
	}

	badFilter := func() error {
		return domain.NewSubSystemError("payload", "Gateway.Snapshot", domain.ErrInvalidInput,
			fmt.Sprintf("resource %s cannot be filtered by %s=eq.%s", resource, col, val))
	}

	// Every supported filter column is an integer key.
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return nil, badFilter()
	}

	switch resource {
	case realtime.ResourceChatSessions:
		switch col {
		case "id":
			sess, err := s.chat.Session(ctx, id)
			if errors.Is(err, domain.ErrSessionNotFound) {
				return []realtime.ChatSession{}, nil
			}
			if err != nil {
				return nil, err
			}
			return []realtime.ChatSession{sess}, nil
		case "user_id":
			return s.chat.SessionsForUser(ctx, id)
		}

	case realtime.ResourceChatMessages:
		if col == "session_id" {
			return s.chat.Messages(ctx, id, snapshotMaxRows)
		}

	case realtime.ResourceWidgetConfigs:
		switch col {
		case "id":
			cfg, err := s.chat.WidgetConfig(ctx, id)
			if errors.Is(err, domain.ErrWidgetNotFound) {
				return []realtime.WidgetConfig{}, nil
			}
			if err != nil {
				return nil, err
			}
			return []realtime.WidgetConfig{cfg}, nil
		case "user_id":
			return s.chat.WidgetConfigsForUser(ctx, id)
		}

	case realtime.ResourceNotifications:
		if col == "user_id" {
			return s.chat.Notifications(ctx, id, false)
		}
	}

	return nil, badFilter()
}

// parseSnapshotFilter parses the column=eq.value grammar. Empty input is
// valid and means no filter.
func parseSnapshotFilter(raw string) (col, val string, err error) {
	if raw == "" {
		return "", "", nil
	}
	col, rest, ok := strings.Cut(raw, "=")
	if !ok || col == "" || !strings.HasPrefix(rest, "eq.") {
		return "", "", domain.NewSubSystemError("payload", "Gateway.Snapshot",
			domain.ErrInvalidInput, "filter must be column=eq.value")
	}
	return col, strings.TrimPrefix(rest, "eq."), nil
}

func writeSnapshotError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  string(domain.ErrorCodeOf(err)),
	})
}
