package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatwire/internal/domain"
	"chatwire/internal/infra/config"
	"chatwire/pkg/realtime"
)

func newTestClient(baseURL string, breaker config.BreakerConfig) *Client {
	return NewClient(config.SnapshotConfig{
		BaseURL: baseURL,
		Timeout: 2 * time.Second,
		Breaker: breaker,
	}, slog.Default())
}

func TestFetchReturnsRows(t *testing.T) {
	var gotPath, gotFilter string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotFilter = r.URL.Query().Get("filter")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":1,"session_id":9,"sender":"visitor","content":"hi","created_at":"2026-01-02T03:04:05Z"}]`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, config.BreakerConfig{})
	rows, err := c.Fetch(context.Background(), realtime.ResourceChatMessages, "session_id=eq.9")

	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "/api/v1/chat_messages", gotPath)
	assert.Equal(t, "session_id=eq.9", gotFilter)

	var msg realtime.ChatMessage
	require.NoError(t, json.Unmarshal(rows[0], &msg))
	assert.Equal(t, int64(1), msg.ID)
	assert.Equal(t, "hi", msg.Content)
}

func TestFetchNoFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, config.BreakerConfig{})
	rows, err := c.Fetch(context.Background(), realtime.ResourceNotifications, "")

	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestFetchAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, config.BreakerConfig{})
	_, err := c.Fetch(context.Background(), realtime.ResourceChatSessions, "")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "API error 500")
}

func TestFetchInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"not":"an array"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, config.BreakerConfig{})
	_, err := c.Fetch(context.Background(), realtime.ResourceChatMessages, "")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal response")
}

func TestFetchBreakerOpensAfterFailures(t *testing.T) {
	callCount := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		callCount++
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, config.BreakerConfig{
		MaxFailures: 3,
		Timeout:     5 * time.Second,
		Interval:    60 * time.Second,
	})

	// First 3 calls go through and fail.
	for i := 0; i < 3; i++ {
		_, err := c.Fetch(context.Background(), realtime.ResourceChatMessages, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "API error 502")
	}
	assert.Equal(t, 3, callCount)
	assert.Equal(t, gobreaker.StateOpen, c.State())

	// Next call fails fast without reaching the server.
	_, err := c.Fetch(context.Background(), realtime.ResourceChatMessages, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSnapshotUnavailable))
	assert.Equal(t, 3, callCount, "server should not be called when circuit is open")
	assert.Equal(t, domain.CodeSnapshotUnavailable, domain.ErrorCodeOf(err))
}

func TestFetchTrimsTrailingSlash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/widget_configs", r.URL.Path)
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL+"/", config.BreakerConfig{})
	_, err := c.Fetch(context.Background(), realtime.ResourceWidgetConfigs, "")
	require.NoError(t, err)
}
