package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Chat.PostMessage", ErrSessionNotFound, "session 42")
	want := "Chat.PostMessage: session 42: chat session not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Store.SessionByID", ErrSessionClosed, "")
	want := "Store.SessionByID: chat session closed"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Gateway.Publish", ErrPayloadInvalid, "missing content")
	assert.True(t, errors.Is(err, ErrPayloadInvalid))

	var de *DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "Gateway.Publish", de.Op)
}

// --- ErrorCodeOf tests ---

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeSessionNotFound, ErrorCodeOf(ErrSessionNotFound))
	assert.Equal(t, CodeRateLimited, ErrorCodeOf(ErrRateLimited))
	assert.Equal(t, CodeBusClosed, ErrorCodeOf(ErrBusClosed))
}

func TestErrorCodeOf_DomainError(t *testing.T) {
	err := NewDomainError("Store.WidgetConfigsByUser", ErrWidgetNotFound, "user 7")
	assert.Equal(t, CodeWidgetNotFound, ErrorCodeOf(err))
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	err := fmt.Errorf("handling frame: %w", ErrPayloadTooLarge)
	assert.Equal(t, CodePayloadTooLarge, ErrorCodeOf(err))
}

func TestErrorCodeOf_Unknown(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("something else")))
}

func TestErrorCodeOf_Nil(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestAllSentinelsHaveCodes(t *testing.T) {
	for sentinel, code := range errorCodeMap {
		assert.NotEmpty(t, code, "sentinel %v has empty code", sentinel)
		assert.NotEqual(t, CodeUnknown, code, "sentinel %v maps to CodeUnknown", sentinel)
	}
}

// --- NewSubSystemError tests ---

func TestNewSubSystemError_Format(t *testing.T) {
	err := NewSubSystemError("snapshot", "Fetch", ErrUnavailable, "GET /api/v1/chat_sessions")
	assert.Equal(t, "Fetch: GET /api/v1/chat_sessions: unavailable", err.Error())
	assert.Equal(t, "snapshot", err.SubSystem)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

// --- Auth sentinel merge tests ---

func TestAuthSentinel_GatewayWrapsAuthFailed(t *testing.T) {
	// ErrGatewayAuthFailed wraps ErrAuthFailed.
	assert.True(t, errors.Is(ErrGatewayAuthFailed, ErrAuthFailed))
	// Direct identity still works.
	assert.True(t, errors.Is(ErrGatewayAuthFailed, ErrGatewayAuthFailed))
	// ErrorCodeOf still maps to the specific code.
	assert.Equal(t, CodeGatewayAuth, ErrorCodeOf(ErrGatewayAuthFailed))
}

// --- SubSystem-aware ErrorCodeOf tests ---

func TestErrorCodeOf_SubSystemNotFound(t *testing.T) {
	err := NewSubSystemError("session", "Get", ErrNotFound, "id 42")
	assert.Equal(t, CodeSessionNotFound, ErrorCodeOf(err))

	err = NewSubSystemError("widget", "Get", ErrNotFound, "id 9")
	assert.Equal(t, CodeWidgetNotFound, ErrorCodeOf(err))

	err = NewSubSystemError("notification", "Get", ErrNotFound, "id 3")
	assert.Equal(t, CodeNotificationNotFound, ErrorCodeOf(err))
}

func TestErrorCodeOf_SubSystemLimit(t *testing.T) {
	err := NewSubSystemError("gateway", "Publish", ErrLimitReached, "conn 01ABC")
	assert.Equal(t, CodeRateLimited, ErrorCodeOf(err))

	err = NewSubSystemError("payload", "Publish", ErrLimitReached, "2048 bytes")
	assert.Equal(t, CodePayloadTooLarge, ErrorCodeOf(err))
}

func TestErrorCodeOf_SubSystemUnavailable(t *testing.T) {
	err := NewSubSystemError("snapshot", "Fetch", ErrUnavailable, "")
	assert.Equal(t, CodeSnapshotUnavailable, ErrorCodeOf(err))

	err = NewSubSystemError("pubsub", "Publish", ErrUnavailable, "")
	assert.Equal(t, CodeBusClosed, ErrorCodeOf(err))
}

func TestErrorCodeOf_SubSystemFallback(t *testing.T) {
	// Unknown subsystem falls back to the category code.
	err := NewSubSystemError("mystery", "Get", ErrNotFound, "")
	assert.Equal(t, CodeNotFound, ErrorCodeOf(err))

	// Subsystem set but category has no subsystem map at all.
	err = NewSubSystemError("gateway", "Check", ErrPermissionDenied, "")
	assert.Equal(t, CodePermissionDenied, ErrorCodeOf(err))
}

func TestDomainError_CodeMethod(t *testing.T) {
	err := NewSubSystemError("session", "Get", ErrNotFound, "")
	assert.Equal(t, CodeSessionNotFound, err.Code())

	plain := NewDomainError("Get", ErrSessionClosed, "")
	assert.Equal(t, CodeSessionClosed, plain.Code())

	unknown := NewDomainError("Get", fmt.Errorf("odd"), "")
	assert.Equal(t, CodeUnknown, unknown.Code())
}

// --- WrapOp tests ---

func TestWrapOp_Nil(t *testing.T) {
	assert.NoError(t, WrapOp("Store.Close", nil))
}

func TestWrapOp_Format(t *testing.T) {
	err := WrapOp("Feed.Emit", ErrBusClosed)
	require.Error(t, err)
	assert.Equal(t, "Feed.Emit: event bus closed", err.Error())
	assert.True(t, errors.Is(err, ErrBusClosed))
	assert.Equal(t, CodeBusClosed, ErrorCodeOf(err))
}

func TestWrapOp_Chain(t *testing.T) {
	inner := NewSubSystemError("widget", "Get", ErrNotFound, "id 12")
	err := WrapOp("API.Status", inner)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, CodeWidgetNotFound, ErrorCodeOf(err))
}

// --- IsRetryableError tests ---

func TestIsRetryableError_Retryable(t *testing.T) {
	assert.True(t, IsRetryableError(ErrTimeout))
	assert.True(t, IsRetryableError(ErrUnavailable))
	assert.True(t, IsRetryableError(ErrRateLimited))
	assert.True(t, IsRetryableError(NewSubSystemError("snapshot", "Fetch", ErrUnavailable, "")))
	assert.True(t, IsRetryableError(fmt.Errorf("fetch: %w", ErrTimeout)))
}

func TestIsRetryableError_NotRetryable(t *testing.T) {
	assert.False(t, IsRetryableError(ErrSessionNotFound))
	assert.False(t, IsRetryableError(ErrAuthFailed))
	assert.False(t, IsRetryableError(fmt.Errorf("random error")))
}

func TestIsRetryableError_Nil(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
}
