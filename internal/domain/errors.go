package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError when the subsystem matters
// for the monitoring code, or directly when it does not.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrUnavailable      = fmt.Errorf("unavailable")
)

// Sentinel errors for the domain layer.
var (
	ErrSessionNotFound      = fmt.Errorf("chat session not found")
	ErrSessionClosed        = fmt.Errorf("chat session closed")
	ErrWidgetNotFound       = fmt.Errorf("widget config not found")
	ErrNotificationNotFound = fmt.Errorf("notification not found")
	ErrConfigLoad           = fmt.Errorf("failed to load configuration")

	// Gateway errors.
	ErrAuthFailed        = fmt.Errorf("authentication failed")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthFailed)
	ErrPayloadInvalid    = fmt.Errorf("message payload invalid")
	ErrPayloadTooLarge   = fmt.Errorf("message payload too large")
	ErrRateLimited       = fmt.Errorf("rate limit exceeded")

	// Feed / pubsub errors.
	ErrBusClosed = fmt.Errorf("event bus closed")

	// Snapshot service errors.
	ErrSnapshotUnavailable = fmt.Errorf("snapshot service unavailable")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Chat.PostMessage")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "gateway", "snapshot"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for
// ErrorCode dispatch. Use this with category sentinels (ErrNotFound,
// ErrUnavailable, ...) so ErrorCodeOf can map the combination to a specific
// code.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed
// on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code.
const (
	CodeUnknown ErrorCode = "UNKNOWN"

	CodeSessionNotFound      ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionClosed        ErrorCode = "SESSION_CLOSED"
	CodeWidgetNotFound       ErrorCode = "WIDGET_NOT_FOUND"
	CodeNotificationNotFound ErrorCode = "NOTIFICATION_NOT_FOUND"
	CodeConfigLoad           ErrorCode = "CONFIG_LOAD"
	CodeAuthFailed           ErrorCode = "AUTH_FAILED"
	CodeGatewayAuth          ErrorCode = "GATEWAY_AUTH"
	CodePayloadInvalid       ErrorCode = "PAYLOAD_INVALID"
	CodePayloadTooLarge      ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeRateLimited          ErrorCode = "RATE_LIMITED"
	CodeBusClosed            ErrorCode = "BUS_CLOSED"
	CodeSnapshotUnavailable  ErrorCode = "SNAPSHOT_UNAVAILABLE"

	// Category error codes, used when no subsystem-specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	// Category sentinels (fallback codes).
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrInvalidInput:     CodeInvalidInput,
	ErrUnavailable:      CodeUnavailable,

	// Specific sentinels.
	ErrSessionNotFound:      CodeSessionNotFound,
	ErrSessionClosed:        CodeSessionClosed,
	ErrWidgetNotFound:       CodeWidgetNotFound,
	ErrNotificationNotFound: CodeNotificationNotFound,
	ErrConfigLoad:           CodeConfigLoad,
	ErrAuthFailed:           CodeAuthFailed,
	ErrGatewayAuthFailed:    CodeGatewayAuth,
	ErrPayloadInvalid:       CodePayloadInvalid,
	ErrPayloadTooLarge:      CodePayloadTooLarge,
	ErrRateLimited:          CodeRateLimited,
	ErrBusClosed:            CodeBusClosed,
	ErrSnapshotUnavailable:  CodeSnapshotUnavailable,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific
// ErrorCodes, so NewSubSystemError-based errors resolve to the same
// monitoring codes as the specific sentinels.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"session":      CodeSessionNotFound,
		"widget":       CodeWidgetNotFound,
		"notification": CodeNotificationNotFound,
	},
	ErrLimitReached: {
		"gateway": CodeRateLimited,
		"payload": CodePayloadTooLarge,
	},
	ErrInvalidInput: {
		"payload": CodePayloadInvalid,
	},
	ErrUnavailable: {
		"snapshot": CodeSnapshotUnavailable,
		"pubsub":   CodeBusClosed,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors. For
// DomainErrors with a SubSystem, the subSystemCodeMap resolves category
// sentinels to specific codes. Returns CodeUnknown if nothing matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if de.SubSystem != "" {
			if subsysMap, ok := subSystemCodeMap[de.Err]; ok {
				if code, ok := subsysMap[de.SubSystem]; ok {
					return code
				}
			}
		}
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, the subSystemCodeMap is consulted first.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
