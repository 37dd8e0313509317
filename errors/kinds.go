package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// BackendError is the base type for errors returned by a model backend.
type BackendError struct {
	Provider   string
	StatusCode int
	Message    string
	Cause      error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("[%s] %s (status=%d)", e.Provider, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s", e.Provider, e.Message)
}

func (e *BackendError) Unwrap() error { return e.Cause }

// BackendNetworkError covers connection failures, timeouts and 5xx responses.
// Retryable.
type BackendNetworkError struct{ BackendError }

// BackendAuthError covers 401/403 responses. Fatal for the session until
// credentials are fixed.
type BackendAuthError struct{ BackendError }

// BackendRateLimitError covers 429 responses. Retryable with backoff.
// RetryAfter is in seconds when the server supplied it.
type BackendRateLimitError struct {
	BackendError
	RetryAfter float64
}

// ToolExecutionError marks a tool that ran and failed. The orchestrator
// converts it into a failed tool result; the conversation continues.
type ToolExecutionError struct {
	Tool    string
	Message string
	Cause   error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
}

func (e *ToolExecutionError) Unwrap() error { return e.Cause }

// ToolPermissionDenied marks a tool invocation blocked by policy or by a
// declined interactive approval. The underlying action never ran.
type ToolPermissionDenied struct {
	Tool   string
	Reason string
}

func (e *ToolPermissionDenied) Error() string {
	return fmt.Sprintf("tool %s denied: %s", e.Tool, e.Reason)
}

// CapabilityTransportError marks a capability-server connection as broken.
// The affected server's tools become unavailable until reconnect.
type CapabilityTransportError struct {
	Server string
	Cause  error
}

func (e *CapabilityTransportError) Error() string {
	return fmt.Sprintf("capability server %s: transport failed: %v", e.Server, e.Cause)
}

func (e *CapabilityTransportError) Unwrap() error { return e.Cause }

// CapabilityNotSupported is returned when a call targets a capability the
// server did not declare at connect time.
type CapabilityNotSupported struct {
	Server     string
	Capability string
}

func (e *CapabilityNotSupported) Error() string {
	return fmt.Sprintf("capability server %s does not support %s", e.Server, e.Capability)
}

// SessionLogCorruption reports unparsable trailing records found while
// resuming a session. The loader skips them and surfaces this as a warning.
type SessionLogCorruption struct {
	SessionID string
	Line      int
	Cause     error
}

func (e *SessionLogCorruption) Error() string {
	return fmt.Sprintf("session %s: corrupt record at line %d: %v", e.SessionID, e.Line, e.Cause)
}

func (e *SessionLogCorruption) Unwrap() error { return e.Cause }

// FromStatusCode maps an HTTP status code from a backend to the matching
// error kind. Unknown statuses default to the retryable network kind.
func FromStatusCode(provider string, statusCode int, message string, cause error) error {
	be := BackendError{Provider: provider, StatusCode: statusCode, Message: message, Cause: cause}
	switch statusCode {
	case 401, 403:
		return &BackendAuthError{BackendError: be}
	case 429:
		return &BackendRateLimitError{BackendError: be}
	default:
		return &BackendNetworkError{BackendError: be}
	}
}

// FromTransport wraps a non-HTTP failure (dial, DNS, timeout, cancellation)
// as a backend network error.
func FromTransport(provider string, cause error) error {
	return &BackendNetworkError{BackendError: BackendError{
		Provider: provider,
		Message:  "request failed",
		Cause:    cause,
	}}
}

// IsRetryable reports whether the orchestrator may retry the operation that
// produced err. Auth failures and permission denials are never retryable;
// network and rate-limit failures are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var auth *BackendAuthError
	if errors.As(err, &auth) {
		return false
	}
	var denied *ToolPermissionDenied
	if errors.As(err, &denied) {
		return false
	}
	var rate *BackendRateLimitError
	if errors.As(err, &rate) {
		return true
	}
	var network *BackendNetworkError
	if errors.As(err, &network) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// As is re-exported so callers using this package do not also need the
// standard errors import.
func As(err error, target any) bool { return errors.As(err, target) }

// Is is re-exported alongside As.
func Is(err, target error) bool { return errors.Is(err, target) }
