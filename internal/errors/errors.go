package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a gateway error for logging and metrics.
type Kind string

const (
	KindMissingToken      Kind = "missing_token"
	KindInvalidToken      Kind = "invalid_token"
	KindTokenExpired      Kind = "token_expired"
	KindTokenRevoked      Kind = "token_revoked"
	KindSessionMismatch   Kind = "session_mismatch"
	KindSessionIdle       Kind = "session_idle"
	KindPermissionDenied  Kind = "permission_denied"
	KindRouteNotFound     Kind = "route_not_found"
	KindMethodNotAllowed  Kind = "method_not_allowed"
	KindPayloadTooLarge   Kind = "payload_too_large"
	KindRateLimitExceeded Kind = "rate_limit_exceeded"
	KindBadRequest        Kind = "bad_request"
	KindInternal          Kind = "internal"
	KindBadGateway        Kind = "bad_gateway"
	KindGatewayTimeout    Kind = "gateway_timeout"
	KindUnavailable       Kind = "service_unavailable"
)

// GatewayError is an error that can be returned to clients. Code and Message
// are client-safe; the wrapped cause is internal-only and never serialized.
type GatewayError struct {
	Kind       Kind
	Status     int
	Code       string
	Message    string
	RetryAfter int // seconds; 0 = no Retry-After header
	Allow      []string
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.underlying)
	}
	return e.Code + ": " + e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// Common errors. These singletons are immutable; the With* helpers derive
// request-specific copies.
var (
	ErrMissingToken = &GatewayError{
		Kind: KindMissingToken, Status: http.StatusUnauthorized,
		Code: "invalid_token", Message: "Authentication required",
	}

	ErrInvalidToken = &GatewayError{
		Kind: KindInvalidToken, Status: http.StatusUnauthorized,
		Code: "invalid_token", Message: "Invalid authentication token",
	}

	ErrTokenExpired = &GatewayError{
		Kind: KindTokenExpired, Status: http.StatusUnauthorized,
		Code: "token_expired", Message: "Authentication token has expired",
	}

	ErrTokenRevoked = &GatewayError{
		Kind: KindTokenRevoked, Status: http.StatusUnauthorized,
		Code: "invalid_token", Message: "Authentication token is no longer valid",
	}

	ErrSessionMismatch = &GatewayError{
		Kind: KindSessionMismatch, Status: http.StatusUnauthorized,
		Code: "invalid_token", Message: "Session does not match this client",
	}

	ErrSessionIdle = &GatewayError{
		Kind: KindSessionIdle, Status: http.StatusUnauthorized,
		Code: "token_expired", Message: "Session idle timeout exceeded",
	}

	ErrForbidden = &GatewayError{
		Kind: KindPermissionDenied, Status: http.StatusForbidden,
		Code: "forbidden", Message: "Insufficient permissions",
	}

	ErrNotFound = &GatewayError{
		Kind: KindRouteNotFound, Status: http.StatusNotFound,
		Code: "not_found", Message: "No route matches the request",
	}

	ErrMethodNotAllowed = &GatewayError{
		Kind: KindMethodNotAllowed, Status: http.StatusMethodNotAllowed,
		Code: "method_not_allowed", Message: "Method not allowed for this route",
	}

	ErrPayloadTooLarge = &GatewayError{
		Kind: KindPayloadTooLarge, Status: http.StatusRequestEntityTooLarge,
		Code: "payload_too_large", Message: "Request body exceeds the configured limit",
	}

	ErrRateLimited = &GatewayError{
		Kind: KindRateLimitExceeded, Status: http.StatusTooManyRequests,
		Code: "rate_limit_exceeded", Message: "Rate limit exceeded",
	}

	ErrBadRequest = &GatewayError{
		Kind: KindBadRequest, Status: http.StatusBadRequest,
		Code: "bad_request", Message: "Malformed request",
	}

	ErrInternal = &GatewayError{
		Kind: KindInternal, Status: http.StatusInternalServerError,
		Code: "internal_error", Message: "Internal server error",
	}

	ErrBadGateway = &GatewayError{
		Kind: KindBadGateway, Status: http.StatusBadGateway,
		Code: "bad_gateway", Message: "Upstream request failed",
	}

	ErrGatewayTimeout = &GatewayError{
		Kind: KindGatewayTimeout, Status: http.StatusGatewayTimeout,
		Code: "gateway_timeout", Message: "Upstream did not respond in time",
	}

	ErrServiceUnavailable = &GatewayError{
		Kind: KindUnavailable, Status: http.StatusServiceUnavailable,
		Code: "service_unavailable", Message: "Service temporarily unavailable",
	}
)

// New creates a new GatewayError.
func New(kind Kind, status int, code, message string) *GatewayError {
	return &GatewayError{Kind: kind, Status: status, Code: code, Message: message}
}

// Wrap attaches an internal cause to a copy of e.
func (e *GatewayError) Wrap(err error) *GatewayError {
	c := *e
	c.underlying = err
	return &c
}

// WithRetryAfter returns a copy of e carrying a Retry-After value in seconds.
func (e *GatewayError) WithRetryAfter(seconds int) *GatewayError {
	if seconds < 1 {
		seconds = 1
	}
	c := *e
	c.RetryAfter = seconds
	return &c
}

// WithAllow returns a copy of e carrying the Allow header methods.
func (e *GatewayError) WithAllow(methods []string) *GatewayError {
	c := *e
	c.Allow = methods
	return &c
}

// envelope is the client-visible error body.
type envelope struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id"`
	Timestamp     string `json:"timestamp"`
}

// WriteJSON writes the error as JSON to the response, echoing the correlation
// id in both the body and the X-Request-ID header.
func (e *GatewayError) WriteJSON(w http.ResponseWriter, correlationID string) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	if correlationID != "" {
		h.Set("X-Request-ID", correlationID)
	}
	if e.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	if len(e.Allow) > 0 {
		h.Set("Allow", strings.Join(e.Allow, ", "))
	}
	w.WriteHeader(e.Status)
	json.NewEncoder(w).Encode(envelope{
		Error:         e.Code,
		Message:       e.Message,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}

// AsGatewayError unwraps err into a *GatewayError, wrapping unknown errors as
// internal.
func AsGatewayError(err error) *GatewayError {
	if ge, ok := err.(*GatewayError); ok {
		return ge
	}
	return ErrInternal.Wrap(err)
}
