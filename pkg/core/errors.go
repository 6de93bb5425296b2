package core

import (
	"errors"
	"fmt"
	"net/url"
)

// Error represents a session or gateway error.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`

	// Body carries the remote response body for diagnostics (for example a
	// rejected SDP offer).
	Body string `json:"body,omitempty"`

	RetryAfter *int `json:"retry_after,omitempty"`

	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Code != "" {
		msg = fmt.Sprintf("%s (code: %s)", msg, e.Code)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ErrorType categorizes errors.
type ErrorType string

// Session errors. All of them are terminal for the session that produced them.
const (
	ErrCredentialUnavailable     ErrorType = "credential_unavailable"
	ErrDeviceUnavailable         ErrorType = "device_unavailable"
	ErrNegotiationRejected       ErrorType = "negotiation_rejected"
	ErrChannelNotOpen            ErrorType = "channel_not_open"
	ErrChannelClosedUnexpectedly ErrorType = "channel_closed_unexpectedly"
)

// Caller and gateway errors.
const (
	ErrInvalidState   ErrorType = "invalid_state_error"
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
	ErrProvider       ErrorType = "provider_error"
)

// NewCredentialUnavailableError creates a credential_unavailable error.
func NewCredentialUnavailableError(message string, cause error) *Error {
	return &Error{Type: ErrCredentialUnavailable, Message: message, Cause: cause}
}

// NewDeviceUnavailableError creates a device_unavailable error.
func NewDeviceUnavailableError(message string, cause error) *Error {
	return &Error{Type: ErrDeviceUnavailable, Message: message, Cause: cause}
}

// NewNegotiationRejectedError creates a negotiation_rejected error. body is
// the signaling response body, kept verbatim for diagnostics.
func NewNegotiationRejectedError(message, body string, cause error) *Error {
	return &Error{Type: ErrNegotiationRejected, Message: message, Body: body, Cause: cause}
}

// NewChannelNotOpenError creates a channel_not_open error.
func NewChannelNotOpenError(message string) *Error {
	return &Error{Type: ErrChannelNotOpen, Message: message}
}

// NewChannelClosedError creates a channel_closed_unexpectedly error.
func NewChannelClosedError(message string, cause error) *Error {
	return &Error{Type: ErrChannelClosedUnexpectedly, Message: message, Cause: cause}
}

// NewInvalidStateError creates an invalid_state_error.
func NewInvalidStateError(message string) *Error {
	return &Error{Type: ErrInvalidState, Message: message}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{Type: ErrAuthentication, Message: message}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string, retryAfter int) *Error {
	return &Error{Type: ErrRateLimit, Message: message, RetryAfter: &retryAfter}
}

// NewAPIError creates a generic API error.
func NewAPIError(message string) *Error {
	return &Error{Type: ErrAPI, Message: message}
}

// NewProviderError creates a provider-specific error.
func NewProviderError(provider string, underlying error) *Error {
	return &Error{
		Type:    ErrProvider,
		Message: fmt.Sprintf("%s: %v", provider, underlying),
		Cause:   underlying,
	}
}

// TypeOf returns the ErrorType of the first *Error in err's chain, or "".
func TypeOf(err error) ErrorType {
	var coreErr *Error
	if errors.As(err, &coreErr) && coreErr != nil {
		return coreErr.Type
	}
	return ""
}

// IsType reports whether err's chain holds an *Error of type t.
func IsType(err error, t ErrorType) bool {
	return err != nil && TypeOf(err) == t
}

// Classify returns err unchanged when it already carries type t, otherwise
// wraps it in a new *Error of type t.
func Classify(err error, t ErrorType, message string) *Error {
	if err == nil {
		return nil
	}
	var coreErr *Error
	if errors.As(err, &coreErr) && coreErr != nil && coreErr.Type == t {
		return coreErr
	}
	return &Error{Type: t, Message: fmt.Sprintf("%s: %v", message, err), Cause: err}
}

// TransportError represents HTTP transport-level failures (DNS, timeouts,
// connection reset, TLS handshake, etc.) while talking to a remote endpoint.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLUserInfo(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func redactURLUserInfo(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}
