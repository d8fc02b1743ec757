package wire

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes errors reported by the server.
type ErrorCode string

const (
	ErrCodeNotAuthorized               ErrorCode = "not_authorized"
	ErrCodeSubscriptionLimitReached    ErrorCode = "subscription_limit_reached"
	ErrCodeInstNotFound                ErrorCode = "inst_not_found"
	ErrCodeRecordNotFound              ErrorCode = "record_not_found"
	ErrCodeInvalidKey                  ErrorCode = "invalid_key"
	ErrCodeInvalidToken                ErrorCode = "invalid_token"
	ErrCodeUserIsBanned                ErrorCode = "user_is_banned"
	ErrCodeNotLoggedIn                 ErrorCode = "not_logged_in"
	ErrCodeSessionExpired              ErrorCode = "session_expired"
	ErrCodeUnacceptableConnectionID    ErrorCode = "unacceptable_connection_id"
	ErrCodeUnacceptableConnectionToken ErrorCode = "unacceptable_connection_token"

	ErrCodeMaxSizeReached    ErrorCode = "max_size_reached"
	ErrCodeRateLimitExceeded ErrorCode = "rate_limit_exceeded"
	ErrCodeInvalidRequest    ErrorCode = "invalid_request"
	ErrCodeServerError       ErrorCode = "server_error"
)

var authorizationCodes = map[ErrorCode]bool{
	ErrCodeNotAuthorized:               true,
	ErrCodeSubscriptionLimitReached:    true,
	ErrCodeInstNotFound:                true,
	ErrCodeRecordNotFound:              true,
	ErrCodeInvalidKey:                  true,
	ErrCodeInvalidToken:                true,
	ErrCodeUserIsBanned:                true,
	ErrCodeNotLoggedIn:                 true,
	ErrCodeSessionExpired:              true,
	ErrCodeUnacceptableConnectionID:    true,
	ErrCodeUnacceptableConnectionToken: true,
}

// IsAuthorizationCode reports whether code denies access to a resource.
func IsAuthorizationCode(code ErrorCode) bool {
	return authorizationCodes[code]
}

// Error is an error reported by the server.
type Error struct {
	Code    ErrorCode `json:"errorCode"`
	Message string    `json:"errorMessage"`
	Reason  string    `json:"reason,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a server error.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsAuthorizationError returns true if err is a server error denying
// access. Uses errors.As to handle wrapped errors.
func IsAuthorizationError(err error) bool {
	var we *Error
	if errors.As(err, &we) {
		return IsAuthorizationCode(we.Code)
	}
	return false
}
