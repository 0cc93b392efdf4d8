package upstream

import (
	"errors"
	"fmt"
)

// Error codes for the upstream taxonomy.
const (
	CodeUnavailable = "UNAVAILABLE" // retries exhausted on 429/5xx/transport
	CodeRejected    = "REJECTED"    // non-retryable 4xx
	CodeMalformed   = "MALFORMED"   // payload failed to decode
)

// Error is a typed failure from an upstream client.
type Error struct {
	Provider    string `json:"provider"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	HTTPStatus  int    `json:"http_status,omitempty"`
	RateLimited bool   `json:"rate_limited"`
	Temporary   bool   `json:"temporary"`
	Cause       error  `json:"-"`
}

func (e *Error) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("upstream %s: %s (%s, HTTP %d)", e.Provider, e.Message, e.Code, e.HTTPStatus)
	}
	return fmt.Sprintf("upstream %s: %s (%s)", e.Provider, e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsUnavailable reports whether err is an exhausted-retries upstream error.
func IsUnavailable(err error) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Code == CodeUnavailable
}

// IsRejected reports whether err is a permanent upstream rejection.
func IsRejected(err error) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Code == CodeRejected
}

// IsMalformed reports whether err is a payload decode failure.
func IsMalformed(err error) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Code == CodeMalformed
}

// IsRateLimited reports whether err carries a 429 from the upstream.
func IsRateLimited(err error) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.RateLimited
}

func unavailable(provider, msg string, status int, rateLimited bool, cause error) *Error {
	return &Error{
		Provider:    provider,
		Code:        CodeUnavailable,
		Message:     msg,
		HTTPStatus:  status,
		RateLimited: rateLimited,
		Temporary:   true,
		Cause:       cause,
	}
}

func rejected(provider, msg string, status int) *Error {
	return &Error{
		Provider:   provider,
		Code:       CodeRejected,
		Message:    msg,
		HTTPStatus: status,
	}
}

func malformed(provider string, cause error) *Error {
	return &Error{
		Provider: provider,
		Code:     CodeMalformed,
		Message:  "failed to decode response",
		Cause:    cause,
	}
}
