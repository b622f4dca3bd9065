package protocol

import (
	"errors"
	"fmt"
)

// Wire error codes.
const (
	ErrCodeNotLinked      = "NOT_LINKED"
	ErrCodeNotPaired      = "NOT_PAIRED"
	ErrCodeAgentTimeout   = "AGENT_TIMEOUT"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeUnavailable    = "UNAVAILABLE"
)

// ErrorShape is the error body of a failed response. It implements error so
// method handlers can return it directly and control the wire code.
type ErrorShape struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Details      any    `json:"details,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

func (e *ErrorShape) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an ErrorShape with the given code and message.
func NewError(code, message string) *ErrorShape {
	return &ErrorShape{Code: code, Message: message}
}

// InvalidRequest is shorthand for an INVALID_REQUEST error.
func InvalidRequest(format string, args ...any) *ErrorShape {
	return &ErrorShape{Code: ErrCodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// WithDetails returns a copy of e carrying details.
func (e *ErrorShape) WithDetails(details any) *ErrorShape {
	cp := *e
	cp.Details = details
	return &cp
}

// AsErrorShape converts any error into a wire error. ErrorShape values pass
// through unchanged; everything else is reported as UNAVAILABLE.
func AsErrorShape(err error) *ErrorShape {
	if err == nil {
		return nil
	}
	var shape *ErrorShape
	if errors.As(err, &shape) {
		return shape
	}
	if errors.Is(err, ErrInvalidFrame) {
		return &ErrorShape{Code: ErrCodeInvalidRequest, Message: err.Error()}
	}
	return &ErrorShape{Code: ErrCodeUnavailable, Message: err.Error()}
}
