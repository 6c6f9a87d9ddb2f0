package inference

import (
	"errors"
	"fmt"
)

// Stable upstream error codes stored on failed jobs.
const (
	CodeEndpointStopped    = "MODAL_ENDPOINT_STOPPED"
	CodeEmptyResponse      = "MODAL_EMPTY_RESPONSE"
	CodeRedirectNoLocation = "MODAL_REDIRECT_NO_LOCATION"
	CodeCallFailed         = "MODAL_CALL_FAILED"
	CodeCallException      = "MODAL_CALL_EXCEPTION"
	CodeTimeout            = "MODAL_TIMEOUT"
)

// Error is an upstream failure. Status is 0 when no response was received.
type Error struct {
	Code    string
	Message string
	Status  int
	cause   error
}

func newError(code, message string, status int, cause error) *Error {
	return &Error{Code: code, Message: message, Status: status, cause: cause}
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// AsError returns the upstream error carried by err, if any.
func AsError(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
