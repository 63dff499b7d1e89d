package protocol

import (
	"errors"
	"fmt"
)

// Error codes carried in ERROR envelopes.
const (
	CodeMalformedEnvelope  = "MALFORMED_ENVELOPE"
	CodeUnsupportedVersion = "UNSUPPORTED_VERSION"
	CodeUnknownEventType   = "UNKNOWN_EVENT_TYPE"
	CodeInvalidDirection   = "INVALID_DIRECTION"
	CodeRequestIDRequired  = "REQUEST_ID_REQUIRED"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeNotSubscribed      = "NOT_SUBSCRIBED"
	CodeRequestInFlight    = "REQUEST_IN_FLIGHT"
	CodeUnavailable        = "UNAVAILABLE"
	CodeInternal           = "INTERNAL"
)

// Error is a typed protocol or precondition failure reported to the
// originating connection only. The connection stays open.
type Error struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts a *Error from err. Any other error is reported as INTERNAL
// without leaking its text.
//
// Postcondition: Returns a non-nil *Error.
func AsError(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return &Error{Code: CodeInternal, Message: "internal error"}
}

// ErrorPayload is the payload of an ERROR envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
