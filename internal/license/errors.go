package license

import "fmt"

// Error is a structured protocol failure sent back to the caller as payload
// fields. Code mirrors HTTP status semantics. Data carries optional
// diagnostic detail (requested vs expected route) and must never contain
// secrets.
type Error struct {
	Message string `json:"error"`
	Code    int    `json:"code"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

func newError(message string, code int) *Error {
	return &Error{Message: message, Code: code}
}

func newErrorWithData(message string, code int, data any) *Error {
	return &Error{Message: message, Code: code, Data: data}
}

// upstreamError surfaces a collaborator failure verbatim so callers can tell
// "not entitled" apart from "storage misconfigured".
func upstreamError(err error) *Error {
	return &Error{Message: err.Error(), Code: 502}
}
