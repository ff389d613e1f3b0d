package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorType classifies a bridge or wallet failure.
type ErrorType string

const (
	ErrorTypeInvalidAPIKey       ErrorType = "invalidApiKey"
	ErrorTypeInvalidSessionID    ErrorType = "invalidSessionId"
	ErrorTypeWalletRequestFailed ErrorType = "walletRequestFailed"
	ErrorTypeGeneric             ErrorType = "generic"
)

// fallbackMessages fill in for error payloads that arrive without one.
var fallbackMessages = map[ErrorType]string{
	ErrorTypeInvalidAPIKey:       "invalid api key",
	ErrorTypeInvalidSessionID:    "invalid session id",
	ErrorTypeWalletRequestFailed: "wallet request failed",
	ErrorTypeGeneric:             "an unexpected error occurred",
}

// ErrorPayload is the error arm of the response union.
type ErrorPayload struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message,omitempty"`
}

// Error is a typed failure reported by the bridge or the wallet for one
// protocol.
type Error struct {
	Protocol string
	Type     ErrorType
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Protocol, e.Type, e.Message)
}

// NewError builds an Error from a decoded payload, substituting the canned
// message when the bridge sent none and the generic type when the type is
// unknown.
func NewError(protocol string, p ErrorPayload) *Error {
	typ := p.Type
	if _, ok := fallbackMessages[typ]; !ok {
		typ = ErrorTypeGeneric
	}
	msg := p.Message
	if msg == "" {
		msg = fallbackMessages[typ]
	}
	return &Error{Protocol: protocol, Type: typ, Message: msg}
}

// ErrorFromResponse converts an error-tagged Response into an *Error. A
// malformed error payload degrades to the generic type rather than being
// dropped.
func ErrorFromResponse(protocol string, res Response) *Error {
	var p ErrorPayload
	if err := json.Unmarshal(res.Payload, &p); err != nil {
		return NewError(protocol, ErrorPayload{Type: ErrorTypeGeneric})
	}
	return NewError(protocol, p)
}

// AsError unwraps err into a typed *Error when one is present.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
