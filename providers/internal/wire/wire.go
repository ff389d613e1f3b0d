// Package wire defines the envelope types shared by every provider protocol:
// the tagged request/response union exchanged with the bridge, the error
// payload with its canned fallback messages, and validation helpers for
// inbound data.
package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// RequestType tags one operation in the request union.
type RequestType string

const (
	RequestTypeConnect    RequestType = "connect"
	RequestTypeConnected  RequestType = "connected"
	RequestTypeRequest    RequestType = "request"
	RequestTypeReconnect  RequestType = "reconnect"
	RequestTypeDisconnect RequestType = "disconnect"
)

// ResponseTypeError tags an error arm in the response union; every other
// response echoes its request's type.
const ResponseTypeError = "error"

// Request is one tagged operation sent to the bridge.
type Request struct {
	Type    RequestType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is one tagged result from the bridge. Its Type either echoes the
// request type or is "error".
type Response struct {
	Type    string          `json:"type" validate:"required,oneof=connect connected request reconnect disconnect error"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var validate = validator.New()

// Validate checks struct tags on v.
func Validate(v any) error {
	return validate.Struct(v)
}

// NewRequest marshals payload into a tagged Request.
func NewRequest(typ RequestType, payload any) (Request, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Request{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Request{Type: typ, Payload: raw}, nil
}

// DecodePayload unmarshals raw into T and validates it.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	if err := validate.Struct(&v); err != nil {
		return v, fmt.Errorf("invalid payload: %w", err)
	}
	return v, nil
}

// Health probes the bridge's health endpoint for one protocol base path.
func Health(ctx context.Context, client *http.Client, bridgeURL, basePath string) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, bridgeURL+basePath+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe: unexpected status %d", resp.StatusCode)
	}
	return nil
}
