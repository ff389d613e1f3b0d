package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestCarriesPayload(t *testing.T) {
	req, err := NewRequest(RequestTypeConnect, map[string]string{"apiKey": "k"})
	require.NoError(t, err)
	assert.Equal(t, RequestTypeConnect, req.Type)
	assert.JSONEq(t, `{"apiKey":"k"}`, string(req.Payload))
}

func TestDecodePayloadValidates(t *testing.T) {
	type connectResponse struct {
		SessionID string `json:"sessionId" validate:"required"`
	}

	got, err := DecodePayload[connectResponse]([]byte(`{"sessionId":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", got.SessionID)

	_, err = DecodePayload[connectResponse]([]byte(`{}`))
	assert.Error(t, err, "missing required field")

	_, err = DecodePayload[connectResponse]([]byte(`not json`))
	assert.Error(t, err)
}

func TestResponseTypeUnion(t *testing.T) {
	for _, typ := range []string{"connect", "connected", "request", "reconnect", "disconnect", "error"} {
		res := Response{Type: typ}
		assert.NoError(t, Validate(&res), "type %q is a union member", typ)
	}
	assert.Error(t, Validate(&Response{Type: "bogus"}))
	assert.Error(t, Validate(&Response{}))
}

func TestNewErrorFallbackMessages(t *testing.T) {
	cases := []struct {
		payload ErrorPayload
		want    Error
	}{
		{ErrorPayload{Type: ErrorTypeInvalidAPIKey}, Error{Protocol: "evm", Type: ErrorTypeInvalidAPIKey, Message: "invalid api key"}},
		{ErrorPayload{Type: ErrorTypeInvalidSessionID}, Error{Protocol: "evm", Type: ErrorTypeInvalidSessionID, Message: "invalid session id"}},
		{ErrorPayload{Type: ErrorTypeWalletRequestFailed}, Error{Protocol: "evm", Type: ErrorTypeWalletRequestFailed, Message: "wallet request failed"}},
		{ErrorPayload{Type: ErrorTypeGeneric}, Error{Protocol: "evm", Type: ErrorTypeGeneric, Message: "an unexpected error occurred"}},
		{ErrorPayload{Type: "surprise"}, Error{Protocol: "evm", Type: ErrorTypeGeneric, Message: "an unexpected error occurred"}},
		{ErrorPayload{Type: ErrorTypeInvalidAPIKey, Message: "key revoked"}, Error{Protocol: "evm", Type: ErrorTypeInvalidAPIKey, Message: "key revoked"}},
	}
	for _, c := range cases {
		got := NewError("evm", c.payload)
		assert.Equal(t, &c.want, got)
	}
}

func TestErrorFromResponse(t *testing.T) {
	res := Response{Type: ResponseTypeError, Payload: json.RawMessage(`{"type":"invalidSessionId"}`)}
	e := ErrorFromResponse("tezos", res)
	assert.Equal(t, ErrorTypeInvalidSessionID, e.Type)
	assert.Equal(t, "invalid session id", e.Message)

	// Garbage payload degrades to generic instead of vanishing.
	res = Response{Type: ResponseTypeError, Payload: json.RawMessage(`notjson`)}
	e = ErrorFromResponse("tezos", res)
	assert.Equal(t, ErrorTypeGeneric, e.Type)
}

func TestAsError(t *testing.T) {
	inner := NewError("evm", ErrorPayload{Type: ErrorTypeWalletRequestFailed})
	wrapped := fmt.Errorf("request: %w", inner)

	e, ok := AsError(wrapped)
	require.True(t, ok)
	assert.Equal(t, ErrorTypeWalletRequestFailed, e.Type)

	_, ok = AsError(fmt.Errorf("plain"))
	assert.False(t, ok)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/evm/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.NoError(t, Health(ctx, nil, srv.URL, "/api/v1/evm"))
	assert.Error(t, Health(ctx, nil, srv.URL, "/api/v1/missing"))
	assert.Error(t, Health(ctx, nil, "http://127.0.0.1:1", "/api/v1/evm"))
}
