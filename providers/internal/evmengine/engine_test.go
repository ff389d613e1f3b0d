package evmengine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tconnect-io/tconnect-go/bridge/bridgetest"
	"github.com/tconnect-io/tconnect-go/providers/internal/wire"
)

var testEndpoints = Endpoints{
	Protocol:       "evm",
	BasePath:       "/api/v1/evm",
	RequestChannel: "evmRequest",
	EventChannel:   "evmEvent",
}

const (
	goodAPIKey = "key-1"
	testSID    = "sess-1"
	testURI    = "wc:pairing-uri@2"
)

// script is a minimal wallet-side bridge: it answers every tagged request
// and approves the session right after the connect handshake.
func script(autoApprove bool) bridgetest.PacketFunc {
	return func(s *bridgetest.Session, channel string, payload json.RawMessage) {
		if channel != "evmRequest" {
			return
		}
		env, err := bridgetest.ParseRequest(payload)
		if err != nil {
			return
		}
		var req wire.Request
		if err := json.Unmarshal(env.Request, &req); err != nil {
			return
		}
		switch req.Type {
		case wire.RequestTypeConnect:
			var c struct {
				APIKey string `json:"apiKey"`
			}
			_ = json.Unmarshal(req.Payload, &c)
			if c.APIKey != goodAPIKey {
				s.Respond(channel, env.RequestID, wire.Response{
					Type:    wire.ResponseTypeError,
					Payload: json.RawMessage(`{"type":"invalidApiKey"}`),
				})
				return
			}
			s.Respond(channel, env.RequestID, map[string]any{
				"type":    "connect",
				"payload": map[string]string{"sessionId": testSID, "walletConnectUri": testURI},
			})
			if autoApprove {
				s.Push("evmEvent", map[string]any{
					"type":    "connect",
					"payload": map[string]any{"chainId": "0x1", "accounts": []string{"0xabc"}},
				})
			}
		case wire.RequestTypeConnected:
			s.Respond(channel, env.RequestID, map[string]any{
				"type":    "connected",
				"payload": map[string]bool{"connected": true},
			})
		case wire.RequestTypeRequest:
			var c struct {
				SessionID string           `json:"sessionId"`
				Request   RequestArguments `json:"request"`
			}
			_ = json.Unmarshal(req.Payload, &c)
			if c.SessionID != testSID {
				s.Respond(channel, env.RequestID, wire.Response{
					Type:    wire.ResponseTypeError,
					Payload: json.RawMessage(`{"type":"invalidSessionId"}`),
				})
				return
			}
			if c.Request.Method == "eth_fail" {
				s.Respond(channel, env.RequestID, wire.Response{
					Type:    wire.ResponseTypeError,
					Payload: json.RawMessage(`{"type":"walletRequestFailed","message":"user rejected"}`),
				})
				return
			}
			s.Respond(channel, env.RequestID, map[string]any{
				"type":    "request",
				"payload": map[string]any{"response": "result:" + c.Request.Method},
			})
		case wire.RequestTypeReconnect, wire.RequestTypeDisconnect:
			s.Respond(channel, env.RequestID, map[string]any{"type": string(req.Type)})
		}
	}
}

func newConnectedEngine(t *testing.T) (*Engine, *bridgetest.Server) {
	t.Helper()
	srv := bridgetest.New(testEndpoints.BasePath, script(true))
	t.Cleanup(srv.Close)

	e, err := New(testEndpoints, Config{
		BridgeURL: srv.URL(),
		APIKey:    goodAPIKey,
		Network:   "1",
		AppName:   "demo",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	require.NoError(t, e.Connect(ctx))
	return e, srv
}

func TestConnectFlow(t *testing.T) {
	srv := bridgetest.New(testEndpoints.BasePath, script(true))
	defer srv.Close()

	e, err := New(testEndpoints, Config{
		BridgeURL: srv.URL(),
		APIKey:    goodAPIKey,
		Network:   "1",
		AppName:   "demo",
	})
	require.NoError(t, err)

	uris := make(chan string, 1)
	e.Events().ConnectionString.On(func(uri string) { uris <- uri })
	approvals := make(chan ConnectedEvent, 1)
	e.Events().Connect.On(func(ev ConnectedEvent) { approvals <- ev })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.Connect(ctx))

	assert.Equal(t, testSID, e.SessionID())
	assert.Equal(t, testURI, e.WalletConnectURI())

	select {
	case uri := <-uris:
		assert.Equal(t, testURI, uri)
	default:
		t.Fatal("connection string was not emitted")
	}
	select {
	case ev := <-approvals:
		assert.Equal(t, "0x1", ev.ChainID)
		assert.Equal(t, []string{"0xabc"}, ev.Accounts)
	default:
		t.Fatal("connect event was not emitted")
	}
}

func TestConnectRejectedAPIKey(t *testing.T) {
	srv := bridgetest.New(testEndpoints.BasePath, script(true))
	defer srv.Close()

	e, err := New(testEndpoints, Config{
		BridgeURL: srv.URL(),
		APIKey:    "wrong",
		Network:   "1",
		AppName:   "demo",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = e.Connect(ctx)
	require.Error(t, err)
	typed, ok := wire.AsError(err)
	require.True(t, ok)
	assert.Equal(t, wire.ErrorTypeInvalidAPIKey, typed.Type)
	assert.Equal(t, "invalid api key", typed.Message)
}

func TestConnectWaitsForApproval(t *testing.T) {
	srv := bridgetest.New(testEndpoints.BasePath, script(false))
	defer srv.Close()

	e, err := New(testEndpoints, Config{
		BridgeURL: srv.URL(),
		APIKey:    goodAPIKey,
		Network:   "1",
		AppName:   "demo",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = e.Connect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "connect must block until approval or ctx")
	assert.Equal(t, testSID, e.SessionID(), "handshake completed even though approval did not")
}

func TestRequestRoundTrip(t *testing.T) {
	e, _ := newConnectedEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := e.Request(ctx, RequestArguments{Method: "eth_chainId"})
	require.NoError(t, err)
	assert.JSONEq(t, `"result:eth_chainId"`, string(res))
}

func TestRequestWalletFailure(t *testing.T) {
	e, _ := newConnectedEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := e.Request(ctx, RequestArguments{Method: "eth_fail"})
	require.Error(t, err)
	typed, ok := wire.AsError(err)
	require.True(t, ok)
	assert.Equal(t, wire.ErrorTypeWalletRequestFailed, typed.Type)
	assert.Equal(t, "user rejected", typed.Message)
}

func TestRequestBeforeConnect(t *testing.T) {
	srv := bridgetest.New(testEndpoints.BasePath, script(true))
	defer srv.Close()

	e, err := New(testEndpoints, Config{BridgeURL: srv.URL(), APIKey: goodAPIKey, Network: "1", AppName: "demo"})
	require.NoError(t, err)

	_, err = e.Request(context.Background(), RequestArguments{Method: "eth_chainId"})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = e.Connected(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRequestValidatesArguments(t *testing.T) {
	e, _ := newConnectedEngine(t)

	_, err := e.Request(context.Background(), RequestArguments{})
	assert.Error(t, err, "method is required")
}

func TestConnectedProbe(t *testing.T) {
	e, _ := newConnectedEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ok, err := e.Connected(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDisconnectResetsSession(t *testing.T) {
	e, _ := newConnectedEngine(t)

	fired := make(chan struct{}, 1)
	e.Events().Disconnect.On(func(struct{}) { fired <- struct{}{} })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.Disconnect(ctx)

	assert.Empty(t, e.SessionID())
	_, err := e.Request(context.Background(), RequestArguments{Method: "eth_chainId"})
	assert.ErrorIs(t, err, ErrNotConnected)
	select {
	case <-fired:
	default:
		t.Fatal("disconnect event was not emitted")
	}
}

func TestWalletInitiatedDisconnect(t *testing.T) {
	e, srv := newConnectedEngine(t)

	fired := make(chan struct{}, 1)
	e.Events().Disconnect.On(func(struct{}) { fired <- struct{}{} })

	// The wallet side ends the session: the event arrives through the live
	// transport and must propagate even though handling it tears that same
	// transport down.
	sessions := srv.Sessions()
	require.NotEmpty(t, sessions)
	sessions[0].Push("evmEvent", map[string]any{"type": "disconnect"})

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("server-pushed disconnect never propagated")
	}
	assert.Empty(t, e.SessionID())
	_, err := e.Request(context.Background(), RequestArguments{Method: "eth_chainId"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSerializeDeserializeReconnect(t *testing.T) {
	e, srv := newConnectedEngine(t)

	data, err := e.Serialize()
	require.NoError(t, err)
	e.comm.Disconnect()

	restored, err := Deserialize(testEndpoints, data)
	require.NoError(t, err)
	assert.Equal(t, testSID, restored.SessionID())
	assert.Equal(t, e.Config(), restored.Config())
	assert.Equal(t, testURI, restored.WalletConnectURI())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, restored.Reconnect(ctx))

	res, err := restored.Request(ctx, RequestArguments{Method: "eth_accounts"})
	require.NoError(t, err)
	assert.JSONEq(t, `"result:eth_accounts"`, string(res))
	_ = srv
}

func TestReconnectWithoutSession(t *testing.T) {
	srv := bridgetest.New(testEndpoints.BasePath, script(true))
	defer srv.Close()

	e, err := New(testEndpoints, Config{BridgeURL: srv.URL(), APIKey: goodAPIKey, Network: "1", AppName: "demo"})
	require.NoError(t, err)
	assert.ErrorIs(t, e.Reconnect(context.Background()), ErrNotConnected)
}

func TestDeserializeRejectsGarbage(t *testing.T) {
	_, err := Deserialize(testEndpoints, []byte("not json"))
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	e, _ := newConnectedEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, e.Health(ctx))
}

func TestUnsolicitedEvents(t *testing.T) {
	e, srv := newConnectedEngine(t)

	chains := make(chan string, 1)
	e.Events().ChainChanged.On(func(id string) { chains <- id })
	accounts := make(chan []string, 1)
	e.Events().AccountsChanged.On(func(a []string) { accounts <- a })

	sessions := srv.Sessions()
	require.NotEmpty(t, sessions)
	sess := sessions[0]
	sess.Push("evmEvent", map[string]any{"type": "chainChanged", "payload": "0x2a"})
	sess.Push("evmEvent", map[string]any{"type": "accountsChanged", "payload": []string{"0xdef"}})

	select {
	case id := <-chains:
		assert.Equal(t, "0x2a", id)
	case <-time.After(5 * time.Second):
		t.Fatal("chainChanged not delivered")
	}
	select {
	case a := <-accounts:
		assert.Equal(t, []string{"0xdef"}, a)
	case <-time.After(5 * time.Second):
		t.Fatal("accountsChanged not delivered")
	}
}
