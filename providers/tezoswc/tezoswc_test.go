package tezoswc

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

const (
	testSID  = "wc-sess"
	testURI  = "wc:deadbeef@2?relay-protocol=irn"
	testAddr = "tz1VSUr8wwNhLAzempoch5d6hLRiTh8Cjcjb"
)

func walletScript() bridgetest.PacketFunc {
	return func(s *bridgetest.Session, channel string, payload json.RawMessage) {
		if channel != "tezosWcRequest" {
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
			s.Respond(channel, env.RequestID, map[string]any{
				"type":    "connect",
				"payload": map[string]string{"sessionId": testSID, "walletConnectUri": testURI},
			})
			s.Push("tezosWcEvent", map[string]any{
				"type": "connect",
				"payload": map[string]any{
					"accounts": []Account{{Algo: "ed25519", Address: testAddr, PubKey: "edpk..."}},
				},
			})
		case wire.RequestTypeRequest:
			var c callRequest
			_ = json.Unmarshal(req.Payload, &c)
			switch c.Method {
			case MethodGetAccounts:
				s.Respond(channel, env.RequestID, map[string]any{
					"type":    "request",
					"payload": map[string]any{"response": []Account{{Algo: "ed25519", Address: testAddr}}},
				})
			case MethodSend:
				s.Respond(channel, env.RequestID, map[string]any{
					"type":    "request",
					"payload": map[string]any{"response": map[string]string{"operationHash": "oo123"}},
				})
			case MethodSign:
				s.Respond(channel, env.RequestID, wire.Response{
					Type:    wire.ResponseTypeError,
					Payload: json.RawMessage(`{"type":"walletRequestFailed","message":"sign rejected"}`),
				})
			}
		case wire.RequestTypeConnected:
			s.Respond(channel, env.RequestID, map[string]any{
				"type":    "connected",
				"payload": map[string]bool{"connected": true},
			})
		case wire.RequestTypeReconnect, wire.RequestTypeDisconnect:
			s.Respond(channel, env.RequestID, map[string]any{"type": string(req.Type)})
		}
	}
}

func newConnected(t *testing.T) *Provider {
	t.Helper()
	srv := bridgetest.New(BasePath, walletScript())
	t.Cleanup(srv.Close)

	p, err := New(Config{BridgeURL: srv.URL(), APIKey: "k", Network: NetworkGhostnet, AppName: "demo"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	require.NoError(t, p.Connect(ctx))
	return p
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{APIKey: "k", AppName: "demo"})
	assert.Error(t, err, "network is required")

	_, err = New(Config{APIKey: "k", AppName: "demo", Network: NetworkMainnet, WalletApp: "metamask"})
	assert.Error(t, err, "metamask does not speak tezos-wc")

	p, err := New(Config{APIKey: "k", AppName: "demo", Network: NetworkMainnet, WalletApp: "kukai"})
	require.NoError(t, err)
	assert.Equal(t, DefaultBridgeURL, p.Config().BridgeURL)
}

func TestConnectEmitsPairingURIAndAccounts(t *testing.T) {
	srv := bridgetest.New(BasePath, walletScript())
	defer srv.Close()

	p, err := New(Config{BridgeURL: srv.URL(), APIKey: "k", Network: NetworkGhostnet, AppName: "demo"})
	require.NoError(t, err)

	uris := make(chan string, 1)
	p.Events().ConnectionString.On(func(uri string) { uris <- uri })
	accounts := make(chan []Account, 1)
	p.Events().Connect.On(func(a []Account) { accounts <- a })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Connect(ctx))

	assert.Equal(t, testSID, p.SessionID())
	assert.Equal(t, testURI, <-uris)
	got := <-accounts
	require.Len(t, got, 1)
	assert.Equal(t, testAddr, got[0].Address)
}

func TestGetAccounts(t *testing.T) {
	p := newConnected(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	accounts, err := p.GetAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, testAddr, accounts[0].Address)
}

func TestSend(t *testing.T) {
	p := newConnected(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hash, err := p.Send(ctx, json.RawMessage(`[{"kind":"transaction","amount":"1"}]`))
	require.NoError(t, err)
	assert.Equal(t, "oo123", hash)
}

func TestSignRejected(t *testing.T) {
	p := newConnected(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := p.Sign(ctx, "05010000000474657a")
	require.Error(t, err)
	typed, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, wire.ErrorTypeWalletRequestFailed, typed.Type)
	assert.Equal(t, "sign rejected", typed.Message)
}

func TestRequestPreconditions(t *testing.T) {
	p, err := New(Config{APIKey: "k", Network: NetworkMainnet, AppName: "demo"})
	require.NoError(t, err)

	_, err = p.GetAccounts(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.ErrorIs(t, p.Reconnect(context.Background()), ErrNotConnected)
}

func TestUnsupportedMethod(t *testing.T) {
	p := newConnected(t)

	_, err := p.Request(context.Background(), Method("tezos_selfdestruct"), nil)
	assert.Error(t, err)
}

func TestSerializeDeserializeReconnect(t *testing.T) {
	p := newConnected(t)

	data, err := p.Serialize()
	require.NoError(t, err)

	restored, err := Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, testSID, restored.SessionID())
	assert.Equal(t, p.Config(), restored.Config())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, restored.Reconnect(ctx))

	ok, err := restored.Connected(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWalletInitiatedDisconnect(t *testing.T) {
	srv := bridgetest.New(BasePath, walletScript())
	defer srv.Close()

	p, err := New(Config{BridgeURL: srv.URL(), APIKey: "k", Network: NetworkGhostnet, AppName: "demo"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Connect(ctx))

	fired := make(chan struct{}, 1)
	p.Events().Disconnect.On(func(struct{}) { fired <- struct{}{} })

	sessions := srv.Sessions()
	require.NotEmpty(t, sessions)
	sessions[0].Push("tezosWcEvent", map[string]any{"type": "disconnect"})

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("server-pushed disconnect never propagated")
	}
	assert.Empty(t, p.SessionID())
	_, err = p.GetAccounts(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDisconnectResets(t *testing.T) {
	p := newConnected(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.Disconnect(ctx)

	assert.Empty(t, p.SessionID())
	_, err := p.GetAccounts(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
}
