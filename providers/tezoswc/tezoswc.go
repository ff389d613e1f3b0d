// Package tezoswc is the wallet provider for Tezos over the WalletConnect
// protocol. It supports the three WalletConnect Tezos methods:
// tezos_getAccounts, tezos_send and tezos_sign.
package tezoswc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/tconnect-io/tconnect-go/bridge"
	"github.com/tconnect-io/tconnect-go/core/events"
	"github.com/tconnect-io/tconnect-go/core/logx"
	"github.com/tconnect-io/tconnect-go/core/secret"
	"github.com/tconnect-io/tconnect-go/providers/internal/wire"
)

// DefaultBridgeURL is used when Config.BridgeURL is empty.
const DefaultBridgeURL = "https://bridge.tconnect.io"

// BasePath is the protocol mount on the bridge.
const BasePath = "/api/v1/tezos-wc"

const (
	protocol       = "tezosWc"
	requestChannel = "tezosWcRequest"
	eventChannel   = "tezosWcEvent"
)

// ErrNotConnected is returned by operations that need an established wallet
// session.
var ErrNotConnected = errors.New("not connected")

// Error is the typed failure reported for this protocol.
type Error = wire.Error

// AsError unwraps err into a typed *Error when one is present.
func AsError(err error) (*Error, bool) { return wire.AsError(err) }

// Network selects the Tezos network.
type Network string

const (
	NetworkMainnet  Network = "mainnet"
	NetworkGhostnet Network = "ghostnet"
)

// Method is one WalletConnect Tezos RPC method.
type Method string

const (
	MethodGetAccounts Method = "tezos_getAccounts"
	MethodSend        Method = "tezos_send"
	MethodSign        Method = "tezos_sign"
)

// Account is one wallet account as reported by tezos_getAccounts.
type Account struct {
	Algo    string `json:"algo"`
	Address string `json:"address" validate:"required"`
	PubKey  string `json:"pubkey"`
}

// Config configures one provider instance.
type Config struct {
	BridgeURL string  `json:"bridgeUrl" validate:"omitempty,url"`
	APIKey    string  `json:"apiKey" validate:"required"`
	Network   Network `json:"network" validate:"required,oneof=mainnet ghostnet"`
	AppName   string  `json:"appName" validate:"required"`
	AppURL    string  `json:"appUrl,omitempty" validate:"omitempty,url"`
	AppIcon   string  `json:"appIcon,omitempty" validate:"omitempty,url"`
	WalletApp string  `json:"walletApp,omitempty" validate:"omitempty,oneof=kukai plenty"`
}

// Events are the subscriber-facing streams of one provider.
type Events struct {
	// ConnectionString fires during Connect with the WalletConnect pairing
	// URI, typically rendered as a QR code.
	ConnectionString *events.Stream[string]
	Connect          *events.Stream[[]Account]
	Disconnect       *events.Stream[struct{}]
	Errors           *events.Stream[error]
}

type emitters struct {
	connectionString events.EmitFunc[string]
	connect          events.EmitFunc[[]Account]
	disconnect       events.EmitFunc[struct{}]
	errors           events.EmitFunc[error]
}

// Provider drives one Tezos WalletConnect session.
type Provider struct {
	cfg  Config
	comm *bridge.Controller[wire.Request, wire.Response]

	mu               sync.Mutex
	sessionID        string
	walletConnectURI string
	approved         bool
	approval         chan struct{}

	ev   Events
	emit emitters
}

type connectRequest struct {
	APIKey    string `json:"apiKey"`
	Network   string `json:"network"`
	AppName   string `json:"appName"`
	AppURL    string `json:"appUrl,omitempty"`
	AppIcon   string `json:"appIcon,omitempty"`
	WalletApp string `json:"walletApp,omitempty"`
}

type connectResponse struct {
	SessionID        string `json:"sessionId" validate:"required"`
	WalletConnectURI string `json:"walletConnectUri" validate:"required"`
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

type connectedResponse struct {
	Connected bool `json:"connected"`
}

type callRequest struct {
	SessionID string          `json:"sessionId"`
	Method    Method          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

type callResponse struct {
	Response json.RawMessage `json:"response" validate:"required"`
}

type eventEnvelope struct {
	Type    string          `json:"type" validate:"required,oneof=connect disconnect"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New returns a disconnected provider.
func New(cfg Config, o ...bridge.Option) (*Provider, error) {
	if err := wire.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("tezos-wc config: %w", err)
	}
	if cfg.BridgeURL == "" {
		cfg.BridgeURL = DefaultBridgeURL
	}
	comm, err := bridge.New[wire.Request, wire.Response](bridge.Options{
		BridgeURL:      cfg.BridgeURL,
		Path:           BasePath + "/socket.io",
		RequestChannel: requestChannel,
		EventChannel:   eventChannel,
	}, o...)
	if err != nil {
		return nil, err
	}
	return assemble(cfg, comm), nil
}

func assemble(cfg Config, comm *bridge.Controller[wire.Request, wire.Response]) *Provider {
	p := &Provider{
		cfg:      cfg,
		comm:     comm,
		approval: make(chan struct{}),
	}
	p.ev.ConnectionString, p.emit.connectionString = events.New[string]()
	p.ev.Connect, p.emit.connect = events.New[[]Account]()
	p.ev.Disconnect, p.emit.disconnect = events.New[struct{}]()
	p.ev.Errors, p.emit.errors = events.New[error]()
	comm.Events().On(p.handleEvent)
	comm.Errors().On(func(err error) { p.emit.errors(err) })
	return p
}

// Events exposes the provider's streams.
func (p *Provider) Events() *Events { return &p.ev }

// Config returns the application-supplied configuration.
func (p *Provider) Config() Config { return p.cfg }

// SessionID returns the bridge session id, empty before Connect.
func (p *Provider) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// WalletConnectURI returns the pairing URI from the connect handshake.
func (p *Provider) WalletConnectURI() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.walletConnectURI
}

// Connect establishes the transport, performs the connect handshake, emits
// the pairing URI, and blocks until the wallet approves or ctx is done.
func (p *Provider) Connect(ctx context.Context) error {
	logx.Log.Debug().
		Str("protocol", protocol).
		Str("bridge", p.cfg.BridgeURL).
		Str("api_key", secret.Mask(p.cfg.APIKey)).
		Msg("connecting to bridge")
	if err := p.comm.Connect(ctx); err != nil {
		return err
	}

	res, err := p.roundTrip(ctx, wire.RequestTypeConnect, connectRequest{
		APIKey:    p.cfg.APIKey,
		Network:   string(p.cfg.Network),
		AppName:   p.cfg.AppName,
		AppURL:    p.cfg.AppURL,
		AppIcon:   p.cfg.AppIcon,
		WalletApp: p.cfg.WalletApp,
	})
	if err != nil {
		return err
	}
	payload, err := wire.DecodePayload[connectResponse](res.Payload)
	if err != nil {
		return fmt.Errorf("connect response: %w", err)
	}

	p.mu.Lock()
	p.sessionID = payload.SessionID
	p.walletConnectURI = payload.WalletConnectURI
	approval := p.approval
	p.mu.Unlock()

	p.emit.connectionString(payload.WalletConnectURI)

	select {
	case <-approval:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected probes the bridge for the wallet-side session state.
func (p *Provider) Connected(ctx context.Context) (bool, error) {
	sid := p.SessionID()
	if sid == "" {
		return false, ErrNotConnected
	}
	res, err := p.roundTrip(ctx, wire.RequestTypeConnected, sessionRequest{SessionID: sid})
	if err != nil {
		return false, err
	}
	payload, err := wire.DecodePayload[connectedResponse](res.Payload)
	if err != nil {
		return false, fmt.Errorf("connected response: %w", err)
	}
	return payload.Connected, nil
}

// Request forwards one WalletConnect Tezos method and returns the raw
// result.
func (p *Provider) Request(ctx context.Context, method Method, params json.RawMessage) (json.RawMessage, error) {
	sid := p.SessionID()
	if sid == "" {
		return nil, ErrNotConnected
	}
	switch method {
	case MethodGetAccounts, MethodSend, MethodSign:
	default:
		return nil, fmt.Errorf("unsupported method %q", method)
	}
	res, err := p.roundTrip(ctx, wire.RequestTypeRequest, callRequest{SessionID: sid, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	payload, err := wire.DecodePayload[callResponse](res.Payload)
	if err != nil {
		return nil, fmt.Errorf("request response: %w", err)
	}
	return payload.Response, nil
}

// GetAccounts returns the wallet's accounts.
func (p *Provider) GetAccounts(ctx context.Context) ([]Account, error) {
	raw, err := p.Request(ctx, MethodGetAccounts, nil)
	if err != nil {
		return nil, err
	}
	var accounts []Account
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, fmt.Errorf("accounts payload: %w", err)
	}
	return accounts, nil
}

// Send asks the wallet to sign and inject operations; it returns the
// operation hash.
func (p *Provider) Send(ctx context.Context, operations json.RawMessage) (string, error) {
	params, err := json.Marshal(map[string]json.RawMessage{"operations": operations})
	if err != nil {
		return "", err
	}
	raw, err := p.Request(ctx, MethodSend, params)
	if err != nil {
		return "", err
	}
	var out struct {
		OperationHash string `json:"operationHash"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("send payload: %w", err)
	}
	return out.OperationHash, nil
}

// Sign asks the wallet to sign a payload expressed as hex-encoded Michelson
// bytes; it returns the signature.
func (p *Provider) Sign(ctx context.Context, payload string) (string, error) {
	params, err := json.Marshal(map[string]string{"payload": payload})
	if err != nil {
		return "", err
	}
	raw, err := p.Request(ctx, MethodSign, params)
	if err != nil {
		return "", err
	}
	var out struct {
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return out.Signature, nil
}

// Disconnect notifies the bridge best effort, then tears the transport down
// and resets the session.
func (p *Provider) Disconnect(ctx context.Context) {
	sid := p.SessionID()
	if sid != "" {
		if _, err := p.roundTrip(ctx, wire.RequestTypeDisconnect, sessionRequest{SessionID: sid}); err != nil {
			logx.Log.Debug().Err(err).Str("protocol", protocol).Msg("disconnect notification failed")
		}
	}
	p.comm.Disconnect()

	p.mu.Lock()
	p.sessionID = ""
	p.walletConnectURI = ""
	p.approved = false
	p.approval = make(chan struct{})
	p.mu.Unlock()

	p.emit.disconnect(struct{}{})
}

// Reconnect re-establishes the transport for an existing session without a
// new handshake.
func (p *Provider) Reconnect(ctx context.Context) error {
	sid := p.SessionID()
	if sid == "" {
		return ErrNotConnected
	}
	if err := p.comm.Connect(ctx); err != nil {
		return err
	}
	if _, err := p.roundTrip(ctx, wire.RequestTypeReconnect, sessionRequest{SessionID: sid}); err != nil {
		return err
	}
	return nil
}

// Health probes the bridge health endpoint for this protocol.
func (p *Provider) Health(ctx context.Context) error {
	return Health(ctx, p.cfg.BridgeURL)
}

// Health probes the protocol's health endpoint on the given bridge without
// constructing a provider.
func Health(ctx context.Context, bridgeURL string) error {
	return wire.Health(ctx, http.DefaultClient, bridgeURL, BasePath)
}

type snapshot struct {
	Config           Config          `json:"config"`
	Communication    json.RawMessage `json:"communicationController"`
	SessionID        string          `json:"sessionId,omitempty"`
	WalletConnectURI string          `json:"walletConnectUri,omitempty"`
	Approved         bool            `json:"approved,omitempty"`
}

// Serialize captures the session state as JSON. The snapshot holds the api
// key in the clear; treat it like a credential.
func (p *Provider) Serialize() ([]byte, error) {
	comm, err := p.comm.Serialize()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return json.Marshal(snapshot{
		Config:           p.cfg,
		Communication:    comm,
		SessionID:        p.sessionID,
		WalletConnectURI: p.walletConnectURI,
		Approved:         p.approved,
	})
}

// Deserialize restores a disconnected provider from a Serialize snapshot.
// The caller follows up with Reconnect to resume the transport.
func Deserialize(data []byte, o ...bridge.Option) (*Provider, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("tezos-wc snapshot: %w", err)
	}
	comm, err := bridge.Deserialize[wire.Request, wire.Response](snap.Communication, o...)
	if err != nil {
		return nil, err
	}
	p := assemble(snap.Config, comm)
	p.sessionID = snap.SessionID
	p.walletConnectURI = snap.WalletConnectURI
	if snap.Approved {
		p.approved = true
		close(p.approval)
	}
	return p, nil
}

func (p *Provider) roundTrip(ctx context.Context, typ wire.RequestType, payload any) (wire.Response, error) {
	req, err := wire.NewRequest(typ, payload)
	if err != nil {
		return wire.Response{}, err
	}
	pending, err := p.comm.Send(req)
	if err != nil {
		return wire.Response{}, err
	}
	res, err := pending.Await(ctx)
	if err != nil {
		return wire.Response{}, fmt.Errorf("%s: %w", typ, err)
	}
	if err := wire.Validate(&res); err != nil {
		return wire.Response{}, fmt.Errorf("%s response: %w", typ, err)
	}
	if res.Type == wire.ResponseTypeError {
		return wire.Response{}, wire.ErrorFromResponse(protocol, res)
	}
	if res.Type != string(typ) {
		return wire.Response{}, fmt.Errorf("%s: unexpected response type %q", typ, res.Type)
	}
	return res, nil
}

func (p *Provider) handleEvent(raw json.RawMessage) {
	env, err := wire.DecodePayload[eventEnvelope](raw)
	if err != nil {
		logx.Log.Debug().Err(err).Str("protocol", protocol).Msg("event dropped")
		return
	}
	switch env.Type {
	case "connect":
		var payload struct {
			Accounts []Account `json:"accounts"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			logx.Log.Debug().Err(err).Str("protocol", protocol).Msg("connect event dropped")
			return
		}
		p.mu.Lock()
		already := p.approved
		p.approved = true
		approval := p.approval
		p.mu.Unlock()
		if !already {
			close(approval)
		}
		p.emit.connect(payload.Accounts)
	case "disconnect":
		p.mu.Lock()
		p.sessionID = ""
		p.approved = false
		p.approval = make(chan struct{})
		p.mu.Unlock()
		p.comm.Disconnect()
		p.emit.disconnect(struct{}{})
	}
}
