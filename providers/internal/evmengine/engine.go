// Package evmengine implements the provider state machine shared by the
// EVM-family protocols. A thin public package per protocol pins the base
// path, the channel names, and the network set; everything else - the
// connect handshake, the approval wait, request round-trips, session
// resume and snapshots - lives here.
package evmengine

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

// ErrNotConnected is returned by operations that need an established wallet
// session.
var ErrNotConnected = errors.New("not connected")

// Endpoints pins one protocol's wire coordinates.
type Endpoints struct {
	Protocol       string
	BasePath       string
	RequestChannel string
	EventChannel   string
}

// Config is the application-supplied part of an engine.
type Config struct {
	BridgeURL string
	APIKey    string
	Network   string
	AppName   string
	AppURL    string
	AppIcon   string
	WalletApp string
}

// RequestArguments is one wallet RPC call: a method name plus its raw
// positional params.
type RequestArguments struct {
	Method string          `json:"method" validate:"required"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ConnectedEvent is the payload of the wallet approval event.
type ConnectedEvent struct {
	ChainID  string   `json:"chainId" validate:"required"`
	Accounts []string `json:"accounts"`
}

// Events are the subscriber-facing streams of one engine.
type Events struct {
	// ConnectionString fires during Connect with the URI to show the user,
	// typically rendered as a QR code.
	ConnectionString *events.Stream[string]
	Connect          *events.Stream[ConnectedEvent]
	Disconnect       *events.Stream[struct{}]
	Message          *events.Stream[json.RawMessage]
	ChainChanged     *events.Stream[string]
	AccountsChanged  *events.Stream[[]string]
	// Errors carries transport failures; request failures are returned from
	// the operation that triggered them.
	Errors *events.Stream[error]
}

type emitters struct {
	connectionString events.EmitFunc[string]
	connect          events.EmitFunc[ConnectedEvent]
	disconnect       events.EmitFunc[struct{}]
	message          events.EmitFunc[json.RawMessage]
	chainChanged     events.EmitFunc[string]
	accountsChanged  events.EmitFunc[[]string]
	errors           events.EmitFunc[error]
}

// Engine drives one wallet session over the bridge.
type Engine struct {
	endpoints Endpoints
	cfg       Config
	comm      *bridge.Controller[wire.Request, wire.Response]

	mu               sync.Mutex
	sessionID        string
	walletConnectURI string
	approved         bool
	approval         chan struct{}

	ev   Events
	emit emitters
}

// wire payloads

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
	SessionID string           `json:"sessionId"`
	Request   RequestArguments `json:"request"`
}

type callResponse struct {
	Response json.RawMessage `json:"response" validate:"required"`
}

type eventEnvelope struct {
	Type    string          `json:"type" validate:"required,oneof=connect disconnect message chainChanged accountsChanged"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New returns a disconnected engine.
func New(endpoints Endpoints, cfg Config, o ...bridge.Option) (*Engine, error) {
	comm, err := bridge.New[wire.Request, wire.Response](bridge.Options{
		BridgeURL:      cfg.BridgeURL,
		Path:           endpoints.BasePath + "/socket.io",
		RequestChannel: endpoints.RequestChannel,
		EventChannel:   endpoints.EventChannel,
	}, o...)
	if err != nil {
		return nil, err
	}
	return assemble(endpoints, cfg, comm), nil
}

func assemble(endpoints Endpoints, cfg Config, comm *bridge.Controller[wire.Request, wire.Response]) *Engine {
	e := &Engine{
		endpoints: endpoints,
		cfg:       cfg,
		comm:      comm,
		approval:  make(chan struct{}),
	}
	e.ev.ConnectionString, e.emit.connectionString = events.New[string]()
	e.ev.Connect, e.emit.connect = events.New[ConnectedEvent]()
	e.ev.Disconnect, e.emit.disconnect = events.New[struct{}]()
	e.ev.Message, e.emit.message = events.New[json.RawMessage]()
	e.ev.ChainChanged, e.emit.chainChanged = events.New[string]()
	e.ev.AccountsChanged, e.emit.accountsChanged = events.New[[]string]()
	e.ev.Errors, e.emit.errors = events.New[error]()
	comm.Events().On(e.handleEvent)
	comm.Errors().On(func(err error) { e.emit.errors(err) })
	return e
}

// Events exposes the engine's streams.
func (e *Engine) Events() *Events { return &e.ev }

// Config returns the application-supplied configuration.
func (e *Engine) Config() Config { return e.cfg }

// SessionID returns the bridge session id, empty before Connect.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// WalletConnectURI returns the pairing URI from the connect handshake.
func (e *Engine) WalletConnectURI() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.walletConnectURI
}

// Connect establishes the transport, performs the connect handshake, emits
// the pairing URI, and blocks until the wallet approves the session or ctx
// is done. ctx is the only bound on the approval wait: a user who never
// scans the QR code holds Connect open until the caller gives up.
func (e *Engine) Connect(ctx context.Context) error {
	logx.Log.Debug().
		Str("protocol", e.endpoints.Protocol).
		Str("bridge", e.cfg.BridgeURL).
		Str("api_key", secret.Mask(e.cfg.APIKey)).
		Msg("connecting to bridge")
	if err := e.comm.Connect(ctx); err != nil {
		return err
	}

	res, err := e.roundTrip(ctx, wire.RequestTypeConnect, connectRequest{
		APIKey:    e.cfg.APIKey,
		Network:   e.cfg.Network,
		AppName:   e.cfg.AppName,
		AppURL:    e.cfg.AppURL,
		AppIcon:   e.cfg.AppIcon,
		WalletApp: e.cfg.WalletApp,
	})
	if err != nil {
		return err
	}
	payload, err := wire.DecodePayload[connectResponse](res.Payload)
	if err != nil {
		return fmt.Errorf("connect response: %w", err)
	}

	e.mu.Lock()
	e.sessionID = payload.SessionID
	e.walletConnectURI = payload.WalletConnectURI
	approval := e.approval
	e.mu.Unlock()

	e.emit.connectionString(payload.WalletConnectURI)

	select {
	case <-approval:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected probes the bridge for the wallet-side session state.
func (e *Engine) Connected(ctx context.Context) (bool, error) {
	sid := e.SessionID()
	if sid == "" {
		return false, ErrNotConnected
	}
	res, err := e.roundTrip(ctx, wire.RequestTypeConnected, sessionRequest{SessionID: sid})
	if err != nil {
		return false, err
	}
	payload, err := wire.DecodePayload[connectedResponse](res.Payload)
	if err != nil {
		return false, fmt.Errorf("connected response: %w", err)
	}
	return payload.Connected, nil
}

// Request forwards one wallet RPC call and returns the raw result.
func (e *Engine) Request(ctx context.Context, args RequestArguments) (json.RawMessage, error) {
	sid := e.SessionID()
	if sid == "" {
		return nil, ErrNotConnected
	}
	if err := wire.Validate(&args); err != nil {
		return nil, fmt.Errorf("request arguments: %w", err)
	}
	res, err := e.roundTrip(ctx, wire.RequestTypeRequest, callRequest{SessionID: sid, Request: args})
	if err != nil {
		return nil, err
	}
	payload, err := wire.DecodePayload[callResponse](res.Payload)
	if err != nil {
		return nil, fmt.Errorf("request response: %w", err)
	}
	return payload.Response, nil
}

// Disconnect notifies the bridge, then tears the transport down and resets
// the session. The notification is best effort: a bridge that is already
// gone must not keep the local side connected.
func (e *Engine) Disconnect(ctx context.Context) {
	sid := e.SessionID()
	if sid != "" {
		if _, err := e.roundTrip(ctx, wire.RequestTypeDisconnect, sessionRequest{SessionID: sid}); err != nil {
			logx.Log.Debug().Err(err).Str("protocol", e.endpoints.Protocol).Msg("disconnect notification failed")
		}
	}
	e.comm.Disconnect()

	e.mu.Lock()
	e.sessionID = ""
	e.walletConnectURI = ""
	e.approved = false
	e.approval = make(chan struct{})
	e.mu.Unlock()

	e.emit.disconnect(struct{}{})
}

// Reconnect re-establishes the transport for an existing session without a
// new handshake. Callers are expected to follow up with Connected to learn
// whether the wallet side still holds the session.
func (e *Engine) Reconnect(ctx context.Context) error {
	sid := e.SessionID()
	if sid == "" {
		return ErrNotConnected
	}
	if err := e.comm.Connect(ctx); err != nil {
		return err
	}
	if _, err := e.roundTrip(ctx, wire.RequestTypeReconnect, sessionRequest{SessionID: sid}); err != nil {
		return err
	}
	return nil
}

// Health probes the bridge health endpoint for this protocol.
func (e *Engine) Health(ctx context.Context) error {
	return wire.Health(ctx, http.DefaultClient, e.cfg.BridgeURL, e.endpoints.BasePath)
}

// Snapshot is the serialized form of an engine.
type Snapshot struct {
	Config           Config          `json:"config"`
	Communication    json.RawMessage `json:"communicationController"`
	SessionID        string          `json:"sessionId,omitempty"`
	WalletConnectURI string          `json:"walletConnectUri,omitempty"`
	Approved         bool            `json:"approved,omitempty"`
}

// Serialize captures the session state as JSON. The snapshot holds the api
// key in the clear; treat it like a credential.
func (e *Engine) Serialize() ([]byte, error) {
	comm, err := e.comm.Serialize()
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return json.Marshal(Snapshot{
		Config:           e.cfg,
		Communication:    comm,
		SessionID:        e.sessionID,
		WalletConnectURI: e.walletConnectURI,
		Approved:         e.approved,
	})
}

// Deserialize restores a disconnected engine from a Serialize snapshot. The
// caller follows up with Reconnect to resume the transport.
func Deserialize(endpoints Endpoints, data []byte, o ...bridge.Option) (*Engine, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("engine snapshot: %w", err)
	}
	comm, err := bridge.Deserialize[wire.Request, wire.Response](snap.Communication, o...)
	if err != nil {
		return nil, err
	}
	e := assemble(endpoints, snap.Config, comm)
	e.sessionID = snap.SessionID
	e.walletConnectURI = snap.WalletConnectURI
	if snap.Approved {
		e.approved = true
		close(e.approval)
	}
	return e, nil
}

// roundTrip sends one tagged request and waits for its correlated response,
// converting error-tagged responses into typed errors.
func (e *Engine) roundTrip(ctx context.Context, typ wire.RequestType, payload any) (wire.Response, error) {
	req, err := wire.NewRequest(typ, payload)
	if err != nil {
		return wire.Response{}, err
	}
	pending, err := e.comm.Send(req)
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
		return wire.Response{}, wire.ErrorFromResponse(e.endpoints.Protocol, res)
	}
	if res.Type != string(typ) {
		return wire.Response{}, fmt.Errorf("%s: unexpected response type %q", typ, res.Type)
	}
	return res, nil
}

// handleEvent demultiplexes one unsolicited packet from the event channel.
// Malformed events are logged and dropped.
func (e *Engine) handleEvent(raw json.RawMessage) {
	env, err := wire.DecodePayload[eventEnvelope](raw)
	if err != nil {
		logx.Log.Debug().Err(err).Str("protocol", e.endpoints.Protocol).Msg("event dropped")
		return
	}
	switch env.Type {
	case "connect":
		payload, err := wire.DecodePayload[ConnectedEvent](env.Payload)
		if err != nil {
			logx.Log.Debug().Err(err).Str("protocol", e.endpoints.Protocol).Msg("connect event dropped")
			return
		}
		e.mu.Lock()
		already := e.approved
		e.approved = true
		approval := e.approval
		e.mu.Unlock()
		if !already {
			close(approval)
		}
		e.emit.connect(payload)
	case "disconnect":
		e.mu.Lock()
		e.sessionID = ""
		e.approved = false
		e.approval = make(chan struct{})
		e.mu.Unlock()
		e.comm.Disconnect()
		e.emit.disconnect(struct{}{})
	case "message":
		e.emit.message(env.Payload)
	case "chainChanged":
		var chainID string
		if err := json.Unmarshal(env.Payload, &chainID); err != nil {
			logx.Log.Debug().Err(err).Msg("chainChanged event dropped")
			return
		}
		e.emit.chainChanged(chainID)
	case "accountsChanged":
		var accounts []string
		if err := json.Unmarshal(env.Payload, &accounts); err != nil {
			logx.Log.Debug().Err(err).Msg("accountsChanged event dropped")
			return
		}
		e.emit.accountsChanged(accounts)
	}
}
