// Package tezosbeacon is the wallet provider for Tezos over the Beacon
// protocol. Unlike the WalletConnect providers the payloads here are end to
// end encrypted: the connect handshake runs through a sealed box addressed
// to this provider's ephemeral Ed25519 identity, and once the wallet has
// approved, every request and response travels as a secret-box ciphertext
// under directional session keys the bridge cannot read.
package tezosbeacon

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/tconnect-io/tconnect-go/bridge"
	"github.com/tconnect-io/tconnect-go/core/cryptobox"
	"github.com/tconnect-io/tconnect-go/core/events"
	"github.com/tconnect-io/tconnect-go/core/logx"
	"github.com/tconnect-io/tconnect-go/core/secret"
	"github.com/tconnect-io/tconnect-go/providers/internal/wire"
)

// DefaultBridgeURL is used when Config.BridgeURL is empty.
const DefaultBridgeURL = "https://bridge.tconnect.io"

// BasePath is the protocol mount on the bridge.
const BasePath = "/api/v1/tezos"

const (
	protocol       = "tezosBeacon"
	requestChannel = "tezosBeaconRequest"
	eventChannel   = "tezosBeaconEvent"
)

// ErrNotConnected is returned by operations that need an established wallet
// session.
var ErrNotConnected = errors.New("not connected")

// ErrNoSessionKeys is returned when an encrypted operation runs before the
// wallet approved the pairing.
var ErrNoSessionKeys = errors.New("session keys not established")

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

// Config configures one provider instance.
type Config struct {
	BridgeURL string  `json:"bridgeUrl" validate:"omitempty,url"`
	APIKey    string  `json:"apiKey" validate:"required"`
	Network   Network `json:"network" validate:"required,oneof=mainnet ghostnet"`
	AppName   string  `json:"appName" validate:"required"`
	AppURL    string  `json:"appUrl,omitempty" validate:"omitempty,url"`
	AppIcon   string  `json:"appIcon,omitempty" validate:"omitempty,url"`
	WalletApp string  `json:"walletApp,omitempty" validate:"omitempty,oneof=altme kukai temple"`
}

// PermissionGrant describes the wallet identity obtained on approval.
type PermissionGrant struct {
	// PublicKey is the wallet's Ed25519 public key, hex encoded.
	PublicKey string
	// Address is the tz address derived from PublicKey.
	Address string
}

// Events are the subscriber-facing streams of one provider.
type Events struct {
	// ConnectionString fires during Connect with the Beacon pairing string,
	// typically rendered as a QR code.
	ConnectionString *events.Stream[string]
	Connect          *events.Stream[PermissionGrant]
	Disconnect       *events.Stream[struct{}]
	// Message carries decrypted unsolicited Beacon messages from the wallet.
	Message *events.Stream[json.RawMessage]
	Errors  *events.Stream[error]
}

type emitters struct {
	connectionString events.EmitFunc[string]
	connect          events.EmitFunc[PermissionGrant]
	disconnect       events.EmitFunc[struct{}]
	message          events.EmitFunc[json.RawMessage]
	errors           events.EmitFunc[error]
}

// Provider drives one Beacon wallet session.
type Provider struct {
	cfg  Config
	comm *bridge.Controller[wire.Request, wire.Response]

	mu               sync.Mutex
	keyPair          cryptobox.KeyPair
	sessionID        string
	connectionString string
	walletPublicKey  string
	walletAddress    string
	sessionKeys      cryptobox.SessionKeys
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
	// PublicKey is this provider's Ed25519 public key, hex encoded. The
	// bridge seals the pairing payload to it.
	PublicKey string `json:"publicKey"`
}

type connectResponse struct {
	SessionID string `json:"sessionId" validate:"required"`
	// Payload is a hex-encoded sealed box addressed to the provider's key;
	// its plaintext is the Beacon pairing string.
	Payload string `json:"payload" validate:"required"`
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

type connectedResponse struct {
	Connected bool `json:"connected"`
}

type callRequest struct {
	SessionID string `json:"sessionId"`
	// Payload is the hex-encoded secret-box ciphertext of the Beacon message.
	Payload string `json:"payload"`
}

type callResponse struct {
	Payload string `json:"payload" validate:"required"`
}

type eventEnvelope struct {
	Type    string          `json:"type" validate:"required,oneof=connect disconnect message"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type connectEventPayload struct {
	PublicKey string `json:"publicKey" validate:"required"`
}

// New returns a disconnected provider with a fresh Ed25519 identity.
func New(cfg Config, o ...bridge.Option) (*Provider, error) {
	if err := wire.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("tezos-beacon config: %w", err)
	}
	if cfg.BridgeURL == "" {
		cfg.BridgeURL = DefaultBridgeURL
	}
	kp, err := cryptobox.GenerateKeyPair()
	if err != nil {
		return nil, err
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
	return assemble(cfg, kp, comm), nil
}

func assemble(cfg Config, kp cryptobox.KeyPair, comm *bridge.Controller[wire.Request, wire.Response]) *Provider {
	p := &Provider{
		cfg:      cfg,
		keyPair:  kp,
		comm:     comm,
		approval: make(chan struct{}),
	}
	p.ev.ConnectionString, p.emit.connectionString = events.New[string]()
	p.ev.Connect, p.emit.connect = events.New[PermissionGrant]()
	p.ev.Disconnect, p.emit.disconnect = events.New[struct{}]()
	p.ev.Message, p.emit.message = events.New[json.RawMessage]()
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

// PublicKey returns this provider's Ed25519 public key, hex encoded.
func (p *Provider) PublicKey() string {
	return hex.EncodeToString(p.keyPair.Public)
}

// SenderID returns the Beacon sender id of this provider.
func (p *Provider) SenderID() (string, error) {
	return cryptobox.SenderID(p.PublicKey())
}

// Address returns the wallet's tz address, empty before approval.
func (p *Provider) Address() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.walletAddress
}

// WalletPublicKey returns the wallet's hex public key, empty before
// approval.
func (p *Provider) WalletPublicKey() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.walletPublicKey
}

// ConnectionString returns the Beacon pairing string from the handshake.
func (p *Provider) ConnectionString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectionString
}

// Connect establishes the transport, performs the sealed-box handshake,
// emits the pairing string, and blocks until the wallet approves or ctx is
// done. On approval the directional session keys are derived and the wallet
// address becomes available.
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
		PublicKey: p.PublicKey(),
	})
	if err != nil {
		return err
	}
	payload, err := wire.DecodePayload[connectResponse](res.Payload)
	if err != nil {
		return fmt.Errorf("connect response: %w", err)
	}

	sealed, err := hex.DecodeString(payload.Payload)
	if err != nil {
		return fmt.Errorf("connect payload: %w", err)
	}
	pairing, err := cryptobox.OpenSealedBox(p.keyPair, sealed)
	if err != nil {
		return fmt.Errorf("open pairing payload: %w", err)
	}

	p.mu.Lock()
	p.sessionID = payload.SessionID
	p.connectionString = string(pairing)
	approval := p.approval
	p.mu.Unlock()

	p.emit.connectionString(string(pairing))

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

// Request encrypts one Beacon message for the wallet, sends it, and returns
// the decrypted response message.
func (p *Provider) Request(ctx context.Context, message json.RawMessage) (json.RawMessage, error) {
	p.mu.Lock()
	sid := p.sessionID
	approved := p.approved
	keys := p.sessionKeys
	p.mu.Unlock()
	if sid == "" {
		return nil, ErrNotConnected
	}
	if !approved {
		return nil, ErrNoSessionKeys
	}

	ciphertext, err := cryptobox.EncryptPayload(keys.Send, message)
	if err != nil {
		return nil, fmt.Errorf("encrypt request: %w", err)
	}
	res, err := p.roundTrip(ctx, wire.RequestTypeRequest, callRequest{
		SessionID: sid,
		Payload:   hex.EncodeToString(ciphertext),
	})
	if err != nil {
		return nil, err
	}
	payload, err := wire.DecodePayload[callResponse](res.Payload)
	if err != nil {
		return nil, fmt.Errorf("request response: %w", err)
	}
	return p.decrypt(payload.Payload)
}

// Disconnect notifies the bridge best effort, then tears the transport down
// and forgets the session and its keys.
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
	p.connectionString = ""
	p.walletPublicKey = ""
	p.walletAddress = ""
	p.sessionKeys = cryptobox.SessionKeys{}
	p.approved = false
	p.approval = make(chan struct{})
	p.mu.Unlock()

	p.emit.disconnect(struct{}{})
}

// Reconnect re-establishes the transport for an existing session without a
// new handshake. The session keys survive because they derive from the two
// identities, not from the transport.
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
	Seed             string          `json:"seed"`
	SessionID        string          `json:"sessionId,omitempty"`
	ConnectionString string          `json:"connectionString,omitempty"`
	WalletPublicKey  string          `json:"walletPublicKey,omitempty"`
}

// Serialize captures the session state as JSON. The snapshot holds the api
// key and the private key seed in the clear; treat it like a credential.
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
		Seed:             hex.EncodeToString(p.keyPair.Seed()),
		SessionID:        p.sessionID,
		ConnectionString: p.connectionString,
		WalletPublicKey:  p.walletPublicKey,
	})
}

// Deserialize restores a disconnected provider from a Serialize snapshot,
// rebuilding the identity from its seed and re-deriving the session keys
// when the wallet key is present. The caller follows up with Reconnect.
func Deserialize(data []byte, o ...bridge.Option) (*Provider, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("tezos-beacon snapshot: %w", err)
	}
	seed, err := hex.DecodeString(snap.Seed)
	if err != nil {
		return nil, fmt.Errorf("tezos-beacon snapshot seed: %w", err)
	}
	kp, err := cryptobox.KeyPairFromSeed(seed)
	if err != nil {
		return nil, err
	}
	comm, err := bridge.Deserialize[wire.Request, wire.Response](snap.Communication, o...)
	if err != nil {
		return nil, err
	}
	p := assemble(snap.Config, kp, comm)
	p.sessionID = snap.SessionID
	p.connectionString = snap.ConnectionString
	if snap.WalletPublicKey != "" {
		if err := p.adoptWalletKey(snap.WalletPublicKey); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// adoptWalletKey derives the session keys and wallet address from the
// wallet's public key and marks the session approved. Caller must not hold
// p.mu.
func (p *Provider) adoptWalletKey(walletPublicKey string) error {
	keys, err := cryptobox.DeriveSessionKeys(p.keyPair, walletPublicKey, cryptobox.RoleClient)
	if err != nil {
		return fmt.Errorf("derive session keys: %w", err)
	}
	addr, err := cryptobox.AddressFromPublicKey(walletPublicKey)
	if err != nil {
		return fmt.Errorf("wallet address: %w", err)
	}

	p.mu.Lock()
	p.walletPublicKey = walletPublicKey
	p.walletAddress = addr
	p.sessionKeys = keys
	already := p.approved
	p.approved = true
	approval := p.approval
	p.mu.Unlock()
	if !already {
		close(approval)
	}
	return nil
}

func (p *Provider) decrypt(hexCiphertext string) (json.RawMessage, error) {
	p.mu.Lock()
	keys := p.sessionKeys
	approved := p.approved
	p.mu.Unlock()
	if !approved {
		return nil, ErrNoSessionKeys
	}
	ciphertext, err := hex.DecodeString(hexCiphertext)
	if err != nil {
		return nil, fmt.Errorf("payload not hex: %w", err)
	}
	plain, err := cryptobox.DecryptPayload(keys.Receive, ciphertext)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(plain), nil
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
		payload, err := wire.DecodePayload[connectEventPayload](env.Payload)
		if err != nil {
			logx.Log.Debug().Err(err).Str("protocol", protocol).Msg("connect event dropped")
			return
		}
		if err := p.adoptWalletKey(payload.PublicKey); err != nil {
			logx.Log.Warn().Err(err).Str("protocol", protocol).Msg("wallet key rejected")
			p.emit.errors(err)
			return
		}
		p.mu.Lock()
		grant := PermissionGrant{PublicKey: p.walletPublicKey, Address: p.walletAddress}
		p.mu.Unlock()
		p.emit.connect(grant)
	case "disconnect":
		p.mu.Lock()
		p.sessionID = ""
		p.walletPublicKey = ""
		p.walletAddress = ""
		p.sessionKeys = cryptobox.SessionKeys{}
		p.approved = false
		p.approval = make(chan struct{})
		p.mu.Unlock()
		p.comm.Disconnect()
		p.emit.disconnect(struct{}{})
	case "message":
		var hexPayload string
		if err := json.Unmarshal(env.Payload, &hexPayload); err != nil {
			logx.Log.Debug().Err(err).Str("protocol", protocol).Msg("message event dropped")
			return
		}
		plain, err := p.decrypt(hexPayload)
		if err != nil {
			logx.Log.Debug().Err(err).Str("protocol", protocol).Msg("message event undecryptable")
			return
		}
		p.emit.message(plain)
	}
}
