// Package etherlink is the wallet provider for Etherlink, the EVM rollup on
// Tezos. The wire surface is the EVM one; this package pins the Etherlink
// bridge mount, the network set, and the wallets that speak the protocol.
package etherlink

import (
	"context"
	"fmt"

	"github.com/tconnect-io/tconnect-go/bridge"
	"github.com/tconnect-io/tconnect-go/providers/internal/evmengine"
	"github.com/tconnect-io/tconnect-go/providers/internal/wire"
)

// DefaultBridgeURL is used when Config.BridgeURL is empty.
const DefaultBridgeURL = "https://bridge.tconnect.io"

// BasePath is the protocol mount on the bridge.
const BasePath = "/api/v1/etherlink"

// Network selects the Etherlink deployment.
type Network string

const (
	NetworkMainnet  Network = "mainnet"
	NetworkGhostnet Network = "ghostnet"
)

var endpoints = evmengine.Endpoints{
	Protocol:       "etherlink",
	BasePath:       BasePath,
	RequestChannel: "etherlinkRequest",
	EventChannel:   "etherlinkEvent",
}

// Error is the typed failure reported for this protocol.
type Error = wire.Error

// AsError unwraps err into a typed *Error when one is present.
func AsError(err error) (*Error, bool) { return wire.AsError(err) }

// RequestArguments is one wallet RPC call.
type RequestArguments = evmengine.RequestArguments

// Config configures one provider instance.
type Config struct {
	BridgeURL string  `json:"bridgeUrl" validate:"omitempty,url"`
	APIKey    string  `json:"apiKey" validate:"required"`
	Network   Network `json:"network" validate:"required,oneof=mainnet ghostnet"`
	AppName   string  `json:"appName" validate:"required"`
	AppURL    string  `json:"appUrl,omitempty" validate:"omitempty,url"`
	AppIcon   string  `json:"appIcon,omitempty" validate:"omitempty,url"`
	// WalletApp preselects a wallet instead of offering a generic pairing.
	WalletApp string `json:"walletApp,omitempty" validate:"omitempty,oneof=altme bitget metamask safepal trust"`
}

// Provider drives one Etherlink wallet session.
type Provider struct {
	*evmengine.Engine
}

// New returns a disconnected provider.
func New(cfg Config, o ...bridge.Option) (*Provider, error) {
	if err := wire.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("etherlink config: %w", err)
	}
	if cfg.BridgeURL == "" {
		cfg.BridgeURL = DefaultBridgeURL
	}
	engine, err := evmengine.New(endpoints, evmengine.Config{
		BridgeURL: cfg.BridgeURL,
		APIKey:    cfg.APIKey,
		Network:   string(cfg.Network),
		AppName:   cfg.AppName,
		AppURL:    cfg.AppURL,
		AppIcon:   cfg.AppIcon,
		WalletApp: cfg.WalletApp,
	}, o...)
	if err != nil {
		return nil, err
	}
	return &Provider{Engine: engine}, nil
}

// Deserialize restores a disconnected provider from a Serialize snapshot.
func Deserialize(data []byte, o ...bridge.Option) (*Provider, error) {
	engine, err := evmengine.Deserialize(endpoints, data, o...)
	if err != nil {
		return nil, err
	}
	return &Provider{Engine: engine}, nil
}

// Health probes the protocol's health endpoint on the given bridge without
// constructing a provider.
func Health(ctx context.Context, bridgeURL string) error {
	return wire.Health(ctx, nil, bridgeURL, BasePath)
}
