// Package evm is the wallet provider for generic EVM chains. It exposes the
// EIP-1193 style surface: connect with wallet approval, request for RPC
// calls, and the chainChanged/accountsChanged/message event streams.
package evm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tconnect-io/tconnect-go/bridge"
	"github.com/tconnect-io/tconnect-go/providers/internal/evmengine"
	"github.com/tconnect-io/tconnect-go/providers/internal/wire"
)

// DefaultBridgeURL is used when Config.BridgeURL is empty.
const DefaultBridgeURL = "https://bridge.tconnect.io"

// BasePath is the protocol mount on the bridge.
const BasePath = "/api/v1/evm"

var endpoints = evmengine.Endpoints{
	Protocol:       "evm",
	BasePath:       BasePath,
	RequestChannel: "evmRequest",
	EventChannel:   "evmEvent",
}

// Error is the typed failure reported for this protocol.
type Error = wire.Error

// AsError unwraps err into a typed *Error when one is present.
func AsError(err error) (*Error, bool) { return wire.AsError(err) }

// RequestArguments is one wallet RPC call.
type RequestArguments = evmengine.RequestArguments

// Config configures one provider instance.
type Config struct {
	BridgeURL string `json:"bridgeUrl" validate:"omitempty,url"`
	APIKey    string `json:"apiKey" validate:"required"`
	// ChainID is the decimal chain id the wallet is asked to operate on,
	// for example "1" for Ethereum mainnet.
	ChainID   string `json:"chainId" validate:"required"`
	AppName   string `json:"appName" validate:"required"`
	AppURL    string `json:"appUrl,omitempty" validate:"omitempty,url"`
	AppIcon   string `json:"appIcon,omitempty" validate:"omitempty,url"`
	WalletApp string `json:"walletApp,omitempty"`
}

// Provider drives one EVM wallet session.
type Provider struct {
	*evmengine.Engine
}

// New returns a disconnected provider.
func New(cfg Config, o ...bridge.Option) (*Provider, error) {
	if err := wire.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("evm config: %w", err)
	}
	if cfg.BridgeURL == "" {
		cfg.BridgeURL = DefaultBridgeURL
	}
	engine, err := evmengine.New(endpoints, evmengine.Config{
		BridgeURL: cfg.BridgeURL,
		APIKey:    cfg.APIKey,
		Network:   cfg.ChainID,
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

// RequestParams marshals params into the raw positional form expected by
// RequestArguments.
func RequestParams(params ...any) (json.RawMessage, error) {
	return json.Marshal(params)
}

// Health probes the protocol's health endpoint on the given bridge without
// constructing a provider.
func Health(ctx context.Context, bridgeURL string) error {
	return wire.Health(ctx, nil, bridgeURL, BasePath)
}
