// Package transport carries channel-multiplexed JSON packets between the SDK
// and a bridge server. The default implementation long-polls over plain HTTP
// so it works inside constrained webview environments; a WebSocket
// implementation exists for callers that can hold a persistent socket.
package transport

import (
	"context"
	"encoding/json"
)

// Packet is one channel-tagged message on the wire.
type Packet struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// Handler consumes the payload of a packet on a subscribed channel.
type Handler func(payload json.RawMessage)

// Transport is a persistent connection to a bridge endpoint, multiplexing
// named channels over one physical stream.
type Transport interface {
	// Connect establishes the connection. It blocks until the handshake
	// completes or ctx is done.
	Connect(ctx context.Context) error
	// Connected reports whether the transport currently considers itself
	// connected.
	Connected() bool
	// On registers the handler for one channel. At most one handler per
	// channel; later calls replace earlier ones.
	On(channel string, h Handler)
	// OnError registers the handler invoked when a transport cycle fails.
	OnError(h func(error))
	// Emit sends payload on the named channel.
	Emit(channel string, payload any) error
	// Close tears the connection down. Safe to call repeatedly.
	Close() error
}
