package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/tconnect-io/tconnect-go/core/logx"
)

// WebSocket is an alternative Transport over a persistent socket, for
// environments that allow one. Unlike Polling it does not retry internally:
// a broken socket surfaces through OnError and the transport reports
// disconnected until Connect is called again.
type WebSocket struct {
	bridgeURL string
	path      string

	mu         sync.Mutex
	handlers   map[string]Handler
	errHandler func(error)
	conn       *websocket.Conn
	connected  bool
	cancel     context.CancelFunc
}

// NewWebSocket returns an unconnected websocket transport. The bridge is
// expected to accept websocket upgrades at path + "/ws".
func NewWebSocket(bridgeURL, path string) *WebSocket {
	return &WebSocket{
		bridgeURL: bridgeURL,
		path:      path,
		handlers:  make(map[string]Handler),
	}
}

// Connect dials the bridge and starts the read loop.
func (w *WebSocket) Connect(ctx context.Context) error {
	_ = w.Close()

	conn, _, err := websocket.Dial(ctx, wsURL(w.bridgeURL)+w.path+"/ws", nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.cancel = cancel
	w.mu.Unlock()

	go w.readLoop(loopCtx, conn)
	return nil
}

// Connected reports the state of the read loop.
func (w *WebSocket) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// On registers the handler for one channel.
func (w *WebSocket) On(channel string, h Handler) {
	w.mu.Lock()
	w.handlers[channel] = h
	w.mu.Unlock()
}

// OnError registers the transport error handler.
func (w *WebSocket) OnError(h func(error)) {
	w.mu.Lock()
	w.errHandler = h
	w.mu.Unlock()
}

// Emit writes one packet to the socket.
func (w *WebSocket) Emit(channel string, payload any) error {
	w.mu.Lock()
	conn := w.conn
	connected := w.connected
	w.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("transport not connected")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	b, err := json.Marshal(Packet{Channel: channel, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal packet: %w", err)
	}
	return conn.Write(context.Background(), websocket.MessageText, b)
}

// Close tears down the socket. It only signals the read loop and never
// joins it, so a channel handler may call Close from inside its own
// dispatch without deadlocking; the loop exits once the closed connection
// fails its next read. Safe when already closed.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	conn := w.conn
	cancel := w.cancel
	w.conn = nil
	w.cancel = nil
	w.connected = false
	w.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "closing")
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

func (w *WebSocket) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.mu.Lock()
			w.connected = false
			h := w.errHandler
			w.mu.Unlock()
			if h != nil {
				h(err)
			}
			return
		}
		var pkt Packet
		if err := json.Unmarshal(data, &pkt); err != nil {
			logx.Log.Debug().Err(err).Msg("websocket decode failed; packet dropped")
			continue
		}
		w.mu.Lock()
		h := w.handlers[pkt.Channel]
		w.mu.Unlock()
		if h != nil {
			h(pkt.Payload)
		}
	}
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
