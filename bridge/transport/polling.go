package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tconnect-io/tconnect-go/core/logx"
	"github.com/tconnect-io/tconnect-go/core/metrics"
	"github.com/tconnect-io/tconnect-go/core/reconnect"
)

const (
	pollRequestTimeout = 40 * time.Second
	sendRequestTimeout = 10 * time.Second
)

// Polling is the default Transport: a handshake followed by an HTTP
// long-poll loop for inbound packets and short POSTs for outbound ones.
type Polling struct {
	bridgeURL string
	path      string
	protocol  string
	client    *http.Client

	mu         sync.Mutex
	handlers   map[string]Handler
	errHandler func(error)
	sid        string
	connected  bool
	cancel     context.CancelFunc
}

// NewPolling returns an unconnected polling transport for the bridge at
// bridgeURL serving path. The protocol label is used for metrics only.
func NewPolling(bridgeURL, path, protocol string) *Polling {
	return &Polling{
		bridgeURL: bridgeURL,
		path:      path,
		protocol:  protocol,
		client:    &http.Client{},
		handlers:  make(map[string]Handler),
	}
}

type handshakeResponse struct {
	SID string `json:"sid"`
}

// Connect performs the handshake and starts the poll loop. It blocks until
// the handshake completes or ctx is done.
func (p *Polling) Connect(ctx context.Context) error {
	_ = p.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint()+"/handshake", bytes.NewReader([]byte("{}")))
	if err != nil {
		return fmt.Errorf("handshake request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("handshake: unexpected status %d", resp.StatusCode)
	}
	var hs handshakeResponse
	if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
		return fmt.Errorf("handshake decode: %w", err)
	}
	if hs.SID == "" {
		return fmt.Errorf("handshake: empty session id")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.sid = hs.SID
	p.connected = true
	p.cancel = cancel
	p.mu.Unlock()

	go p.pollLoop(loopCtx, hs.SID)
	logx.Log.Debug().Str("bridge", p.bridgeURL).Str("path", p.path).Msg("transport connected")
	return nil
}

// Connected reports the state of the poll loop.
func (p *Polling) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// On registers the handler for one channel.
func (p *Polling) On(channel string, h Handler) {
	p.mu.Lock()
	p.handlers[channel] = h
	p.mu.Unlock()
}

// OnError registers the transport error handler.
func (p *Polling) OnError(h func(error)) {
	p.mu.Lock()
	p.errHandler = h
	p.mu.Unlock()
}

// Emit posts one packet to the bridge.
func (p *Polling) Emit(channel string, payload any) error {
	p.mu.Lock()
	sid := p.sid
	connected := p.connected
	p.mu.Unlock()
	if !connected || sid == "" {
		return fmt.Errorf("transport not connected")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	body, err := json.Marshal([]Packet{{Channel: channel, Payload: raw}})
	if err != nil {
		return fmt.Errorf("marshal packet: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendRequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.sessionEndpoint(sid), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("send: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Close stops the poll loop and forgets the session. It only signals the
// loop and never joins it, so a channel handler may call Close from inside
// its own dispatch without deadlocking; the loop observes the cancelled
// context and winds down on its own. Safe when already closed.
func (p *Polling) Close() error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.sid = ""
	p.connected = false
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

func (p *Polling) pollLoop(ctx context.Context, sid string) {
	attempt := 0
	for {
		packets, err := p.poll(ctx, sid)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.setConnected(false)
			p.reportError(err)
			metrics.RecordTransportRetry(p.protocol)
			delay := reconnect.Delay(attempt)
			attempt++
			logx.Log.Warn().Dur("backoff", delay).Err(err).Msg("bridge poll failed; retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
		p.setConnected(true)
		for _, pkt := range packets {
			if ctx.Err() != nil {
				return
			}
			p.dispatch(pkt)
		}
	}
}

func (p *Polling) poll(ctx context.Context, sid string) ([]Packet, error) {
	reqCtx, cancel := context.WithTimeout(ctx, pollRequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.sessionEndpoint(sid), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("poll read: %w", err)
	}
	var packets []Packet
	if err := json.Unmarshal(body, &packets); err != nil {
		return nil, fmt.Errorf("poll decode: %w", err)
	}
	return packets, nil
}

func (p *Polling) dispatch(pkt Packet) {
	p.mu.Lock()
	h := p.handlers[pkt.Channel]
	p.mu.Unlock()
	if h == nil {
		logx.Log.Debug().Str("channel", pkt.Channel).Msg("no handler for channel; packet dropped")
		return
	}
	h(pkt.Payload)
}

func (p *Polling) reportError(err error) {
	p.mu.Lock()
	h := p.errHandler
	p.mu.Unlock()
	if h != nil {
		h(err)
	}
}

func (p *Polling) setConnected(v bool) {
	p.mu.Lock()
	// A closed transport stays disconnected even if a poll that was in
	// flight during Close completes successfully.
	if v && p.cancel == nil {
		p.mu.Unlock()
		return
	}
	p.connected = v
	p.mu.Unlock()
}

func (p *Polling) endpoint() string {
	return p.bridgeURL + p.path
}

func (p *Polling) sessionEndpoint(sid string) string {
	return p.endpoint() + "?sid=" + url.QueryEscape(sid)
}
