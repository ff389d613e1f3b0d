// Package bridgetest runs an in-process bridge endpoint for tests. It speaks
// the same wire contract as a real bridge: a handshake that allocates a
// session, a long-poll GET that drains queued packets, a POST that accepts
// packets from the client, and a websocket upgrade for the socket transport.
// Scenario behavior is supplied by the caller as a packet handler.
package bridgetest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/tconnect-io/tconnect-go/bridge/transport"
	"github.com/tconnect-io/tconnect-go/core/logx"
)

// pollWait bounds how long a poll request blocks waiting for a packet. Kept
// short so tests that expect an empty poll do not stall.
const pollWait = 500 * time.Millisecond

// PacketFunc handles one packet sent by the client under test.
type PacketFunc func(s *Session, channel string, payload json.RawMessage)

// Request is the correlation envelope used on request channels.
type Request struct {
	RequestID string          `json:"requestId"`
	Request   json.RawMessage `json:"request"`
}

// ParseRequest decodes a request-channel payload into its envelope.
func ParseRequest(raw json.RawMessage) (Request, error) {
	var r Request
	err := json.Unmarshal(raw, &r)
	return r, err
}

// Server is one fake bridge endpoint.
type Server struct {
	http     *httptest.Server
	onPacket PacketFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

// Session is one connected client, reachable over poll or websocket.
type Session struct {
	ID string

	mu     sync.Mutex
	queue  []transport.Packet
	notify chan struct{}
}

// New starts a fake bridge serving the wire contract under basePath
// (for example "/api/v1/evm"). onPacket may be nil for a bridge that
// swallows everything. The caller must Close it.
func New(basePath string, onPacket PacketFunc) *Server {
	s := &Server{
		onPacket: onPacket,
		sessions: make(map[string]*Session),
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))
	r.Get(basePath+"/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	sio := basePath + "/socket.io"
	r.Post(sio+"/handshake", s.handleHandshake)
	r.Get(sio, s.handlePoll)
	r.Post(sio, s.handleSend)
	r.Get(sio+"/ws", s.handleWS)

	s.http = httptest.NewServer(r)
	return s
}

// URL is the base URL of the fake bridge.
func (s *Server) URL() string { return s.http.URL }

// Close shuts the server down.
func (s *Server) Close() { s.http.Close() }

// Sessions returns the sessions allocated so far.
func (s *Server) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Push queues a packet for delivery to the client.
func (sess *Session) Push(channel string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logx.Log.Error().Err(err).Msg("bridgetest: push marshal failed")
		return
	}
	sess.mu.Lock()
	sess.queue = append(sess.queue, transport.Packet{Channel: channel, Payload: raw})
	sess.mu.Unlock()
	select {
	case sess.notify <- struct{}{}:
	default:
	}
}

// Respond pushes a correlated response envelope on channel.
func (sess *Session) Respond(channel, requestID string, response any) {
	sess.Push(channel, map[string]any{
		"requestId": requestID,
		"response":  response,
	})
}

// drain removes and returns every queued packet.
func (sess *Session) drain() []transport.Packet {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := sess.queue
	sess.queue = nil
	return out
}

func (s *Server) handleHandshake(w http.ResponseWriter, _ *http.Request) {
	sess := &Session{
		ID:     uuid.NewString(),
		notify: make(chan struct{}, 1),
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	writeJSON(w, map[string]string{"sid": sess.ID})
}

func (s *Server) session(r *http.Request) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[r.URL.Query().Get("sid")]
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	if sess == nil {
		http.Error(w, "unknown session", http.StatusBadRequest)
		return
	}
	packets := sess.drain()
	if len(packets) == 0 {
		select {
		case <-sess.notify:
			packets = sess.drain()
		case <-time.After(pollWait):
		case <-r.Context().Done():
			return
		}
	}
	if packets == nil {
		packets = []transport.Packet{}
	}
	writeJSON(w, packets)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	if sess == nil {
		http.Error(w, "unknown session", http.StatusBadRequest)
		return
	}
	var packets []transport.Packet
	if err := json.NewDecoder(r.Body).Decode(&packets); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	for _, pkt := range packets {
		if s.onPacket != nil {
			s.onPacket(sess, pkt.Channel, pkt.Payload)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWS serves the websocket flavor of the contract: inbound frames are
// packets from the client, queued session packets are written back out.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	sess := &Session{
		ID:     uuid.NewString(),
		notify: make(chan struct{}, 1),
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.notify:
			}
			for _, pkt := range sess.drain() {
				b, err := json.Marshal(pkt)
				if err != nil {
					continue
				}
				if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		}
		var pkt transport.Packet
		if err := json.Unmarshal(data, &pkt); err != nil {
			continue
		}
		if s.onPacket != nil {
			s.onPacket(sess, pkt.Channel, pkt.Payload)
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
