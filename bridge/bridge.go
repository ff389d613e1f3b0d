// Package bridge implements request/response correlation over a channel
// multiplexed transport. A Controller sends wrapped requests on one channel,
// matches wrapped responses arriving on the same channel back to their
// pending callers by request id, and re-emits unsolicited packets from a
// second channel as events.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/tconnect-io/tconnect-go/bridge/transport"
	"github.com/tconnect-io/tconnect-go/core/callback"
	"github.com/tconnect-io/tconnect-go/core/events"
	"github.com/tconnect-io/tconnect-go/core/logx"
	"github.com/tconnect-io/tconnect-go/core/metrics"
	"github.com/tconnect-io/tconnect-go/core/reconnect"
)

// DefaultRequestTimeout bounds how long a sent request may stay pending
// before it is rejected with callback.ErrTimeout.
const DefaultRequestTimeout = 60 * time.Second

// ErrNotConnected is returned by Send when no transport is attached.
var ErrNotConnected = errors.New("bridge: not connected")

var validate = validator.New()

// Options are the wire coordinates of one Controller. They are exactly what
// Serialize persists and Deserialize restores.
type Options struct {
	BridgeURL      string `json:"bridgeUrl" validate:"required,url"`
	Path           string `json:"path" validate:"required"`
	RequestChannel string `json:"requestChannel" validate:"required"`
	EventChannel   string `json:"eventChannel" validate:"required"`
}

// TransportFactory builds the transport a Controller connects through.
type TransportFactory func(bridgeURL, path, protocol string) transport.Transport

// Option tweaks Controller construction.
type Option func(*settings)

type settings struct {
	factory TransportFactory
	timeout time.Duration
}

// WithTransportFactory overrides the default polling transport.
func WithTransportFactory(f TransportFactory) Option {
	return func(s *settings) { s.factory = f }
}

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// Controller correlates typed requests with typed responses over one
// transport connection.
type Controller[Req, Res any] struct {
	opts     Options
	protocol string
	factory  TransportFactory

	mu sync.Mutex
	tr transport.Transport

	callbacks *callback.Controller[Res]

	eventStream *events.Stream[json.RawMessage]
	emitEvent   events.EmitFunc[json.RawMessage]
	errorStream *events.Stream[error]
	emitError   events.EmitFunc[error]
}

type wrappedRequest[T any] struct {
	RequestID string `json:"requestId"`
	Request   T      `json:"request"`
}

type wrappedResponse struct {
	RequestID string          `json:"requestId" validate:"required,uuid4"`
	Response  json.RawMessage `json:"response" validate:"required"`
}

// New returns an unconnected Controller for the given wire coordinates.
func New[Req, Res any](opts Options, o ...Option) (*Controller[Req, Res], error) {
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("bridge options: %w", err)
	}
	s := settings{
		factory: func(bridgeURL, path, protocol string) transport.Transport {
			return transport.NewPolling(bridgeURL, path, protocol)
		},
		timeout: DefaultRequestTimeout,
	}
	for _, opt := range o {
		opt(&s)
	}

	c := &Controller[Req, Res]{
		opts:      opts,
		protocol:  strings.TrimSuffix(opts.RequestChannel, "Request"),
		factory:   s.factory,
		callbacks: callback.New[Res](s.timeout),
	}
	c.eventStream, c.emitEvent = events.New[json.RawMessage]()
	c.errorStream, c.emitError = events.New[error]()
	c.callbacks.SetTimeoutHandler(func(id string) {
		metrics.RecordRequestTimeout(c.protocol)
		logx.Log.Warn().Str("request_id", id).Str("protocol", c.protocol).Msg("request timed out")
	})
	return c, nil
}

// Connect attaches a fresh transport and keeps retrying the handshake with
// backoff until it succeeds or ctx is done. An existing transport is torn
// down first, so Connect is also how a caller re-establishes a dropped
// connection.
func (c *Controller[Req, Res]) Connect(ctx context.Context) error {
	c.Disconnect()

	tr := c.factory(c.opts.BridgeURL, c.opts.Path, c.protocol)
	tr.OnError(func(err error) { c.emitError(err) })
	tr.On(c.opts.RequestChannel, c.handleResponse)
	tr.On(c.opts.EventChannel, c.handleEvent)

	for attempt := 0; ; attempt++ {
		err := tr.Connect(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := reconnect.Delay(attempt)
		logx.Log.Warn().Dur("backoff", delay).Err(err).Str("protocol", c.protocol).Msg("bridge handshake failed; retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	c.mu.Lock()
	c.tr = tr
	c.mu.Unlock()
	return nil
}

// Connected reports whether a transport is attached and considers itself
// connected.
func (c *Controller[Req, Res]) Connected() bool {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	return tr != nil && tr.Connected()
}

// Send emits req on the request channel under a fresh request id and returns
// the pending handle for its response. It fails fast when no transport is
// attached.
func (c *Controller[Req, Res]) Send(req Req) (*callback.Pending[Res], error) {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return nil, ErrNotConnected
	}

	id := uuid.NewString()
	pending := c.callbacks.Add(id)
	if err := tr.Emit(c.opts.RequestChannel, wrappedRequest[Req]{RequestID: id, Request: req}); err != nil {
		c.callbacks.Remove(id)
		return nil, fmt.Errorf("emit request: %w", err)
	}
	metrics.RecordRequestSent(c.protocol)
	return pending, nil
}

// Disconnect tears the transport down. Pending requests are left to their
// timeout so late teardown never masks an in-flight failure. Safe to call
// repeatedly and before Connect.
func (c *Controller[Req, Res]) Disconnect() {
	c.mu.Lock()
	tr := c.tr
	c.tr = nil
	c.mu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
}

// Events is the stream of unsolicited payloads from the event channel.
func (c *Controller[Req, Res]) Events() *events.Stream[json.RawMessage] {
	return c.eventStream
}

// Errors is the stream of transport errors.
func (c *Controller[Req, Res]) Errors() *events.Stream[error] {
	return c.errorStream
}

// Serialize captures the wire coordinates as JSON. The connection state and
// pending requests are deliberately not part of the snapshot.
func (c *Controller[Req, Res]) Serialize() ([]byte, error) {
	return json.Marshal(c.opts)
}

// Deserialize restores a disconnected Controller from a Serialize snapshot.
func Deserialize[Req, Res any](data []byte, o ...Option) (*Controller[Req, Res], error) {
	var opts Options
	if err := json.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("bridge snapshot: %w", err)
	}
	return New[Req, Res](opts, o...)
}

// handleResponse validates one wrapped response and settles its pending
// entry. Malformed envelopes and unknown ids are dropped; neither can affect
// an unrelated pending request.
func (c *Controller[Req, Res]) handleResponse(payload json.RawMessage) {
	var w wrappedResponse
	if err := json.Unmarshal(payload, &w); err != nil {
		metrics.RecordResponseDropped(c.protocol, "malformed")
		logx.Log.Debug().Err(err).Str("protocol", c.protocol).Msg("response envelope decode failed; dropped")
		return
	}
	if err := validate.Struct(w); err != nil {
		metrics.RecordResponseDropped(c.protocol, "invalid")
		logx.Log.Debug().Err(err).Str("protocol", c.protocol).Msg("response envelope invalid; dropped")
		return
	}
	var res Res
	if err := json.Unmarshal(w.Response, &res); err != nil {
		metrics.RecordResponseDropped(c.protocol, "malformed")
		logx.Log.Debug().Err(err).Str("request_id", w.RequestID).Msg("response body decode failed; dropped")
		return
	}
	if !c.callbacks.Resolve(w.RequestID, res) {
		metrics.RecordResponseDropped(c.protocol, "unknown_id")
		logx.Log.Debug().Str("request_id", w.RequestID).Str("protocol", c.protocol).Msg("response for unknown request id; dropped")
		return
	}
	metrics.RecordResponseMatched(c.protocol)
}

func (c *Controller[Req, Res]) handleEvent(payload json.RawMessage) {
	metrics.RecordEvent(c.protocol)
	c.emitEvent(payload)
}
