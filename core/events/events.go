// Package events provides typed listener streams. A Stream carries payloads
// of exactly one type; the emit side is a capability returned by New and held
// only by the component that owns the stream, so external code can subscribe
// but never forge events.
package events

import (
	"sync"

	"github.com/tconnect-io/tconnect-go/core/logx"
)

// EmitFunc delivers a payload to every current subscriber of its Stream.
type EmitFunc[T any] func(T)

type subscriber[T any] struct {
	fn   func(T)
	once bool
}

// Stream is the subscriber-facing side of a typed event channel.
type Stream[T any] struct {
	mu       sync.Mutex
	nextID   int
	subs     map[int]subscriber[T]
	disposed bool
}

// New returns a stream and its emit capability.
func New[T any]() (*Stream[T], EmitFunc[T]) {
	s := &Stream[T]{subs: make(map[int]subscriber[T])}
	return s, s.emit
}

// On registers fn for every future payload and returns its unsubscribe
// function. On a disposed stream it is a no-op.
func (s *Stream[T]) On(fn func(T)) (off func()) {
	return s.subscribe(fn, false)
}

// Once registers fn for the next payload only.
func (s *Stream[T]) Once(fn func(T)) (off func()) {
	return s.subscribe(fn, true)
}

func (s *Stream[T]) subscribe(fn func(T), once bool) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = subscriber[T]{fn: fn, once: once}
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// RemoveAll drops every subscriber.
func (s *Stream[T]) RemoveAll() {
	s.mu.Lock()
	s.subs = make(map[int]subscriber[T])
	s.mu.Unlock()
}

// Dispose drops every subscriber and makes further On/Once calls no-ops.
func (s *Stream[T]) Dispose() {
	s.mu.Lock()
	s.subs = make(map[int]subscriber[T])
	s.disposed = true
	s.mu.Unlock()
}

// Len reports the current subscriber count.
func (s *Stream[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// emit snapshots the subscriber set, removes one-shot entries, and invokes
// listeners outside the lock. Listener panics are recovered and logged so a
// misbehaving subscriber cannot destabilize the emitter.
func (s *Stream[T]) emit(payload T) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	fns := make([]func(T), 0, len(s.subs))
	for id, sub := range s.subs {
		fns = append(fns, sub.fn)
		if sub.once {
			delete(s.subs, id)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		invoke(fn, payload)
	}
}

func invoke[T any](fn func(T), payload T) {
	defer func() {
		if r := recover(); r != nil {
			logx.Log.Error().Interface("panic", r).Msg("event listener panicked")
		}
	}()
	fn(payload)
}
