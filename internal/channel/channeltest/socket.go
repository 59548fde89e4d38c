// Package channeltest provides an in-memory channel.Socket for tests.
package channeltest

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/session-relay/backend/internal/envelope"
)

// ErrClosed is returned by Send once the socket is closed.
var ErrClosed = errors.New("channeltest: socket closed")

// Socket records every frame sent to it. Frames are also pushed on a buffered
// channel so tests can wait for asynchronous sends.
type Socket struct {
	id string

	mu     sync.Mutex
	frames []envelope.Envelope
	pings  int
	closed bool
	fail   error

	arrivals chan envelope.Envelope
}

func NewSocket(id string) *Socket {
	return &Socket{id: id, arrivals: make(chan envelope.Envelope, 256)}
}

func (s *Socket) ID() string { return s.id }

func (s *Socket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.fail != nil {
		return s.fail
	}
	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	s.frames = append(s.frames, env)
	select {
	case s.arrivals <- env:
	default:
	}
	return nil
}

func (s *Socket) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.pings++
	return nil
}

// Close makes subsequent sends fail.
func (s *Socket) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// FailWith makes Send return err until cleared with nil.
func (s *Socket) FailWith(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

// Frames returns a copy of every frame received so far.
func (s *Socket) Frames() []envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]envelope.Envelope, len(s.frames))
	copy(out, s.frames)
	return out
}

// FramesOf returns the received frames of the given type.
func (s *Socket) FramesOf(typ envelope.Type) []envelope.Envelope {
	var out []envelope.Envelope
	for _, f := range s.Frames() {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (s *Socket) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

// Next waits up to timeout for the next frame.
func (s *Socket) Next(timeout time.Duration) (envelope.Envelope, bool) {
	select {
	case env := <-s.arrivals:
		return env, true
	case <-time.After(timeout):
		return envelope.Envelope{}, false
	}
}

// NextOf waits for the next frame of type typ, discarding others.
func (s *Socket) NextOf(typ envelope.Type, timeout time.Duration) (envelope.Envelope, bool) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return envelope.Envelope{}, false
		}
		env, ok := s.Next(remaining)
		if !ok {
			return envelope.Envelope{}, false
		}
		if env.Type == typ {
			return env, true
		}
	}
}
