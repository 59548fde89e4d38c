package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	// ErrSlowSocket is returned by Send when the socket's queue is full. The
	// socket is closed before returning.
	ErrSlowSocket = errors.New("socket send queue full")
	// ErrSocketClosed is returned by Send and Ping after Close.
	ErrSocketClosed = errors.New("socket closed")
)

type frameKind int

const (
	textFrame frameKind = iota
	pingFrame
)

type frame struct {
	kind frameKind
	data []byte
}

// socket wraps one upgraded connection. Writes go through a buffered queue
// drained by writePump, so a broadcast never blocks on a slow peer.
type socket struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       zerolog.Logger

	mu     sync.Mutex
	send   chan frame
	closed bool
	done   chan struct{}
}

func newSocket(conn *websocket.Conn, queue int, writeTimeout time.Duration, logger zerolog.Logger) *socket {
	if queue <= 0 {
		queue = 64
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	id := uuid.NewString()
	s := &socket{
		id:           id,
		conn:         conn,
		writeTimeout: writeTimeout,
		logger:       logger.With().Str("socket", id[:8]).Logger(),
		send:         make(chan frame, queue),
		done:         make(chan struct{}),
	}
	go s.writePump()
	return s
}

func (s *socket) ID() string { return s.id }

func (s *socket) Send(data []byte) error {
	return s.enqueue(frame{kind: textFrame, data: data})
}

func (s *socket) Ping() error {
	return s.enqueue(frame{kind: pingFrame})
}

func (s *socket) enqueue(f frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSocketClosed
	}
	select {
	case s.send <- f:
		return nil
	default:
		s.logger.Warn().Msg("socket too slow, disconnecting")
		s.closeLocked()
		_ = s.conn.Close()
		return ErrSlowSocket
	}
}

// Close stops the write pump after it flushed the queued frames. It is safe
// to call more than once.
func (s *socket) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *socket) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// Done is closed once the write pump has exited and the connection is closed.
func (s *socket) Done() <-chan struct{} { return s.done }

func (s *socket) writePump() {
	defer close(s.done)
	defer s.conn.Close()
	for f := range s.send {
		deadline := time.Now().Add(s.writeTimeout)
		var err error
		switch f.kind {
		case pingFrame:
			err = s.conn.WriteControl(websocket.PingMessage, nil, deadline)
		default:
			_ = s.conn.SetWriteDeadline(deadline)
			err = s.conn.WriteMessage(websocket.TextMessage, f.data)
		}
		if err != nil {
			s.logger.Debug().Err(err).Msg("write failed, closing socket")
			s.Close()
			return
		}
	}
}
