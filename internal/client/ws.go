// Package client is a reconnecting relay client used by the watch command.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/session-relay/backend/internal/envelope"
)

const (
	defaultReconnectBase = time.Second
	defaultReconnectMax  = 30 * time.Second
	defaultReadTimeout   = 60 * time.Second
	defaultPingInterval  = 30 * time.Second
	writeTimeout         = 10 * time.Second
)

var ErrNotConnected = errors.New("not connected")

// Instruction is one client frame sent after every (re)connect.
type Instruction struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type Options struct {
	URL        string
	CookieName string
	SessionID  string
	// Subscriptions are replayed on every connection, in order.
	Subscriptions []Instruction

	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// ReadTimeout closes a connection that received nothing, not even a
	// server ping, for this long.
	ReadTimeout  time.Duration
	PingInterval time.Duration

	Clock  clock.Clock
	Logger zerolog.Logger
}

// Client maintains one connection at a time and redials with exponential
// backoff when it drops.
type Client struct {
	opts   Options
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	dials   int
}

func New(opts Options) *Client {
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = defaultReconnectBase
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = defaultReconnectMax
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &Client{
		opts:   opts,
		dialer: websocket.DefaultDialer,
		logger: opts.Logger.With().Str("component", "client").Logger(),
	}
}

// Run delivers every envelope to handle until ctx is done. It only returns
// ctx's error.
func (c *Client) Run(ctx context.Context, handle func(envelope.Envelope)) error {
	delay := c.opts.ReconnectBase
	for {
		connected, err := c.session(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			delay = c.opts.ReconnectBase
		}
		c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("connection lost")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.opts.Clock.After(delay):
		}
		delay = min(delay*2, c.opts.ReconnectMax)
	}
}

// Dials reports how many connections were attempted.
func (c *Client) Dials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

// Send writes an instruction on the current connection.
func (c *Client) Send(in Instruction) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, in)
}

func (c *Client) write(conn *websocket.Conn, in Instruction) error {
	if in.Data == nil {
		in.Data = map[string]any{}
	}
	frame := struct {
		Timestamp time.Time `json:"timestamp"`
		Instruction
	}{Timestamp: c.opts.Clock.Now().UTC(), Instruction: in}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(frame)
}

// session runs one connection. connected reports whether the dial
// succeeded.
func (c *Client) session(ctx context.Context, handle func(envelope.Envelope)) (connected bool, err error) {
	header := http.Header{}
	if c.opts.SessionID != "" && c.opts.CookieName != "" {
		header.Set("Cookie", (&http.Cookie{Name: c.opts.CookieName, Value: c.opts.SessionID}).String())
	}

	c.mu.Lock()
	c.dials++
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return false, err
	}
	c.logger.Info().Str("url", c.opts.URL).Msg("connected")

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for _, sub := range c.opts.Subscriptions {
		if err := c.write(conn, sub); err != nil {
			return true, err
		}
	}

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(pingCtx, conn)

	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		var env envelope.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debug().Err(err).Msg("skipping undecodable frame")
			continue
		}
		handle(env)
	}
}

// pingLoop sends ping instructions so intermediaries keep the connection
// open. It exits when ctx is cancelled or a write fails.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.opts.Clock.After(c.opts.PingInterval):
			if err := c.write(conn, Instruction{Type: "ping"}); err != nil {
				return
			}
		}
	}
}
