// Package channel groups the sockets of one user session and the scratch
// state topic handlers keep between heartbeats.
package channel

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/session-relay/backend/internal/envelope"
)

// Socket is one client connection attached to a channel.
type Socket interface {
	ID() string
	Send(data []byte) error
	Ping() error
}

// Channel is the per-session aggregate: attached sockets, per-topic data and
// the set of topics the client subscribed to. All methods are safe for
// concurrent use.
type Channel struct {
	sessionID string
	logger    zerolog.Logger
	onSend    func(envelope.Type, int)

	mu      sync.RWMutex
	sockets []Socket
	data    map[string]any
	active  map[string]struct{}
	closed  bool
}

func newChannel(sessionID string, logger zerolog.Logger, onSend func(envelope.Type, int)) *Channel {
	return &Channel{
		sessionID: sessionID,
		logger:    logger,
		onSend:    onSend,
		data:      make(map[string]any),
		active:    make(map[string]struct{}),
	}
}

func (c *Channel) SessionID() string { return c.sessionID }

// Logger returns a logger tagged with the channel's session.
func (c *Channel) Logger() zerolog.Logger { return c.logger }

// Sockets returns a snapshot of the attached sockets in attach order.
func (c *Channel) Sockets() []Socket {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Socket, len(c.sockets))
	copy(out, c.sockets)
	return out
}

func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sockets)
}

// Closed reports whether the registry already dropped this channel.
func (c *Channel) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// add appends s unless it is already attached.
func (c *Channel) add(s Socket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.sockets {
		if existing == s {
			return
		}
	}
	c.sockets = append(c.sockets, s)
}

// remove detaches s and returns how many sockets remain, and whether s was found.
func (c *Channel) remove(s Socket) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.sockets {
		if existing == s {
			c.sockets = append(c.sockets[:i:i], c.sockets[i+1:]...)
			return len(c.sockets), true
		}
	}
	return len(c.sockets), false
}

func (c *Channel) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Load returns the value stored under key.
func (c *Channel) Load(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *Channel) Store(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

func (c *Channel) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// Update replaces the value under key with fn(old) while holding the lock.
// Returning nil deletes the key.
func (c *Channel) Update(key string, fn func(old any, ok bool) any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.data[key]
	if next := fn(old, ok); next != nil {
		c.data[key] = next
	} else {
		delete(c.data, key)
	}
}

// Activate subscribes the channel to topic.
func (c *Channel) Activate(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[topic] = struct{}{}
}

func (c *Channel) Deactivate(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, topic)
}

func (c *Channel) IsActive(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.active[topic]
	return ok
}

// ActiveTopics returns the subscribed topics, sorted.
func (c *Channel) ActiveTopics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.active))
	for t := range c.active {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Broadcast serializes env once and sends it to every attached socket. It
// returns the number of sockets that accepted the frame. Send failures are
// logged; the socket's own read loop is responsible for detaching it.
func (c *Channel) Broadcast(env envelope.Envelope) int {
	data := env.Bytes()
	delivered := 0
	for _, s := range c.Sockets() {
		if err := s.Send(data); err != nil {
			c.logger.Warn().Err(err).Str("socket", s.ID()).Str("type", string(env.Type)).Msg("broadcast send failed")
			continue
		}
		delivered++
	}
	if c.onSend != nil {
		c.onSend(env.Type, delivered)
	}
	return delivered
}

// Ping sends a keepalive to every socket.
func (c *Channel) Ping() {
	for _, s := range c.Sockets() {
		if err := s.Ping(); err != nil {
			c.logger.Debug().Err(err).Str("socket", s.ID()).Msg("ping failed")
		}
	}
}
