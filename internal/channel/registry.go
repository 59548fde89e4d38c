package channel

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/session-relay/backend/internal/envelope"
)

// Lifecycle receives channel creation and teardown notifications. Both hooks
// run while the registry lock is held so they are never reordered for a
// session; implementations must return quickly and must not call back into
// the Registry.
type Lifecycle interface {
	Attached(ch *Channel, created bool)
	Destroyed(ch *Channel)
}

// Registry maps session ids to channels. A channel exists exactly as long as
// it has at least one socket.
type Registry struct {
	logger zerolog.Logger
	onSend func(envelope.Type, int)

	mu        sync.Mutex
	channels  map[string]*Channel
	lifecycle Lifecycle
}

type Option func(*Registry)

// WithBroadcastObserver registers fn to be called after every broadcast with
// the envelope type and the number of sockets reached.
func WithBroadcastObserver(fn func(envelope.Type, int)) Option {
	return func(r *Registry) { r.onSend = fn }
}

func NewRegistry(logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		logger:   logger,
		channels: make(map[string]*Channel),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetLifecycle installs the lifecycle hooks. Must be called before the first Attach.
func (r *Registry) SetLifecycle(l Lifecycle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lifecycle = l
}

// Attach adds s to the channel for sessionID, creating the channel if needed.
func (r *Registry) Attach(sessionID string, s Socket) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[sessionID]
	created := !ok
	if created {
		ch = newChannel(sessionID, r.logger.With().Str("session", ShortID(sessionID)).Logger(), r.onSend)
		r.channels[sessionID] = ch
		r.logger.Debug().Str("session", ShortID(sessionID)).Msg("creating channel")
	}
	ch.add(s)
	if !created {
		r.logger.Debug().Str("session", ShortID(sessionID)).Int("sockets", ch.Len()).Msg("socket added to channel")
	}

	if r.lifecycle != nil {
		r.lifecycle.Attached(ch, created)
	}
	return ch, created
}

// Detach removes s from its channel and drops the channel when s was the
// last socket. It reports whether the channel was destroyed.
func (r *Registry) Detach(sessionID string, s Socket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[sessionID]
	if !ok {
		r.logger.Warn().Str("session", ShortID(sessionID)).Msg("detach for unknown channel")
		return false
	}

	remaining, found := ch.remove(s)
	if !found {
		r.logger.Warn().Str("session", ShortID(sessionID)).Str("socket", s.ID()).Msg("socket not found in channel")
	}
	if remaining > 0 {
		return false
	}

	delete(r.channels, sessionID)
	ch.markClosed()
	r.logger.Info().Str("session", ShortID(sessionID)).Msg("last socket gone, channel deleted")

	if r.lifecycle != nil {
		r.lifecycle.Destroyed(ch)
	}
	return true
}

// Get returns the live channel for sessionID.
func (r *Registry) Get(sessionID string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[sessionID]
	return ch, ok
}

// Len returns the number of live channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Sessions returns the live session ids, sorted.
func (r *Registry) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.channels))
	for id := range r.channels {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SocketCount returns the number of sockets across all channels.
func (r *Registry) SocketCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ch := range r.channels {
		n += ch.Len()
	}
	return n
}

// ShortID truncates a session id for logging.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "…"
}
