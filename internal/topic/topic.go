// Package topic holds the closed table of topics a client can subscribe to
// over its session socket, and the per-topic request and heartbeat logic.
package topic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/rs/zerolog"

	"github.com/session-relay/backend/internal/auth"
	"github.com/session-relay/backend/internal/channel"
	"github.com/session-relay/backend/internal/envelope"
	"github.com/session-relay/backend/internal/fingerprint"
	"github.com/session-relay/backend/internal/upstream"
)

type Name string

const (
	Sessions   Name = "sessions"
	SessionsV2 Name = "sessionsV2"
	Activation Name = "activation"
	Version    Name = "version"
	Prometheus Name = "prometheusQuery"
	Init       Name = "init"
	Ping       Name = "ping"
)

// ErrInvalidRequest is wrapped by every validation failure.
var ErrInvalidRequest = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Request is one client instruction addressed to a topic. Channel is nil
// when the socket has no session.
type Request struct {
	SessionID string
	Data      map[string]any
	Channel   *channel.Channel
	Socket    channel.Socket
}

// reply sends env to the requesting socket only.
func (r Request) reply(env envelope.Envelope) error {
	if r.Socket == nil {
		return errors.New("request has no socket")
	}
	return r.Socket.Send(env.Bytes())
}

// Heartbeat is the input of one periodic check for a channel.
type Heartbeat struct {
	Channel     *channel.Channel
	Credentials http.Header
}

// Handler is one entry of the topic table.
type Handler interface {
	Name() Name
	// RequiresSession reports whether the topic can only be used by a socket
	// attached to a session channel.
	RequiresSession() bool
	// HandleRequest validates and applies a client instruction. Invalid
	// instructions are dropped, except for request/response topics which
	// answer with an error payload.
	HandleRequest(ctx context.Context, req Request)
	// Polls reports whether Heartbeat does anything.
	Polls() bool
	Heartbeat(ctx context.Context, hb Heartbeat) error
}

// Deps are the capabilities topic handlers call out to.
type Deps struct {
	Fetcher       upstream.Fetcher
	Auth          auth.Authenticator
	UpstreamURL   string
	PrometheusURL string
	// Version returns the build identifier announced to clients.
	Version func() string
	// ActivationConcurrency bounds the per-tick activation fetches.
	ActivationConcurrency int
	Logger                zerolog.Logger
}

// definition adapts a typed triple of validate, onRequest and onHeartbeat
// to the Handler interface.
type definition[P any] struct {
	name        Name
	anonymous   bool
	validate    func(data map[string]any) (P, error)
	onRequest   func(ctx context.Context, req Request, p P)
	onInvalid   func(ctx context.Context, req Request, err error)
	onHeartbeat func(ctx context.Context, hb Heartbeat) error
	logger      zerolog.Logger
}

func (d *definition[P]) Name() Name            { return d.name }
func (d *definition[P]) RequiresSession() bool { return !d.anonymous }
func (d *definition[P]) Polls() bool           { return d.onHeartbeat != nil }

func (d *definition[P]) HandleRequest(ctx context.Context, req Request) {
	if req.Data == nil {
		req.Data = map[string]any{}
	}
	p, err := d.validate(req.Data)
	if err != nil {
		if d.onInvalid != nil {
			d.onInvalid(ctx, req, err)
			return
		}
		d.logger.Debug().Err(err).Str("topic", string(d.name)).Msg("ignoring invalid instruction")
		return
	}
	d.onRequest(ctx, req, p)
}

func (d *definition[P]) Heartbeat(ctx context.Context, hb Heartbeat) error {
	if d.onHeartbeat == nil {
		return nil
	}
	return d.onHeartbeat(ctx, hb)
}

// Set is the closed topic table.
type Set struct {
	handlers map[Name]Handler
	polling  []Handler
}

// NewSet builds the table of every supported topic.
func NewSet(deps Deps) *Set {
	if deps.Version == nil {
		deps.Version = func() string { return "" }
	}
	if deps.ActivationConcurrency <= 0 {
		deps.ActivationConcurrency = 8
	}

	s := &Set{handlers: make(map[Name]Handler)}
	for _, h := range []Handler{
		newSessions(deps),
		newSessionsV2(deps),
		newActivation(deps),
		newVersion(deps),
		newPrometheus(deps),
		newInit(deps),
		newPing(deps),
	} {
		s.handlers[h.Name()] = h
		if h.Polls() {
			s.polling = append(s.polling, h)
		}
	}
	sort.Slice(s.polling, func(i, j int) bool { return s.polling[i].Name() < s.polling[j].Name() })
	return s
}

// Lookup returns the handler for a client message type.
func (s *Set) Lookup(name string) (Handler, bool) {
	h, ok := s.handlers[Name(name)]
	return h, ok
}

// Polling returns the topics with a heartbeat, sorted by name.
func (s *Set) Polling() []Handler {
	out := make([]Handler, len(s.polling))
	copy(out, s.polling)
	return out
}

// Names returns every registered topic, sorted.
func (s *Set) Names() []Name {
	out := make([]Name, 0, len(s.handlers))
	for n := range s.handlers {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func fingerprintKey(n Name) string { return string(n) + ".fingerprint" }

// subscribe activates topic n and forgets its last observation so the next
// heartbeat pushes a fresh baseline.
func subscribe(ch *channel.Channel, n Name) {
	ch.Delete(fingerprintKey(n))
	ch.Activate(string(n))
}

// pushIfChanged fingerprints payload, stores the token and broadcasts when
// it differs from the previous observation. It reports whether a frame went
// out.
func pushIfChanged(ch *channel.Channel, n Name, typ envelope.Type, payload any) (bool, error) {
	tok, err := fingerprint.Of(payload)
	if err != nil {
		return false, fmt.Errorf("fingerprinting %s: %w", n, err)
	}

	changed := false
	ch.Update(fingerprintKey(n), func(old any, _ bool) any {
		prev, _ := old.(fingerprint.Token)
		changed = fingerprint.HasChanged(prev, tok)
		return tok
	})
	if !changed {
		return false, nil
	}
	ch.Broadcast(envelope.User(typ, payload))
	return true, nil
}

func noValidation(map[string]any) (struct{}, error) { return struct{}{}, nil }

func stringField(data map[string]any, key string) (string, error) {
	raw, ok := data[key]
	if !ok {
		return "", invalid("missing %q", key)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", invalid("%q must be a non-empty string", key)
	}
	return s, nil
}
