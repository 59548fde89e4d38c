// Package ws is the connection gateway: it upgrades client connections,
// attaches them to session channels and dispatches their instructions.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/session-relay/backend/internal/auth"
	"github.com/session-relay/backend/internal/channel"
	"github.com/session-relay/backend/internal/envelope"
	"github.com/session-relay/backend/internal/heartbeat"
	"github.com/session-relay/backend/internal/monitor"
	"github.com/session-relay/backend/internal/topic"
)

const (
	msgConnected    = "Connection established."
	msgNoSession    = "The request does not contain a valid session ID. Notifications are disabled for this connection."
	defaultReadSize = 64 << 10
)

type Options struct {
	AllowedOrigins []string
	// SessionCookie and SessionHeader name where the session id is read
	// from, in that order.
	SessionCookie string
	SessionHeader string
	SendQueue     int
	WriteTimeout  time.Duration
	ReadLimit     int64
	Version       string
}

// Deps are the collaborators of the gateway. Scheduler and Process are only
// used by the health endpoint and may be nil.
type Deps struct {
	Registry  *channel.Registry
	Topics    *topic.Set
	Auth      auth.Authenticator
	Scheduler *heartbeat.Scheduler
	Process   *monitor.Sampler
	Logger    zerolog.Logger
}

type Server struct {
	deps           Deps
	opts           Options
	logger         zerolog.Logger
	upgrader       websocket.Upgrader
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	started        time.Time
}

func NewServer(deps Deps, opts Options) *Server {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadSize
	}
	s := &Server{
		deps:           deps,
		opts:           opts,
		logger:         deps.Logger.With().Str("component", "gateway").Logger(),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		started:        time.Now(),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

// SetupRoutes registers the socket and health endpoints. /metrics is added
// by the caller that owns the Prometheus registry.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/health", s.handleHealth)
}

// Handler wraps mux with the security headers every response carries.
func Handler(mux *http.ServeMux) http.Handler {
	return securityHeaders(mux)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) sessionID(r *http.Request) string {
	if s.opts.SessionCookie != "" {
		if c, err := r.Cookie(s.opts.SessionCookie); err == nil && c.Value != "" {
			return c.Value
		}
	}
	if s.opts.SessionHeader != "" {
		return strings.TrimSpace(r.Header.Get(s.opts.SessionHeader))
	}
	return ""
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("ws upgrade failed")
		return
	}
	conn.SetReadLimit(s.opts.ReadLimit)

	// Hijacked requests are not canceled when the peer goes away.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	sid := s.sessionID(r)
	sock := newSocket(conn, s.opts.SendQueue, s.opts.WriteTimeout, s.logger)
	log := sock.logger.With().Str("session", channel.ShortID(sid)).Logger()
	defer sock.Close()

	var ch *channel.Channel
	if sid == "" {
		log.Info().Str("remote", r.RemoteAddr).Msg("connection without session id, notifications disabled")
		_ = sock.Send(envelope.User(envelope.TypeInit, map[string]any{"message": msgNoSession, "anonymous": true}).Bytes())
	} else {
		var created bool
		ch, created = s.deps.Registry.Attach(sid, sock)
		log.Debug().Bool("new_channel", created).Int("sockets", ch.Len()).Msg("socket attached")
		defer func() {
			s.deps.Registry.Detach(sid, sock)
			log.Debug().Msg("socket detached")
		}()
		s.checkCredentials(ctx, sid, sock, log)
		_ = sock.Send(envelope.Init(msgConnected).Bytes())
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("connection closed unexpectedly")
			}
			return
		}
		s.dispatch(ctx, sid, ch, sock, raw, log)
	}
}

// checkCredentials tells a freshly connected client right away when its
// credentials cannot be used, before any heartbeat runs.
func (s *Server) checkCredentials(ctx context.Context, sid string, sock *socket, log zerolog.Logger) {
	if s.deps.Auth == nil {
		return
	}
	_, err := s.deps.Auth.Credentials(ctx, sid)
	switch {
	case errors.Is(err, auth.ErrExpired):
		_ = sock.Send(envelope.Authentication(true, false).Bytes())
	case errors.Is(err, auth.ErrInvalid):
		_ = sock.Send(envelope.Authentication(false, true).Bytes())
	case err != nil:
		log.Warn().Err(err).Msg("initial credential check failed")
	}
}

func (s *Server) dispatch(ctx context.Context, sid string, ch *channel.Channel, sock *socket, raw []byte, log zerolog.Logger) {
	msg, err := envelope.ParseClientMessage(raw)
	if err != nil {
		info := "Incoming message is bad formed: " + err.Error()
		log.Warn().Err(err).Msg("malformed client message")
		_ = sock.Send(envelope.Error(info).Bytes())
		return
	}

	h, ok := s.deps.Topics.Lookup(msg.Type)
	if !ok {
		info := fmt.Sprintf("Instruction of type '%s' is not supported.", msg.Type)
		log.Warn().Str("type", msg.Type).Msg("unsupported instruction")
		_ = sock.Send(envelope.Error(info).Bytes())
		return
	}
	if h.RequiresSession() && ch == nil {
		info := fmt.Sprintf("Instruction of type '%s' requires a session.", msg.Type)
		_ = sock.Send(envelope.Error(info).Bytes())
		return
	}

	defer func() {
		if r := recover(); r != nil {
			info := fmt.Sprintf("Error while executing the '%s' command: %v", msg.Type, r)
			log.Error().Str("type", msg.Type).Interface("panic", r).Msg("instruction handler panicked")
			_ = sock.Send(envelope.Error(info).Bytes())
		}
	}()
	h.HandleRequest(ctx, topic.Request{SessionID: sid, Data: msg.Data, Channel: ch, Socket: sock})
}

// HealthReport is the body of /api/health.
type HealthReport struct {
	Status   string                  `json:"status"`
	Version  string                  `json:"version,omitempty"`
	Uptime   string                  `json:"uptime"`
	Channels int                     `json:"channels"`
	Sockets  int                     `json:"sockets"`
	Loops    int                     `json:"loops"`
	Topics   []heartbeat.TopicHealth `json:"topics,omitempty"`
	Process  *monitor.ProcessStats   `json:"process,omitempty"`
}

func (s *Server) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:   string(heartbeat.StatusHealthy),
		Version:  s.opts.Version,
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Channels: s.deps.Registry.Len(),
		Sockets:  s.deps.Registry.SocketCount(),
	}
	if s.deps.Scheduler != nil {
		report.Loops = s.deps.Scheduler.Running()
		report.Topics = s.deps.Scheduler.Health()
		for _, th := range report.Topics {
			if th.Status != heartbeat.StatusHealthy {
				report.Status = string(heartbeat.StatusDegraded)
			}
		}
	}
	if s.deps.Process != nil {
		if stats, err := s.deps.Process.Sample(ctx); err == nil {
			report.Process = &stats
		} else {
			s.logger.Debug().Err(err).Msg("process stats unavailable")
		}
	}
	return report
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Health(r.Context())); err != nil {
		s.logger.Debug().Err(err).Msg("writing health report")
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}
	hostname := parsed.Hostname()
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}
