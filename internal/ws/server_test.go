package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/session-relay/backend/internal/auth"
	"github.com/session-relay/backend/internal/channel"
	"github.com/session-relay/backend/internal/envelope"
	"github.com/session-relay/backend/internal/topic"
)

const (
	testCookie = "relay-session"
	testHeader = "X-Session-Id"
)

type gateway struct {
	srv      *httptest.Server
	registry *channel.Registry
	server   *Server
}

func newGateway(t *testing.T, authenticator auth.Authenticator) *gateway {
	t.Helper()
	registry := channel.NewRegistry(zerolog.Nop())
	topics := topic.NewSet(topic.Deps{
		Version: func() string { return "test" },
		Logger:  zerolog.Nop(),
	})
	server := NewServer(Deps{
		Registry: registry,
		Topics:   topics,
		Auth:     authenticator,
		Logger:   zerolog.Nop(),
	}, Options{
		SessionCookie: testCookie,
		SessionHeader: testHeader,
		Version:       "test",
	})
	mux := http.NewServeMux()
	server.SetupRoutes(mux)
	srv := httptest.NewServer(Handler(mux))
	t.Cleanup(srv.Close)
	return &gateway{srv: srv, registry: registry, server: server}
}

func (g *gateway) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func withCookie(sessionID string) http.Header {
	h := http.Header{}
	h.Set("Cookie", testCookie+"="+sessionID)
	return h
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func TestConnectWithSessionCookie(t *testing.T) {
	g := newGateway(t, nil)
	conn := g.dial(t, withCookie("session-1"))

	env := readEnvelope(t, conn)
	assert.Equal(t, envelope.TypeInit, env.Type)
	assert.Equal(t, envelope.ScopeUser, env.Scope)
	assert.Equal(t, "Connection established.", env.Data["message"])

	require.Eventually(t, func() bool { return g.registry.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	_, ok := g.registry.Get("session-1")
	assert.True(t, ok)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return g.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestConnectWithSessionHeader(t *testing.T) {
	g := newGateway(t, nil)
	h := http.Header{}
	h.Set(testHeader, "session-2")
	conn := g.dial(t, h)

	assert.Equal(t, envelope.TypeInit, readEnvelope(t, conn).Type)
	_, ok := g.registry.Get("session-2")
	assert.True(t, ok)
}

func TestSocketsOfOneSessionShareAChannel(t *testing.T) {
	g := newGateway(t, nil)
	a := g.dial(t, withCookie("shared"))
	b := g.dial(t, withCookie("shared"))
	readEnvelope(t, a)
	readEnvelope(t, b)

	ch, ok := g.registry.Get("shared")
	require.True(t, ok)
	require.Eventually(t, func() bool { return ch.Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, ch.Broadcast(envelope.User(envelope.TypeVersion, map[string]any{"version": "v2"})))
	for _, conn := range []*websocket.Conn{a, b} {
		env := readEnvelope(t, conn)
		assert.Equal(t, envelope.TypeVersion, env.Type)
		assert.Equal(t, "v2", env.Data["version"])
	}

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return ch.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, ch.Closed())
}

func TestAnonymousConnectionIsDegraded(t *testing.T) {
	g := newGateway(t, nil)
	conn := g.dial(t, nil)

	env := readEnvelope(t, conn)
	assert.Equal(t, envelope.TypeInit, env.Type)
	assert.Equal(t, true, env.Data["anonymous"])
	assert.Equal(t, 0, g.registry.Len())

	send(t, conn, `{"type":"sessions","data":{}}`)
	env = readEnvelope(t, conn)
	assert.Equal(t, envelope.TypeError, env.Type)
	assert.Equal(t, "Instruction of type 'sessions' requires a session.", env.Data["message"])

	send(t, conn, `{"type":"ping"}`)
	env = readEnvelope(t, conn)
	assert.Equal(t, envelope.TypeAck, env.Type)
}

func TestCredentialCheckOnConnect(t *testing.T) {
	tests := []struct {
		name string
		err  error
		flag string
	}{
		{name: "expired", err: auth.ErrExpired, flag: "expired"},
		{name: "invalid", err: auth.ErrInvalid, flag: "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGateway(t, auth.Static{Err: tt.err})
			conn := g.dial(t, withCookie("session-1"))

			env := readEnvelope(t, conn)
			assert.Equal(t, envelope.TypeAuthentication, env.Type)
			assert.Equal(t, true, env.Data[tt.flag])
			assert.Equal(t, envelope.TypeInit, readEnvelope(t, conn).Type)
		})
	}
}

func TestTransientCredentialErrorStillConnects(t *testing.T) {
	g := newGateway(t, auth.Static{Err: assert.AnError})
	conn := g.dial(t, withCookie("session-1"))
	assert.Equal(t, envelope.TypeInit, readEnvelope(t, conn).Type)
}

func TestMalformedMessageKeepsConnectionOpen(t *testing.T) {
	g := newGateway(t, nil)
	conn := g.dial(t, withCookie("session-1"))
	readEnvelope(t, conn)

	for _, raw := range []string{`not json`, `{"data":{}}`, `{"type":"sessions","data":[1]}`} {
		send(t, conn, raw)
		env := readEnvelope(t, conn)
		assert.Equal(t, envelope.TypeError, env.Type, raw)
		assert.True(t, strings.HasPrefix(env.Data["message"].(string), "Incoming message is bad formed: "), raw)
	}

	send(t, conn, `{"type":"ping"}`)
	assert.Equal(t, envelope.TypeAck, readEnvelope(t, conn).Type)
}

func TestUnknownInstruction(t *testing.T) {
	g := newGateway(t, nil)
	conn := g.dial(t, withCookie("session-1"))
	readEnvelope(t, conn)

	send(t, conn, `{"timestamp":"2024-05-01T12:00:00Z","type":"pullSessionStatus","data":{}}`)
	env := readEnvelope(t, conn)
	assert.Equal(t, envelope.TypeError, env.Type)
	assert.Equal(t, "Instruction of type 'pullSessionStatus' is not supported.", env.Data["message"])

	send(t, conn, `{"type":"bogus","data":{}}`)
	env = readEnvelope(t, conn)
	assert.Equal(t, envelope.TypeError, env.Type)
	assert.Equal(t, "Instruction of type 'bogus' is not supported.", env.Data["message"])

	send(t, conn, `{"type":"ping","data":{}}`)
	env = readEnvelope(t, conn)
	assert.Equal(t, envelope.TypeAck, env.Type, "one error frame per unknown instruction, then the connection keeps working")
}

func TestSubscribeActivatesTopic(t *testing.T) {
	g := newGateway(t, nil)
	conn := g.dial(t, withCookie("session-1"))
	readEnvelope(t, conn)

	send(t, conn, `{"type":"sessionsV2","data":{}}`)
	send(t, conn, `{"type":"activation","data":{"projects":[4,7]}}`)

	ch, ok := g.registry.Get("session-1")
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		return ch.IsActive(string(topic.SessionsV2)) && ch.IsActive(string(topic.Activation))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealthEndpoint(t *testing.T) {
	g := newGateway(t, nil)
	conn := g.dial(t, withCookie("session-1"))
	readEnvelope(t, conn)

	resp, err := http.Get(g.srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var report HealthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, "healthy", report.Status)
	assert.Equal(t, "test", report.Version)
	assert.Equal(t, 1, report.Channels)
	assert.Equal(t, 1, report.Sockets)
	assert.Nil(t, report.Process)
}

func TestHealthEndpointRejectsPost(t *testing.T) {
	g := newGateway(t, nil)
	resp, err := http.Post(g.srv.URL+"/api/health", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}
	for header, expected := range want {
		assert.Equal(t, expected, rec.Header().Get(header), header)
	}
}

func TestCheckOrigin(t *testing.T) {
	open := NewServer(Deps{Logger: zerolog.Nop()}, Options{})
	restricted := NewServer(Deps{Logger: zerolog.Nop()}, Options{AllowedOrigins: []string{"https://renku.example.org", " "}})

	tests := []struct {
		name   string
		server *Server
		origin string
		host   string
		want   bool
	}{
		{name: "no origin", server: open, origin: "", host: "relay:8080", want: true},
		{name: "same host", server: open, origin: "http://relay:8080", host: "relay:8080", want: true},
		{name: "localhost", server: open, origin: "http://localhost:3000", host: "relay:8080", want: true},
		{name: "loopback v6", server: open, origin: "http://[::1]:3000", host: "relay:8080", want: true},
		{name: "foreign", server: open, origin: "https://evil.example.com", host: "relay:8080", want: false},
		{name: "garbage", server: open, origin: "::::", host: "relay:8080", want: false},
		{name: "allowed", server: restricted, origin: "https://renku.example.org", host: "relay:8080", want: true},
		{name: "allowed host other scheme", server: restricted, origin: "http://renku.example.org", host: "relay:8080", want: true},
		{name: "not allowed", server: restricted, origin: "http://localhost:3000", host: "relay:8080", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, tt.server.checkOrigin(req))
		})
	}
}
