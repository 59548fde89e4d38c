package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/session-relay/backend/internal/envelope"
)

type fixedSizer struct{ channels, sockets int }

func (f fixedSizer) Len() int         { return f.channels }
func (f fixedSizer) SocketCount() int { return f.sockets }

func TestSchedulerEvents(t *testing.T) {
	c := NewCollector(fixedSizer{})

	c.Tick("ok")
	c.Tick("ok")
	c.Tick("auth_expired")
	c.TopicResult("sessions", nil)
	c.TopicResult("sessions", errors.New("boom"))
	c.Loops(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.ticks.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ticks.WithLabelValues("auth_expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.topicResults.WithLabelValues("sessions", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.topicResults.WithLabelValues("sessions", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.loops))
}

func TestObserveBroadcast(t *testing.T) {
	c := NewCollector(fixedSizer{})
	c.ObserveBroadcast(envelope.TypeVersion, 3)
	c.ObserveBroadcast(envelope.TypeVersion, 0)
	c.ObserveBroadcast(envelope.TypeSessions, 1)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.envelopes.WithLabelValues("version")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.envelopes.WithLabelValues("sessions")))
}

func TestSizerGauges(t *testing.T) {
	c := NewCollector(fixedSizer{channels: 2, sockets: 5})
	assert.Equal(t, 2.0, testutil.ToFloat64(c.channels))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.sockets))
}

func TestInstrumentTransport(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{}`)
	}))
	defer upstream.Close()

	c := NewCollector(fixedSizer{})
	client := &http.Client{Transport: c.InstrumentTransport(nil)}

	for _, path := range []string{"/ok", "/ok", "/missing"} {
		resp, err := client.Get(upstream.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(c.upstreamRequests.WithLabelValues("200", "get")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.upstreamRequests.WithLabelValues("404", "get")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector(fixedSizer{channels: 1, sockets: 1})
	c.Tick("ok")
	reg := NewRegistry(c)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	for _, name := range []string{
		"session_relay_channels 1",
		"session_relay_sockets 1",
		`session_relay_heartbeat_ticks_total{outcome="ok"} 1`,
		"go_goroutines",
	} {
		assert.True(t, strings.Contains(body, name), "missing %q", name)
	}
}
