// Package metrics exports relay telemetry to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/session-relay/backend/internal/envelope"
)

const namespace = "session_relay"

// Sizer reports the live channel and socket counts.
type Sizer interface {
	Len() int
	SocketCount() int
}

// Collector is a prometheus.Collector for the gateway, the channel registry
// and the heartbeat scheduler. It also implements heartbeat.Observer.
type Collector struct {
	channels         prometheus.GaugeFunc
	sockets          prometheus.GaugeFunc
	loops            prometheus.Gauge
	ticks            *prometheus.CounterVec
	topicResults     *prometheus.CounterVec
	envelopes        *prometheus.CounterVec
	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
}

func NewCollector(sizer Sizer) *Collector {
	return &Collector{
		channels: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels",
			Help:      "The number of live session channels.",
		}, func() float64 { return float64(sizer.Len()) }),
		sockets: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sockets",
			Help:      "The number of sockets attached to session channels.",
		}, func() float64 { return float64(sizer.SocketCount()) }),
		loops: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heartbeat_loops",
			Help:      "The number of running heartbeat loops.",
		}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_ticks_total",
			Help:      "Heartbeat ticks by outcome.",
		}, []string{"outcome"}),
		topicResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topic_heartbeats_total",
			Help:      "Topic heartbeats by topic and result.",
		}, []string{"topic", "result"}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_sent_total",
			Help:      "Envelopes delivered to sockets by type.",
		}, []string{"type"}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream HTTP requests by status code and method.",
		}, []string{"code", "method"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Latency of upstream HTTP requests.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method"}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.collectors() {
		m.Describe(ch)
	}
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.collectors() {
		m.Collect(ch)
	}
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.channels, c.sockets, c.loops, c.ticks,
		c.topicResults, c.envelopes, c.upstreamRequests, c.upstreamDuration,
	}
}

func (c *Collector) Tick(outcome string) {
	c.ticks.WithLabelValues(outcome).Inc()
}

func (c *Collector) TopicResult(topic string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.topicResults.WithLabelValues(topic, result).Inc()
}

func (c *Collector) Loops(running int) {
	c.loops.Set(float64(running))
}

// ObserveBroadcast counts n delivered envelopes of type typ. It matches
// channel.WithBroadcastObserver.
func (c *Collector) ObserveBroadcast(typ envelope.Type, n int) {
	if n <= 0 {
		return
	}
	c.envelopes.WithLabelValues(string(typ)).Add(float64(n))
}

// InstrumentTransport wraps next so every upstream request is counted and
// timed.
func (c *Collector) InstrumentTransport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return promhttp.InstrumentRoundTripperCounter(c.upstreamRequests,
		promhttp.InstrumentRoundTripperDuration(c.upstreamDuration, next))
}

// NewRegistry returns a registry holding c plus the Go runtime and process
// collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the metrics of reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
