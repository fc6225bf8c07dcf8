// Package metrics exposes the relay's fabric counters on a Prometheus
// registry. Each process builds one Metrics value and passes it to the
// components that record events; the control-plane engine serves the
// registry at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gin-gonic/gin"
)

// Metrics bundles the fabric's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	SessionsAccepted  prometheus.Counter
	SessionsRejected  prometheus.Counter
	SessionsPaired    prometheus.Counter
	SessionsClosed    prometheus.Counter
	PendingExpired    prometheus.Counter
	DatagramsIn       prometheus.Counter
	DatagramsOut      prometheus.Counter
	DatagramsDropped  prometheus.Counter
	EnvelopesDropped  prometheus.Counter
	FramingViolations prometheus.Counter
	BytesRelayed      prometheus.Counter
}

// New builds a Metrics value with its own registry, pre-populated with the
// standard Go and process collectors.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}

	return &Metrics{
		registry:          reg,
		SessionsAccepted:  counter("sessions_accepted_total", "Data-plane sessions accepted after a valid header."),
		SessionsRejected:  counter("sessions_rejected_total", "Data-plane sessions closed for an invalid or unbound header."),
		SessionsPaired:    counter("sessions_paired_total", "Idle sessions paired with pending TCP connections."),
		SessionsClosed:    counter("sessions_closed_total", "Sessions fully closed."),
		PendingExpired:    counter("pending_expired_total", "Pending TCP connections that timed out unpaired."),
		DatagramsIn:       counter("datagrams_in_total", "UDP datagrams received on public sockets."),
		DatagramsOut:      counter("datagrams_out_total", "UDP datagrams emitted to end users."),
		DatagramsDropped:  counter("datagrams_dropped_total", "UDP datagrams dropped before reaching a session."),
		EnvelopesDropped:  counter("envelopes_dropped_total", "Envelopes dropped at the session write watermark."),
		FramingViolations: counter("framing_violations_total", "Sessions closed for envelope protocol errors."),
		BytesRelayed:      counter("bytes_relayed_total", "Application bytes copied through paired TCP sessions."),
	}
}

// Handler returns a gin handler serving the registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
