// ABOUTME: Prometheus counters for the relay's proxy and control-connection paths.
// ABOUTME: Exposed at a config-gated metrics endpoint.

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the relay's instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	RequestsProxied *prometheus.CounterVec // outcome: ok|offline|timeout|stream|abandoned
	AuthFailures    prometheus.Counter
	StreamBytes     prometheus.Counter
	BotsConnected   prometheus.Gauge
	UploadsReceived prometheus.Counter
}

// NewMetrics creates the relay metric set on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsProxied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_requests_proxied_total",
			Help: "Browser requests proxied toward agents, by outcome.",
		}, []string{"outcome"}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_auth_failures_total",
			Help: "Control-connection handshakes rejected for a bad or missing secret.",
		}),
		StreamBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_stream_bytes_total",
			Help: "Body bytes pumped to browsers through streaming responses.",
		}),
		BotsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_bots_connected",
			Help: "Agents currently holding a live control connection.",
		}),
		UploadsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_uploads_received_total",
			Help: "Bug report archives accepted.",
		}),
	}
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
