// Package metrics exposes a passive Prometheus snapshot: atomic
// counters and a latency histogram for packets, bytes, errors,
// connection lifecycle events, and round-trip time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups every metric a role (Relay, Host, or Client) reports.
// Each role owns one Registry built with its own prometheus.Registry so
// that running relay+host+client in the same test process never panics
// on duplicate metric registration.
type Registry struct {
	reg *prometheus.Registry

	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	PacketsDropped  *prometheus.CounterVec // by reason
	PacketsRetried  prometheus.Counter

	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter

	ErrorsTotal *prometheus.CounterVec // by reason

	ConnectionsAccepted prometheus.Counter
	ConnectionsDenied   *prometheus.CounterVec // by reason
	ConnectionsActive   prometheus.Gauge
	Disconnects         *prometheus.CounterVec // by reason

	RoundTripLatency prometheus.Histogram

	RateLimiterEntries prometheus.Gauge
	RateLimitDenials   prometheus.Counter
	FloodsDetected     prometheus.Counter

	SessionsActive prometheus.Gauge
}

// New builds and registers a fresh metric set labelled by role
// ("relay", "host", or "client").
func New(role string) *Registry {
	reg := prometheus.NewRegistry()

	namespace := "netem"
	constLabels := prometheus.Labels{"role": role}

	r := &Registry{
		reg: reg,
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "packets_sent_total",
			Help:        "Total packets sent on the UDP socket.",
			ConstLabels: constLabels,
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "packets_received_total",
			Help:        "Total packets received on the UDP socket.",
			ConstLabels: constLabels,
		}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "packets_dropped_total",
			Help:        "Total packets dropped, by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		PacketsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "packets_retried_total",
			Help:        "Total reliable-packet retransmissions.",
			ConstLabels: constLabels,
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "bytes_sent_total",
			Help:        "Total bytes sent on the UDP socket.",
			ConstLabels: constLabels,
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "bytes_received_total",
			Help:        "Total bytes received on the UDP socket.",
			ConstLabels: constLabels,
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "errors_total",
			Help:        "Total errors, by reason (malformed, transport, ack_timeout).",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "connections_accepted_total",
			Help:        "Total CONNECT_REQUESTs accepted.",
			ConstLabels: constLabels,
		}),
		ConnectionsDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "connections_denied_total",
			Help:        "Total CONNECT_REQUESTs denied, by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "connections_active",
			Help:        "Current number of connected clients.",
			ConstLabels: constLabels,
		}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "disconnects_total",
			Help:        "Total disconnects, by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		RoundTripLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "round_trip_latency_seconds",
			Help:        "Ping/pong round trip latency.",
			Buckets:     []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			ConstLabels: constLabels,
		}),
		RateLimiterEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "rate_limiter_entries",
			Help:        "Current number of tracked rate-limiter endpoints.",
			ConstLabels: constLabels,
		}),
		RateLimitDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "rate_limit_denials_total",
			Help:        "Total packets rejected by the rate limiter.",
			ConstLabels: constLabels,
		}),
		FloodsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "floods_detected_total",
			Help:        "Total flood-threshold crossings that triggered a throttle penalty.",
			ConstLabels: constLabels,
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "sessions_active",
			Help:        "Current number of live relay sessions.",
			ConstLabels: constLabels,
		}),
	}

	reg.MustRegister(
		r.PacketsSent, r.PacketsReceived, r.PacketsDropped, r.PacketsRetried,
		r.BytesSent, r.BytesReceived, r.ErrorsTotal,
		r.ConnectionsAccepted, r.ConnectionsDenied, r.ConnectionsActive, r.Disconnects,
		r.RoundTripLatency, r.RateLimiterEntries, r.RateLimitDenials, r.FloodsDetected,
		r.SessionsActive,
	)

	return r
}

// Handler returns the passive HTTP handler Prometheus scrapes.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
