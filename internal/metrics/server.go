package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerMetrics holds the counters a netbeat server exports. Each instance
// owns its registry so several servers can coexist in one process.
type ServerMetrics struct {
	registry *prometheus.Registry

	SessionsAccepted prometheus.Counter
	SessionsRejected prometheus.Counter
	SessionsFailed   prometheus.Counter
	SessionsActive   prometheus.Gauge
	Pings            prometheus.Counter
	UploadBytes      prometheus.Counter
	DownloadBytes    prometheus.Counter
}

func NewServerMetrics() *ServerMetrics {
	m := &ServerMetrics{
		registry: prometheus.NewRegistry(),
		SessionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netbeat_sessions_accepted_total",
			Help: "Connections admitted and handed to a worker.",
		}),
		SessionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netbeat_sessions_rejected_total",
			Help: "Connections dropped because the server was at capacity.",
		}),
		SessionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netbeat_sessions_failed_total",
			Help: "Sessions that ended with an error.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netbeat_sessions_active",
			Help: "Sessions currently being served.",
		}),
		Pings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netbeat_pings_total",
			Help: "Ping probes answered.",
		}),
		UploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netbeat_upload_bytes_total",
			Help: "Payload bytes received from clients.",
		}),
		DownloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netbeat_download_bytes_total",
			Help: "Payload bytes sent to clients.",
		}),
	}
	m.registry.MustRegister(
		m.SessionsAccepted,
		m.SessionsRejected,
		m.SessionsFailed,
		m.SessionsActive,
		m.Pings,
		m.UploadBytes,
		m.DownloadBytes,
	)
	return m
}

// Handler serves the metrics in the Prometheus text format.
func (m *ServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
