// Package metrics provides Prometheus metrics for the tunvisor daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all tunvisor metrics.
var Registry = prometheus.NewRegistry()

// SessionMetrics holds all Prometheus metrics for the session supervisor.
type SessionMetrics struct {
	// Session state
	State          prometheus.Gauge // 0=disconnected, 1=connecting, 2=connected
	ConnectedSince prometheus.Gauge // unix seconds, 0 when disconnected
	Transitions    *prometheus.CounterVec
	StartFailures  prometheus.Counter

	// Traffic
	UploadSpeed   prometheus.Gauge
	DownloadSpeed prometheus.Gauge
	UploadBytes   prometheus.Counter
	DownloadBytes prometheus.Counter

	// Packet relay
	RelayLaunches   *prometheus.CounterVec // labels: kind
	RelayFailures   prometheus.Counter
	HandoffFailures prometheus.Counter

	// Build info (value is always 1)
	Info *prometheus.GaugeVec
}

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics registers all metrics on Registry with the app label as a
// constant label.
func InitMetrics(appLabel, version, coreVersion string) *SessionMetrics {
	constLabels := prometheus.Labels{
		"app": appLabel,
	}

	m := &SessionMetrics{
		State: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "tunvisor_session_state",
			Help:        "Session state (0=disconnected, 1=connecting, 2=connected)",
			ConstLabels: constLabels,
		}),
		ConnectedSince: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "tunvisor_session_connected_since_seconds",
			Help:        "Unix time the current session connected, 0 when disconnected",
			ConstLabels: constLabels,
		}),
		Transitions: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "tunvisor_session_transitions_total",
			Help:        "Session state transitions",
			ConstLabels: constLabels,
		}, []string{"from", "to"}),
		StartFailures: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "tunvisor_session_start_failures_total",
			Help:        "Session starts that fell back to disconnected",
			ConstLabels: constLabels,
		}),

		UploadSpeed: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "tunvisor_upload_bytes_per_second",
			Help:        "Proxied upload rate over the last sampling window",
			ConstLabels: constLabels,
		}),
		DownloadSpeed: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "tunvisor_download_bytes_per_second",
			Help:        "Proxied download rate over the last sampling window",
			ConstLabels: constLabels,
		}),
		UploadBytes: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "tunvisor_upload_bytes_total",
			Help:        "Total proxied bytes uploaded",
			ConstLabels: constLabels,
		}),
		DownloadBytes: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "tunvisor_download_bytes_total",
			Help:        "Total proxied bytes downloaded",
			ConstLabels: constLabels,
		}),

		RelayLaunches: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "tunvisor_relay_launches_total",
			Help:        "Packet relay process launches",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		RelayFailures: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "tunvisor_relay_failures_total",
			Help:        "Relay respawns that failed and ended the session",
			ConstLabels: constLabels,
		}),
		HandoffFailures: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "tunvisor_relay_handoff_failures_total",
			Help:        "Descriptor handoffs that exhausted their retries",
			ConstLabels: constLabels,
		}),

		Info: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "tunvisor_info",
			Help: "Build information (value is always 1)",
		}, []string{"app", "version", "core_version"}),
	}

	m.Info.WithLabelValues(appLabel, version, coreVersion).Set(1)

	return m
}

// Handler returns an HTTP handler serving Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
