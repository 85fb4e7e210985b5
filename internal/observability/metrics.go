// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsOpened prometheus.Counter
	ProtocolErrors prometheus.Counter

	// Analysis metrics
	AnalysesStarted   prometheus.Counter
	AnalysesCompleted prometheus.Counter
	AnalysesCancelled prometheus.Counter
	ResultsEmitted    prometheus.Counter

	// Market updater metrics
	MarketTicks         prometheus.Counter
	MarketSessionErrors prometheus.Counter

	// Store metrics
	StoreErrors *prometheus.CounterVec
}

// New creates a Metrics instance registered against its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "portfolio",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of currently connected sessions",
		}),
		SessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "portfolio",
			Subsystem: "session",
			Name:      "opened_total",
			Help:      "Total number of sessions accepted",
		}),
		ProtocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "portfolio",
			Subsystem: "session",
			Name:      "protocol_errors_total",
			Help:      "Total number of malformed or unknown inbound messages",
		}),
		AnalysesStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "portfolio",
			Subsystem: "analysis",
			Name:      "started_total",
			Help:      "Total number of analysis runs started",
		}),
		AnalysesCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "portfolio",
			Subsystem: "analysis",
			Name:      "completed_total",
			Help:      "Total number of analysis runs that finished all metrics",
		}),
		AnalysesCancelled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "portfolio",
			Subsystem: "analysis",
			Name:      "cancelled_total",
			Help:      "Total number of analysis runs cancelled before completion",
		}),
		ResultsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "portfolio",
			Subsystem: "analysis",
			Name:      "results_emitted_total",
			Help:      "Total number of metric results streamed to clients",
		}),
		MarketTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "portfolio",
			Subsystem: "market",
			Name:      "ticks_total",
			Help:      "Total number of market updater iterations",
		}),
		MarketSessionErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "portfolio",
			Subsystem: "market",
			Name:      "session_errors_total",
			Help:      "Total number of sessions skipped during market updates",
		}),
		StoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portfolio",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Total number of document store operation failures",
		}, []string{"op"}),
	}
}

// Handler serves the metrics in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
