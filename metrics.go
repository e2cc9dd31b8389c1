package ytloop

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts what the controller does. A private registry keeps tests
// free to build as many controllers as they like.
type Metrics struct {
	registry *prometheus.Registry

	CyclesStarted     prometheus.Counter
	CyclesCompleted   prometheus.Counter
	CyclesFailed      prometheus.Counter
	EarlyTerminations prometheus.Counter
	SourceReloads     prometheus.Counter
	RetryAttempts     prometheus.Counter
	LiveSessions      prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		CyclesStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ytloop_cycles_started_total",
			Help: "Broadcast cycles the controller attempted to start.",
		}),
		CyclesCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ytloop_cycles_completed_total",
			Help: "Broadcast cycles that reached the ended state.",
		}),
		CyclesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ytloop_cycles_failed_total",
			Help: "Broadcast cycles abandoned before going live.",
		}),
		EarlyTerminations: factory.NewCounter(prometheus.CounterOpts{
			Name: "ytloop_early_terminations_total",
			Help: "Sessions ended before their planned end because the stream stalled.",
		}),
		SourceReloads: factory.NewCounter(prometheus.CounterOpts{
			Name: "ytloop_source_reloads_total",
			Help: "Periodic source reloads issued to the broadcaster.",
		}),
		RetryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "ytloop_retry_attempts_total",
			Help: "Failed client calls that were retried.",
		}),
		LiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ytloop_live_sessions",
			Help: "Sessions currently in the live state (0 or 1).",
		}),
	}
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
