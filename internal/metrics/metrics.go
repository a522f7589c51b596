package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all Prometheus metrics for the relay.
type Registry struct {
	reg *prometheus.Registry

	// Ingestion
	FillsIngested  *prometheus.CounterVec
	FillsDeduped   prometheus.Counter
	InsertFailures prometheus.Counter

	// Publisher
	PublishLatency  prometheus.Histogram
	PublishRetries  prometheus.Counter
	PublishDropped  prometheus.Counter
	PublishRejected prometheus.Counter

	// Upstream
	UpstreamReconnects prometheus.Counter
	SubscriptionErrors *prometheus.CounterVec

	// Chain repair
	ChainGapsFound   prometheus.Counter
	ChainRepairs     prometheus.Counter
	ChainRepairFails prometheus.Counter

	// Fan-out
	ClientsConnected prometheus.Gauge
	ClientsDropped   *prometheus.CounterVec
	EventsSent       prometheus.Counter

	// Watchlist
	WatchlistSize     prometheus.Gauge
	ReconcileFailures prometheus.Counter
}

// NewRegistry creates the relay metrics registry with all collectors registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,

		FillsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_fills_ingested_total",
				Help: "Classified fills processed by the tracker pipeline",
			},
			[]string{"asset", "action"},
		),
		FillsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_fills_deduped_total",
			Help: "Fills skipped because their hash was already stored",
		}),
		InsertFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_fill_insert_failures_total",
			Help: "Persistence errors on the fill insert path",
		}),

		PublishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_publish_latency_seconds",
			Help:    "Durable bus publish latency including acknowledgement",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}),
		PublishRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_publish_retries_total",
			Help: "Transient bus publish errors that were retried",
		}),
		PublishDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_publish_dropped_total",
			Help: "Fill events dropped after exhausting the publish retry budget",
		}),
		PublishRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_publish_rejected_total",
			Help: "Fill events rejected by schema validation before publish",
		}),

		UpstreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_upstream_reconnects_total",
			Help: "Upstream websocket reconnects",
		}),
		SubscriptionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_subscription_errors_total",
				Help: "Per-channel upstream subscription errors",
			},
			[]string{"channel"},
		),

		ChainGapsFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_chain_gaps_found_total",
			Help: "Position chain gaps detected by validation",
		}),
		ChainRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_chain_repairs_total",
			Help: "Successful clear-and-backfill chain repairs",
		}),
		ChainRepairFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_chain_repair_failures_total",
			Help: "Chain repairs that failed or left gaps behind",
		}),

		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_clients_connected",
			Help: "Currently connected fan-out websocket clients",
		}),
		ClientsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_clients_dropped_total",
				Help: "Fan-out sessions dropped, by reason",
			},
			[]string{"reason"},
		),
		EventsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_events_sent_total",
			Help: "Ring events delivered to fan-out clients",
		}),

		WatchlistSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_watchlist_size",
			Help: "Addresses in the current watchlist",
		}),
		ReconcileFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_watchlist_reconcile_failures_total",
			Help: "Watchlist reconcile cycles that kept the previous list",
		}),
	}

	reg.MustRegister(
		r.FillsIngested, r.FillsDeduped, r.InsertFailures,
		r.PublishLatency, r.PublishRetries, r.PublishDropped, r.PublishRejected,
		r.UpstreamReconnects, r.SubscriptionErrors,
		r.ChainGapsFound, r.ChainRepairs, r.ChainRepairFails,
		r.ClientsConnected, r.ClientsDropped, r.EventsSent,
		r.WatchlistSize, r.ReconcileFailures,
	)

	return r
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for inspection.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
