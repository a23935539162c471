package engine

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the Prometheus instrumentation wired into the engine:
// a handful of counters/gauges registered once against a caller-supplied
// registry, with a nil-registry fallback so tests don't need a live
// registerer.
type metrics struct {
	activeClients    prometheus.Gauge
	queueDepth       *prometheus.GaugeVec
	gcCycles         prometheus.Counter
	reapedClients    prometheus.Counter
	poolRetries      prometheus.Counter
	pubsubReconnects prometheus.Counter
	publishLatency   prometheus.Histogram
	publishTotal     *prometheus.CounterVec
}

// newMetrics registers the engine's metrics against reg. A nil reg uses
// prometheus.NewRegistry() so repeated engine construction in tests never
// collides on duplicate registration.
func newMetrics(reg prometheus.Registerer, namespace string) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := prometheus.WrapRegistererWithPrefix(namespace+"_faye_redis_", reg)

	m := &metrics{
		activeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_clients",
			Help: "Number of clients present in the client registry as of the last cleanup cycle.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Observed message queue depth, labeled by client id.",
		}, []string{"client_id"}),
		gcCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gc_cycles_total",
			Help: "Number of cleanup_expired cycles run.",
		}),
		reapedClients: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reaped_clients_total",
			Help: "Number of client ids removed from the index by cleanup_expired.",
		}),
		poolRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_retries_total",
			Help: "Number of transient-error retries issued by the connection pool.",
		}),
		pubsubReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_reconnects_total",
			Help: "Number of PUB/SUB coordinator reconnect attempts.",
		}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "publish_duration_seconds",
			Help:    "Time to complete Engine.Publish across all target channels.",
			Buckets: prometheus.DefBuckets,
		}),
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publish_total",
			Help: "Publish calls, labeled by outcome (success/failure).",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{
		m.activeClients, m.queueDepth, m.gcCycles, m.reapedClients,
		m.poolRetries, m.pubsubReconnects, m.publishLatency, m.publishTotal,
	} {
		_ = factory.Register(c)
	}
	return m
}
