package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pumpwatch"

// Metrics holds the prometheus collectors of every pipeline component.
type Metrics struct {
	Registry *prometheus.Registry

	// listener
	ListenerState  prometheus.Gauge
	EventsDecoded  *prometheus.CounterVec
	EventsStored   *prometheus.CounterVec
	EventsDropped  prometheus.Counter
	QueueDepth     prometheus.Gauge
	QueueOverflow  prometheus.Counter
	Reconnects     prometheus.Counter
	CatchUps       *prometheus.CounterVec
	CheckpointSlot prometheus.Gauge
	SlotLag        prometheus.Gauge
	BatchDuration  prometheus.Histogram

	// aggregator
	RefreshDuration prometheus.Histogram
	RefreshFailures prometheus.Counter
	SnapshotLookups *prometheus.CounterVec

	// fan-out
	FanoutClients      prometheus.Gauge
	FanoutMarkets      prometheus.Gauge
	FanoutMessages     *prometheus.CounterVec
	FanoutSendFailures prometheus.Counter
	FanoutReaped       prometheus.Counter

	// bus and alerting
	BusDropped *prometheus.CounterVec
	AlertsSent *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		ListenerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "listener", Name: "state",
			Help: "Listener state: 0 stopped, 1 starting, 2 listening, 3 reconnecting.",
		}),
		EventsDecoded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "listener", Name: "decoded_total",
			Help: "Decoded payloads by source and result.",
		}, []string{"source", "result"}),
		EventsStored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "listener", Name: "stored_total",
			Help: "Store writes by event kind and outcome.",
		}, []string{"kind", "outcome"}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "listener", Name: "dropped_total",
			Help: "Events dropped after exhausting processing attempts.",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "listener", Name: "queue_depth",
			Help: "Events waiting in the processing queue.",
		}),
		QueueOverflow: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "listener", Name: "queue_overflow_total",
			Help: "Events rejected because the queue was full.",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "listener", Name: "reconnects_total",
			Help: "Subscription reconnect attempts.",
		}),
		CatchUps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "listener", Name: "catchups_total",
			Help: "Catch-up runs by result.",
		}, []string{"result"}),
		CheckpointSlot: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "listener", Name: "checkpoint_slot",
			Help: "Last processed slot.",
		}),
		SlotLag: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "listener", Name: "slot_lag",
			Help: "Ledger slot minus last observed slot at the latest health check.",
		}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "listener", Name: "batch_duration_seconds",
			Help:    "Time to process one drained batch.",
			Buckets: prometheus.DefBuckets,
		}),

		RefreshDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "aggregator", Name: "refresh_duration_seconds",
			Help:    "Time to recompute all subscribed snapshots.",
			Buckets: prometheus.DefBuckets,
		}),
		RefreshFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "aggregator", Name: "refresh_failures_total",
			Help: "Per-market recompute failures.",
		}),
		SnapshotLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "aggregator", Name: "snapshot_lookups_total",
			Help: "Snapshot lookups by serving tier.",
		}, []string{"tier"}),

		FanoutClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "fanout", Name: "clients",
			Help: "Connected subscriber clients.",
		}),
		FanoutMarkets: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "fanout", Name: "markets",
			Help: "Markets with at least one subscriber.",
		}),
		FanoutMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fanout", Name: "messages_total",
			Help: "Outbound messages by type.",
		}, []string{"type"}),
		FanoutSendFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fanout", Name: "send_failures_total",
			Help: "Per-recipient delivery failures.",
		}),
		FanoutReaped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fanout", Name: "reaped_total",
			Help: "Clients closed by the liveness sweep.",
		}),

		BusDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "dropped_total",
			Help: "Messages dropped because a subscriber buffer was full.",
		}, []string{"topic"}),
		AlertsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "alerting", Name: "sent_total",
			Help: "Alerts dispatched by kind and result.",
		}, []string{"kind", "result"}),
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
