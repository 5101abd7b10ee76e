package monitoring

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors published by the lifecycle and
// event-dispatch core (SPEC_FULL.md component C7). It is a passive
// observer: nothing here participates in teardown ordering; its collectors
// are only updated by callers after the fact.
type Metrics struct {
	ObjectsLive      prometheus.Gauge
	ObjectsCreated   prometheus.Counter
	ObjectsFinalized prometheus.Counter

	PollablesRegistered prometheus.Gauge
	PollEvents          *prometheus.CounterVec // by flag: input/output/error/hup

	InformerSubscribers *prometheus.GaugeVec // by informer name
	InformCalls         prometheus.Counter

	DeferredQueueDepth prometheus.Gauge
	DeferredTasksRun   prometheus.Counter
}

// NewMetrics registers every collector against reg and returns the handle
// used to update them. Pass prometheus.NewRegistry() in tests to avoid
// colliding with the global default registry across test runs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ObjectsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "libmary",
			Name:      "objects_live",
			Help:      "Number of Object instances currently alive.",
		}),
		ObjectsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "libmary",
			Name:      "objects_created_total",
			Help:      "Total number of Object instances ever created.",
		}),
		ObjectsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "libmary",
			Name:      "objects_finalized_total",
			Help:      "Total number of Object instances that ran their finalizer.",
		}),
		PollablesRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "libmary",
			Name:      "pollables_registered",
			Help:      "Number of pollables currently registered with a poll group.",
		}),
		PollEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "libmary",
			Name:      "poll_events_total",
			Help:      "Dispatched poll events by readiness flag.",
		}, []string{"flag"}),
		InformerSubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "libmary",
			Name:      "informer_subscribers",
			Help:      "Current live subscriber count per informer.",
		}, []string{"informer"}),
		InformCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "libmary",
			Name:      "informer_inform_all_total",
			Help:      "Total number of InformAll broadcasts across all informers.",
		}),
		DeferredQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "libmary",
			Name:      "deferred_queue_depth",
			Help:      "Number of tasks pending in a deferred processor's queue.",
		}),
		DeferredTasksRun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "libmary",
			Name:      "deferred_tasks_run_total",
			Help:      "Total number of deferred tasks executed by Drain.",
		}),
	}

	reg.MustRegister(
		m.ObjectsLive,
		m.ObjectsCreated,
		m.ObjectsFinalized,
		m.PollablesRegistered,
		m.PollEvents,
		m.InformerSubscribers,
		m.InformCalls,
		m.DeferredQueueDepth,
		m.DeferredTasksRun,
	)

	return m
}
