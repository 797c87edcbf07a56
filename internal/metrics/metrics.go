package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EnvelopesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskflow_envelopes_emitted_total",
		Help: "Event envelopes sequenced and handed to the broker, by event type",
	}, []string{"type"})

	EnvelopesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskflow_envelopes_delivered_total",
		Help: "Envelopes enqueued on a subscriber's outbound queue",
	})

	OverflowDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskflow_overflow_disconnects_total",
		Help: "Subscriptions force-closed because their outbound queue was full",
	})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskflow_active_subscriptions",
		Help: "Workspace subscriptions currently registered with the broker",
	})

	HeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskflow_heartbeat_timeouts_total",
		Help: "Connections dropped for missing heartbeats",
	})

	CycleRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskflow_cycle_rejections_total",
		Help: "Dependency inserts rejected because they would close a cycle",
	})

	MutationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskflow_mutation_duration_seconds",
		Help:    "Duration of mutation pipeline runs",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"kind"})

	ClientRefetches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskflow_client_refetches_total",
		Help: "Full workspace refetches performed by cache synchronizers",
	})
)
