package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Account store
	CASConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skyledger",
		Subsystem: "account_store",
		Name:      "cas_conflicts_total",
		Help:      "Compare-and-swap attempts that lost to a concurrent writer",
	})

	CASAborts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skyledger",
		Subsystem: "account_store",
		Name:      "cas_aborts_total",
		Help:      "Conditional adjustments that exhausted their retry budget",
	})

	// Transfer engine
	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skyledger",
		Subsystem: "transfer",
		Name:      "outcomes_total",
		Help:      "Transfers by terminal outcome",
	}, []string{"outcome"})

	TransferLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "skyledger",
		Subsystem: "transfer",
		Name:      "duration_seconds",
		Help:      "Transfer processing duration by outcome",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"outcome"})

	TransferVolume = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skyledger",
		Subsystem: "transfer",
		Name:      "volume_minor_units_total",
		Help:      "Sum of successfully transferred amounts in minor units",
	})

	// Reconciliation
	OpenReconciliationCases = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "skyledger",
		Subsystem: "reconciliation",
		Name:      "open_cases",
		Help:      "Indeterminate transfers awaiting operator resolution",
	})

	ReconciliationResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skyledger",
		Subsystem: "reconciliation",
		Name:      "resolved_total",
		Help:      "Reconciliation cases resolved by action",
	}, []string{"action"})

	// Audit worker
	AuditRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skyledger",
		Subsystem: "audit",
		Name:      "runs_total",
		Help:      "Completed ledger audit passes",
	})

	AuditMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skyledger",
		Subsystem: "audit",
		Name:      "mismatches_total",
		Help:      "Accounts whose replayed ledger disagreed with the stored balance",
	})

	// Change feed
	FeedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "skyledger",
		Subsystem: "feed",
		Name:      "subscribers",
		Help:      "Active change-feed subscriptions",
	})

	FeedPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skyledger",
		Subsystem: "feed",
		Name:      "publish_errors_total",
		Help:      "Change events that could not be published to the bus",
	})

	FeedDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skyledger",
		Subsystem: "feed",
		Name:      "dropped_total",
		Help:      "Change events dropped because the delivery queue was full",
	})
)

// Transfer outcome labels.
const (
	OutcomeSuccess       = "success"
	OutcomeInvalid       = "invalid"
	OutcomeInsufficient  = "insufficient_balance"
	OutcomeUnavailable   = "unavailable"
	OutcomeIndeterminate = "indeterminate"
)
