// Package metrics holds the Prometheus collectors of the wallet ledger.
//
// Collectors are registered on the default registry at init through
// promauto and exposed by the HTTP server on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wallet_ledger"

// Result label values.
const (
	ResultOK       = "ok"
	ResultNotFound = "not_found"
	ResultNoChange = "no_change"
	ResultError    = "error"
)

// Reconciliation trigger label values.
const (
	TriggerRead   = "read"
	TriggerForce  = "force"
	TriggerSweep  = "sweep"
	TriggerInline = "inline"
)

// =============================================================================
// INCREMENTAL UPDATES
// =============================================================================

// IncrementalUpdates counts wallet deltas by operation event and outcome.
var IncrementalUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "mutator",
	Name:      "updates_total",
	Help:      "Incremental wallet updates by operation event and result.",
}, []string{"event", "result"})

// =============================================================================
// RECONCILIATION
// =============================================================================

var Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "reconciler",
	Name:      "runs_total",
	Help:      "Reconciliation passes by trigger and result.",
}, []string{"trigger", "result"})

var ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "reconciler",
	Name:      "duration_seconds",
	Help:      "Duration of a reconciliation pass.",
	Buckets:   prometheus.DefBuckets,
})

var ReconciledWallets = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "reconciler",
	Name:      "wallets_total",
	Help:      "Wallets rewritten by reconciliation.",
})

// =============================================================================
// BACKGROUND QUEUE
// =============================================================================

var QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "queue",
	Name:      "depth",
	Help:      "Reconciliation jobs waiting for a worker.",
})

// DroppedJobs counts jobs not queued, by reason ("full", "in_flight", "stopped").
var DroppedJobs = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "queue",
	Name:      "dropped_total",
	Help:      "Reconciliation jobs not queued, by reason.",
}, []string{"reason"})

// =============================================================================
// READ PATHS
// =============================================================================

var StaleReads = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "reads",
	Name:      "stale_total",
	Help:      "Wallet reads that found a stale wallet.",
})

// ObserveReconcile records one finished pass.
func ObserveReconcile(trigger string, started time.Time, wallets int, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	Reconciliations.WithLabelValues(trigger, result).Inc()
	ReconcileDuration.Observe(time.Since(started).Seconds())
	if err == nil {
		ReconciledWallets.Add(float64(wallets))
	}
}
