// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Attestation client
	AttestationRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "attestation",
		Name:      "requests_total",
		Help:      "Attestation service requests by outcome (ok, not_found, http_error, network_error, decode_error)",
	}, []string{"outcome"})

	AttestationRequestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bridge",
		Subsystem: "attestation",
		Name:      "request_duration_seconds",
		Help:      "Attestation service request duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	AttestationRateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "attestation",
		Name:      "rate_limit_waits_total",
		Help:      "Requests delayed by the client-side rate limiter",
	})

	// Poller
	PollerChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "poller",
		Name:      "checks_total",
		Help:      "Poller job checks by phase and outcome (resolved, not_ready, transient, exhausted, error)",
	}, []string{"phase", "outcome"})

	PollerTrackedJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bridge",
		Subsystem: "poller",
		Name:      "tracked_jobs",
		Help:      "Transfers currently scheduled or in flight",
	})

	PollerReconcileScans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "poller",
		Name:      "reconcile_scans_total",
		Help:      "Reconciliation scans by outcome",
	}, []string{"outcome"})

	PollerLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bridge",
		Subsystem: "poller",
		Name:      "leader",
		Help:      "1 while this process holds the poller lease",
	})

	PollerLeaseTerm = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bridge",
		Subsystem: "poller",
		Name:      "lease_term",
		Help:      "Fencing term of the last poller lease this process won",
	})

	// Orchestrator
	TransfersInitiated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "orchestrator",
		Name:      "transfers_initiated_total",
		Help:      "Transfers created, by source and destination domain",
	}, []string{"source", "dest"})

	TransfersFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "orchestrator",
		Name:      "transfers_failed_total",
		Help:      "Transfers marked failed, by reason class",
	}, []string{"reason"})

	TransfersCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "orchestrator",
		Name:      "transfers_completed_total",
		Help:      "Transfers completed, by mint path (caller, auto)",
	}, []string{"path"})

	// Chain registry
	RegistryReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "registry",
		Name:      "reloads_total",
		Help:      "Chain registry reloads by outcome",
	}, []string{"outcome"})

	RegistryChains = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bridge",
		Subsystem: "registry",
		Name:      "chains",
		Help:      "Chains in the current registry table",
	})

	// Notifications
	NotifyEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "notify",
		Name:      "events_total",
		Help:      "Notification events received, by channel",
	}, []string{"channel"})

	NotifyReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "notify",
		Name:      "listener_reconnects_total",
		Help:      "Notification listener reconnect attempts",
	})

	NotifyDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Events dropped because a subscriber buffer was full",
	})
)

// RecordRegistryReload is a chains.ReloaderConfig.OnReload hook.
func RecordRegistryReload(n int, err error) {
	if err != nil {
		RegistryReloadsTotal.WithLabelValues("error").Inc()
		return
	}
	RegistryReloadsTotal.WithLabelValues("ok").Inc()
	RegistryChains.Set(float64(n))
}

// RecordLeadership is a leases.Elector OnChange hook.
func RecordLeadership(leading bool, term uint64) {
	if leading {
		PollerLeader.Set(1)
		PollerLeaseTerm.Set(float64(term))
		return
	}
	PollerLeader.Set(0)
}
