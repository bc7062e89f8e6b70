package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsReceived tracks decoded events per kind
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partywatch_events_received_total",
			Help: "Total number of decoded ledger events",
		},
		[]string{"kind"},
	)

	// EventsDropped tracks logs that never reached a handler
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partywatch_events_dropped_total",
			Help: "Total number of ledger logs dropped before dispatch",
		},
		[]string{"reason"},
	)

	// HandlerErrors tracks failed handler tasks per kind
	HandlerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partywatch_handler_errors_total",
			Help: "Total number of handler task failures",
		},
		[]string{"kind", "task"},
	)

	// Contributions tracks append outcomes
	Contributions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partywatch_contributions_total",
			Help: "Contribution appends by result",
		},
		[]string{"result"},
	)

	// DispatchErrors tracks notification failures
	DispatchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partywatch_dispatch_errors_total",
			Help: "Total number of failed notifications",
		},
		[]string{"operation"},
	)

	// ReconnectAttempts tracks reconnect attempts by result
	ReconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partywatch_reconnect_attempts_total",
			Help: "Stream reconnect attempts",
		},
		[]string{"result"},
	)

	// OrchestratorState is 1 for the current state and 0 otherwise
	OrchestratorState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partywatch_orchestrator_state",
			Help: "Current orchestrator state",
		},
		[]string{"state"},
	)

	// ActiveSubscriptions tracks crowdfunds with live subscriptions
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "partywatch_active_subscriptions",
			Help: "Number of crowdfunds with live subscriptions",
		},
	)

	// PendingRestores tracks crowdfunds waiting for a subscription retry
	PendingRestores = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "partywatch_pending_restores",
			Help: "Crowdfunds whose subscriptions are waiting for a retry",
		},
	)

	// HealthCheckFailures tracks failed health checks
	HealthCheckFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partywatch_health_check_failures_total",
			Help: "Failed health checks by check name",
		},
		[]string{"check"},
	)

	// ProbeLatency tracks keepalive round trips
	ProbeLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "partywatch_probe_latency_seconds",
			Help:    "Keepalive probe latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ChainHead tracks the latest block seen by the stream
	ChainHead = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "partywatch_chain_head",
			Help: "Latest block number observed",
		},
	)

	// DBConnectionPoolUsage tracks the database pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "partywatch_db_connection_pool_usage",
			Help: "Database connection pool usage percentage",
		},
	)
)
