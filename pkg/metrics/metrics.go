package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// IMAP session metrics
var (
	SessionsOpenedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagsync_sessions_opened_total",
			Help: "Total number of IMAP sessions opened",
		},
		[]string{"provider"},
	)

	SessionOpenFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagsync_session_open_failures_total",
			Help: "Total number of failed IMAP session opens",
		},
		[]string{"provider", "reason"},
	)

	SessionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flagsync_sessions_current",
			Help: "Current number of open IMAP sessions",
		},
	)

	UIDSearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flagsync_uid_search_duration_seconds",
			Help:    "Duration of UID search commands in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 15.0, 30.0},
		},
		[]string{"provider"},
	)

	UIDSearchTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagsync_uid_search_timeouts_total",
			Help: "Total number of UID search commands that timed out",
		},
		[]string{"provider"},
	)

	UIDRecoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagsync_uid_recoveries_total",
			Help: "Total number of Message-ID searches run to recover missing UIDs, by outcome",
		},
		[]string{"outcome"},
	)

	BatchFetchFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagsync_batch_fetch_fallbacks_total",
			Help: "Total number of batch fetches that fell back to single-UID probes",
		},
		[]string{"provider"},
	)
)

// Connection governor metrics
var (
	GovernorLeasesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flagsync_governor_leases_active",
			Help: "Current number of held account session leases",
		},
	)

	GovernorAcquireRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagsync_governor_acquire_rejections_total",
			Help: "Total number of rejected lease acquisitions",
		},
		[]string{"reason"}, // reason: "ceiling", "account_busy", "backoff"
	)

	GovernorBackoffsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flagsync_governor_backoffs_active",
			Help: "Current number of accounts in connection-limit backoff",
		},
	)
)

// Reconciliation metrics
var (
	ReconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagsync_reconcile_runs_total",
			Help: "Total number of reconciliation passes",
		},
		[]string{"folder", "status"}, // status: "ok", "error"
	)

	ReconcileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flagsync_reconcile_duration_seconds",
			Help:    "Duration of reconciliation passes in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0},
		},
		[]string{"folder"},
	)

	ReconcileMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagsync_reconcile_messages_total",
			Help: "Total number of messages seen by reconciliation, by outcome",
		},
		[]string{"outcome"}, // outcome: "matched", "unchanged", "updated", "unresolved"
	)

	FlagsPushedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagsync_flags_pushed_total",
			Help: "Total number of flag changes pushed to remote servers",
		},
		[]string{"flag", "status"},
	)
)

// Queue worker metrics
var (
	JobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagsync_jobs_processed_total",
			Help: "Total number of sync jobs processed",
		},
		[]string{"kind", "status"}, // status: "done", "retried", "dead", "timeout"
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flagsync_job_duration_seconds",
			Help:    "Duration of sync job execution in seconds",
			Buckets: []float64{0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0},
		},
		[]string{"kind"},
	)

	JobsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flagsync_jobs_pending",
			Help: "Current number of pending sync jobs",
		},
	)

	JobsLeased = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flagsync_jobs_leased",
			Help: "Current number of leased sync jobs",
		},
	)

	JobsDead = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flagsync_jobs_dead",
			Help: "Current number of dead-lettered sync jobs",
		},
	)

	AccountCooldownsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flagsync_account_cooldowns_active",
			Help: "Current number of accounts in failure cooldown",
		},
	)
)

// IDLE bridge metrics
var (
	BridgeListenersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flagsync_bridge_listeners_active",
			Help: "Current number of accounts with a live IDLE listener",
		},
	)

	BridgeStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagsync_bridge_state_transitions_total",
			Help: "Total number of IDLE listener state transitions",
		},
		[]string{"from", "to"},
	)

	BridgeReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flagsync_bridge_reconnects_total",
			Help: "Total number of IDLE listener reconnect attempts",
		},
	)

	BridgeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagsync_bridge_events_total",
			Help: "Total number of mailbox events observed by IDLE listeners",
		},
		[]string{"kind"}, // kind: "exists", "expunge", "flags"
	)
)

// Database performance metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagsync_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status", "role"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flagsync_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation", "role"},
	)

	AccountsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flagsync_accounts_total",
			Help: "Total number of connected email accounts",
		},
	)

	TrackedMessagesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flagsync_tracked_messages_total",
			Help: "Total number of messages under flag tracking",
		},
	)
)

// Health status metrics
var (
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flagsync_component_health_status",
			Help: "Health status of components (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component", "hostname"},
	)

	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagsync_component_health_checks_total",
			Help: "Total number of health checks performed",
		},
		[]string{"component", "hostname", "status"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flagsync_component_health_check_duration_seconds",
			Help:    "Duration of health checks in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"component", "hostname"},
	)
)
