package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Global counters for the status API (prometheus metrics can't be read back
// cheaply).
var (
	admissionsAllowed int64
	admissionsDenied  int64
	errorCount        int64
	startedAt         = time.Now()
)

var (
	// Registry
	PeersRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peergate_peers_registered",
		Help: "Number of live (non-deleted) peers in the registry",
	})

	PeersByHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "peergate_peers_by_health",
		Help: "Peers per derived health state at the last sweep",
	}, []string{"state"})

	Heartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peergate_heartbeats_total",
		Help: "Register/heartbeat calls by kind (new or touch)",
	}, []string{"kind"})

	HealthTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peergate_health_transitions_total",
		Help: "Health state transitions observed by the sweep",
	}, []string{"to"})

	// Store sync
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peergate_sync_runs_total",
		Help: "Store sync cycles by result (success, failure, skipped)",
	}, []string{"result"})

	SyncedPeers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peergate_synced_peers_total",
		Help: "Peer rows written by the sync task",
	})

	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "peergate_sync_duration_seconds",
		Help:    "Duration of store sync cycles",
		Buckets: prometheus.DefBuckets,
	})

	// Bans
	BannedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peergate_banned_peers",
		Help: "Size of the in-memory ban set",
	})

	BanRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peergate_ban_refreshes_total",
		Help: "Ban cache refreshes by result (success, failure)",
	}, []string{"result"})

	BanCacheAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peergate_ban_cache_age_seconds",
		Help: "Seconds since the ban cache last matched the store",
	})

	// Admission
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peergate_admission_decisions_total",
		Help: "Admission decisions by request shape and outcome",
	}, []string{"shape", "outcome"})

	AdmissionDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peergate_admission_denials_total",
		Help: "Denied admissions by reason and side",
	}, []string{"reason", "side"})

	AdmissionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "peergate_admission_duration_seconds",
		Help:    "Time spent deciding one admission request",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
	})

	// Runtime config
	ConfigUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peergate_config_updates_total",
		Help: "Runtime config updates by result (applied, invalid, store_error)",
	}, []string{"result"})

	// HTTP / control channel
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peergate_http_requests_total",
		Help: "HTTP requests by route pattern and status class",
	}, []string{"route", "code"})

	HTTPRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "peergate_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	})

	ControlConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peergate_control_connections",
		Help: "Open control-channel WebSocket connections",
	})

	ControlMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peergate_control_messages_total",
		Help: "Control-channel frames by type",
	}, []string{"type"})

	// Errors / workers / DB
	ErrorsCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peergate_errors_total",
		Help: "Errors by type",
	}, []string{"type"})

	WorkerJobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peergate_worker_jobs_dropped_total",
		Help: "Jobs dropped because the worker queue was full",
	}, []string{"pool"})

	DBConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peergate_db_connections_total",
		Help: "Database connection attempts by status",
	}, []string{"status"})

	DBErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peergate_db_errors_total",
		Help: "Database errors by operation",
	}, []string{"op"})

	DBOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peergate_db_operations_total",
		Help: "Database operations by name",
	}, []string{"op"})
)

// RecordAdmission updates the prometheus counters and the local totals.
func RecordAdmission(shape, outcome string, elapsed time.Duration) {
	AdmissionDecisions.WithLabelValues(shape, outcome).Inc()
	AdmissionDuration.Observe(elapsed.Seconds())
	if outcome == "allowed" {
		atomic.AddInt64(&admissionsAllowed, 1)
	} else {
		atomic.AddInt64(&admissionsDenied, 1)
	}
}

// AdmissionTotals returns allowed and not-allowed decisions since start.
func AdmissionTotals() (allowed, rejected int64) {
	return atomic.LoadInt64(&admissionsAllowed), atomic.LoadInt64(&admissionsDenied)
}

// IncrementErrorCount bumps the local error total and the typed counter.
func IncrementErrorCount(errType string) {
	ErrorsCount.WithLabelValues(errType).Inc()
	atomic.AddInt64(&errorCount, 1)
}

// GetErrorCount returns errors recorded since start.
func GetErrorCount() int64 {
	return atomic.LoadInt64(&errorCount)
}

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(startedAt)
}

// RegisterMetrics pre-registers label values so dashboards see zeroes
// instead of missing series.
func RegisterMetrics() {
	for _, state := range []string{"online", "degraded", "critical", "offline"} {
		PeersByHealth.WithLabelValues(state)
		HealthTransitions.WithLabelValues(state)
	}
	for _, kind := range []string{"new", "touch"} {
		Heartbeats.WithLabelValues(kind)
	}
	for _, result := range []string{"success", "failure", "skipped"} {
		SyncRuns.WithLabelValues(result)
	}
	for _, result := range []string{"success", "failure"} {
		BanRefreshes.WithLabelValues(result)
	}
	for _, shape := range []string{"direct", "relay"} {
		for _, outcome := range []string{"allowed", "denied", "not_found", "unreachable"} {
			AdmissionDecisions.WithLabelValues(shape, outcome)
		}
	}
	for _, side := range []string{"source", "target", "both"} {
		AdmissionDenials.WithLabelValues("banned", side)
	}
	AdmissionDenials.WithLabelValues("rate_limited", "source")
	for _, result := range []string{"applied", "invalid", "store_error"} {
		ConfigUpdates.WithLabelValues(result)
	}
	for _, errType := range []string{"validation", "authentication", "authorization", "not_found", "conflict", "denied", "unreachable", "rate_limit", "store", "internal"} {
		ErrorsCount.WithLabelValues(errType)
	}
	for _, status := range []string{"success", "failure", "closed"} {
		DBConnections.WithLabelValues(status)
	}
}
