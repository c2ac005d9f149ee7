package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/Shugur-Network/peergate/internal/ban"
	"github.com/Shugur-Network/peergate/internal/constants"
	"github.com/Shugur-Network/peergate/internal/monitor"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the status of a specific component
type ComponentStatus struct {
	Name    string         `json:"name"`
	Status  HealthStatus   `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status     HealthStatus       `json:"status"`
	Timestamp  time.Time          `json:"timestamp"`
	Version    string             `json:"version"`
	Instance   string             `json:"instance,omitempty"`
	Uptime     string             `json:"uptime"`
	Components []*ComponentStatus `json:"components"`
	Summary    map[string]any     `json:"summary"`
}

// Store is the persistence backend the checker pings.
type Store interface {
	Ping(ctx context.Context) error
}

// BanCache reports ban cache freshness. *ban.Service satisfies it.
type BanCache interface {
	Status() ban.Status
}

// Syncer reports the registry sync loop. *monitor.Monitor satisfies it.
type Syncer interface {
	Status() monitor.SyncStatus
}

// Sources groups what the checker inspects. Nil members are skipped.
type Sources struct {
	Store       Store
	Bans        BanCache
	Sync        Syncer
	LivePeers   func() int
	Connections func() int
}

// HealthChecker performs the component checks behind /health.
//
// A failing store only degrades the node: admission keeps running on the
// in-memory registry and ban cache, so orchestrators should not restart it.
type HealthChecker struct {
	src       Sources
	logger    *zap.Logger
	startTime time.Time
	version   string
	instance  string
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(src Sources, logger *zap.Logger, version, instance string) *HealthChecker {
	return &HealthChecker{
		src:       src,
		logger:    logger.Named("health"),
		startTime: time.Now(),
		version:   version,
		instance:  instance,
	}
}

// CheckHealth runs every check.
func (h *HealthChecker) CheckHealth(ctx context.Context) *HealthResponse {
	startTime := time.Now()
	components := make([]*ComponentStatus, 0, 6)

	if h.src.Store != nil {
		components = append(components, h.checkStore(ctx))
	}
	if h.src.Bans != nil {
		components = append(components, h.checkBans())
	}
	if h.src.Sync != nil {
		components = append(components, h.checkSync())
	}
	components = append(components, h.checkRegistry())
	components = append(components, h.checkMemory())
	components = append(components, h.checkSystemResources())

	overallStatus := h.determineOverallStatus(components)

	return &HealthResponse{
		Status:     overallStatus,
		Timestamp:  time.Now(),
		Version:    h.version,
		Instance:   h.instance,
		Uptime:     h.formatUptime(time.Since(h.startTime)),
		Components: components,
		Summary: map[string]any{
			"total_components":     len(components),
			"healthy_components":   h.countComponentsByStatus(components, StatusHealthy),
			"degraded_components":  h.countComponentsByStatus(components, StatusDegraded),
			"unhealthy_components": h.countComponentsByStatus(components, StatusUnhealthy),
			"check_duration_ms":    time.Since(startTime).Milliseconds(),
		},
	}
}

func (h *HealthChecker) checkStore(ctx context.Context) *ComponentStatus {
	status := &ComponentStatus{Name: "store", Details: make(map[string]any)}
	start := time.Now()
	err := h.src.Store.Ping(ctx)
	status.Details["ping_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		status.Status = StatusDegraded
		status.Message = "Peer store unreachable, serving from memory"
		status.Details["error"] = err.Error()
		return status
	}
	status.Status = StatusHealthy
	status.Message = "Peer store reachable"
	return status
}

func (h *HealthChecker) checkBans() *ComponentStatus {
	st := h.src.Bans.Status()
	status := &ComponentStatus{
		Name: "ban_cache",
		Details: map[string]any{
			"size":                 st.Size,
			"consecutive_failures": st.Failures,
			"from_snapshot":        st.FromSnapshot,
		},
	}
	if !st.LastRefresh.IsZero() {
		status.Details["last_refresh"] = st.LastRefresh
		status.Details["age_seconds"] = time.Since(st.LastRefresh).Seconds()
	}
	switch {
	case st.FromSnapshot:
		status.Status = StatusDegraded
		status.Message = "Ban cache seeded from local snapshot"
	case st.Degraded:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Ban refresh failing (%d in a row), serving last-known bans", st.Failures)
		status.Details["error"] = st.LastError
	default:
		status.Status = StatusHealthy
		status.Message = "Ban cache fresh"
	}
	return status
}

func (h *HealthChecker) checkSync() *ComponentStatus {
	st := h.src.Sync.Status()
	status := &ComponentStatus{
		Name: "sync",
		Details: map[string]any{
			"pending":              st.Pending,
			"consecutive_failures": st.Failures,
		},
	}
	if !st.LastSync.IsZero() {
		status.Details["last_sync"] = st.LastSync
	}
	if st.Reconciling {
		status.Details["reconciling"] = true
	}
	if st.Failures > 0 || st.Reconciling {
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Registry sync failing, %d peers pending", st.Pending)
		status.Details["error"] = st.LastError
		return status
	}
	status.Status = StatusHealthy
	status.Message = "Registry sync current"
	return status
}

func (h *HealthChecker) checkRegistry() *ComponentStatus {
	status := &ComponentStatus{Name: "registry", Status: StatusHealthy, Details: make(map[string]any)}
	if h.src.LivePeers != nil {
		status.Details["live_peers"] = h.src.LivePeers()
	}
	if h.src.Connections != nil {
		status.Details["control_connections"] = h.src.Connections()
	}
	status.Message = "Registry serving"
	return status
}

// checkMemory checks memory usage
func (h *HealthChecker) checkMemory() *ComponentStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := &ComponentStatus{
		Name:    "memory",
		Details: make(map[string]any),
	}

	allocMB := float64(m.Alloc) / 1024 / 1024
	status.Details["alloc_mb"] = allocMB
	status.Details["sys_mb"] = float64(m.Sys) / 1024 / 1024
	status.Details["heap_mb"] = float64(m.HeapAlloc) / 1024 / 1024
	status.Details["num_gc"] = m.NumGC

	const (
		memoryWarningMB  = 500
		memoryCriticalMB = 1000
	)

	switch {
	case allocMB > memoryCriticalMB:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High memory usage: %.1f MB", allocMB)
	case allocMB > memoryWarningMB:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated memory usage: %.1f MB", allocMB)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Memory usage normal: %.1f MB", allocMB)
	}
	return status
}

// checkSystemResources checks system-level resources
func (h *HealthChecker) checkSystemResources() *ComponentStatus {
	goroutineCount := runtime.NumGoroutine()
	status := &ComponentStatus{
		Name: "system",
		Details: map[string]any{
			"goroutines": goroutineCount,
			"cpus":       runtime.NumCPU(),
		},
	}

	const (
		goroutineWarning  = 5000
		goroutineCritical = 20000
	)

	switch {
	case goroutineCount > goroutineCritical:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High goroutine count: %d", goroutineCount)
	case goroutineCount > goroutineWarning:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated goroutine count: %d", goroutineCount)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("System resources normal: %d goroutines", goroutineCount)
	}
	return status
}

// determineOverallStatus determines the overall health status from components
func (h *HealthChecker) determineOverallStatus(components []*ComponentStatus) HealthStatus {
	overall := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

func (h *HealthChecker) countComponentsByStatus(components []*ComponentStatus, status HealthStatus) int {
	count := 0
	for _, comp := range components {
		if comp.Status == status {
			count++
		}
	}
	return count
}

// formatUptime formats uptime duration as a human-readable string
func (h *HealthChecker) formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// HandleHealth is the HTTP handler for health checks. Degraded still answers
// 200; only an unhealthy node answers 503.
func (h *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), constants.HealthCheckTimeout)
	defer cancel()

	resp := h.CheckHealth(ctx)

	statusCode := http.StatusOK
	if resp.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
		return
	}

	h.logger.Debug("Health check completed",
		zap.String("status", string(resp.Status)),
		zap.Int("status_code", statusCode),
		zap.String("client_ip", r.RemoteAddr),
		zap.Int64("duration_ms", resp.Summary["check_duration_ms"].(int64)))
}
