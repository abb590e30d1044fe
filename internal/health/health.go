package health

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/Shugur-Network/gated-relay/internal/constants"
	"github.com/Shugur-Network/gated-relay/internal/logger"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
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
	Uptime     string             `json:"uptime"`
	Components []*ComponentStatus `json:"components"`
}

// Store is the part of the event store a health check needs.
type Store interface {
	Ping(ctx context.Context) error
}

// PoolStats is implemented by stores backed by a connection pool.
type PoolStats interface {
	PoolUsage() (inUse, max int)
}

// Node reports relay-level state.
type Node interface {
	ConnectionCount() int
	SubscribedConnections() int
	StartTime() time.Time
}

// Goroutine thresholds for the system component.
const (
	goroutineWarning  = 10000
	goroutineCritical = 50000
)

// Checker performs health checks.
type Checker struct {
	store   Store
	node    Node
	version string
	log     *zap.Logger
}

// NewChecker creates a health checker.
func NewChecker(store Store, node Node, version string) *Checker {
	return &Checker{
		store:   store,
		node:    node,
		version: version,
		log:     logger.New("health"),
	}
}

// SetNode attaches the relay once it exists. The relay's HTTP surface is
// built before the relay itself, so the checker may start without one.
func (h *Checker) SetNode(node Node) {
	h.node = node
}

// CheckHealth runs every component check.
func (h *Checker) CheckHealth(ctx context.Context) *HealthResponse {
	components := []*ComponentStatus{h.checkStore(ctx)}
	resp := &HealthResponse{
		Timestamp: time.Now().UTC(),
		Version:   h.version,
	}
	if h.node != nil {
		components = append(components, h.checkConnections())
		resp.Uptime = formatUptime(time.Since(h.node.StartTime()))
	}
	resp.Components = append(components, h.checkSystemResources())
	resp.Status = overallStatus(resp.Components)
	return resp
}

func (h *Checker) checkStore(ctx context.Context) *ComponentStatus {
	status := &ComponentStatus{Name: "store", Details: make(map[string]any)}

	start := time.Now()
	if err := h.store.Ping(ctx); err != nil {
		status.Status = StatusUnhealthy
		status.Message = "Store unreachable"
		status.Details["error"] = err.Error()
		return status
	}
	status.Details["ping_ms"] = time.Since(start).Milliseconds()

	status.Status = StatusHealthy
	status.Message = "Store is healthy"
	if ps, ok := h.store.(PoolStats); ok {
		inUse, max := ps.PoolUsage()
		status.Details["in_use"] = inUse
		status.Details["max_connections"] = max
		if max > 0 && float64(inUse)/float64(max) > 0.9 {
			status.Status = StatusDegraded
			status.Message = "High database connection utilization"
		}
	}
	return status
}

func (h *Checker) checkConnections() *ComponentStatus {
	n := h.node.ConnectionCount()
	return &ComponentStatus{
		Name:    "connections",
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d active connections", n),
		Details: map[string]any{
			"active_connections":     n,
			"subscribed_connections": h.node.SubscribedConnections(),
		},
	}
}

func (h *Checker) checkSystemResources() *ComponentStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	status := &ComponentStatus{
		Name: "system",
		Details: map[string]any{
			"goroutines": goroutines,
			"cpus":       runtime.NumCPU(),
			"alloc_mb":   float64(m.Alloc) / 1024 / 1024,
			"num_gc":     m.NumGC,
		},
	}
	switch {
	case goroutines > goroutineCritical:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	case goroutines > goroutineWarning:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated goroutine count: %d", goroutines)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("System resources normal: %d goroutines", goroutines)
	}
	return status
}

// overallStatus is the worst component status.
func overallStatus(components []*ComponentStatus) HealthStatus {
	overall := StatusHealthy
	for _, c := range components {
		switch c.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// formatUptime formats uptime duration as a human-readable string
func formatUptime(d time.Duration) string {
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

// HandleHealth serves the health report. Unhealthy answers 503.
func (h *Checker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

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
		h.log.Error("Failed to encode health response", zap.Error(err))
		return
	}

	h.log.Debug("Health check completed",
		zap.String("status", string(resp.Status)),
		zap.Int("status_code", statusCode))
}
