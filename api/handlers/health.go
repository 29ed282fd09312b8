package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthHandler serves the gateway's three probe endpoints (§6): /healthz,
// /readyz, and /livez. Dependency checks (e.g. the kvstore) are registered
// once at startup and run only on /readyz — /healthz and /livez never touch
// a dependency, so they stay cheap enough to poll aggressively.
type HealthHandler struct {
	logger *zap.Logger
	checks []HealthCheck
	mu     sync.RWMutex
}

// HealthCheck is one named dependency probe.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthStatus is the JSON body returned by every probe endpoint.
type HealthStatus struct {
	Status    string                 `json:"status"` // "healthy" | "unhealthy"
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is one dependency's outcome within a HealthStatus.
type CheckResult struct {
	Status  string `json:"status"` // "pass" | "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// NewHealthHandler builds a HealthHandler with no registered checks.
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		logger: logger,
		checks: make([]HealthCheck, 0),
	}
}

// RegisterCheck adds a dependency probe that /readyz will run.
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// HandleHealthz reports general process health: the server is accepting
// connections and running its own handlers, without touching a dependency.
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{Status: "healthy", Timestamp: time.Now()})
}

// HandleLivez is the liveness probe: process is alive and not deadlocked.
// Kubernetes restarts the pod when this fails, so it deliberately never
// depends on anything external to the process.
func (h *HealthHandler) HandleLivez(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{Status: "healthy", Timestamp: time.Now()})
}

// HandleReadyz is the readiness probe: runs every registered dependency
// check and reports unhealthy (503) if any fails, so a load balancer pulls
// traffic from an instance that can't reach its kvstore.
func (h *HealthHandler) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}

	allHealthy := true
	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		latency := time.Since(start)

		result := CheckResult{Status: "pass", Latency: latency.String()}
		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			allHealthy = false

			h.logger.Warn("readiness check failed",
				zap.String("check", check.Name()),
				zap.Error(err),
				zap.Duration("latency", latency),
			)
		}
		status.Checks[check.Name()] = result
	}

	if !allHealthy {
		status.Status = "unhealthy"
		WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// KVStoreHealthCheck probes the kvstore backend (Redis) with a lightweight
// ping supplied by the caller, so this package doesn't import a Redis client
// directly.
type KVStoreHealthCheck struct {
	name string
	ping func(ctx context.Context) error
}

// NewKVStoreHealthCheck builds a KVStoreHealthCheck named name, calling ping
// to exercise the connection.
func NewKVStoreHealthCheck(name string, ping func(ctx context.Context) error) *KVStoreHealthCheck {
	return &KVStoreHealthCheck{name: name, ping: ping}
}

func (c *KVStoreHealthCheck) Name() string { return c.name }

func (c *KVStoreHealthCheck) Check(ctx context.Context) error { return c.ping(ctx) }
