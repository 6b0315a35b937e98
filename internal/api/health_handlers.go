package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker is a named dependency check.
type HealthChecker interface {
	Name() string
	HealthCheck(ctx context.Context) error
}

// HealthHandlers provides liveness and readiness endpoints.
type HealthHandlers struct {
	checkers []HealthChecker
	timeout  time.Duration
	now      func() time.Time
}

// HealthHandlersConfig configures the health check handlers.
type HealthHandlersConfig struct {
	Checkers []HealthChecker
	// Timeout bounds all readiness checks together (default 5s).
	Timeout time.Duration
	Now     func() time.Time
}

// NewHealthHandlers creates a new health check handler.
func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &HealthHandlers{checkers: config.Checkers, timeout: config.Timeout, now: config.Now}
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health (liveness probe). It only proves the process
// can serve requests.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	WriteJSON(w, r.Context(), http.StatusOK, HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": "ok"},
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready (readiness probe). It returns 503 when any
// configured check fails.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := make(map[string]string, len(h.checkers))
	healthy := true
	for _, c := range h.checkers {
		if err := c.HealthCheck(ctx); err != nil {
			checks[c.Name()] = "error"
			healthy = false
			slog.WarnContext(ctx, "readiness check failed", "check", c.Name(), "error", err)
			continue
		}
		checks[c.Name()] = "ok"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	WriteJSON(w, r.Context(), code, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}
