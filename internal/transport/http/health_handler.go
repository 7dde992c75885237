package http

import (
	"context"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/render"
)

// ReadyFunc reports whether a dependency can serve traffic
type ReadyFunc func(ctx context.Context) error

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime,omitempty"`
	Runtime   map[string]interface{} `json:"runtime,omitempty"`
	Checks    map[string]string      `json:"checks,omitempty"`
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	version   string
	checks    map[string]ReadyFunc
	startTime time.Time
	logger    *slog.Logger
}

// NewHealthHandler creates a new health handler. Each named check is run by
// the readiness endpoint.
func NewHealthHandler(version string, checks map[string]ReadyFunc, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		version:   version,
		checks:    checks,
		startTime: time.Now(),
		logger:    logger.With(slog.String("handler", "health")),
	}
}

// LivenessCheck handles GET /health
func (h *HealthHandler) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Runtime: map[string]interface{}{
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
	})
}

// ReadinessCheck handles GET /health/ready
func (h *HealthHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now().UTC(),
		Version:   h.version,
		Checks:    make(map[string]string, len(h.checks)),
	}

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.WarnContext(ctx, "Readiness check failed",
				slog.String("check", name),
				slog.String("error", err.Error()),
			)
			status.Status = "not_ready"
			status.Checks[name] = err.Error()
			continue
		}
		status.Checks[name] = "ok"
	}

	if status.Status != "ready" {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, status)
}
