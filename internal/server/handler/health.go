package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Checker reports whether a dependency is reachable.
type Checker func(ctx context.Context) error

// HealthHandler serves liveness and readiness.
type HealthHandler struct {
	checks map[string]Checker
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. checks may be nil.
func NewHealthHandler(checks map[string]Checker, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, logger: logger}
}

// HealthCheck reports that the process is up.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready runs every dependency check with a short timeout.
// GET /api/ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.WarnContext(ctx, "readiness check failed",
				slog.String("check", name),
				slog.String("error", err.Error()),
			)
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	writeJSON(w, status, map[string]any{"checks": results})
}
