package api

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger is a dependency that can report its reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthReport is the body of GET /health.
type HealthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Healthy reports whether every check passed.
func (r HealthReport) Healthy() bool {
	return r.Status == "healthy"
}

// HealthHandler reports the health of the API and its dependencies.
type HealthHandler struct {
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]Pinger
}

// NewHealthHandler creates a handler that pings the database.
func NewHealthHandler(db Pinger, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	h := &HealthHandler{timeout: timeout, checks: map[string]Pinger{}}
	if db != nil {
		h.AddCheck("database", db)
	}
	return h
}

// AddCheck registers a named dependency check.
func (h *HealthHandler) AddCheck(name string, p Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = p
}

// Check runs every dependency check.
func (h *HealthHandler) Check(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]Pinger, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	h.mu.RUnlock()
	sort.Strings(names)

	report := HealthReport{Status: "healthy", Checks: map[string]string{"api": "ok"}}
	for _, name := range names {
		if err := checks[name].Ping(ctx); err != nil {
			slog.Error("Health check failed", "check", name, "error", err)
			report.Status = "degraded"
			report.Checks[name] = "unreachable"
			continue
		}
		report.Checks[name] = "ok"
	}
	return report
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.Check(r.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, report)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
