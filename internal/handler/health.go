package handler

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Pinger is a dependency whose reachability gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	deps map[string]Pinger
}

// NewHealthHandler creates a new health handler over named dependencies.
func NewHealthHandler(deps map[string]Pinger) *HealthHandler {
	return &HealthHandler{deps: deps}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.deps))
	for name := range h.deps {
		names = append(names, name)
	}

	var g errgroup.Group
	checked := make([]error, len(names))
	for i, name := range names {
		g.Go(func() error {
			checked[i] = h.deps[name].Ping(ctx)
			return nil
		})
	}
	g.Wait()

	results := make(map[string]string, len(names))
	status := http.StatusOK
	for i, name := range names {
		if checked[i] != nil {
			status = http.StatusServiceUnavailable
			results[name] = checked[i].Error()
			continue
		}
		results[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not ready"
	}
	writeJSON(w, status, map[string]any{
		"status": state,
		"checks": results,
	})
}
