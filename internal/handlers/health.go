package handlers

import (
	"context"
	"net/http"
	"time"
)

const readinessCheckTimeout = 5 * time.Second

// ReadinessCheck probes one dependency; a nil error means ready.
type ReadinessCheck func(ctx context.Context) error

type readinessProbe struct {
	name  string
	check ReadinessCheck
}

// HealthHandlers serves liveness and readiness endpoints.
type HealthHandlers struct {
	version string
	commit  string
	probes  []readinessProbe
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthBuildInfo attaches build metadata to health responses.
func WithHealthBuildInfo(version, commit string) HealthOption {
	return func(h *HealthHandlers) {
		h.version = version
		h.commit = commit
	}
}

// WithReadinessCheck registers a named dependency probe for /readyz.
func WithReadinessCheck(name string, check ReadinessCheck) HealthOption {
	return func(h *HealthHandlers) {
		if name != "" && check != nil {
			h.probes = append(h.probes, readinessProbe{name: name, check: check})
		}
	}
}

// NewHealthHandlers constructs health endpoints with optional readiness probes.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Healthz reports process liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"status": "ok"}
	if h != nil && h.version != "" {
		payload["version"] = h.version
	}
	if h != nil && h.commit != "" {
		payload["commit"] = h.commit
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

// Readyz reports dependency readiness, running each registered probe with a
// bounded context.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h == nil || len(h.probes) == 0 {
		writeJSONResponse(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readinessCheckTimeout)
	defer cancel()

	checks := make(map[string]string, len(h.probes))
	ready := true
	for _, probe := range h.probes {
		if err := probe.check(ctx); err != nil {
			checks[probe.name] = err.Error()
			ready = false
			continue
		}
		checks[probe.name] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "unavailable"
	}
	writeJSONResponse(w, status, map[string]any{"status": state, "checks": checks})
}
