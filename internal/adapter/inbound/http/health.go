package http

import (
	"context"
	"net/http"
	"time"
)

// probeTimeout bounds each dependency probe.
const probeTimeout = 2 * time.Second

// HealthChecker reports gateway liveness plus the reachability of the policy
// engine and the kill-switch store.
type HealthChecker struct {
	version string
	opa     func(context.Context) bool
	redis   func(context.Context) bool
}

// NewHealthChecker wires the dependency probes.
func NewHealthChecker(version string, opa, redis func(context.Context) bool) *HealthChecker {
	return &HealthChecker{version: version, opa: opa, redis: redis}
}

// ServeHTTP answers {status, version, opa, redis}; status degrades when any
// probe fails, but the endpoint itself stays 200 while the process serves.
func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	opaOK := h.opa(ctx)
	redisOK := h.redis(ctx)

	status := "ok"
	if !opaOK || !redisOK {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"opa":     opaOK,
		"redis":   redisOK,
	})
}
