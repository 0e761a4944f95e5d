package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/agentgate-io/agentgate/internal/domain/evidence"
	"github.com/agentgate-io/agentgate/internal/domain/gateway"
	"github.com/agentgate-io/agentgate/internal/domain/killswitch"
	"github.com/agentgate-io/agentgate/internal/domain/trace"
	"github.com/agentgate-io/agentgate/internal/service"
)

// Handler serves the public gateway routes.
type Handler struct {
	gateway  *service.GatewayService
	killer   *killswitch.Switch
	traces   trace.Store
	exporter *evidence.Exporter
	health   *HealthChecker
}

// NewHandler creates the public route handler.
func NewHandler(gw *service.GatewayService, killer *killswitch.Switch, traces trace.Store, exporter *evidence.Exporter, health *HealthChecker) *Handler {
	return &Handler{gateway: gw, killer: killer, traces: traces, exporter: exporter, health: health}
}

// Register mounts the public routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /tools/call", h.handleToolCall)
	mux.HandleFunc("GET /tools/list", h.handleToolList)
	mux.HandleFunc("GET /sessions", h.handleSessions)
	mux.HandleFunc("POST /sessions/{id}/kill", h.handleKillSession)
	mux.HandleFunc("POST /tools/{name}/kill", h.handleKillTool)
	mux.HandleFunc("POST /system/pause", h.handlePause)
	mux.HandleFunc("POST /system/resume", h.handleResume)
	mux.HandleFunc("GET /sessions/{id}/evidence", h.handleEvidence)
	mux.HandleFunc("GET /health", h.health.ServeHTTP)
}

func (h *Handler) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var req gateway.ToolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds 1 MiB")
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "malformed request body")
		return
	}
	if req.SessionID == "" || req.ToolName == "" {
		writeError(w, http.StatusUnprocessableEntity, "session_id and tool_name are required")
		return
	}

	resp := h.gateway.CallTool(r.Context(), &req)

	status := h.gateway.RateLimitStatus(req.SubjectID(), req.ToolName)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(status.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(status.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(status.ResetAt.Unix(), 10))

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleToolList(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	tools := h.gateway.AllowedTools(r.Context(), sessionID)
	if tools == nil {
		tools = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.traces.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing sessions failed")
		return
	}
	if sessions == nil {
		sessions = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

type killRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleKillSession(w http.ResponseWriter, r *http.Request) {
	h.kill(w, r, func(ctx context.Context, reason string) error {
		return h.killer.KillSession(ctx, r.PathValue("id"), reason)
	})
}

func (h *Handler) handleKillTool(w http.ResponseWriter, r *http.Request) {
	h.kill(w, r, func(ctx context.Context, reason string) error {
		return h.killer.KillTool(ctx, r.PathValue("name"), reason)
	})
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	h.kill(w, r, h.killer.GlobalPause)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.kill(w, r, func(ctx context.Context, _ string) error {
		return h.killer.Resume(ctx)
	})
}

func (h *Handler) kill(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	var req killRequest
	if r.Body != nil {
		// Reason is optional; an empty or malformed body means no reason.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "operator action"
	}
	if err := op(r.Context(), req.Reason); err != nil {
		LoggerFromContext(r.Context()).Error("kill switch write failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "kill switch store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleEvidence(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = evidence.FormatJSON
	}
	theme := r.URL.Query().Get("theme")

	archive, err := h.exporter.Export(r.Context(), sessionID, format, theme)
	if err != nil {
		if errors.Is(err, evidence.ErrUnsupportedFormat) {
			writeError(w, http.StatusNotImplemented, fmt.Sprintf("no renderer for format %q", format))
			return
		}
		LoggerFromContext(r.Context()).Error("evidence export failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "evidence export failed")
		return
	}

	switch format {
	case evidence.FormatHTML:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.Header().Set("X-Integrity-Hash", archive.IntegrityHash)
	w.WriteHeader(http.StatusOK)
	w.Write(archive.Payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
