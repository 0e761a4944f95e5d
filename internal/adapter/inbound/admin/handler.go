// Package admin serves the operator API behind X-API-Key authentication.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentgate-io/agentgate/internal/ctxkey"
	"github.com/agentgate-io/agentgate/internal/domain/approval"
	"github.com/agentgate-io/agentgate/internal/domain/auth"
	"github.com/agentgate-io/agentgate/internal/domain/incident"
	"github.com/agentgate-io/agentgate/internal/domain/policy"
	"github.com/agentgate-io/agentgate/internal/domain/ratelimit"
	"github.com/agentgate-io/agentgate/internal/domain/replay"
	"github.com/agentgate-io/agentgate/internal/service"
)

// Handler serves every /admin route.
type Handler struct {
	verifier    *auth.Verifier
	loader      *service.PolicyLoader
	lifecycle   *policy.Lifecycle
	workflows   *approval.Engine
	exceptions  *policy.ExceptionManager
	replayer    *replay.Replayer
	rollouts    *replay.RolloutController
	coordinator *incident.Coordinator
	incidents   incident.Store
	limiter     *ratelimit.Limiter
	logger      *slog.Logger
}

// Params wires the admin dependencies.
type Params struct {
	Verifier    *auth.Verifier
	Loader      *service.PolicyLoader
	Lifecycle   *policy.Lifecycle
	Workflows   *approval.Engine
	Exceptions  *policy.ExceptionManager
	Replayer    *replay.Replayer
	Rollouts    *replay.RolloutController
	Coordinator *incident.Coordinator
	Incidents   incident.Store
	Limiter     *ratelimit.Limiter
	Logger      *slog.Logger
}

// New creates the admin handler.
func New(p Params) *Handler {
	return &Handler{
		verifier:    p.Verifier,
		loader:      p.Loader,
		lifecycle:   p.Lifecycle,
		workflows:   p.Workflows,
		exceptions:  p.Exceptions,
		replayer:    p.Replayer,
		rollouts:    p.Rollouts,
		coordinator: p.Coordinator,
		incidents:   p.Incidents,
		limiter:     p.Limiter,
		logger:      p.Logger,
	}
}

// Routes returns the authenticated admin route tree.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /admin/policies/reload", h.handlePolicyReload)
	mux.HandleFunc("POST /admin/policies/revisions", h.handleCreateDraft)
	mux.HandleFunc("GET /admin/policies/revisions", h.handleListRevisions)
	mux.HandleFunc("POST /admin/policies/revisions/{id}/submit", h.handleSubmitRevision)
	mux.HandleFunc("POST /admin/policies/revisions/{id}/publish", h.handlePublishRevision)
	mux.HandleFunc("POST /admin/policies/rollback", h.handleRollbackRevision)

	mux.HandleFunc("POST /admin/approvals/workflows", h.handleCreateWorkflow)
	mux.HandleFunc("GET /admin/approvals/workflows", h.handleListWorkflows)
	mux.HandleFunc("POST /admin/approvals/workflows/{id}/approve", h.handleApprove)
	mux.HandleFunc("POST /admin/approvals/workflows/{id}/delegate", h.handleDelegate)

	mux.HandleFunc("POST /admin/exceptions", h.handleCreateException)
	mux.HandleFunc("GET /admin/exceptions", h.handleListExceptions)
	mux.HandleFunc("POST /admin/exceptions/{id}/revoke", h.handleRevokeException)

	mux.HandleFunc("POST /admin/replay/runs", h.handleReplayRun)
	mux.HandleFunc("GET /admin/replay/runs/{id}/summary", h.handleReplaySummary)

	mux.HandleFunc("GET /admin/incidents", h.handleListIncidents)
	mux.HandleFunc("POST /admin/incidents/{id}/release", h.handleReleaseIncident)

	mux.HandleFunc("POST /admin/rollouts", h.handleStartRollout)
	mux.HandleFunc("GET /admin/rollouts", h.handleListRollouts)
	mux.HandleFunc("POST /admin/rollouts/{id}/advance", h.handleAdvanceRollout)
	mux.HandleFunc("POST /admin/rollouts/{id}/rollback", h.handleRollbackRollout)

	mux.HandleFunc("POST /admin/sessions/purge", h.handlePurgeSessions)

	return h.apiKeyMiddleware(mux)
}

// apiKeyMiddleware rejects requests whose X-API-Key does not verify.
func (h *Handler) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if !h.verifier.Verify(key) {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		ctx := context.WithValue(r.Context(), ctxkey.AdminIdentityKey{}, "admin")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if err := h.loader.Reload(); err != nil {
		h.logger.Error("policy reload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "policy reload failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "reloaded",
		"version": h.loader.Version(),
	})
}

type draftRequest struct {
	Version   string        `json:"version"`
	Bundle    policy.Bundle `json:"bundle"`
	CreatedBy string        `json:"created_by"`
}

func (h *Handler) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if !decode(w, r, &req) {
		return
	}
	rev, err := h.lifecycle.CreateDraft(r.Context(), req.Version, req.Bundle, req.CreatedBy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rev)
}

func (h *Handler) handleListRevisions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"revisions": h.lifecycle.List()})
}

func (h *Handler) handleSubmitRevision(w http.ResponseWriter, r *http.Request) {
	rev, err := h.lifecycle.SubmitForReview(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (h *Handler) handlePublishRevision(w http.ResponseWriter, r *http.Request) {
	rev, err := h.lifecycle.Publish(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

type rollbackRevisionRequest struct {
	RestoreID string `json:"restore_id"`
}

func (h *Handler) handleRollbackRevision(w http.ResponseWriter, r *http.Request) {
	var req rollbackRevisionRequest
	if !decode(w, r, &req) {
		return
	}
	rev, err := h.lifecycle.Rollback(r.Context(), req.RestoreID)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

type workflowRequest struct {
	SessionID         string   `json:"session_id"`
	ToolName          string   `json:"tool_name"`
	RequiredSteps     int      `json:"required_steps"`
	RequiredApprovers []string `json:"required_approvers"`
	RequestedBy       string   `json:"requested_by"`
	ExpiresInSeconds  int      `json:"expires_in_seconds"`
	ExpiresAt         *string  `json:"expires_at"`
}

func (h *Handler) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if !decode(w, r, &req) {
		return
	}
	params := approval.CreateParams{
		SessionID:         req.SessionID,
		ToolName:          req.ToolName,
		RequiredSteps:     req.RequiredSteps,
		RequiredApprovers: req.RequiredApprovers,
		RequestedBy:       req.RequestedBy,
		ExpiresIn:         time.Duration(req.ExpiresInSeconds) * time.Second,
	}
	if req.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "expires_at must be RFC 3339")
			return
		}
		params.ExpiresAt = &t
	}

	wf, err := h.workflows.Create(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"workflow": wf,
		"token":    wf.Token(),
	})
}

func (h *Handler) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workflows": h.workflows.List()})
}

type approveRequest struct {
	ApproverID string `json:"approver_id"`
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !decode(w, r, &req) {
		return
	}
	wf, err := h.workflows.Approve(r.Context(), r.PathValue("id"), req.ApproverID)
	if err != nil {
		writeApprovalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

type delegateRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (h *Handler) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if !decode(w, r, &req) {
		return
	}
	wf, err := h.workflows.Delegate(r.Context(), r.PathValue("id"), req.From, req.To)
	if err != nil {
		writeApprovalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *Handler) handleCreateException(w http.ResponseWriter, r *http.Request) {
	var req policy.Exception
	if !decode(w, r, &req) {
		return
	}
	exc, err := h.exceptions.Create(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, exc)
}

func (h *Handler) handleListExceptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"exceptions": h.exceptions.List(r.Context())})
}

type revokeRequest struct {
	RevokedBy string `json:"revoked_by"`
}

func (h *Handler) handleRevokeException(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RevokedBy == "" {
		req.RevokedBy = "admin"
	}
	if err := h.exceptions.Revoke(r.Context(), r.PathValue("id"), req.RevokedBy); err != nil {
		if errors.Is(err, policy.ErrExceptionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

type replayRequest struct {
	BaselineVersion  string        `json:"baseline_version"`
	Baseline         policy.Bundle `json:"baseline"`
	CandidateVersion string        `json:"candidate_version"`
	Candidate        policy.Bundle `json:"candidate"`
	SessionID        string        `json:"session_id"`
}

func (h *Handler) handleReplayRun(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if !decode(w, r, &req) {
		return
	}
	run, err := h.replayer.Run(r.Context(), req.BaselineVersion, req.Baseline,
		req.CandidateVersion, req.Candidate, req.SessionID)
	if err != nil {
		h.logger.Error("replay run failed", "error", err)
		writeError(w, http.StatusInternalServerError, "replay run failed")
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (h *Handler) handleReplaySummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.replayer.Summarize(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "summarize failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	records, err := h.incidents.ListIncidents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing incidents failed")
		return
	}
	if records == nil {
		records = []incident.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": records})
}

type releaseRequest struct {
	ReleasedBy string `json:"released_by"`
}

func (h *Handler) handleReleaseIncident(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ReleasedBy == "" {
		req.ReleasedBy = "admin"
	}
	record, err := h.coordinator.Release(r.Context(), r.PathValue("id"), req.ReleasedBy)
	if err != nil {
		if errors.Is(err, incident.ErrIncidentNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type rolloutRequest struct {
	TenantID         string        `json:"tenant_id"`
	BaselineVersion  string        `json:"baseline_version"`
	Baseline         policy.Bundle `json:"baseline"`
	CandidateVersion string        `json:"candidate_version"`
	Candidate        policy.Bundle `json:"candidate"`
	SessionID        string        `json:"session_id"`
}

func (h *Handler) handleStartRollout(w http.ResponseWriter, r *http.Request) {
	var req rolloutRequest
	if !decode(w, r, &req) {
		return
	}
	record, err := h.rollouts.Start(r.Context(), replay.StartParams{
		TenantID:         req.TenantID,
		BaselineVersion:  req.BaselineVersion,
		Baseline:         req.Baseline,
		CandidateVersion: req.CandidateVersion,
		Candidate:        req.Candidate,
		SessionID:        req.SessionID,
	})
	if err != nil {
		h.logger.Error("rollout start failed", "error", err)
		writeError(w, http.StatusInternalServerError, "rollout start failed")
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (h *Handler) handleListRollouts(w http.ResponseWriter, r *http.Request) {
	records, err := h.rollouts.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing rollouts failed")
		return
	}
	if records == nil {
		records = []replay.RolloutRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rollouts": records})
}

func (h *Handler) handleAdvanceRollout(w http.ResponseWriter, r *http.Request) {
	record, err := h.rollouts.Advance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeRolloutError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type rollbackRolloutRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleRollbackRollout(w http.ResponseWriter, r *http.Request) {
	var req rollbackRolloutRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "operator rollback"
	}
	record, err := h.rollouts.Rollback(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeRolloutError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handlePurgeSessions clears in-memory per-session state (rate limit
// buckets); the append-only journal is never touched.
func (h *Handler) handlePurgeSessions(w http.ResponseWriter, r *http.Request) {
	purged := h.limiter.Purge()
	h.logger.Info("session state purged", "buckets", purged)
	writeJSON(w, http.StatusOK, map[string]any{"purged_buckets": purged})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "malformed request body")
		return false
	}
	return true
}

func writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, policy.ErrRevisionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusConflict, err.Error())
	}
}

func writeApprovalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrWorkflowNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, approval.ErrWorkflowExpired):
		writeError(w, http.StatusGone, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeRolloutError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, replay.ErrRolloutNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, replay.ErrBadRolloutState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
