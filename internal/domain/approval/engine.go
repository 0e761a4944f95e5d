// Package approval implements the multi-step approval workflow engine that
// gates write actions behind human sign-off, with delegation and expiry.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TokenPrefix marks workflow-minted approval tokens.
const TokenPrefix = "wf:"

// DefaultExpiry applies when a workflow is created without an expiry.
const DefaultExpiry = 900 * time.Second

// WorkflowStatus is derived, never stored: approved once enough slots are
// approved, otherwise expired or pending.
type WorkflowStatus string

const (
	StatusPending  WorkflowStatus = "pending"
	StatusApproved WorkflowStatus = "approved"
	StatusExpired  WorkflowStatus = "expired"
)

// Workflow is one approval gate bound to a (session, tool) pair.
type Workflow struct {
	WorkflowID        string            `json:"workflow_id"`
	SessionID         string            `json:"session_id"`
	ToolName          string            `json:"tool_name"`
	RequiredSteps     int               `json:"required_steps"`
	RequiredApprovers []string          `json:"required_approvers"`       // ordered, normalized, deduplicated
	Approvals         map[string]bool   `json:"approvals"`                // approved slot identifiers
	Delegations       map[string]string `json:"delegations"`              // delegate -> source slot
	RequestedBy       string            `json:"requested_by,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
	UpdatedAt         *time.Time        `json:"updated_at,omitempty"`
}

// Token returns the approval token for the workflow.
func (w *Workflow) Token() string { return TokenPrefix + w.WorkflowID }

// clone copies the mutable maps so workflows handed to callers and the store
// never alias the registry's live entry.
func (w Workflow) clone() Workflow {
	approvals := make(map[string]bool, len(w.Approvals))
	for k, v := range w.Approvals {
		approvals[k] = v
	}
	delegations := make(map[string]string, len(w.Delegations))
	for k, v := range w.Delegations {
		delegations[k] = v
	}
	w.Approvals = approvals
	w.Delegations = delegations
	return w
}

// Status derives the workflow status at now.
func (w *Workflow) Status(now time.Time) WorkflowStatus {
	if len(w.Approvals) >= w.RequiredSteps {
		return StatusApproved
	}
	if !now.Before(w.ExpiresAt) {
		return StatusExpired
	}
	return StatusPending
}

// Engine errors.
var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrWorkflowExpired   = errors.New("workflow expired")
	ErrNotAnApprover     = errors.New("approver does not match any required slot")
	ErrSlotApproved      = errors.New("slot already approved")
	ErrSelfDelegation    = errors.New("cannot delegate a slot to its own approver")
	ErrBadRequiredSteps  = errors.New("required_steps must be >= 1")
	ErrStepsExceedSlots  = errors.New("required_steps exceeds required approvers")
)

// Store persists workflows so pending approvals survive restart.
type Store interface {
	PutWorkflow(ctx context.Context, w Workflow) error
	ListWorkflows(ctx context.Context) ([]Workflow, error)
}

// CreateParams configures a new workflow. ExpiresAt takes precedence over
// ExpiresIn; when neither is set the default expiry applies.
type CreateParams struct {
	SessionID         string
	ToolName          string
	RequiredSteps     int
	RequiredApprovers []string
	RequestedBy       string
	ExpiresIn         time.Duration
	ExpiresAt         *time.Time
}

// Engine is the in-memory workflow registry. One mutex guards the map, and
// every mutation installs a cloned entry, so workflows already returned to
// callers or in flight to the store are never written to again.
type Engine struct {
	mu     sync.Mutex
	byID   map[string]Workflow
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an engine backed by the given store (nil for tests).
func NewEngine(store Store, logger *slog.Logger) *Engine {
	return &Engine{
		byID:   make(map[string]Workflow),
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Bootstrap loads persisted workflows.
func (e *Engine) Bootstrap(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	persisted, err := e.store.ListWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range persisted {
		e.byID[w.WorkflowID] = w
	}
	return nil
}

// Create mints a workflow and its token. Approver identities are case-folded
// and trimmed; duplicates collapse preserving first-seen order. An empty
// approver set means anonymous approval slots.
func (e *Engine) Create(ctx context.Context, p CreateParams) (Workflow, error) {
	if p.RequiredSteps < 1 {
		return Workflow{}, ErrBadRequiredSteps
	}
	approvers := normalizeApprovers(p.RequiredApprovers)
	if len(approvers) > 0 && p.RequiredSteps > len(approvers) {
		return Workflow{}, ErrStepsExceedSlots
	}

	now := e.now().UTC()
	expiresAt := now.Add(DefaultExpiry)
	if p.ExpiresAt != nil {
		expiresAt = p.ExpiresAt.UTC()
	} else if p.ExpiresIn > 0 {
		expiresAt = now.Add(p.ExpiresIn)
	}

	w := Workflow{
		WorkflowID:        uuid.NewString(),
		SessionID:         p.SessionID,
		ToolName:          p.ToolName,
		RequiredSteps:     p.RequiredSteps,
		RequiredApprovers: approvers,
		Approvals:         make(map[string]bool),
		Delegations:       make(map[string]string),
		RequestedBy:       p.RequestedBy,
		CreatedAt:         now,
		ExpiresAt:         expiresAt,
	}

	e.mu.Lock()
	e.byID[w.WorkflowID] = w
	e.mu.Unlock()

	return w, e.persist(ctx, w)
}

// Approve records an approval. The approver must match a required slot
// directly or be the delegate target of an unapproved slot. Re-approving an
// already-approved slot is a no-op.
func (e *Engine) Approve(ctx context.Context, workflowID, approverID string) (Workflow, error) {
	approver := normalizeIdentity(approverID)
	now := e.now().UTC()

	e.mu.Lock()
	w, ok := e.byID[workflowID]
	if !ok {
		e.mu.Unlock()
		return Workflow{}, ErrWorkflowNotFound
	}
	if !now.Before(w.ExpiresAt) {
		e.mu.Unlock()
		return Workflow{}, ErrWorkflowExpired
	}

	slot, ok := resolveSlot(&w, approver)
	if !ok {
		e.mu.Unlock()
		return Workflow{}, ErrNotAnApprover
	}
	if !w.Approvals[slot] {
		w = w.clone()
		w.Approvals[slot] = true
		t := now
		w.UpdatedAt = &t
		e.byID[workflowID] = w
	}
	e.mu.Unlock()

	return w, e.persist(ctx, w)
}

// Delegate lets `from` (a required approver whose slot is unapproved) hand
// the slot to `to`. Any stale delegation previously targeting `from` is
// removed.
func (e *Engine) Delegate(ctx context.Context, workflowID, from, to string) (Workflow, error) {
	source := normalizeIdentity(from)
	delegate := normalizeIdentity(to)
	if source == delegate {
		return Workflow{}, ErrSelfDelegation
	}
	now := e.now().UTC()

	e.mu.Lock()
	w, ok := e.byID[workflowID]
	if !ok {
		e.mu.Unlock()
		return Workflow{}, ErrWorkflowNotFound
	}
	if !now.Before(w.ExpiresAt) {
		e.mu.Unlock()
		return Workflow{}, ErrWorkflowExpired
	}
	if !containsSlot(w.RequiredApprovers, source) {
		e.mu.Unlock()
		return Workflow{}, ErrNotAnApprover
	}
	if w.Approvals[source] {
		e.mu.Unlock()
		return Workflow{}, ErrSlotApproved
	}

	w = w.clone()
	// A slot has at most one delegate: drop any earlier delegation of it.
	for d, s := range w.Delegations {
		if s == source {
			delete(w.Delegations, d)
		}
	}
	w.Delegations[delegate] = source
	t := now
	w.UpdatedAt = &t
	e.byID[workflowID] = w
	e.mu.Unlock()

	return w, e.persist(ctx, w)
}

// Get returns a workflow by ID.
func (e *Engine) Get(workflowID string) (Workflow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.byID[workflowID]
	if !ok {
		return Workflow{}, ErrWorkflowNotFound
	}
	return w, nil
}

// List returns all workflows, newest first.
func (e *Engine) List() []Workflow {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Workflow, 0, len(e.byID))
	for _, w := range e.byID {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ValidToken reports whether the token authorizes the (session, tool) pair:
// the referenced workflow must exist, not be expired, match both identifiers,
// and have enough approvals.
func (e *Engine) ValidToken(token, sessionID, toolName string) bool {
	if !strings.HasPrefix(token, TokenPrefix) {
		return false
	}
	workflowID := strings.TrimPrefix(token, TokenPrefix)
	now := e.now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.byID[workflowID]
	if !ok {
		return false
	}
	return w.SessionID == sessionID &&
		w.ToolName == toolName &&
		len(w.Approvals) >= w.RequiredSteps &&
		now.Before(w.ExpiresAt)
}

func (e *Engine) persist(ctx context.Context, w Workflow) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.PutWorkflow(ctx, w); err != nil {
		return fmt.Errorf("persist workflow: %w", err)
	}
	return nil
}

// resolveSlot maps an approver identity to the slot it may approve: its own
// slot, a delegated slot, or (for anonymous workflows) itself.
func resolveSlot(w *Workflow, approver string) (string, bool) {
	if len(w.RequiredApprovers) == 0 {
		return approver, true
	}
	if containsSlot(w.RequiredApprovers, approver) {
		return approver, true
	}
	if source, ok := w.Delegations[approver]; ok && !w.Approvals[source] {
		return source, true
	}
	return "", false
}

func normalizeIdentity(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func normalizeApprovers(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		n := normalizeIdentity(id)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func containsSlot(slots []string, s string) bool {
	for _, slot := range slots {
		if slot == s {
			return true
		}
	}
	return false
}
