// Package policy produces a PolicyDecision for every tool call. It contains
// the local reference evaluator, the remote client port, signed policy
// package verification, time-bound exceptions, and the revision lifecycle.
package policy

import (
	"context"
	"encoding/json"
	"time"
)

// Action is the verdict of a policy evaluation.
type Action string

const (
	ActionAllow           Action = "ALLOW"
	ActionDeny            Action = "DENY"
	ActionRequireApproval Action = "REQUIRE_APPROVAL"
)

// DefaultCredentialTTLSeconds is the credential lifetime applied when a
// decision does not specify one.
const DefaultCredentialTTLSeconds = 300

// Decision is the policy verdict carried through the pipeline and into the
// trace. AllowedScope is set iff Action is ALLOW.
type Decision struct {
	Action               Action `json:"action"`
	Reason               string `json:"reason"`
	MatchedRule          string `json:"matched_rule,omitempty"`
	AllowedScope         string `json:"allowed_scope,omitempty"`
	CredentialTTLSeconds int    `json:"credential_ttl_seconds"`
	IsWriteAction        bool   `json:"is_write_action"`
}

// Deny builds a denial decision with the given reason code.
func Deny(reason string) Decision {
	return Decision{
		Action:               ActionDeny,
		Reason:               reason,
		CredentialTTLSeconds: DefaultCredentialTTLSeconds,
	}
}

// Bundle is the declarative policy data: tool allowlists plus per-tool rate
// caps. An empty bundle denies everything.
type Bundle struct {
	ReadOnlyTools []string       `json:"read_only_tools" yaml:"read_only_tools"`
	WriteTools    []string       `json:"write_tools" yaml:"write_tools"`
	RateLimits    map[string]int `json:"rate_limits,omitempty" yaml:"rate_limits,omitempty"`
}

// IsEmpty reports whether the bundle contains no tools.
func (b *Bundle) IsEmpty() bool {
	return len(b.ReadOnlyTools) == 0 && len(b.WriteTools) == 0
}

// KnownTools returns all tools named by the bundle, read-only first.
func (b *Bundle) KnownTools() []string {
	out := make([]string, 0, len(b.ReadOnlyTools)+len(b.WriteTools))
	out = append(out, b.ReadOnlyTools...)
	out = append(out, b.WriteTools...)
	return out
}

// EvaluationInput is the request shape passed to evaluators.
type EvaluationInput struct {
	ToolName         string                     `json:"tool_name"`
	Arguments        map[string]json.RawMessage `json:"arguments"`
	SessionID        string                     `json:"session_id"`
	Context          map[string]json.RawMessage `json:"context"`
	HasApprovalToken bool                       `json:"has_approval_token"`
	ApprovalToken    string                     `json:"approval_token,omitempty"`
}

// Client evaluates tool calls against policy. The production implementation
// talks to a remote policy engine over HTTP; the local evaluator implements
// the same interface for tool listing and replay analysis.
type Client interface {
	// Evaluate returns the decision for the given input. Implementations must
	// fail closed: any transport or shape error yields a DENY decision, not an
	// error that could be misread as an allow.
	Evaluate(ctx context.Context, input EvaluationInput) Decision

	// AllowedTools returns the tools whose evaluation is ALLOW with no
	// approval token present.
	AllowedTools(ctx context.Context, sessionID string) []string

	// Healthy reports whether the policy backend is reachable.
	Healthy(ctx context.Context) bool
}

// Revision is one versioned policy snapshot moving through the lifecycle FSM.
type Revision struct {
	RevisionID string        `json:"revision_id"`
	Version    string        `json:"version"`
	State      RevisionState `json:"state"`
	Bundle     Bundle        `json:"bundle"`
	CreatedBy  string        `json:"created_by,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// RevisionState is a policy revision lifecycle state.
type RevisionState string

const (
	RevisionDraft      RevisionState = "draft"
	RevisionInReview   RevisionState = "in_review"
	RevisionPublished  RevisionState = "published"
	RevisionRolledBack RevisionState = "rolled_back"
)

// Exception is a time-bound override that allows a tool for a session or
// tenant ahead of normal evaluation. At least one of SessionID or TenantID is
// set. Condition optionally holds a CEL predicate over the request context.
type Exception struct {
	ExceptionID string     `json:"exception_id"`
	ToolName    string     `json:"tool_name"`
	Reason      string     `json:"reason"`
	Condition   string     `json:"condition,omitempty"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	SessionID   string     `json:"session_id,omitempty"`
	TenantID    string     `json:"tenant_id,omitempty"`
	RevokedBy   string     `json:"revoked_by,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// AutoExpiredRevoker marks exceptions revoked by the expiry sweep rather than
// an operator.
const AutoExpiredRevoker = "system:auto-expired"

// Active reports whether the exception is neither revoked nor expired at now.
func (e *Exception) Active(now time.Time) bool {
	if e.RevokedBy != "" {
		return false
	}
	return now.Before(e.ExpiresAt)
}
