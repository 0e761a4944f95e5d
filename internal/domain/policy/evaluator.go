package policy

import (
	"context"
	"crypto/subtle"
	"sync"
)

// Denial reason codes produced by the local evaluator.
const (
	ReasonReadOnlyTools         = "read_only_tools"
	ReasonWriteRequiresApproval = "write_requires_approval"
	ReasonWriteWithApproval     = "write_with_approval"
	ReasonUnknownTool           = "unknown_tool"
	ReasonDefaultDeny           = "default_deny"
)

// TokenValidator reports whether an approval token authorizes the given
// session and tool. The approval workflow engine provides the production
// implementation for "wf:" tokens.
type TokenValidator interface {
	ValidToken(token, sessionID, toolName string) bool
}

// LocalEvaluator holds the reference decision semantics over a loaded bundle.
// It serves tool listing and replay analysis; live calls go to the remote
// engine with this evaluator's semantics as the contract.
type LocalEvaluator struct {
	mu            sync.RWMutex
	bundle        Bundle
	expectedToken string
	workflows     TokenValidator
}

// NewLocalEvaluator creates an evaluator over the given bundle.
// expectedToken is the statically configured approval token; empty disables
// static token matching. workflows may be nil when workflow tokens are not in
// play (replay, invariant proving).
func NewLocalEvaluator(bundle Bundle, expectedToken string, workflows TokenValidator) *LocalEvaluator {
	return &LocalEvaluator{
		bundle:        bundle,
		expectedToken: expectedToken,
		workflows:     workflows,
	}
}

// Reload swaps the loaded bundle.
func (e *LocalEvaluator) Reload(bundle Bundle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bundle = bundle
}

// Bundle returns a copy of the loaded bundle.
func (e *LocalEvaluator) Bundle() Bundle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bundle
}

// Evaluate applies the reference semantics:
// read-only tools allow with scope read; write tools require approval unless
// a valid token is present; unknown tools deny; everything else default-deny.
func (e *LocalEvaluator) Evaluate(ctx context.Context, input EvaluationInput) Decision {
	e.mu.RLock()
	bundle := e.bundle
	e.mu.RUnlock()

	if contains(bundle.ReadOnlyTools, input.ToolName) {
		return Decision{
			Action:               ActionAllow,
			Reason:               ReasonReadOnlyTools,
			MatchedRule:          ReasonReadOnlyTools,
			AllowedScope:         "read",
			CredentialTTLSeconds: DefaultCredentialTTLSeconds,
		}
	}

	if contains(bundle.WriteTools, input.ToolName) {
		if input.HasApprovalToken && e.validApprovalToken(input.ApprovalToken, input.SessionID, input.ToolName) {
			return Decision{
				Action:               ActionAllow,
				Reason:               ReasonWriteWithApproval,
				MatchedRule:          ReasonWriteWithApproval,
				AllowedScope:         "write",
				CredentialTTLSeconds: DefaultCredentialTTLSeconds,
				IsWriteAction:        true,
			}
		}
		return Decision{
			Action:               ActionRequireApproval,
			Reason:               "Write action requires human approval",
			MatchedRule:          ReasonWriteRequiresApproval,
			CredentialTTLSeconds: DefaultCredentialTTLSeconds,
			IsWriteAction:        true,
		}
	}

	if !contains(bundle.KnownTools(), input.ToolName) {
		d := Deny("Tool not in allowlist")
		d.MatchedRule = ReasonUnknownTool
		return d
	}

	d := Deny("No matching rule")
	d.MatchedRule = ReasonDefaultDeny
	return d
}

// AllowedTools lists tools whose approval-free evaluation is ALLOW.
func (e *LocalEvaluator) AllowedTools(ctx context.Context, sessionID string) []string {
	e.mu.RLock()
	bundle := e.bundle
	e.mu.RUnlock()

	allowed := make([]string, 0, len(bundle.ReadOnlyTools))
	for _, tool := range bundle.ReadOnlyTools {
		d := e.Evaluate(ctx, EvaluationInput{ToolName: tool, SessionID: sessionID})
		if d.Action == ActionAllow {
			allowed = append(allowed, tool)
		}
	}
	return allowed
}

// Healthy always reports true: the local evaluator has no backend.
func (e *LocalEvaluator) Healthy(ctx context.Context) bool { return true }

// validApprovalToken accepts either the statically configured token
// (constant-time compare) or a workflow token validated by the engine.
func (e *LocalEvaluator) validApprovalToken(token, sessionID, toolName string) bool {
	if token == "" {
		return false
	}
	if e.expectedToken != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(e.expectedToken)) == 1 {
		return true
	}
	if e.workflows != nil {
		return e.workflows.ValidToken(token, sessionID, toolName)
	}
	return false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// Compile-time interface verification.
var _ Client = (*LocalEvaluator)(nil)
