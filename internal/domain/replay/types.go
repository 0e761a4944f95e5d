// Package replay diffs a candidate policy against historical traces, proves
// containment invariants, and gates rollout promotion by a canary budget.
package replay

import (
	"context"
	"errors"
	"time"

	"github.com/agentgate-io/agentgate/internal/domain/policy"
)

// Delta severities, ordered by operational impact.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Root causes of a per-event policy drift.
const (
	CauseNoChange            = "no_change"
	CauseAccessRestricted    = "access_restricted"
	CauseAccessExpanded      = "access_expanded"
	CauseApprovalPathChanged = "approval_path_changed"
	CauseRulePathChanged     = "rule_path_changed"
	CauseReasonChanged       = "reason_changed"
)

// Run binds a baseline and candidate policy version to a session scope.
type Run struct {
	RunID            string     `json:"run_id"`
	BaselineVersion  string     `json:"baseline_version"`
	CandidateVersion string     `json:"candidate_version"`
	SessionID        string     `json:"session_id,omitempty"` // empty = all sessions
	Status           string     `json:"status"`               // running | completed
	ErrorRate        float64    `json:"error_rate"`           // execution failure share of the replayed scope
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Delta records the policy drift for one historical event.
type Delta struct {
	DeltaID         string `json:"delta_id"`
	RunID           string `json:"run_id"`
	EventID         string `json:"event_id"`
	ToolName        string `json:"tool_name"`
	BaselineAction  string `json:"baseline_action"`
	CandidateAction string `json:"candidate_action"`
	Severity        string `json:"severity"`
	RootCause       string `json:"root_cause"`
	Explanation     string `json:"explanation"`
}

// Summary aggregates a run's deltas plus the run's recorded error rate.
type Summary struct {
	RunID       string         `json:"run_id"`
	EventCount  int            `json:"event_count"`
	BySeverity  map[string]int `json:"by_severity"`
	ByRootCause map[string]int `json:"by_root_cause"`
	ErrorRate   float64        `json:"error_rate"`
}

// RolloutRecord tracks the promotion of a candidate policy.
type RolloutRecord struct {
	RolloutID        string    `json:"rollout_id"`
	TenantID         string    `json:"tenant_id"`
	BaselineVersion  string    `json:"baseline_version"`
	CandidateVersion string    `json:"candidate_version"`
	Status           string    `json:"status"` // promoting | completed | rolled_back
	Verdict          string    `json:"verdict"` // pass | fail
	CriticalDrift    int       `json:"critical_drift"`
	HighDrift        int       `json:"high_drift"`
	RolledBack       bool      `json:"rolled_back"`
	Reason           string    `json:"reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Rollout statuses.
const (
	RolloutPromoting  = "promoting"
	RolloutCompleted  = "completed"
	RolloutRolledBack = "rolled_back"
)

// Canary verdicts.
const (
	VerdictPass = "pass"
	VerdictFail = "fail"
)

// Errors.
var (
	ErrRunNotFound     = errors.New("replay run not found")
	ErrRolloutNotFound = errors.New("rollout not found")
	ErrRolloutExists   = errors.New("rollout already started for this candidate")
	ErrBadRolloutState = errors.New("invalid rollout state transition")
)

// Store persists runs, deltas, and rollouts.
type Store interface {
	PutReplayRun(ctx context.Context, r Run) error
	GetReplayRun(ctx context.Context, runID string) (Run, error)
	ListReplayRuns(ctx context.Context) ([]Run, error)
	PutReplayDelta(ctx context.Context, d Delta) error
	ListReplayDeltas(ctx context.Context, runID string) ([]Delta, error)

	// PutRollout inserts a rollout, returning ErrRolloutExists when the
	// (tenant, baseline, candidate) key is already taken; GetRolloutByTriple
	// supports idempotent start on the same key.
	PutRollout(ctx context.Context, r RolloutRecord) error
	GetRollout(ctx context.Context, rolloutID string) (RolloutRecord, error)
	GetRolloutByTriple(ctx context.Context, tenantID, baseline, candidate string) (RolloutRecord, error)
	UpdateRollout(ctx context.Context, r RolloutRecord) error
	ListRollouts(ctx context.Context) ([]RolloutRecord, error)
}

// classify maps one baseline/candidate decision pair to (severity, cause).
func classify(baseline, candidate policy.Decision) (string, string) {
	ba, ca := baseline.Action, candidate.Action

	severity := SeverityMedium
	switch {
	case ba == ca:
		severity = SeverityLow
	case ba == policy.ActionAllow && ca == policy.ActionDeny:
		if baseline.IsWriteAction || candidate.IsWriteAction {
			severity = SeverityCritical
		} else {
			severity = SeverityHigh
		}
	case ba == policy.ActionDeny && ca == policy.ActionAllow:
		if baseline.IsWriteAction || candidate.IsWriteAction {
			severity = SeverityHigh
		} else {
			severity = SeverityMedium
		}
	}

	cause := CauseNoChange
	switch {
	case (ba == policy.ActionAllow && ca == policy.ActionDeny):
		cause = CauseAccessRestricted
	case (ba == policy.ActionDeny && ca == policy.ActionAllow):
		cause = CauseAccessExpanded
	case ba != ca && (ba == policy.ActionRequireApproval || ca == policy.ActionRequireApproval):
		cause = CauseApprovalPathChanged
	case ba == ca && baseline.MatchedRule != candidate.MatchedRule:
		cause = CauseRulePathChanged
	case ba == ca && baseline.Reason != candidate.Reason:
		cause = CauseReasonChanged
	}
	return severity, cause
}
