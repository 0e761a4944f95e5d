package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate-io/agentgate/internal/domain/policy"
)

// RolloutController drives the replay -> prove -> canary -> promote pipeline
// for candidate policy bundles.
type RolloutController struct {
	replayer *Replayer
	store    Store
	budget   Budget
	logger   *slog.Logger
	now      func() time.Time
}

// NewRolloutController wires the controller. A zero budget falls back to the
// defaults.
func NewRolloutController(replayer *Replayer, store Store, budget Budget, logger *slog.Logger) *RolloutController {
	if budget == (Budget{}) {
		budget = DefaultBudget()
	}
	return &RolloutController{
		replayer: replayer,
		store:    store,
		budget:   budget,
		logger:   logger,
		now:      time.Now,
	}
}

// StartParams identifies the candidate promotion.
type StartParams struct {
	TenantID         string
	BaselineVersion  string
	Baseline         policy.Bundle
	CandidateVersion string
	Candidate        policy.Bundle
	SessionID        string // optional replay scope
}

// Start runs the gate and records the rollout. Starting an identical
// (tenant, baseline, candidate) triple again returns the existing record
// unchanged. On a failing gate the rollout is recorded as rolled_back; on a
// pass it enters promoting and waits for Advance.
func (rc *RolloutController) Start(ctx context.Context, p StartParams) (RolloutRecord, error) {
	existing, err := rc.store.GetRolloutByTriple(ctx, p.TenantID, p.BaselineVersion, p.CandidateVersion)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrRolloutNotFound) {
		return RolloutRecord{}, fmt.Errorf("lookup rollout: %w", err)
	}

	now := rc.now().UTC()
	record := RolloutRecord{
		RolloutID:        uuid.NewString(),
		TenantID:         p.TenantID,
		BaselineVersion:  p.BaselineVersion,
		CandidateVersion: p.CandidateVersion,
		Status:           RolloutPromoting,
		Verdict:          VerdictPass,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	// The invariant proof gates before any replay work: a candidate that
	// escalates write privileges never reaches the canary.
	proof := ProveInvariants(ctx, p.Baseline, p.Candidate)
	if !proof.Holds {
		record.Status = RolloutRolledBack
		record.Verdict = VerdictFail
		record.RolledBack = true
		record.Reason = fmt.Sprintf("invariant violated: %s", proof.Counterexamples[0].Detail)
	} else {
		run, err := rc.replayer.Run(ctx, p.BaselineVersion, p.Baseline, p.CandidateVersion, p.Candidate, p.SessionID)
		if err != nil {
			return RolloutRecord{}, fmt.Errorf("replay run: %w", err)
		}
		summary, err := rc.replayer.Summarize(ctx, run.RunID)
		if err != nil {
			return RolloutRecord{}, fmt.Errorf("summarize run: %w", err)
		}
		canary := EvaluateCanary(summary, rc.budget)
		record.CriticalDrift = canary.CriticalDrift
		record.HighDrift = canary.HighDrift
		record.Verdict = canary.Verdict
		if canary.Verdict == VerdictFail {
			record.Status = RolloutRolledBack
			record.RolledBack = true
			record.Reason = canary.Reason
		}
	}

	if err := rc.store.PutRollout(ctx, record); err != nil {
		if errors.Is(err, ErrRolloutExists) {
			// Lost the start race: adopt the winner.
			winner, lookupErr := rc.store.GetRolloutByTriple(ctx, p.TenantID, p.BaselineVersion, p.CandidateVersion)
			if lookupErr != nil {
				return RolloutRecord{}, fmt.Errorf("reload rollout: %w", lookupErr)
			}
			return winner, nil
		}
		return RolloutRecord{}, fmt.Errorf("persist rollout: %w", err)
	}
	rc.logger.Info("rollout started",
		"rollout_id", record.RolloutID, "tenant_id", p.TenantID,
		"candidate", p.CandidateVersion, "status", record.Status, "verdict", record.Verdict)
	return record, nil
}

// Advance completes a promoting rollout. Any other state is rejected.
func (rc *RolloutController) Advance(ctx context.Context, rolloutID string) (RolloutRecord, error) {
	record, err := rc.store.GetRollout(ctx, rolloutID)
	if err != nil {
		return RolloutRecord{}, err
	}
	if record.Status != RolloutPromoting {
		return RolloutRecord{}, fmt.Errorf("%w: advance from %s", ErrBadRolloutState, record.Status)
	}
	record.Status = RolloutCompleted
	record.UpdatedAt = rc.now().UTC()
	if err := rc.store.UpdateRollout(ctx, record); err != nil {
		return RolloutRecord{}, fmt.Errorf("persist rollout: %w", err)
	}
	rc.logger.Info("rollout completed", "rollout_id", rolloutID, "candidate", record.CandidateVersion)
	return record, nil
}

// Rollback forces a rollout back regardless of state, recording the operator
// reason. Rolling back an already rolled-back rollout is a no-op.
func (rc *RolloutController) Rollback(ctx context.Context, rolloutID, reason string) (RolloutRecord, error) {
	record, err := rc.store.GetRollout(ctx, rolloutID)
	if err != nil {
		return RolloutRecord{}, err
	}
	if record.Status == RolloutRolledBack {
		return record, nil
	}
	record.Status = RolloutRolledBack
	record.Verdict = VerdictFail
	record.RolledBack = true
	record.Reason = reason
	record.UpdatedAt = rc.now().UTC()
	if err := rc.store.UpdateRollout(ctx, record); err != nil {
		return RolloutRecord{}, fmt.Errorf("persist rollout: %w", err)
	}
	rc.logger.Warn("rollout rolled back", "rollout_id", rolloutID, "reason", reason)
	return record, nil
}

// Get returns one rollout.
func (rc *RolloutController) Get(ctx context.Context, rolloutID string) (RolloutRecord, error) {
	return rc.store.GetRollout(ctx, rolloutID)
}

// List returns all rollouts.
func (rc *RolloutController) List(ctx context.Context) ([]RolloutRecord, error) {
	return rc.store.ListRollouts(ctx)
}
