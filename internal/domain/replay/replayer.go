package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate-io/agentgate/internal/domain/policy"
	"github.com/agentgate-io/agentgate/internal/domain/trace"
)

// Replayer evaluates two policy bundles against historical trace events and
// persists the per-event deltas.
type Replayer struct {
	traces trace.Store
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewReplayer creates a replayer over the given stores.
func NewReplayer(traces trace.Store, store Store, logger *slog.Logger) *Replayer {
	return &Replayer{traces: traces, store: store, logger: logger, now: time.Now}
}

// Run streams the scoped events, diffs baseline vs candidate local
// evaluations using each event's recorded approval_token_present, persists a
// delta per event, and marks the run completed with the scope's observed
// execution error rate.
func (r *Replayer) Run(ctx context.Context, baselineVersion string, baseline policy.Bundle, candidateVersion string, candidate policy.Bundle, sessionID string) (Run, error) {
	run := Run{
		RunID:            uuid.NewString(),
		BaselineVersion:  baselineVersion,
		CandidateVersion: candidateVersion,
		SessionID:        sessionID,
		Status:           "running",
		CreatedAt:        r.now().UTC(),
	}
	if err := r.store.PutReplayRun(ctx, run); err != nil {
		return Run{}, fmt.Errorf("create replay run: %w", err)
	}

	events, err := r.traces.Query(ctx, sessionID, nil)
	if err != nil {
		return Run{}, fmt.Errorf("stream trace events: %w", err)
	}

	// Replay evaluation treats a recorded token as valid: the question is how
	// the candidate changes decisions, not whether the token was honored.
	baseEval := policy.NewLocalEvaluator(baseline, replayToken, staticValidator{})
	candEval := policy.NewLocalEvaluator(candidate, replayToken, staticValidator{})

	errored := 0
	for _, ev := range events {
		if ev.Error != "" {
			errored++
		}
		input := policy.EvaluationInput{
			ToolName:         ev.ToolName,
			SessionID:        ev.SessionID,
			HasApprovalToken: ev.ApprovalTokenPresent,
		}
		if ev.ApprovalTokenPresent {
			input.ApprovalToken = replayToken
		}

		bd := baseEval.Evaluate(ctx, input)
		cd := candEval.Evaluate(ctx, input)
		severity, cause := classify(bd, cd)

		delta := Delta{
			DeltaID:         uuid.NewString(),
			RunID:           run.RunID,
			EventID:         ev.EventID,
			ToolName:        ev.ToolName,
			BaselineAction:  string(bd.Action),
			CandidateAction: string(cd.Action),
			Severity:        severity,
			RootCause:       cause,
			Explanation: fmt.Sprintf("%s: baseline %s (%s), candidate %s (%s)",
				ev.ToolName, bd.Action, bd.MatchedRule, cd.Action, cd.MatchedRule),
		}
		if err := r.store.PutReplayDelta(ctx, delta); err != nil {
			return Run{}, fmt.Errorf("persist replay delta: %w", err)
		}
	}

	completed := r.now().UTC()
	run.Status = "completed"
	run.CompletedAt = &completed
	if len(events) > 0 {
		run.ErrorRate = float64(errored) / float64(len(events))
	}
	if err := r.store.PutReplayRun(ctx, run); err != nil {
		return Run{}, fmt.Errorf("complete replay run: %w", err)
	}
	r.logger.Info("replay run completed",
		"run_id", run.RunID, "events", len(events),
		"baseline", baselineVersion, "candidate", candidateVersion)
	return run, nil
}

// Summarize aggregates delta counts by severity and root cause and carries
// the run's error rate forward for the canary gate.
func (r *Replayer) Summarize(ctx context.Context, runID string) (Summary, error) {
	run, err := r.store.GetReplayRun(ctx, runID)
	if err != nil {
		return Summary{}, fmt.Errorf("load replay run: %w", err)
	}
	deltas, err := r.store.ListReplayDeltas(ctx, runID)
	if err != nil {
		return Summary{}, fmt.Errorf("list replay deltas: %w", err)
	}
	s := Summary{
		RunID:       runID,
		EventCount:  len(deltas),
		BySeverity:  make(map[string]int),
		ByRootCause: make(map[string]int),
		ErrorRate:   run.ErrorRate,
	}
	for _, d := range deltas {
		s.BySeverity[d.Severity]++
		s.ByRootCause[d.RootCause]++
	}
	return s, nil
}

// replayToken is the synthetic token standing in for whatever token the
// original request carried.
const replayToken = "replay:recorded-token"

// staticValidator accepts the synthetic replay token only.
type staticValidator struct{}

func (staticValidator) ValidToken(token, _, _ string) bool { return token == replayToken }
