package replay

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/agentgate-io/agentgate/internal/domain/policy"
	"github.com/agentgate-io/agentgate/internal/domain/trace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memReplayStore is an in-memory replay store.
type memReplayStore struct {
	mu       sync.Mutex
	runs     map[string]Run
	deltas   map[string][]Delta
	rollouts map[string]RolloutRecord
}

func newMemReplayStore() *memReplayStore {
	return &memReplayStore{
		runs:     make(map[string]Run),
		deltas:   make(map[string][]Delta),
		rollouts: make(map[string]RolloutRecord),
	}
}

func (s *memReplayStore) PutReplayRun(_ context.Context, r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.RunID] = r
	return nil
}

func (s *memReplayStore) GetReplayRun(_ context.Context, runID string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return r, nil
}

func (s *memReplayStore) ListReplayRuns(_ context.Context) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	return out, nil
}

func (s *memReplayStore) PutReplayDelta(_ context.Context, d Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas[d.RunID] = append(s.deltas[d.RunID], d)
	return nil
}

func (s *memReplayStore) ListReplayDeltas(_ context.Context, runID string) ([]Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deltas[runID], nil
}

func (s *memReplayStore) PutRollout(_ context.Context, r RolloutRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollouts[r.RolloutID] = r
	return nil
}

func (s *memReplayStore) GetRollout(_ context.Context, rolloutID string) (RolloutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rollouts[rolloutID]
	if !ok {
		return RolloutRecord{}, ErrRolloutNotFound
	}
	return r, nil
}

func (s *memReplayStore) GetRolloutByTriple(_ context.Context, tenantID, baseline, candidate string) (RolloutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rollouts {
		if r.TenantID == tenantID && r.BaselineVersion == baseline && r.CandidateVersion == candidate {
			return r, nil
		}
	}
	return RolloutRecord{}, ErrRolloutNotFound
}

func (s *memReplayStore) UpdateRollout(_ context.Context, r RolloutRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rollouts[r.RolloutID]; !ok {
		return ErrRolloutNotFound
	}
	s.rollouts[r.RolloutID] = r
	return nil
}

func (s *memReplayStore) ListRollouts(_ context.Context) ([]RolloutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RolloutRecord, 0, len(s.rollouts))
	for _, r := range s.rollouts {
		out = append(out, r)
	}
	return out, nil
}

// eventStore serves a fixed set of trace events.
type eventStore struct {
	events []trace.Event
}

func (s *eventStore) Query(_ context.Context, sessionID string, _ *time.Time) ([]trace.Event, error) {
	if sessionID == "" {
		return s.events, nil
	}
	var out []trace.Event
	for _, ev := range s.events {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *eventStore) Append(context.Context, trace.Event) error { return nil }

func (s *eventStore) ListSessions(context.Context) ([]string, error) { return nil, nil }

func (s *eventStore) GetTaintLabels(context.Context, string) ([]string, error) {
	return nil, nil
}
func (s *eventStore) PutTaintLabels(context.Context, string, []string) error { return nil }

func (s *eventStore) PutCheckpoint(context.Context, trace.Checkpoint) error { return nil }
func (s *eventStore) ListCheckpoints(context.Context, string) ([]trace.Checkpoint, error) {
	return nil, nil
}
func (s *eventStore) PutArchive(_ context.Context, a trace.Archive) (trace.Archive, error) {
	return a, nil
}
func (s *eventStore) GetArchive(context.Context, string, string, string) (trace.Archive, error) {
	return trace.Archive{}, nil
}

func historicalEvents() []trace.Event {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []trace.Event{
		{EventID: "e1", SessionID: "s1", Timestamp: base, ToolName: "read_file"},
		{EventID: "e2", SessionID: "s1", Timestamp: base.Add(time.Second), ToolName: "read_file"},
		{EventID: "e3", SessionID: "s1", Timestamp: base.Add(2 * time.Second), ToolName: "write_file", ApprovalTokenPresent: true},
		{EventID: "e4", SessionID: "s2", Timestamp: base.Add(3 * time.Second), ToolName: "search_docs"},
	}
}

func baselineBundle() policy.Bundle {
	return policy.Bundle{
		ReadOnlyTools: []string{"read_file", "search_docs"},
		WriteTools:    []string{"write_file"},
	}
}

func TestRunNoDrift(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemReplayStore()
	r := NewReplayer(&eventStore{events: historicalEvents()}, store, testLogger())

	run, err := r.Run(ctx, "v1", baselineBundle(), "v2", baselineBundle(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != "completed" || run.CompletedAt == nil {
		t.Errorf("run = %+v, want completed", run)
	}

	summary, err := r.Summarize(ctx, run.RunID)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary.EventCount != 4 {
		t.Errorf("event count = %d, want 4", summary.EventCount)
	}
	if summary.BySeverity[SeverityLow] != 4 {
		t.Errorf("by severity = %v, want all low", summary.BySeverity)
	}
	if summary.ByRootCause[CauseNoChange] != 4 {
		t.Errorf("by root cause = %v, want all no_change", summary.ByRootCause)
	}
}

func TestRunRecordsErrorRate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	events := historicalEvents()
	events[1].Error = "Tool execution failed: upstream timeout"
	store := newMemReplayStore()
	r := NewReplayer(&eventStore{events: events}, store, testLogger())

	run, err := r.Run(ctx, "v1", baselineBundle(), "v2", baselineBundle(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.ErrorRate != 0.25 {
		t.Errorf("run error rate = %v, want 0.25", run.ErrorRate)
	}

	// The summary carries the recorded rate to the canary gate.
	summary, err := r.Summarize(ctx, run.RunID)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary.ErrorRate != 0.25 {
		t.Errorf("summary error rate = %v, want 0.25", summary.ErrorRate)
	}
	if summary.BySeverity[SeverityLow] != 4 {
		t.Errorf("by severity = %v, want no decision drift", summary.BySeverity)
	}
}

func TestRunDetectsRestriction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemReplayStore()
	r := NewReplayer(&eventStore{events: historicalEvents()}, store, testLogger())

	// Candidate drops read_file entirely: two historical reads flip to DENY.
	candidate := policy.Bundle{
		ReadOnlyTools: []string{"search_docs"},
		WriteTools:    []string{"write_file"},
	}
	run, err := r.Run(ctx, "v1", baselineBundle(), "v2", candidate, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	summary, err := r.Summarize(ctx, run.RunID)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary.BySeverity[SeverityHigh] != 2 {
		t.Errorf("high drift = %d, want 2", summary.BySeverity[SeverityHigh])
	}
	if summary.ByRootCause[CauseAccessRestricted] != 2 {
		t.Errorf("access_restricted = %d, want 2", summary.ByRootCause[CauseAccessRestricted])
	}

	deltas, _ := store.ListReplayDeltas(ctx, run.RunID)
	for _, d := range deltas {
		if d.ToolName != "read_file" {
			continue
		}
		if d.BaselineAction != string(policy.ActionAllow) || d.CandidateAction != string(policy.ActionDeny) {
			t.Errorf("delta = %+v, want ALLOW -> DENY", d)
		}
		if d.Explanation == "" {
			t.Error("delta missing explanation")
		}
	}
}

func TestRunHonorsRecordedApproval(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemReplayStore()
	r := NewReplayer(&eventStore{events: historicalEvents()}, store, testLogger())

	run, err := r.Run(ctx, "v1", baselineBundle(), "v2", baselineBundle(), "s1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	deltas, _ := store.ListReplayDeltas(ctx, run.RunID)
	if len(deltas) != 3 {
		t.Fatalf("deltas = %d, want 3 (session-scoped)", len(deltas))
	}
	for _, d := range deltas {
		if d.ToolName == "write_file" && d.BaselineAction != string(policy.ActionAllow) {
			t.Errorf("recorded approval not honored: write_file baseline = %s", d.BaselineAction)
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	allow := policy.Decision{Action: policy.ActionAllow, MatchedRule: "r"}
	allowWrite := policy.Decision{Action: policy.ActionAllow, MatchedRule: "r", IsWriteAction: true}
	deny := policy.Decision{Action: policy.ActionDeny, MatchedRule: "r"}
	denyWrite := policy.Decision{Action: policy.ActionDeny, MatchedRule: "r", IsWriteAction: true}
	require := policy.Decision{Action: policy.ActionRequireApproval, MatchedRule: "r"}

	tests := []struct {
		name         string
		baseline     policy.Decision
		candidate    policy.Decision
		wantSeverity string
		wantCause    string
	}{
		{"identical", allow, allow, SeverityLow, CauseNoChange},
		{"read restricted", allow, deny, SeverityHigh, CauseAccessRestricted},
		{"write restricted", allowWrite, denyWrite, SeverityCritical, CauseAccessRestricted},
		{"read expanded", deny, allow, SeverityMedium, CauseAccessExpanded},
		{"write expanded", denyWrite, allowWrite, SeverityHigh, CauseAccessExpanded},
		{"approval path changed", allow, require, SeverityMedium, CauseApprovalPathChanged},
		{
			"rule path changed",
			policy.Decision{Action: policy.ActionAllow, MatchedRule: "old_rule"},
			policy.Decision{Action: policy.ActionAllow, MatchedRule: "new_rule"},
			SeverityLow, CauseRulePathChanged,
		},
		{
			"reason changed",
			policy.Decision{Action: policy.ActionDeny, MatchedRule: "r", Reason: "old"},
			policy.Decision{Action: policy.ActionDeny, MatchedRule: "r", Reason: "new"},
			SeverityLow, CauseReasonChanged,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			severity, cause := classify(tt.baseline, tt.candidate)
			if severity != tt.wantSeverity {
				t.Errorf("severity = %s, want %s", severity, tt.wantSeverity)
			}
			if cause != tt.wantCause {
				t.Errorf("cause = %s, want %s", cause, tt.wantCause)
			}
		})
	}
}
