package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentgate-io/agentgate/internal/domain/approval"
	"github.com/agentgate-io/agentgate/internal/domain/incident"
	"github.com/agentgate-io/agentgate/internal/domain/policy"
	"github.com/agentgate-io/agentgate/internal/domain/replay"
	"github.com/agentgate-io/agentgate/internal/domain/trace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.db")
	s, err := Open(context.Background(), path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEvent(id, session, tool string, ts time.Time) trace.Event {
	return trace.Event{
		EventID:        id,
		Timestamp:      ts,
		SessionID:      session,
		ToolName:       tool,
		ArgumentsHash:  strings.Repeat("a", 64),
		PolicyDecision: "ALLOW",
		PolicyReason:   "read only tool",
		MatchedRule:    "read_only_tools",
		Executed:       true,
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trace.db")

	s1, err := Open(ctx, path, testLogger())
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s1.Append(ctx, testEvent("e1", "s1", "read_file", time.Now())); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening runs migrate again against the populated ledger.
	s2, err := Open(ctx, path, testLogger())
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()

	events, err := s2.Query(ctx, "s1", nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("events = %d, want data to survive reopen", len(events))
	}
}

func TestAppendAndQueryOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	// Insert out of order; query must sort by timestamp.
	for _, ev := range []trace.Event{
		testEvent("e3", "s1", "write_file", base.Add(2*time.Second)),
		testEvent("e1", "s1", "read_file", base),
		testEvent("e2", "s1", "search_docs", base.Add(time.Second)),
		testEvent("x1", "s2", "read_file", base),
	} {
		if err := s.Append(ctx, ev); err != nil {
			t.Fatalf("Append %s: %v", ev.EventID, err)
		}
	}

	events, err := s.Query(ctx, "s1", nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	for i, want := range []string{"e1", "e2", "e3"} {
		if events[i].EventID != want {
			t.Errorf("events[%d] = %s, want %s", i, events[i].EventID, want)
		}
	}

	// Nanosecond precision survives the round trip, so leaf hashes match.
	if !events[0].Timestamp.Equal(base) {
		t.Errorf("timestamp = %v, want %v", events[0].Timestamp, base)
	}
	if trace.LeafHash(events[0]) != trace.LeafHash(testEvent("e1", "s1", "read_file", base)) {
		t.Error("leaf hash changed across persistence round trip")
	}
}

func TestQueryOrderAcrossFractionalSeconds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	// 100ms and 120ms sort wrongly under a trimmed-fraction text format
	// ("…00.12Z" < "…00.1Z" byte-wise); the fixed-width column must not.
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := testEvent("e1", "s1", "read_file", base.Add(100*time.Millisecond))
	second := testEvent("e2", "s1", "read_file", base.Add(120*time.Millisecond))
	for _, ev := range []trace.Event{second, first} {
		if err := s.Append(ctx, ev); err != nil {
			t.Fatalf("Append %s: %v", ev.EventID, err)
		}
	}

	events, err := s.Query(ctx, "s1", nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].EventID != "e1" || events[1].EventID != "e2" {
		t.Errorf("order = [%s %s], want [e1 e2]", events[0].EventID, events[1].EventID)
	}
	if !events[0].Timestamp.Before(events[1].Timestamp) {
		t.Errorf("timestamps out of order: %v then %v", events[0].Timestamp, events[1].Timestamp)
	}
}

func TestQuerySinceBound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"e1", "e2", "e3"} {
		ev := testEvent(id, "s1", "read_file", base.Add(time.Duration(i)*time.Minute))
		if err := s.Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	since := base.Add(time.Minute)
	events, err := s.Query(ctx, "s1", &since)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 2 || events[0].EventID != "e2" {
		t.Errorf("events = %v, want e2 and e3", events)
	}
}

func TestJournalIsImmutable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Append(ctx, testEvent("e1", "s1", "read_file", time.Now())); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE trace_events SET policy_decision = 'DENY' WHERE event_id = 'e1'`); err == nil {
		t.Error("journal UPDATE succeeded, want trigger abort")
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM trace_events WHERE event_id = 'e1'`); err == nil {
		t.Error("journal DELETE succeeded, want trigger abort")
	}

	// Duplicate event IDs are rejected by the primary key.
	if err := s.Append(ctx, testEvent("e1", "s1", "read_file", time.Now())); err == nil {
		t.Error("duplicate event_id accepted")
	}
}

func TestListSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	now := time.Now()
	_ = s.Append(ctx, testEvent("e1", "s-b", "read_file", now))
	_ = s.Append(ctx, testEvent("e2", "s-a", "read_file", now))
	_ = s.Append(ctx, testEvent("e3", "s-b", "read_file", now))

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0] != "s-a" || sessions[1] != "s-b" {
		t.Errorf("sessions = %v, want [s-a s-b]", sessions)
	}
}

func TestTaintLabelsUpsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	labels, err := s.GetTaintLabels(ctx, "s1")
	if err != nil {
		t.Fatalf("GetTaintLabels: %v", err)
	}
	if labels != nil {
		t.Errorf("labels for unknown session = %v, want nil", labels)
	}

	if err := s.PutTaintLabels(ctx, "s1", []string{"pii"}); err != nil {
		t.Fatalf("PutTaintLabels: %v", err)
	}
	if err := s.PutTaintLabels(ctx, "s1", []string{"credentials", "pii"}); err != nil {
		t.Fatalf("second PutTaintLabels: %v", err)
	}

	labels, err = s.GetTaintLabels(ctx, "s1")
	if err != nil {
		t.Fatalf("GetTaintLabels: %v", err)
	}
	if len(labels) != 2 || labels[0] != "credentials" {
		t.Errorf("labels = %v, want [credentials pii]", labels)
	}
}

func TestCheckpoints(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		cp := trace.Checkpoint{
			SessionID:    "s1",
			RootHash:     strings.Repeat("b", 64),
			EventCount:   i + 1,
			AnchoredAt:   base.Add(time.Duration(i) * time.Minute),
			AnchorSource: "https://anchor.example.com",
			Status:       "anchored",
		}
		if err := s.PutCheckpoint(ctx, cp); err != nil {
			t.Fatalf("PutCheckpoint: %v", err)
		}
	}

	cps, err := s.ListCheckpoints(ctx, "s1")
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(cps) != 2 || cps[0].EventCount != 1 || cps[1].EventCount != 2 {
		t.Errorf("checkpoints = %+v, want oldest first", cps)
	}

	other, err := s.ListCheckpoints(ctx, "other")
	if err != nil {
		t.Fatalf("ListCheckpoints other: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("checkpoints for other session = %d, want 0", len(other))
	}
}

func TestArchiveWriteOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	a := trace.Archive{
		ArchiveID:     "arch-1",
		SessionID:     "s1",
		Format:        "json",
		Payload:       []byte(`{"ok":true}`),
		IntegrityHash: strings.Repeat("c", 64),
		CreatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	stored, err := s.PutArchive(ctx, a)
	if err != nil {
		t.Fatalf("PutArchive: %v", err)
	}
	if stored.ArchiveID != "arch-1" {
		t.Errorf("stored = %+v", stored)
	}

	// Re-inserting the same natural key keeps the original row.
	dup := a
	dup.ArchiveID = "arch-2"
	stored, err = s.PutArchive(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate PutArchive: %v", err)
	}
	if stored.ArchiveID != "arch-1" {
		t.Errorf("duplicate insert replaced the archive: %s", stored.ArchiveID)
	}

	// Archives are immutable at the storage layer too.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE evidence_archives SET payload = 'tampered'`); err == nil {
		t.Error("archive UPDATE succeeded, want trigger abort")
	}

	got, err := s.GetArchive(ctx, "s1", "json", a.IntegrityHash)
	if err != nil {
		t.Fatalf("GetArchive: %v", err)
	}
	if string(got.Payload) != `{"ok":true}` {
		t.Errorf("payload = %s", got.Payload)
	}

	if _, err := s.GetArchive(ctx, "s1", "json", "missing"); !errors.Is(err, ErrArchiveNotFound) {
		t.Errorf("missing archive: err = %v, want ErrArchiveNotFound", err)
	}
}

func TestIncidentOneActivePerSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := incident.Record{
		IncidentID: "i1", SessionID: "s1", Status: incident.StatusQuarantined,
		RiskScore: 8, Reason: "threshold crossed", CreatedAt: now, UpdatedAt: now,
	}
	if err := s.InsertIncident(ctx, first); err != nil {
		t.Fatalf("InsertIncident: %v", err)
	}

	second := first
	second.IncidentID = "i2"
	if err := s.InsertIncident(ctx, second); !errors.Is(err, incident.ErrActiveIncidentExists) {
		t.Fatalf("second active insert: err = %v, want ErrActiveIncidentExists", err)
	}

	// After release a new incident may open for the same session.
	released := first
	released.Status = incident.StatusReleased
	released.ReleasedBy = "alice"
	releasedAt := now.Add(time.Minute)
	released.ReleasedAt = &releasedAt
	released.UpdatedAt = releasedAt
	if err := s.UpdateIncident(ctx, released); err != nil {
		t.Fatalf("UpdateIncident: %v", err)
	}
	second.CreatedAt = now.Add(2 * time.Minute)
	if err := s.InsertIncident(ctx, second); err != nil {
		t.Errorf("insert after release: %v", err)
	}

	latest, err := s.LatestActiveIncident(ctx, "s1")
	if err != nil {
		t.Fatalf("LatestActiveIncident: %v", err)
	}
	if latest.IncidentID != "i2" {
		t.Errorf("latest active = %s, want i2", latest.IncidentID)
	}

	active, err := s.ListActiveIncidents(ctx)
	if err != nil {
		t.Fatalf("ListActiveIncidents: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("active incidents = %d, want 1", len(active))
	}
	all, err := s.ListIncidents(ctx)
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all incidents = %d, want 2", len(all))
	}
}

func TestIncidentRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 987654321, time.UTC)
	releasedAt := now.Add(time.Hour)
	r := incident.Record{
		IncidentID: "i1", SessionID: "s1", Status: incident.StatusReleased,
		RiskScore: 9, Reason: "manual", CreatedAt: now, UpdatedAt: releasedAt,
		ReleasedBy: "alice", ReleasedAt: &releasedAt,
	}
	if err := s.InsertIncident(ctx, r); err != nil {
		t.Fatalf("InsertIncident: %v", err)
	}

	got, err := s.GetIncident(ctx, "i1")
	if err != nil {
		t.Fatalf("GetIncident: %v", err)
	}
	if got.Status != incident.StatusReleased || got.ReleasedBy != "alice" {
		t.Errorf("got = %+v", got)
	}
	if got.ReleasedAt == nil || !got.ReleasedAt.Equal(releasedAt) {
		t.Errorf("released_at = %v, want %v", got.ReleasedAt, releasedAt)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, now)
	}

	if _, err := s.GetIncident(ctx, "missing"); !errors.Is(err, incident.ErrIncidentNotFound) {
		t.Errorf("missing incident: err = %v, want ErrIncidentNotFound", err)
	}
	if err := s.UpdateIncident(ctx, incident.Record{IncidentID: "missing"}); !errors.Is(err, incident.ErrIncidentNotFound) {
		t.Errorf("update missing: err = %v, want ErrIncidentNotFound", err)
	}
}

func TestRegistryRoundTrips(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := approval.Workflow{
		WorkflowID:        "wf-1",
		SessionID:         "s1",
		ToolName:          "write_file",
		RequiredSteps:     2,
		RequiredApprovers: []string{"alice", "bob"},
		Approvals:         map[string]bool{"alice": true},
		Delegations:       map[string]string{},
		CreatedAt:         now,
		ExpiresAt:         now.Add(15 * time.Minute),
	}
	if err := s.PutWorkflow(ctx, w); err != nil {
		t.Fatalf("PutWorkflow: %v", err)
	}
	// Upsert replaces the body.
	w.Approvals["bob"] = true
	if err := s.PutWorkflow(ctx, w); err != nil {
		t.Fatalf("upsert PutWorkflow: %v", err)
	}

	workflows, err := s.ListWorkflows(ctx)
	if err != nil {
		t.Fatalf("ListWorkflows: %v", err)
	}
	if len(workflows) != 1 || len(workflows[0].Approvals) != 2 {
		t.Errorf("workflows = %+v, want single row with both approvals", workflows)
	}

	exc := policy.Exception{
		ExceptionID: "exc-1", ToolName: "write_file", SessionID: "s1",
		Reason: "incident mitigation", CreatedBy: "alice",
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	if err := s.PutException(ctx, exc); err != nil {
		t.Fatalf("PutException: %v", err)
	}
	exceptions, err := s.ListExceptions(ctx)
	if err != nil {
		t.Fatalf("ListExceptions: %v", err)
	}
	if len(exceptions) != 1 || exceptions[0].ExceptionID != "exc-1" {
		t.Errorf("exceptions = %+v", exceptions)
	}

	rev := policy.Revision{
		RevisionID: "rev-1", Version: "v2", State: policy.RevisionDraft,
		Bundle:    policy.Bundle{ReadOnlyTools: []string{"read_file"}},
		CreatedBy: "alice", CreatedAt: now, UpdatedAt: now,
	}
	if err := s.PutRevision(ctx, rev); err != nil {
		t.Fatalf("PutRevision: %v", err)
	}
	revisions, err := s.ListRevisions(ctx)
	if err != nil {
		t.Fatalf("ListRevisions: %v", err)
	}
	if len(revisions) != 1 || revisions[0].Bundle.ReadOnlyTools[0] != "read_file" {
		t.Errorf("revisions = %+v", revisions)
	}
}

func TestReplayStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run := replay.Run{
		RunID: "run-1", BaselineVersion: "v1", CandidateVersion: "v2",
		Status: "running", CreatedAt: now,
	}
	if err := s.PutReplayRun(ctx, run); err != nil {
		t.Fatalf("PutReplayRun: %v", err)
	}
	// Completing the run upserts the same row.
	completed := now.Add(time.Second)
	run.Status = "completed"
	run.CompletedAt = &completed
	if err := s.PutReplayRun(ctx, run); err != nil {
		t.Fatalf("complete PutReplayRun: %v", err)
	}

	got, err := s.GetReplayRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetReplayRun: %v", err)
	}
	if got.Status != "completed" || got.CompletedAt == nil {
		t.Errorf("run = %+v, want completed", got)
	}
	if _, err := s.GetReplayRun(ctx, "missing"); !errors.Is(err, replay.ErrRunNotFound) {
		t.Errorf("missing run: err = %v, want ErrRunNotFound", err)
	}

	for _, id := range []string{"d1", "d2"} {
		d := replay.Delta{DeltaID: id, RunID: "run-1", ToolName: "read_file",
			BaselineAction: "ALLOW", CandidateAction: "DENY",
			Severity: replay.SeverityHigh, RootCause: replay.CauseAccessRestricted}
		if err := s.PutReplayDelta(ctx, d); err != nil {
			t.Fatalf("PutReplayDelta: %v", err)
		}
	}
	deltas, err := s.ListReplayDeltas(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListReplayDeltas: %v", err)
	}
	if len(deltas) != 2 {
		t.Errorf("deltas = %d, want 2", len(deltas))
	}
}

func TestRolloutTripleUnique(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := replay.RolloutRecord{
		RolloutID: "ro-1", TenantID: "acme",
		BaselineVersion: "v1", CandidateVersion: "v2",
		Status: replay.RolloutPromoting, Verdict: replay.VerdictPass,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.PutRollout(ctx, r); err != nil {
		t.Fatalf("PutRollout: %v", err)
	}

	dup := r
	dup.RolloutID = "ro-2"
	if err := s.PutRollout(ctx, dup); !errors.Is(err, replay.ErrRolloutExists) {
		t.Errorf("duplicate triple: err = %v, want ErrRolloutExists", err)
	}

	byTriple, err := s.GetRolloutByTriple(ctx, "acme", "v1", "v2")
	if err != nil {
		t.Fatalf("GetRolloutByTriple: %v", err)
	}
	if byTriple.RolloutID != "ro-1" {
		t.Errorf("byTriple = %s, want ro-1", byTriple.RolloutID)
	}
	if _, err := s.GetRolloutByTriple(ctx, "acme", "v1", "v3"); !errors.Is(err, replay.ErrRolloutNotFound) {
		t.Errorf("missing triple: err = %v, want ErrRolloutNotFound", err)
	}

	r.Status = replay.RolloutCompleted
	r.UpdatedAt = now.Add(time.Minute)
	if err := s.UpdateRollout(ctx, r); err != nil {
		t.Fatalf("UpdateRollout: %v", err)
	}
	got, err := s.GetRollout(ctx, "ro-1")
	if err != nil {
		t.Fatalf("GetRollout: %v", err)
	}
	if got.Status != replay.RolloutCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}

	if err := s.UpdateRollout(ctx, replay.RolloutRecord{RolloutID: "missing"}); !errors.Is(err, replay.ErrRolloutNotFound) {
		t.Errorf("update missing: err = %v, want ErrRolloutNotFound", err)
	}
}
