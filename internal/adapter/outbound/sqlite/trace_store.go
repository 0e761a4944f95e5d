package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentgate-io/agentgate/internal/domain/trace"
)

var _ trace.Store = (*Store)(nil)

// ErrArchiveNotFound is returned when no archive matches the lookup key.
var ErrArchiveNotFound = errors.New("evidence archive not found")

// timeFormat is fixed width: nanoseconds keep their trailing zeros, so the
// TEXT column's lexicographic ORDER BY coincides with chronological order and
// leaf hashes survive a round trip.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Append inserts exactly one event row. The journal is insert-only; update
// and delete are rejected by triggers.
func (s *Store) Append(ctx context.Context, ev trace.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var duration any
	if ev.DurationMS != nil {
		duration = *ev.DurationMS
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trace_events (
			event_id, timestamp, session_id, user_id, agent_id, tool_name,
			arguments_hash, policy_version, policy_decision, policy_reason,
			matched_rule, executed, duration_ms, error, is_write_action,
			approval_token_present
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.Timestamp.UTC().Format(timeFormat), ev.SessionID,
		ev.UserID, ev.AgentID, ev.ToolName, ev.ArgumentsHash,
		ev.PolicyVersion, ev.PolicyDecision, ev.PolicyReason, ev.MatchedRule,
		boolInt(ev.Executed), duration, ev.Error, boolInt(ev.IsWriteAction),
		boolInt(ev.ApprovalTokenPresent))
	if err != nil {
		return fmt.Errorf("append trace event: %w", err)
	}
	return nil
}

// Query returns events ordered by timestamp ascending, optionally scoped to a
// session and a lower time bound.
func (s *Store) Query(ctx context.Context, sessionID string, since *time.Time) ([]trace.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT event_id, timestamp, session_id, user_id, agent_id,
		tool_name, arguments_hash, policy_version, policy_decision,
		policy_reason, matched_rule, executed, duration_ms, error,
		is_write_action, approval_token_present FROM trace_events`
	var clauses []string
	var args []any
	if sessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, sessionID)
	}
	if since != nil {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, since.UTC().Format(timeFormat))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trace events: %w", err)
	}
	defer rows.Close()

	var events []trace.Event
	for rows.Next() {
		var ev trace.Event
		var ts string
		var executed, isWrite, tokenPresent int
		var duration sql.NullInt64
		if err := rows.Scan(&ev.EventID, &ts, &ev.SessionID, &ev.UserID,
			&ev.AgentID, &ev.ToolName, &ev.ArgumentsHash, &ev.PolicyVersion,
			&ev.PolicyDecision, &ev.PolicyReason, &ev.MatchedRule, &executed,
			&duration, &ev.Error, &isWrite, &tokenPresent); err != nil {
			return nil, fmt.Errorf("scan trace event: %w", err)
		}
		ev.Timestamp, err = time.Parse(timeFormat, ts)
		if err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		ev.Executed = executed == 1
		ev.IsWriteAction = isWrite == 1
		ev.ApprovalTokenPresent = tokenPresent == 1
		if duration.Valid {
			d := duration.Int64
			ev.DurationMS = &d
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListSessions returns the distinct session IDs in the journal.
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT session_id FROM trace_events ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		sessions = append(sessions, id)
	}
	return sessions, rows.Err()
}

// GetTaintLabels loads the persisted label set for a session (empty when
// none).
func (s *Store) GetTaintLabels(ctx context.Context, sessionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT labels FROM taint_labels WHERE session_id = ?`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load taint labels: %w", err)
	}
	var labels []string
	if err := json.Unmarshal([]byte(raw), &labels); err != nil {
		return nil, fmt.Errorf("decode taint labels: %w", err)
	}
	return labels, nil
}

// PutTaintLabels upserts the label set for a session.
func (s *Store) PutTaintLabels(ctx context.Context, sessionID string, labels []string) error {
	raw, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("encode taint labels: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO taint_labels (session_id, labels) VALUES (?, ?)
		ON CONFLICT(session_id) DO UPDATE SET labels = excluded.labels`,
		sessionID, string(raw))
	if err != nil {
		return fmt.Errorf("store taint labels: %w", err)
	}
	return nil
}

// PutCheckpoint records a transparency log checkpoint.
func (s *Store) PutCheckpoint(ctx context.Context, cp trace.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, root_hash, event_count,
			anchored_at, anchor_source, status, response)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.SessionID, cp.RootHash, cp.EventCount,
		cp.AnchoredAt.UTC().Format(timeFormat), cp.AnchorSource,
		cp.Status, cp.Response)
	if err != nil {
		return fmt.Errorf("store checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns a session's checkpoints, oldest first.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]trace.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, root_hash, event_count, anchored_at,
			anchor_source, status, response
		FROM checkpoints WHERE session_id = ? ORDER BY anchored_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []trace.Checkpoint
	for rows.Next() {
		var cp trace.Checkpoint
		var anchored string
		if err := rows.Scan(&cp.SessionID, &cp.RootHash, &cp.EventCount,
			&anchored, &cp.AnchorSource, &cp.Status, &cp.Response); err != nil {
			return nil, err
		}
		cp.AnchoredAt, err = time.Parse(timeFormat, anchored)
		if err != nil {
			return nil, fmt.Errorf("parse checkpoint time: %w", err)
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// PutArchive inserts a write-once archive row. Re-inserting the same
// (session, format, integrity hash) key returns the existing row unchanged.
func (s *Store) PutArchive(ctx context.Context, a trace.Archive) (trace.Archive, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_archives (archive_id, session_id, format,
			payload, integrity_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, format, integrity_hash) DO NOTHING`,
		a.ArchiveID, a.SessionID, a.Format, a.Payload, a.IntegrityHash,
		a.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return trace.Archive{}, fmt.Errorf("store archive: %w", err)
	}
	return s.getArchiveLocked(ctx, a.SessionID, a.Format, a.IntegrityHash)
}

// GetArchive loads one archive by its natural key.
func (s *Store) GetArchive(ctx context.Context, sessionID, format, integrityHash string) (trace.Archive, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getArchiveLocked(ctx, sessionID, format, integrityHash)
}

func (s *Store) getArchiveLocked(ctx context.Context, sessionID, format, integrityHash string) (trace.Archive, error) {
	var a trace.Archive
	var created string
	err := s.db.QueryRowContext(ctx, `
		SELECT archive_id, session_id, format, payload, integrity_hash, created_at
		FROM evidence_archives
		WHERE session_id = ? AND format = ? AND integrity_hash = ?`,
		sessionID, format, integrityHash).Scan(
		&a.ArchiveID, &a.SessionID, &a.Format, &a.Payload, &a.IntegrityHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return trace.Archive{}, ErrArchiveNotFound
	}
	if err != nil {
		return trace.Archive{}, fmt.Errorf("load archive: %w", err)
	}
	a.CreatedAt, err = time.Parse(timeFormat, created)
	if err != nil {
		return trace.Archive{}, fmt.Errorf("parse archive time: %w", err)
	}
	return a, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
