package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/agentgate-io/agentgate/internal/domain/replay"
)

var _ replay.Store = (*Store)(nil)

// PutReplayRun upserts a run (created as running, later marked completed).
func (s *Store) PutReplayRun(ctx context.Context, r replay.Run) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode replay run: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO replay_runs (run_id, body, created_at) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET body = excluded.body`,
		r.RunID, string(body), r.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("store replay run: %w", err)
	}
	return nil
}

// GetReplayRun loads one run.
func (s *Store) GetReplayRun(ctx context.Context, runID string) (replay.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM replay_runs WHERE run_id = ?`, runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return replay.Run{}, replay.ErrRunNotFound
	}
	if err != nil {
		return replay.Run{}, fmt.Errorf("load replay run: %w", err)
	}
	var r replay.Run
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return replay.Run{}, fmt.Errorf("decode replay run: %w", err)
	}
	return r, nil
}

// ListReplayRuns returns all runs, newest first.
func (s *Store) ListReplayRuns(ctx context.Context) ([]replay.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM replay_runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list replay runs: %w", err)
	}
	defer rows.Close()

	var runs []replay.Run
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r replay.Run
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("decode replay run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// PutReplayDelta inserts one per-event delta.
func (s *Store) PutReplayDelta(ctx context.Context, d replay.Delta) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode replay delta: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO replay_deltas (delta_id, run_id, body) VALUES (?, ?, ?)`,
		d.DeltaID, d.RunID, string(body))
	if err != nil {
		return fmt.Errorf("store replay delta: %w", err)
	}
	return nil
}

// ListReplayDeltas returns a run's deltas.
func (s *Store) ListReplayDeltas(ctx context.Context, runID string) ([]replay.Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM replay_deltas WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("list replay deltas: %w", err)
	}
	defer rows.Close()

	var deltas []replay.Delta
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var d replay.Delta
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			return nil, fmt.Errorf("decode replay delta: %w", err)
		}
		deltas = append(deltas, d)
	}
	return deltas, rows.Err()
}

// PutRollout inserts a rollout; the (tenant, baseline, candidate) unique key
// backs idempotent starts.
func (s *Store) PutRollout(ctx context.Context, r replay.RolloutRecord) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode rollout: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rollouts (rollout_id, tenant_id, baseline_version,
			candidate_version, body)
		VALUES (?, ?, ?, ?, ?)`,
		r.RolloutID, r.TenantID, r.BaselineVersion, r.CandidateVersion, string(body))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return replay.ErrRolloutExists
		}
		return fmt.Errorf("store rollout: %w", err)
	}
	return nil
}

// GetRollout loads one rollout by ID.
func (s *Store) GetRollout(ctx context.Context, rolloutID string) (replay.RolloutRecord, error) {
	return s.getRollout(ctx, `SELECT body FROM rollouts WHERE rollout_id = ?`, rolloutID)
}

// GetRolloutByTriple loads a rollout by its natural key.
func (s *Store) GetRolloutByTriple(ctx context.Context, tenantID, baseline, candidate string) (replay.RolloutRecord, error) {
	return s.getRollout(ctx, `
		SELECT body FROM rollouts
		WHERE tenant_id = ? AND baseline_version = ? AND candidate_version = ?`,
		tenantID, baseline, candidate)
}

// UpdateRollout rewrites a rollout row.
func (s *Store) UpdateRollout(ctx context.Context, r replay.RolloutRecord) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode rollout: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE rollouts SET body = ? WHERE rollout_id = ?`, string(body), r.RolloutID)
	if err != nil {
		return fmt.Errorf("update rollout: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return replay.ErrRolloutNotFound
	}
	return nil
}

// ListRollouts returns every rollout.
func (s *Store) ListRollouts(ctx context.Context) ([]replay.RolloutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT body FROM rollouts`)
	if err != nil {
		return nil, fmt.Errorf("list rollouts: %w", err)
	}
	defer rows.Close()

	var records []replay.RolloutRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r replay.RolloutRecord
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("decode rollout: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *Store) getRollout(ctx context.Context, query string, args ...any) (replay.RolloutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var body string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return replay.RolloutRecord{}, replay.ErrRolloutNotFound
	}
	if err != nil {
		return replay.RolloutRecord{}, fmt.Errorf("load rollout: %w", err)
	}
	var r replay.RolloutRecord
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return replay.RolloutRecord{}, fmt.Errorf("decode rollout: %w", err)
	}
	return r, nil
}
