package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentgate-io/agentgate/internal/domain/approval"
	"github.com/agentgate-io/agentgate/internal/domain/policy"
)

// The registry tables mirror in-memory state (workflows, exceptions,
// revisions) so it survives restart. Rows hold the JSON body keyed by ID;
// the domain registries are the source of truth for semantics.

var (
	_ approval.Store       = (*Store)(nil)
	_ policy.ExceptionStore = (*Store)(nil)
	_ policy.RevisionStore  = (*Store)(nil)
)

// PutWorkflow upserts an approval workflow.
func (s *Store) PutWorkflow(ctx context.Context, w approval.Workflow) error {
	return s.putBody(ctx, "approval_workflows", "workflow_id", w.WorkflowID, w)
}

// ListWorkflows loads all persisted workflows.
func (s *Store) ListWorkflows(ctx context.Context) ([]approval.Workflow, error) {
	return listBodies[approval.Workflow](ctx, s, "approval_workflows")
}

// PutException upserts a policy exception.
func (s *Store) PutException(ctx context.Context, e policy.Exception) error {
	return s.putBody(ctx, "policy_exceptions", "exception_id", e.ExceptionID, e)
}

// ListExceptions loads all persisted exceptions.
func (s *Store) ListExceptions(ctx context.Context) ([]policy.Exception, error) {
	return listBodies[policy.Exception](ctx, s, "policy_exceptions")
}

// PutRevision upserts a policy revision.
func (s *Store) PutRevision(ctx context.Context, r policy.Revision) error {
	return s.putBody(ctx, "policy_revisions", "revision_id", r.RevisionID, r)
}

// ListRevisions loads all persisted revisions.
func (s *Store) ListRevisions(ctx context.Context) ([]policy.Revision, error) {
	return listBodies[policy.Revision](ctx, s, "policy_revisions")
}

func (s *Store) putBody(ctx context.Context, table, keyCol, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s row: %w", table, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (`+keyCol+`, body) VALUES (?, ?)
		 ON CONFLICT(`+keyCol+`) DO UPDATE SET body = excluded.body`,
		key, string(body))
	if err != nil {
		return fmt.Errorf("store %s row: %w", table, err)
	}
	return nil
}

func listBodies[T any](ctx context.Context, s *Store, table string) ([]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT body FROM `+table)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return nil, fmt.Errorf("decode %s row: %w", table, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
