package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentgate-io/agentgate/internal/domain/incident"
)

var _ incident.Store = (*Store)(nil)

const incidentColumns = `incident_id, session_id, status, risk_score, reason,
	created_at, updated_at, released_by, released_at`

// InsertIncident inserts a new incident. The one-active-per-session unique
// index surfaces a second active insert as ErrActiveIncidentExists.
func (s *Store) InsertIncident(ctx context.Context, r incident.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (`+incidentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.IncidentID, r.SessionID, string(r.Status), r.RiskScore, r.Reason,
		r.CreatedAt.UTC().Format(timeFormat), r.UpdatedAt.UTC().Format(timeFormat),
		r.ReleasedBy, nullableTime(r.ReleasedAt))
	if err != nil {
		if strings.Contains(err.Error(), "idx_incidents_one_active") ||
			strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return incident.ErrActiveIncidentExists
		}
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

// UpdateIncident rewrites an incident row.
func (s *Store) UpdateIncident(ctx context.Context, r incident.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET status = ?, risk_score = ?, reason = ?,
			updated_at = ?, released_by = ?, released_at = ?
		WHERE incident_id = ?`,
		string(r.Status), r.RiskScore, r.Reason,
		r.UpdatedAt.UTC().Format(timeFormat), r.ReleasedBy,
		nullableTime(r.ReleasedAt), r.IncidentID)
	if err != nil {
		return fmt.Errorf("update incident: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return incident.ErrIncidentNotFound
	}
	return nil
}

// GetIncident loads one incident by ID.
func (s *Store) GetIncident(ctx context.Context, incidentID string) (incident.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE incident_id = ?`, incidentID)
	r, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return incident.Record{}, incident.ErrIncidentNotFound
	}
	return r, err
}

// LatestActiveIncident returns the most recent active incident for a session.
func (s *Store) LatestActiveIncident(ctx context.Context, sessionID string) (incident.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+incidentColumns+` FROM incidents
		WHERE session_id = ? AND status IN ('quarantined', 'revoked', 'failed')
		ORDER BY created_at DESC LIMIT 1`, sessionID)
	r, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return incident.Record{}, incident.ErrIncidentNotFound
	}
	return r, err
}

// ListActiveIncidents returns every active incident.
func (s *Store) ListActiveIncidents(ctx context.Context) ([]incident.Record, error) {
	return s.listIncidents(ctx,
		`WHERE status IN ('quarantined', 'revoked', 'failed')`)
}

// ListIncidents returns all incidents, newest first.
func (s *Store) ListIncidents(ctx context.Context) ([]incident.Record, error) {
	return s.listIncidents(ctx, "")
}

func (s *Store) listIncidents(ctx context.Context, where string) ([]incident.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents `+where+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var records []incident.Record
	for rows.Next() {
		r, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// PutIncidentEvent records a transition event.
func (s *Store) PutIncidentEvent(ctx context.Context, ev incident.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incident_events (event_id, incident_id, kind, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.EventID, ev.IncidentID, ev.Kind, ev.Detail,
		ev.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("insert incident event: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (incident.Record, error) {
	var r incident.Record
	var status, created, updated string
	var released sql.NullString
	if err := row.Scan(&r.IncidentID, &r.SessionID, &status, &r.RiskScore,
		&r.Reason, &created, &updated, &r.ReleasedBy, &released); err != nil {
		return incident.Record{}, err
	}
	r.Status = incident.Status(status)

	var err error
	if r.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
		return incident.Record{}, fmt.Errorf("parse incident created_at: %w", err)
	}
	if r.UpdatedAt, err = time.Parse(timeFormat, updated); err != nil {
		return incident.Record{}, fmt.Errorf("parse incident updated_at: %w", err)
	}
	if released.Valid && released.String != "" {
		t, err := time.Parse(timeFormat, released.String)
		if err != nil {
			return incident.Record{}, fmt.Errorf("parse incident released_at: %w", err)
		}
		r.ReleasedAt = &t
	}
	return r, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}
