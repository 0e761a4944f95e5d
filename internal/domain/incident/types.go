// Package incident implements risk scoring and the quarantine state machine
// that contains misbehaving sessions.
package incident

import (
	"context"
	"errors"
	"time"
)

// Status is the incident lifecycle state. quarantined, revoked, and failed
// are all active containment states; released is terminal.
type Status string

const (
	StatusQuarantined Status = "quarantined"
	StatusRevoked     Status = "revoked"
	StatusFailed      Status = "failed"
	StatusReleased    Status = "released"
)

// Active reports whether the status still contains the session.
func (s Status) Active() bool {
	return s == StatusQuarantined || s == StatusRevoked || s == StatusFailed
}

// Record is one incident's persistent state.
type Record struct {
	IncidentID string     `json:"incident_id"`
	SessionID  string     `json:"session_id"`
	Status     Status     `json:"status"`
	RiskScore  int        `json:"risk_score"`
	Reason     string     `json:"reason"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ReleasedBy string     `json:"released_by,omitempty"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// Event is one recorded incident transition.
type Event struct {
	EventID    string    `json:"event_id"`
	IncidentID string    `json:"incident_id"`
	Kind       string    `json:"kind"` // quarantined | revoked | failed | released
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ErrActiveIncidentExists is returned by stores when inserting a second
// active incident for the same session.
var ErrActiveIncidentExists = errors.New("active incident already exists for session")

// ErrIncidentNotFound is returned when an incident ID is unknown.
var ErrIncidentNotFound = errors.New("incident not found")

// Store persists incidents and their transition events.
type Store interface {
	// InsertIncident inserts a new incident. Returns
	// ErrActiveIncidentExists when the session already has an active one.
	InsertIncident(ctx context.Context, r Record) error
	// UpdateIncident rewrites an existing incident row.
	UpdateIncident(ctx context.Context, r Record) error
	// GetIncident returns an incident by ID.
	GetIncident(ctx context.Context, incidentID string) (Record, error)
	// LatestActiveIncident returns the most recent active incident for the
	// session, or ErrIncidentNotFound.
	LatestActiveIncident(ctx context.Context, sessionID string) (Record, error)
	// ListActiveIncidents returns every active incident.
	ListActiveIncidents(ctx context.Context) ([]Record, error)
	// ListIncidents returns all incidents, newest first.
	ListIncidents(ctx context.Context) ([]Record, error)
	// PutIncidentEvent records a transition event.
	PutIncidentEvent(ctx context.Context, ev Event) error
}
