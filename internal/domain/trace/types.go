// Package trace defines the append-only trace event model, the TraceStore
// port, and the per-session Merkle transparency log.
package trace

import (
	"context"
	"time"
)

// Event is one append-only audit record. Exactly one event is written per
// tool call, whichever pipeline stage terminated the request.
type Event struct {
	EventID              string    `json:"event_id"`
	Timestamp            time.Time `json:"timestamp"`
	SessionID            string    `json:"session_id"`
	UserID               string    `json:"user_id,omitempty"`
	AgentID              string    `json:"agent_id,omitempty"`
	ToolName             string    `json:"tool_name"`
	ArgumentsHash        string    `json:"arguments_hash"`
	PolicyVersion        string    `json:"policy_version"`
	PolicyDecision       string    `json:"policy_decision"`
	PolicyReason         string    `json:"policy_reason"`
	MatchedRule          string    `json:"matched_rule,omitempty"`
	Executed             bool      `json:"executed"`
	DurationMS           *int64    `json:"duration_ms,omitempty"`
	Error                string    `json:"error,omitempty"`
	IsWriteAction        bool      `json:"is_write_action"`
	ApprovalTokenPresent bool      `json:"approval_token_present"`
}

// Checkpoint records an anchored (or failed-to-anchor) Merkle root for a
// session.
type Checkpoint struct {
	SessionID    string    `json:"session_id"`
	RootHash     string    `json:"root_hash"`
	EventCount   int       `json:"event_count"`
	AnchoredAt   time.Time `json:"anchored_at"`
	AnchorSource string    `json:"anchor_source"`
	Status       string    `json:"status"` // anchored | failed
	Response     string    `json:"response,omitempty"`
}

// Archive is a write-once evidence archive row. A second insert with the same
// (session, format, integrity hash) key returns the existing archive.
type Archive struct {
	ArchiveID     string    `json:"archive_id"`
	SessionID     string    `json:"session_id"`
	Format        string    `json:"format"` // json | html | pdf
	Payload       []byte    `json:"-"`
	IntegrityHash string    `json:"integrity_hash"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store is the persistence port for trace events and their session-scoped
// satellites. All writes serialize through a single connection; events are
// insert-only with no update or delete path.
type Store interface {
	// Append inserts exactly one event row keyed by EventID.
	Append(ctx context.Context, ev Event) error

	// Query returns events, optionally scoped to a session and a lower time
	// bound, ordered by timestamp ascending.
	Query(ctx context.Context, sessionID string, since *time.Time) ([]Event, error)

	// ListSessions returns the distinct session IDs present in the journal.
	ListSessions(ctx context.Context) ([]string, error)

	// Taint label persistence for the DLP tracker.
	GetTaintLabels(ctx context.Context, sessionID string) ([]string, error)
	PutTaintLabels(ctx context.Context, sessionID string, labels []string) error

	// PutCheckpoint records a transparency log checkpoint.
	PutCheckpoint(ctx context.Context, cp Checkpoint) error
	ListCheckpoints(ctx context.Context, sessionID string) ([]Checkpoint, error)

	// PutArchive inserts a write-once archive; re-inserting the same key is
	// idempotent and returns the stored row.
	PutArchive(ctx context.Context, a Archive) (Archive, error)
	GetArchive(ctx context.Context, sessionID, format, integrityHash string) (Archive, error)
}
