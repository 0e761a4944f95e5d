// Package outbound defines the ports the enforcement core calls out through.
package outbound

import (
	"context"
	"encoding/json"
	"time"
)

// KV is the distributed flag store used by the kill switch. Implementations
// are externally synchronized; the local client only retries.
type KV interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores key=value.
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Reset drops and re-establishes the connection pool after a transient
	// failure.
	Reset(ctx context.Context) error
}

// Credential is a brokered short-lived credential scoped to one tool call.
type Credential struct {
	Token     string    `json:"token"`
	Scope     string    `json:"scope"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CredentialBroker mints and revokes short-lived credentials.
type CredentialBroker interface {
	// Issue mints a credential for the session with the given scope and TTL.
	Issue(ctx context.Context, sessionID, scope string, ttl time.Duration) (Credential, error)
	// RevokeSession invalidates all credentials issued to the session.
	RevokeSession(ctx context.Context, sessionID string) error
}

// Executor runs a tool call and returns an opaque result. Tool
// implementations are external; the gateway treats results as bytes.
type Executor interface {
	Execute(ctx context.Context, toolName string, args map[string]json.RawMessage, cred Credential) (json.RawMessage, error)
}

// Notifier delivers containment event notifications (quarantine, kill switch)
// to an external sink. Delivery failures are logged, never surfaced to the
// request path.
type Notifier interface {
	Notify(ctx context.Context, event string, payload map[string]any)
}
