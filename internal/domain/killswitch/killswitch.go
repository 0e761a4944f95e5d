// Package killswitch provides the KV-backed containment flags checked ahead
// of policy evaluation: global, per-tool, and per-session, in that precedence.
package killswitch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentgate-io/agentgate/internal/port/outbound"
)

// keyPrefix namespaces all kill-switch keys in the shared KV.
const keyPrefix = "agentgate:killswitch"

// Status is the result of a kill-switch lookup.
type Status struct {
	Blocked bool
	Scope   string // global | tool | session
	Reason  string
}

// Switch performs three-namespace lookups against the KV with a single
// reconnect-and-retry on transient errors. Persistent KV failure is
// fail-closed: the caller treats the surface as blocked.
type Switch struct {
	kv     outbound.KV
	logger *slog.Logger
}

// New creates a kill switch over the given KV.
func New(kv outbound.KV, logger *slog.Logger) *Switch {
	return &Switch{kv: kv, logger: logger}
}

func globalKey() string             { return keyPrefix + ":global" }
func toolKey(tool string) string    { return keyPrefix + ":tool:" + tool }
func sessionKey(session string) string { return keyPrefix + ":session:" + session }

// Check looks up the three keys in strict precedence global > tool > session.
// The first present key wins. A KV error after retry is returned to the
// caller, which must treat the request as blocked.
func (s *Switch) Check(ctx context.Context, toolName, sessionID string) (Status, error) {
	for _, probe := range []struct {
		key   string
		scope string
	}{
		{globalKey(), "global"},
		{toolKey(toolName), "tool"},
		{sessionKey(sessionID), "session"},
	} {
		value, found, err := s.getWithRetry(ctx, probe.key)
		if err != nil {
			return Status{}, fmt.Errorf("kill switch lookup %s: %w", probe.key, err)
		}
		if found {
			return Status{Blocked: true, Scope: probe.scope, Reason: value}, nil
		}
	}
	return Status{}, nil
}

// KillSession blocks all calls for one session.
func (s *Switch) KillSession(ctx context.Context, sessionID, reason string) error {
	return s.setWithRetry(ctx, sessionKey(sessionID), reason)
}

// KillTool blocks one tool for every session.
func (s *Switch) KillTool(ctx context.Context, toolName, reason string) error {
	return s.setWithRetry(ctx, toolKey(toolName), reason)
}

// GlobalPause blocks every call.
func (s *Switch) GlobalPause(ctx context.Context, reason string) error {
	return s.setWithRetry(ctx, globalKey(), reason)
}

// Resume clears the global pause.
func (s *Switch) Resume(ctx context.Context) error {
	return s.deleteWithRetry(ctx, globalKey())
}

// ReleaseSession clears one session's kill key. Tool and global switches are
// operator-scoped and deliberately left untouched by incident release.
func (s *Switch) ReleaseSession(ctx context.Context, sessionID string) error {
	return s.deleteWithRetry(ctx, sessionKey(sessionID))
}

// ReleaseTool clears one tool's kill key.
func (s *Switch) ReleaseTool(ctx context.Context, toolName string) error {
	return s.deleteWithRetry(ctx, toolKey(toolName))
}

// Healthy reports KV reachability for the health endpoint.
func (s *Switch) Healthy(ctx context.Context) bool {
	return s.kv.Ping(ctx) == nil
}

// getWithRetry wraps KV.Get in the retry loop: on transient error, reset the
// pool once and retry once, then surface failure.
func (s *Switch) getWithRetry(ctx context.Context, key string) (string, bool, error) {
	value, found, err := s.kv.Get(ctx, key)
	if err == nil {
		return value, found, nil
	}
	s.logger.Warn("kv get failed, resetting pool", "key", key, "error", err)
	if resetErr := s.kv.Reset(ctx); resetErr != nil {
		return "", false, fmt.Errorf("reset after get failure: %w (get: %v)", resetErr, err)
	}
	return s.kv.Get(ctx, key)
}

func (s *Switch) setWithRetry(ctx context.Context, key, value string) error {
	err := s.kv.Set(ctx, key, value)
	if err == nil {
		return nil
	}
	s.logger.Warn("kv set failed, resetting pool", "key", key, "error", err)
	if resetErr := s.kv.Reset(ctx); resetErr != nil {
		return fmt.Errorf("reset after set failure: %w (set: %v)", resetErr, err)
	}
	return s.kv.Set(ctx, key, value)
}

func (s *Switch) deleteWithRetry(ctx context.Context, key string) error {
	err := s.kv.Delete(ctx, key)
	if err == nil {
		return nil
	}
	s.logger.Warn("kv delete failed, resetting pool", "key", key, "error", err)
	if resetErr := s.kv.Reset(ctx); resetErr != nil {
		return fmt.Errorf("reset after delete failure: %w (delete: %v)", resetErr, err)
	}
	return s.kv.Delete(ctx, key)
}
