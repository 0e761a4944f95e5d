// Package localexec is the in-process executor used when no upstream tool
// server is configured. It echoes the call so the enforcement pipeline can be
// exercised end to end in dev and tests.
package localexec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentgate-io/agentgate/internal/port/outbound"
)

var _ outbound.Executor = (*Echo)(nil)

// Echo returns a synthetic result describing the call it received.
type Echo struct {
	now func() time.Time
}

// New creates the echo executor.
func New() *Echo {
	return &Echo{now: time.Now}
}

// Execute returns {tool, executed_at, argument_keys, credential_scope}.
func (e *Echo) Execute(_ context.Context, toolName string, args map[string]json.RawMessage, cred outbound.Credential) (json.RawMessage, error) {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	payload, err := json.Marshal(map[string]any{
		"tool":             toolName,
		"executed_at":      e.now().UTC().Format(time.RFC3339),
		"argument_keys":    keys,
		"credential_scope": cred.Scope,
	})
	if err != nil {
		return nil, fmt.Errorf("encode echo result: %w", err)
	}
	return payload, nil
}
