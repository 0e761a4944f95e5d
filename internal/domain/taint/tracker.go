// Package taint tracks per-session data-sensitivity labels and blocks
// exfiltration-capable tools when labels intersect the blocked set.
package taint

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/agentgate-io/agentgate/internal/domain/gateway"
	"github.com/agentgate-io/agentgate/internal/domain/trace"
)

// SensitiveLabel is attached when a request declares contains_sensitive_data.
const SensitiveLabel = "sensitive"

// Tracker merges observed taint labels into per-session sets persisted in the
// trace store, and answers DLP block queries.
type Tracker struct {
	store             trace.Store
	blockedLabels     map[string]struct{}
	exfiltrationTools map[string]struct{}
	logger            *slog.Logger
}

// New creates a tracker. blockedLabels are the labels that trigger a DLP
// block; exfiltrationTools are the tools capable of moving data out.
func New(store trace.Store, blockedLabels, exfiltrationTools []string, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:             store,
		blockedLabels:     toSet(blockedLabels),
		exfiltrationTools: toSet(exfiltrationTools),
		logger:            logger,
	}
}

// ObserveContext merges the request's taint labels into the session's stored
// set. The store is written only when the set actually grows.
func (t *Tracker) ObserveContext(ctx context.Context, req *gateway.ToolCallRequest) error {
	incoming := req.ContextStrings("taint_labels")
	if req.ContextBool("contains_sensitive_data") {
		incoming = append(incoming, SensitiveLabel)
	}
	if len(incoming) == 0 {
		return nil
	}

	stored, err := t.store.GetTaintLabels(ctx, req.SessionID)
	if err != nil {
		return fmt.Errorf("load taint labels: %w", err)
	}

	merged := toSet(stored)
	grew := false
	for _, label := range incoming {
		if _, ok := merged[label]; !ok {
			merged[label] = struct{}{}
			grew = true
		}
	}
	if !grew {
		return nil
	}

	labels := fromSet(merged)
	if err := t.store.PutTaintLabels(ctx, req.SessionID, labels); err != nil {
		return fmt.Errorf("store taint labels: %w", err)
	}
	t.logger.Debug("taint labels updated", "session_id", req.SessionID, "labels", labels)
	return nil
}

// BlockReason returns a human-readable reason iff the tool is in the
// exfiltration set and the session's labels intersect the blocked set.
// Empty string means no block.
func (t *Tracker) BlockReason(ctx context.Context, sessionID, toolName string) (string, error) {
	if _, ok := t.exfiltrationTools[toolName]; !ok {
		return "", nil
	}

	stored, err := t.store.GetTaintLabels(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load taint labels: %w", err)
	}

	var hits []string
	for _, label := range stored {
		if _, ok := t.blockedLabels[label]; ok {
			hits = append(hits, label)
		}
	}
	if len(hits) == 0 {
		return "", nil
	}
	sort.Strings(hits)
	return fmt.Sprintf("DLP taint guard blocked %s: session carries labels [%s]",
		toolName, strings.Join(hits, ", ")), nil
}

// Labels returns the stored label set for a session.
func (t *Tracker) Labels(ctx context.Context, sessionID string) ([]string, error) {
	return t.store.GetTaintLabels(ctx, sessionID)
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

func fromSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for item := range set {
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}
