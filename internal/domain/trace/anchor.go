package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// anchorTimeout bounds the external anchoring POST.
const anchorTimeout = 2 * time.Second

// Anchorer builds per-session checkpoints and optionally POSTs them to an
// external transparency endpoint. Network failures are recorded in the
// checkpoint, never propagated to the request path.
type Anchorer struct {
	store     Store
	anchorURL string
	client    *http.Client
	logger    *slog.Logger
}

// NewAnchorer creates an anchorer. anchorURL may be empty, in which case
// checkpoints are stored locally without external anchoring.
func NewAnchorer(store Store, anchorURL string, logger *slog.Logger) *Anchorer {
	return &Anchorer{
		store:     store,
		anchorURL: anchorURL,
		client:    &http.Client{Timeout: anchorTimeout},
		logger:    logger,
	}
}

// Anchor computes the session's current Merkle root, writes a checkpoint, and
// POSTs it to the anchor endpoint when configured. The returned checkpoint
// reflects the delivery outcome.
func (a *Anchorer) Anchor(ctx context.Context, sessionID string) (Checkpoint, error) {
	events, err := a.store.Query(ctx, sessionID, nil)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("query session events: %w", err)
	}

	tree := BuildTree(events)
	cp := Checkpoint{
		SessionID:    sessionID,
		RootHash:     tree.Root(),
		EventCount:   tree.LeafCount(),
		AnchoredAt:   time.Now().UTC(),
		AnchorSource: "local",
		Status:       "anchored",
	}

	if a.anchorURL != "" {
		cp.AnchorSource = a.anchorURL
		status, response := a.post(ctx, cp)
		cp.Status = status
		cp.Response = response
	}

	if err := a.store.PutCheckpoint(ctx, cp); err != nil {
		return Checkpoint{}, fmt.Errorf("store checkpoint: %w", err)
	}
	return cp, nil
}

// post delivers the checkpoint and returns (status, verbatim response body).
func (a *Anchorer) post(ctx context.Context, cp Checkpoint) (string, string) {
	body, err := json.Marshal(map[string]any{
		"session_id":  cp.SessionID,
		"root_hash":   cp.RootHash,
		"event_count": cp.EventCount,
		"anchored_at": cp.AnchoredAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return "failed", err.Error()
	}

	ctx, cancel := context.WithTimeout(ctx, anchorTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.anchorURL, bytes.NewReader(body))
	if err != nil {
		return "failed", err.Error()
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn("transparency anchor delivery failed",
			"session_id", cp.SessionID, "error", err)
		return "failed", err.Error()
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.logger.Warn("transparency anchor rejected checkpoint",
			"session_id", cp.SessionID, "status", resp.StatusCode)
		return "failed", string(raw)
	}
	return "anchored", string(raw)
}
