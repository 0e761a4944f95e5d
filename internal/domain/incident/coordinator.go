package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate-io/agentgate/internal/domain/killswitch"
	"github.com/agentgate-io/agentgate/internal/domain/policy"
	"github.com/agentgate-io/agentgate/internal/port/outbound"
)

// Risk score increments per observed outcome.
const (
	scoreDeny            = 4
	scoreRequireApproval = 2
	scoreError           = 1
)

// DefaultThreshold is the risk score at which a session is quarantined.
const DefaultThreshold = 6

// Coordinator accumulates per-session risk scores and drives the quarantine
// state machine:
//
//	quarantined -> [revoke credentials] -> revoked | failed
//
// The in-memory maps are guarded by one mutex; credential revocation, kill
// switch writes, and store writes happen outside the critical section.
type Coordinator struct {
	mu        sync.Mutex
	scores    map[string]int
	active    map[string]string // session -> incident ID

	threshold    int
	store        Store
	broker       outbound.CredentialBroker
	killer       *killswitch.Switch
	notifier     outbound.Notifier
	onQuarantine func(Record)
	logger       *slog.Logger
	now          func() time.Time
}

// NewCoordinator creates a coordinator with the given containment threshold
// (0 means DefaultThreshold). notifier may be nil.
func NewCoordinator(threshold int, store Store, broker outbound.CredentialBroker, killer *killswitch.Switch, notifier outbound.Notifier, logger *slog.Logger) *Coordinator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Coordinator{
		scores:    make(map[string]int),
		active:    make(map[string]string),
		threshold: threshold,
		store:     store,
		broker:    broker,
		killer:    killer,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
	}
}

// SetOnQuarantine registers a callback fired once per newly created incident
// (adopting an existing incident does not refire it).
func (c *Coordinator) SetOnQuarantine(fn func(Record)) {
	c.onQuarantine = fn
}

// Bootstrap rebuilds the in-memory active-incident map from the store: all
// active incidents are scanned and the most recent per session kept. Run at
// startup so containment survives restart.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	records, err := c.store.ListActiveIncidents(ctx)
	if err != nil {
		return fmt.Errorf("scan active incidents: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	latest := make(map[string]Record, len(records))
	for _, r := range records {
		if prev, ok := latest[r.SessionID]; !ok || r.CreatedAt.After(prev.CreatedAt) {
			latest[r.SessionID] = r
		}
	}
	for session, r := range latest {
		c.active[session] = r.IncidentID
	}
	c.logger.Info("incident coordinator bootstrapped", "active_sessions", len(latest))
	return nil
}

// IsQuarantined reports whether the session has an active incident.
func (c *Coordinator) IsQuarantined(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[sessionID]
	return ok
}

// Observe scores one pipeline outcome for the session and quarantines it when
// the rolling score crosses the threshold. Called by the gateway after every
// request; must not block on anything beyond its own store writes.
func (c *Coordinator) Observe(ctx context.Context, sessionID, toolName string, action policy.Action, errMsg string) {
	delta := 0
	switch action {
	case policy.ActionDeny:
		delta = scoreDeny
	case policy.ActionRequireApproval:
		delta = scoreRequireApproval
	}
	if errMsg != "" && delta == 0 {
		delta = scoreError
	}
	if delta == 0 {
		return
	}

	c.mu.Lock()
	c.scores[sessionID] += delta
	score := c.scores[sessionID]
	_, alreadyActive := c.active[sessionID]
	c.mu.Unlock()

	if score < c.threshold || alreadyActive {
		return
	}

	reason := fmt.Sprintf("risk score %d reached threshold %d (last: %s on %s)",
		score, c.threshold, action, toolName)
	if _, err := c.Quarantine(ctx, sessionID, score, reason); err != nil {
		c.logger.Error("quarantine failed", "session_id", sessionID, "error", err)
	}
}

// Quarantine creates the incident, revokes the session's credentials, and
// engages the session kill switch. Quarantining a session that already has an
// active incident returns that incident without creating a second one.
func (c *Coordinator) Quarantine(ctx context.Context, sessionID string, riskScore int, reason string) (Record, error) {
	now := c.now().UTC()
	record := Record{
		IncidentID: uuid.NewString(),
		SessionID:  sessionID,
		Status:     StatusQuarantined,
		RiskScore:  riskScore,
		Reason:     reason,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := c.store.InsertIncident(ctx, record); err != nil {
		if errors.Is(err, ErrActiveIncidentExists) {
			// Lost the race or restarted mid-quarantine: adopt the winner.
			existing, loadErr := c.store.LatestActiveIncident(ctx, sessionID)
			if loadErr != nil {
				return Record{}, fmt.Errorf("reload active incident: %w", loadErr)
			}
			c.bind(sessionID, existing.IncidentID)
			return existing, nil
		}
		return Record{}, fmt.Errorf("insert incident: %w", err)
	}
	c.bind(sessionID, record.IncidentID)
	c.recordEvent(ctx, record.IncidentID, "quarantined", reason)
	c.logger.Warn("session quarantined", "session_id", sessionID, "incident_id", record.IncidentID, "risk_score", riskScore)

	// Revoke credentials; the outcome decides revoked vs failed.
	record.UpdatedAt = c.now().UTC()
	if err := c.broker.RevokeSession(ctx, sessionID); err != nil {
		record.Status = StatusFailed
		c.recordEvent(ctx, record.IncidentID, "failed", fmt.Sprintf("credential revocation failed: %v", err))
		c.logger.Error("credential revocation failed", "session_id", sessionID, "error", err)
	} else {
		record.Status = StatusRevoked
		c.recordEvent(ctx, record.IncidentID, "revoked", "credentials revoked")
	}
	if err := c.store.UpdateIncident(ctx, record); err != nil {
		return Record{}, fmt.Errorf("update incident: %w", err)
	}

	if err := c.killer.KillSession(ctx, sessionID, reason); err != nil {
		c.logger.Error("session kill switch failed", "session_id", sessionID, "error", err)
	}

	if c.onQuarantine != nil {
		c.onQuarantine(record)
	}

	if c.notifier != nil {
		payload := map[string]any{
			"incident_id": record.IncidentID,
			"session_id":  sessionID,
			"risk_score":  riskScore,
			"reason":      reason,
			"status":      string(record.Status),
		}
		// Webhook delivery retries with backoff; keep it off the request path.
		go c.notifier.Notify(context.WithoutCancel(ctx), "session.quarantined", payload)
	}
	return record, nil
}

// Release moves the incident to the terminal released state, clears the
// session kill key, and drops the in-memory binding. Tool-level kill keys are
// left in place.
func (c *Coordinator) Release(ctx context.Context, incidentID, releasedBy string) (Record, error) {
	record, err := c.store.GetIncident(ctx, incidentID)
	if err != nil {
		return Record{}, err
	}
	if !record.Status.Active() {
		return record, nil
	}

	now := c.now().UTC()
	record.Status = StatusReleased
	record.ReleasedBy = releasedBy
	record.ReleasedAt = &now
	record.UpdatedAt = now
	if err := c.store.UpdateIncident(ctx, record); err != nil {
		return Record{}, fmt.Errorf("update incident: %w", err)
	}
	c.recordEvent(ctx, incidentID, "released", "released by "+releasedBy)

	if err := c.killer.ReleaseSession(ctx, record.SessionID); err != nil {
		c.logger.Error("session kill key release failed", "session_id", record.SessionID, "error", err)
	}

	c.mu.Lock()
	delete(c.active, record.SessionID)
	delete(c.scores, record.SessionID)
	c.mu.Unlock()

	c.logger.Info("incident released", "incident_id", incidentID, "session_id", record.SessionID, "released_by", releasedBy)
	return record, nil
}

// Score returns the session's current risk score.
func (c *Coordinator) Score(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scores[sessionID]
}

func (c *Coordinator) bind(sessionID, incidentID string) {
	c.mu.Lock()
	c.active[sessionID] = incidentID
	c.mu.Unlock()
}

func (c *Coordinator) recordEvent(ctx context.Context, incidentID, kind, detail string) {
	ev := Event{
		EventID:    uuid.NewString(),
		IncidentID: incidentID,
		Kind:       kind,
		Detail:     detail,
		CreatedAt:  c.now().UTC(),
	}
	if err := c.store.PutIncidentEvent(ctx, ev); err != nil {
		c.logger.Error("incident event write failed", "incident_id", incidentID, "kind", kind, "error", err)
	}
}
