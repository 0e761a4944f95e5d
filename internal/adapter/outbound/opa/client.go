// Package opa is the remote policy engine client. It is strictly fail-closed:
// any transport, status, decoding, or shape error yields DENY.
package opa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agentgate-io/agentgate/internal/domain/policy"
)

var _ policy.Client = (*Client)(nil)

// evaluateTimeout bounds every policy engine round trip.
const evaluateTimeout = 5 * time.Second

// ReasonUnavailable is the decision reason when the engine cannot be reached
// or answers with anything but a well-formed decision.
const ReasonUnavailable = "opa_unavailable"

// maxResponseBytes caps the decision body we are willing to decode.
const maxResponseBytes = 1 << 20

// Client posts evaluation inputs to a policy engine's data API. The local
// evaluator handles tool listing; live decisions only come from here.
type Client struct {
	baseURL string
	local   *policy.LocalEvaluator
	httpc   *http.Client
	logger  *slog.Logger
}

// New creates a client for the engine at baseURL. local backs AllowedTools,
// which is advisory and never gates a call.
func New(baseURL string, local *policy.LocalEvaluator, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		local:   local,
		httpc:   &http.Client{Timeout: evaluateTimeout},
		logger:  logger,
	}
}

type evaluateRequest struct {
	Input policy.EvaluationInput `json:"input"`
}

type evaluateResponse struct {
	Result *policy.Decision `json:"result"`
}

// Evaluate posts the input and returns the engine's decision. Every failure
// mode returns DENY with reason opa_unavailable.
func (c *Client) Evaluate(ctx context.Context, input policy.EvaluationInput) policy.Decision {
	body, err := json.Marshal(evaluateRequest{Input: input})
	if err != nil {
		return c.unavailable("encode evaluation input", err)
	}

	ctx, cancel := context.WithTimeout(ctx, evaluateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/data/agentgate/decision", bytes.NewReader(body))
	if err != nil {
		return c.unavailable("build evaluation request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return c.unavailable("policy engine round trip", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.unavailable("policy engine status",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var decoded evaluateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&decoded); err != nil {
		return c.unavailable("decode policy decision", err)
	}
	if decoded.Result == nil || !validAction(decoded.Result.Action) {
		return c.unavailable("policy decision shape",
			fmt.Errorf("missing or malformed result"))
	}

	d := *decoded.Result
	if d.CredentialTTLSeconds <= 0 {
		d.CredentialTTLSeconds = policy.DefaultCredentialTTLSeconds
	}
	return d
}

// AllowedTools lists tools via the local evaluator; the listing is advisory.
func (c *Client) AllowedTools(ctx context.Context, sessionID string) []string {
	return c.local.AllowedTools(ctx, sessionID)
}

// Healthy probes the engine's health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, evaluateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

func (c *Client) unavailable(stage string, err error) policy.Decision {
	c.logger.Warn("policy engine unavailable, failing closed", "stage", stage, "error", err)
	return policy.Deny(ReasonUnavailable)
}

func validAction(a policy.Action) bool {
	switch a {
	case policy.ActionAllow, policy.ActionDeny, policy.ActionRequireApproval:
		return true
	}
	return false
}
