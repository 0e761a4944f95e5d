// Package service contains the enforcement pipeline orchestrator.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/agentgate-io/agentgate/internal/ctxkey"
	"github.com/agentgate-io/agentgate/internal/domain/gateway"
	"github.com/agentgate-io/agentgate/internal/domain/incident"
	"github.com/agentgate-io/agentgate/internal/domain/killswitch"
	"github.com/agentgate-io/agentgate/internal/domain/policy"
	"github.com/agentgate-io/agentgate/internal/domain/ratelimit"
	"github.com/agentgate-io/agentgate/internal/domain/taint"
	"github.com/agentgate-io/agentgate/internal/domain/trace"
	"github.com/agentgate-io/agentgate/internal/port/outbound"
)

// TokenValidator verifies workflow approval tokens against a request.
type TokenValidator interface {
	ValidToken(token, sessionID, toolName string) bool
}

// GatewayService runs the enforcement pipeline. It is the only writer of
// trace events: every call, whichever stage terminates it, appends exactly
// one event whose ID is the returned trace_id.
type GatewayService struct {
	policy        policy.Client
	exceptions    *policy.ExceptionManager
	killer        *killswitch.Switch
	limiter       *ratelimit.Limiter
	taints        *taint.Tracker
	coordinator   *incident.Coordinator
	workflows     TokenValidator
	broker        outbound.CredentialBroker
	executor      outbound.Executor
	traces        trace.Store
	policyVersion func() string

	metrics *Metrics
	tracer  oteltrace.Tracer // nil when tracing is disabled
	logger  *slog.Logger
	now     func() time.Time
}

// GatewayParams wires the pipeline dependencies.
type GatewayParams struct {
	Policy        policy.Client
	Exceptions    *policy.ExceptionManager
	KillSwitch    *killswitch.Switch
	RateLimiter   *ratelimit.Limiter
	Taints        *taint.Tracker
	Coordinator   *incident.Coordinator
	Workflows     TokenValidator
	Broker        outbound.CredentialBroker
	Executor      outbound.Executor
	Traces        trace.Store
	PolicyVersion func() string
	Metrics       *Metrics
	Tracer        oteltrace.Tracer
	Logger        *slog.Logger
}

// NewGatewayService creates the orchestrator.
func NewGatewayService(p GatewayParams) *GatewayService {
	version := p.PolicyVersion
	if version == nil {
		version = func() string { return "" }
	}
	return &GatewayService{
		policy:        p.Policy,
		exceptions:    p.Exceptions,
		killer:        p.KillSwitch,
		limiter:       p.RateLimiter,
		taints:        p.Taints,
		coordinator:   p.Coordinator,
		workflows:     p.Workflows,
		broker:        p.Broker,
		executor:      p.Executor,
		traces:        p.Traces,
		policyVersion: version,
		metrics:       p.Metrics,
		tracer:        p.Tracer,
		logger:        p.Logger,
		now:           time.Now,
	}
}

// call carries the per-request state threaded through the stages.
type call struct {
	req      *gateway.ToolCallRequest
	event    trace.Event
	decision policy.Decision
	result   []byte
	errMsg   string
	success  bool
}

// CallTool runs the pipeline for one request.
func (g *GatewayService) CallTool(ctx context.Context, req *gateway.ToolCallRequest) gateway.ToolCallResponse {
	start := g.now()
	logger := g.loggerFrom(ctx)

	if g.tracer != nil {
		var span oteltrace.Span
		ctx, span = g.tracer.Start(ctx, "gateway.call_tool",
			oteltrace.WithAttributes(
				attribute.String("tool.name", req.ToolName),
				attribute.String("session.id", req.SessionID),
			))
		defer span.End()
	}

	c := &call{
		req: req,
		event: trace.Event{
			EventID:              uuid.NewString(),
			Timestamp:            start.UTC(),
			SessionID:            req.SessionID,
			UserID:               req.ContextString("user_id"),
			AgentID:              req.ContextString("agent_id"),
			ToolName:             req.ToolName,
			ArgumentsHash:        gateway.HashArguments(req.Arguments),
			PolicyVersion:        g.policyVersion(),
			ApprovalTokenPresent: req.ApprovalToken != "",
		},
	}

	g.runStages(ctx, c, logger)

	// Observe before trace so the coordinator's quarantine side effects land
	// ahead of the response, then append the single trace event.
	g.coordinator.Observe(ctx, req.SessionID, req.ToolName, c.decision.Action, c.errMsg)
	g.finalizeEvent(c)
	if err := g.traces.Append(ctx, c.event); err != nil {
		g.metrics.TraceAppendErrors.Inc()
		logger.Error("trace append failed", "event_id", c.event.EventID, "error", err)
		c.success = false
		c.errMsg = "Tool execution failed: trace not persisted"
	}

	g.metrics.CallsTotal.WithLabelValues(string(c.decision.Action), fmt.Sprintf("%t", c.event.Executed)).Inc()
	g.metrics.CallDuration.WithLabelValues(string(c.decision.Action)).Observe(g.now().Sub(start).Seconds())
	g.metrics.RateLimitKeys.Set(float64(g.limiter.Size()))

	return gateway.ToolCallResponse{
		Success: c.success,
		Result:  c.result,
		Error:   c.errMsg,
		TraceID: c.event.EventID,
	}
}

// runStages executes validation through execution, filling c.decision and the
// outcome fields. Each stage short-circuits by returning.
func (g *GatewayService) runStages(ctx context.Context, c *call, logger *slog.Logger) {
	req := c.req

	// 1. Validation.
	if err := req.Validate(); err != nil {
		g.deny(c, "invalid_tool_name", "Policy denied: Invalid tool name")
		return
	}

	// 2. Kill switch, fail-closed on KV trouble.
	status, err := g.killer.Check(ctx, req.ToolName, req.SessionID)
	if err != nil {
		logger.Error("kill switch lookup failed, failing closed", "error", err)
		g.metrics.KillSwitchHits.WithLabelValues("unavailable").Inc()
		g.deny(c, "kill_switch", "Policy denied: Kill switch: Kill switch unavailable")
		return
	}
	if status.Blocked {
		g.metrics.KillSwitchHits.WithLabelValues(status.Scope).Inc()
		g.deny(c, "kill_switch", "Policy denied: Kill switch: "+status.Reason)
		return
	}

	// 3. Quarantine.
	if g.coordinator.IsQuarantined(req.SessionID) {
		g.deny(c, "quarantine", "Policy denied: Session quarantined")
		return
	}

	// 4. Rate limit.
	if !g.limiter.Allow(req.SubjectID(), req.ToolName) {
		g.deny(c, "rate_limit", "Policy denied: Rate limit exceeded")
		return
	}

	// Merge taint labels before any allow can execute; a failed write is
	// logged but does not abort the call.
	if err := g.taints.ObserveContext(ctx, req); err != nil {
		logger.Warn("taint label update failed", "session_id", req.SessionID, "error", err)
	}

	// 5. Policy, with the exception registry consulted first.
	if exc := g.exceptions.Match(ctx, req.ToolName, req.SessionID, req.ContextString("tenant_id"), req.Context); exc != nil {
		c.decision = policy.Decision{
			Action:               policy.ActionAllow,
			Reason:               exc.Reason,
			MatchedRule:          "policy_exception",
			AllowedScope:         "read",
			CredentialTTLSeconds: policy.DefaultCredentialTTLSeconds,
		}
	} else {
		c.decision = g.policy.Evaluate(ctx, policy.EvaluationInput{
			ToolName:         req.ToolName,
			Arguments:        req.Arguments,
			SessionID:        req.SessionID,
			Context:          req.Context,
			HasApprovalToken: req.ApprovalToken != "",
			ApprovalToken:    req.ApprovalToken,
		})
	}
	g.metrics.PolicyEvaluations.WithLabelValues(string(c.decision.Action)).Inc()

	// 6. Taint / DLP guard overrides any verdict.
	blockReason, err := g.taints.BlockReason(ctx, req.SessionID, req.ToolName)
	if err != nil {
		logger.Warn("taint lookup failed", "session_id", req.SessionID, "error", err)
	}
	if blockReason != "" {
		c.decision = policy.Deny("dlp_taint")
		c.errMsg = "Policy denied: " + blockReason
		return
	}

	// 7. Approval. A workflow token can satisfy a remote REQUIRE_APPROVAL
	// verdict; otherwise the call does not execute.
	if c.decision.Action == policy.ActionRequireApproval {
		if g.workflows != nil && g.workflows.ValidToken(req.ApprovalToken, req.SessionID, req.ToolName) {
			c.decision.Action = policy.ActionAllow
			c.decision.MatchedRule = "write_with_approval"
			c.decision.AllowedScope = "write"
		} else {
			reason := c.decision.Reason
			if reason == "" {
				reason = "write action requires approval"
			}
			c.errMsg = "Approval required: " + reason
			return
		}
	}
	if c.decision.Action == policy.ActionDeny {
		g.denyMessage(c)
		return
	}

	// 8. Credential brokering + execution.
	g.execute(ctx, c, logger)
}

// execute broker-issues a credential and runs the tool, measuring wall-clock
// duration across the execute call.
func (g *GatewayService) execute(ctx context.Context, c *call, logger *slog.Logger) {
	req := c.req
	ttl := time.Duration(c.decision.CredentialTTLSeconds) * time.Second
	cred, err := g.broker.Issue(ctx, req.SessionID, c.decision.AllowedScope, ttl)
	if err != nil {
		logger.Error("credential issue failed", "session_id", req.SessionID, "error", err)
		c.errMsg = fmt.Sprintf("Tool execution failed: credential broker: %v", err)
		return
	}

	execStart := g.now()
	result, err := g.executor.Execute(ctx, req.ToolName, req.Arguments, cred)
	elapsed := g.now().Sub(execStart).Milliseconds()
	c.event.DurationMS = &elapsed

	if err != nil {
		logger.Warn("tool execution failed", "tool", req.ToolName, "error", err)
		c.errMsg = fmt.Sprintf("Tool execution failed: %v", err)
		return
	}
	c.event.Executed = true
	c.result = result
	c.success = true
}

// deny records a denial decision with its user-visible message.
func (g *GatewayService) deny(c *call, reason, message string) {
	c.decision = policy.Deny(reason)
	c.errMsg = message
}

// denyMessage renders the user-visible message for an evaluator denial.
func (g *GatewayService) denyMessage(c *call) {
	switch c.decision.Reason {
	case "opa_unavailable":
		c.errMsg = "Policy denied: Policy engine unavailable"
	default:
		c.errMsg = "Policy denied: " + c.decision.Reason
	}
}

// finalizeEvent copies the verdict into the trace event.
func (g *GatewayService) finalizeEvent(c *call) {
	c.event.PolicyDecision = string(c.decision.Action)
	c.event.PolicyReason = c.decision.Reason
	c.event.MatchedRule = c.decision.MatchedRule
	c.event.IsWriteAction = c.decision.IsWriteAction
	c.event.Error = c.errMsg
}

// AllowedTools lists the tools a session may call without approval.
func (g *GatewayService) AllowedTools(ctx context.Context, sessionID string) []string {
	return g.policy.AllowedTools(ctx, sessionID)
}

// RateLimitStatus exposes limiter state for response headers.
func (g *GatewayService) RateLimitStatus(subjectID, toolName string) ratelimit.Status {
	return g.limiter.GetStatus(subjectID, toolName)
}

// loggerFrom retrieves the correlation-enriched logger from context.
func (g *GatewayService) loggerFrom(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return g.logger
}
