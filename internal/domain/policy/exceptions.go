package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
)

// CEL safety limits for exception conditions.
const (
	maxConditionLength = 1024
	maxNestingDepth    = 50
	maxCostBudget      = 100_000
)

// ErrExceptionScope is returned when an exception names neither a session nor
// a tenant.
var ErrExceptionScope = errors.New("exception requires session_id or tenant_id")

// ErrExceptionNotFound is returned when an exception ID is unknown.
var ErrExceptionNotFound = errors.New("exception not found")

// ExceptionStore persists exceptions so the registry survives restart.
type ExceptionStore interface {
	PutException(ctx context.Context, e Exception) error
	ListExceptions(ctx context.Context) ([]Exception, error)
}

// ExceptionManager is the in-memory registry of time-bound policy overrides.
// A single mutex guards the map; critical sections never perform I/O beyond
// the store writes that mirror mutations.
type ExceptionManager struct {
	mu       sync.Mutex
	byID     map[string]Exception
	store    ExceptionStore
	env      *cel.Env
	programs map[uint64]cel.Program
	logger   *slog.Logger
	now      func() time.Time
}

// NewExceptionManager creates a registry backed by the given store. store may
// be nil for a purely in-memory registry (tests).
func NewExceptionManager(store ExceptionStore, logger *slog.Logger) (*ExceptionManager, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool_name", cel.StringType),
		cel.Variable("session_id", cel.StringType),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create exception CEL environment: %w", err)
	}

	return &ExceptionManager{
		byID:     make(map[string]Exception),
		store:    store,
		env:      env,
		programs: make(map[uint64]cel.Program),
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Bootstrap loads persisted exceptions into the registry.
func (m *ExceptionManager) Bootstrap(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	persisted, err := m.store.ListExceptions(ctx)
	if err != nil {
		return fmt.Errorf("load exceptions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range persisted {
		m.byID[e.ExceptionID] = e
	}
	return nil
}

// Create validates, compiles any condition, assigns an ID, and registers the
// exception.
func (m *ExceptionManager) Create(ctx context.Context, e Exception) (Exception, error) {
	if e.SessionID == "" && e.TenantID == "" {
		return Exception{}, ErrExceptionScope
	}
	if e.Condition != "" {
		if err := m.validateCondition(e.Condition); err != nil {
			return Exception{}, err
		}
	}

	e.ExceptionID = uuid.NewString()
	e.CreatedAt = m.now().UTC()
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = e.CreatedAt.Add(1 * time.Hour)
	}

	m.mu.Lock()
	m.byID[e.ExceptionID] = e
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.PutException(ctx, e); err != nil {
			return Exception{}, fmt.Errorf("persist exception: %w", err)
		}
	}
	return e, nil
}

// Revoke marks the exception revoked by the given operator.
func (m *ExceptionManager) Revoke(ctx context.Context, exceptionID, revokedBy string) error {
	m.mu.Lock()
	e, ok := m.byID[exceptionID]
	if !ok {
		m.mu.Unlock()
		return ErrExceptionNotFound
	}
	now := m.now().UTC()
	e.RevokedBy = revokedBy
	e.RevokedAt = &now
	m.byID[exceptionID] = e
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.PutException(ctx, e); err != nil {
			return fmt.Errorf("persist exception revocation: %w", err)
		}
	}
	return nil
}

// List returns all exceptions, newest first, after sweeping expiries.
func (m *ExceptionManager) List(ctx context.Context) []Exception {
	m.sweepExpired(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Exception, 0, len(m.byID))
	for _, e := range m.byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Match returns the most recent active exception covering the request, or nil.
// A request matches at most one exception. Conditions that fail to evaluate
// count as non-matching.
func (m *ExceptionManager) Match(ctx context.Context, toolName, sessionID, tenantID string, reqContext map[string]json.RawMessage) *Exception {
	m.sweepExpired(ctx)

	m.mu.Lock()
	candidates := make([]Exception, 0, 4)
	now := m.now().UTC()
	for _, e := range m.byID {
		if !e.Active(now) || e.ToolName != toolName {
			continue
		}
		if e.SessionID != "" && e.SessionID != sessionID {
			continue
		}
		if e.TenantID != "" && e.TenantID != tenantID {
			continue
		}
		candidates = append(candidates, e)
	}
	m.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.After(candidates[j].CreatedAt) })

	for i := range candidates {
		e := candidates[i]
		if e.Condition == "" {
			return &e
		}
		ok, err := m.evalCondition(ctx, e.Condition, toolName, sessionID, reqContext)
		if err != nil {
			m.logger.Warn("exception condition evaluation failed",
				"exception_id", e.ExceptionID, "error", err)
			continue
		}
		if ok {
			return &e
		}
	}
	return nil
}

// sweepExpired revokes exceptions whose expiry has passed. Runs on every list
// or match operation.
func (m *ExceptionManager) sweepExpired(ctx context.Context) {
	now := m.now().UTC()

	m.mu.Lock()
	var expired []Exception
	for id, e := range m.byID {
		if e.RevokedBy == "" && !now.Before(e.ExpiresAt) {
			e.RevokedBy = AutoExpiredRevoker
			t := now
			e.RevokedAt = &t
			m.byID[id] = e
			expired = append(expired, e)
		}
	}
	m.mu.Unlock()

	if m.store == nil {
		return
	}
	for _, e := range expired {
		if err := m.store.PutException(ctx, e); err != nil {
			m.logger.Warn("persist auto-expired exception failed",
				"exception_id", e.ExceptionID, "error", err)
		}
	}
}

// validateCondition enforces length and nesting limits, then compiles.
func (m *ExceptionManager) validateCondition(expr string) error {
	if len(expr) > maxConditionLength {
		return fmt.Errorf("condition too long: %d characters (max %d)", len(expr), maxConditionLength)
	}
	var depth, deepest int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > deepest {
				deepest = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if deepest > maxNestingDepth {
		return fmt.Errorf("condition nesting too deep: %d levels (max %d)", deepest, maxNestingDepth)
	}
	_, err := m.compile(expr)
	return err
}

// compile returns a cached program for the expression, compiling on miss.
// Cache keys are xxhash digests of the expression text.
func (m *ExceptionManager) compile(expr string) (cel.Program, error) {
	key := xxhash.Sum64String(expr)

	m.mu.Lock()
	prg, ok := m.programs[key]
	m.mu.Unlock()
	if ok {
		return prg, nil
	}

	ast, issues := m.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile condition: %w", issues.Err())
	}
	prg, err := m.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
	)
	if err != nil {
		return nil, fmt.Errorf("build condition program: %w", err)
	}

	m.mu.Lock()
	m.programs[key] = prg
	m.mu.Unlock()
	return prg, nil
}

// evalCondition evaluates a CEL condition against the request context.
func (m *ExceptionManager) evalCondition(ctx context.Context, expr, toolName, sessionID string, reqContext map[string]json.RawMessage) (bool, error) {
	prg, err := m.compile(expr)
	if err != nil {
		return false, err
	}

	vars := map[string]any{
		"tool_name":  toolName,
		"session_id": sessionID,
		"context":    decodeContext(reqContext),
	}
	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition returned %T, want bool", out.Value())
	}
	return result, nil
}

// decodeContext converts raw JSON context values into plain Go values for CEL.
// Undecodable values are passed through as strings.
func decodeContext(raw map[string]json.RawMessage) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			out[k] = string(v)
			continue
		}
		out[k] = normalizeForCEL(decoded)
	}
	return out
}

// normalizeForCEL converts json.Number-free decoded values into CEL-friendly
// types. Stdlib decoding yields float64 for numbers, which CEL accepts.
func normalizeForCEL(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(string(t), 10, 64); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	default:
		return v
	}
}
