// Package gateway defines the tool call request and response model shared by
// the enforcement pipeline and its transports.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Request field limits.
const (
	MaxSessionIDLength = 256
	MaxToolNameLength  = 128
)

var toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Validation errors.
var (
	ErrInvalidSessionID = errors.New("invalid session_id")
	ErrInvalidToolName  = errors.New("invalid tool_name")
)

// ToolCallRequest is one intercepted tool invocation. Arguments and context
// values are opaque JSON; the pipeline never interprets arguments beyond
// hashing them.
type ToolCallRequest struct {
	SessionID     string                     `json:"session_id"`
	ToolName      string                     `json:"tool_name"`
	Arguments     map[string]json.RawMessage `json:"arguments,omitempty"`
	Context       map[string]json.RawMessage `json:"context,omitempty"`
	ApprovalToken string                     `json:"approval_token,omitempty"`
}

// ToolCallResponse is the gateway's answer. Policy denials are successful
// HTTP exchanges with Success=false; TraceID always references the appended
// trace event.
type ToolCallResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	TraceID string          `json:"trace_id"`
}

// Validate checks the identifier invariants.
func (r *ToolCallRequest) Validate() error {
	if r.SessionID == "" || len(r.SessionID) > MaxSessionIDLength {
		return ErrInvalidSessionID
	}
	if r.ToolName == "" || len(r.ToolName) > MaxToolNameLength {
		return ErrInvalidToolName
	}
	if !toolNamePattern.MatchString(r.ToolName) || strings.Contains(r.ToolName, "..") {
		return fmt.Errorf("%w: %s", ErrInvalidToolName, r.ToolName)
	}
	return nil
}

// ContextString returns the string value under key, or "".
func (r *ToolCallRequest) ContextString(key string) string {
	raw, ok := r.Context[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// ContextBool returns the boolean value under key, or false.
func (r *ToolCallRequest) ContextBool(key string) bool {
	raw, ok := r.Context[key]
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false
	}
	return b
}

// ContextStrings returns the string-list value under key, or nil.
func (r *ToolCallRequest) ContextStrings(key string) []string {
	raw, ok := r.Context[key]
	if !ok {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}
	return list
}

// SubjectID identifies the rate-limit subject: the context user_id when
// present, the session otherwise.
func (r *ToolCallRequest) SubjectID() string {
	if user := r.ContextString("user_id"); user != "" {
		return user
	}
	return r.SessionID
}
