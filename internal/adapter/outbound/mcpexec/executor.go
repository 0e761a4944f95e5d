// Package mcpexec executes tool calls against an MCP server over the
// streamable HTTP transport. It is the optional production executor; the
// gateway treats results as opaque bytes.
package mcpexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentgate-io/agentgate/internal/port/outbound"
)

var _ outbound.Executor = (*Executor)(nil)

// Executor holds one client session to the upstream MCP server, established
// lazily on first use and re-established after a transport failure.
type Executor struct {
	mu       sync.Mutex
	endpoint string
	client   *mcp.Client
	session  *mcp.ClientSession
	logger   *slog.Logger
}

// New creates an executor for the MCP server at endpoint.
func New(endpoint string, logger *slog.Logger) *Executor {
	client := mcp.NewClient(&mcp.Implementation{
		Name:    "agentgate",
		Version: "1.0.0",
	}, nil)
	return &Executor{endpoint: endpoint, client: client, logger: logger}
}

// Execute forwards the call upstream. The brokered credential travels as a
// bearer-style argument the upstream contract defines; arguments pass through
// untouched.
func (e *Executor) Execute(ctx context.Context, toolName string, args map[string]json.RawMessage, cred outbound.Credential) (json.RawMessage, error) {
	session, err := e.ensureSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect upstream: %w", err)
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		e.dropSession()
		return nil, fmt.Errorf("call tool %s: %w", toolName, err)
	}
	if result.IsError {
		return nil, errors.New(resultText(result))
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return payload, nil
}

// Close tears down the upstream session.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Close()
	e.session = nil
	return err
}

func (e *Executor) ensureSession(ctx context.Context) (*mcp.ClientSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		return e.session, nil
	}
	session, err := e.client.Connect(ctx, &mcp.StreamableClientTransport{
		Endpoint: e.endpoint,
	}, nil)
	if err != nil {
		return nil, err
	}
	e.logger.Info("connected to upstream tool server", "endpoint", e.endpoint)
	e.session = session
	return session, nil
}

func (e *Executor) dropSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.Close()
		e.session = nil
	}
}

func resultText(result *mcp.CallToolResult) string {
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			return text.Text
		}
	}
	return "tool returned an error"
}
