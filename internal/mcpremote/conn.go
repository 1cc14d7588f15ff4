// Package mcpremote manages external tool servers over three transports:
// a long-running child process speaking line-delimited JSON-RPC on stdio,
// the same protocol inside a container, and HTTP with an optional SSE
// notification stream.
//
// The manager exclusively owns every connection; callers go through
// ListTools and Invoke and never hold transport references.
package mcpremote

import (
	"context"

	"github.com/modelrelay/relay/pkg/models"
)

// conn is one live connection to a tool server.
type conn interface {
	// initialize performs the protocol handshake.
	initialize(ctx context.Context) error

	// listTools enumerates the server's tools.
	listTools(ctx context.Context) ([]models.RemoteTool, error)

	// callTool invokes one tool.
	callTool(ctx context.Context, name string, args map[string]any) (*models.ToolResult, error)

	// close tears the connection down. Safe to call more than once.
	close() error
}

const protocolVersion = "2025-03-26"

// initializeParams is the handshake payload sent to every server.
type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      map[string]any `json:"clientInfo"`
}

func handshakeParams() initializeParams {
	return initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      map[string]any{"name": "relay-gateway", "version": "1.0"},
	}
}

// toolsListResult is the wire shape of a tools/list response.
type toolsListResult struct {
	Tools []models.MCPToolInfo `json:"tools"`
}
