package rpc

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	MethodToolsList = "tools/list"
	MethodToolsCall = "tools/call"
)

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
}

// Tool describes one tool reported by tools/list.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

type ToolsListResult struct {
	Tools []Tool `json:"tools"`
}

type ToolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ListTools asks the worker for its tools.
func (b *Bridge) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := b.Call(ctx, MethodToolsList, map[string]any{})
	if err != nil {
		return nil, err
	}
	var res ToolsListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decoding %s result: %w", MethodToolsList, err)
	}
	return res.Tools, nil
}

// CallTool invokes a tool and returns the worker's result untouched.
func (b *Bridge) CallTool(ctx context.Context, name string, arguments map[string]any) (json.RawMessage, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	return b.Call(ctx, MethodToolsCall, ToolsCallParams{Name: name, Arguments: arguments})
}
