// Package mcp implements the client side of the Model Context Protocol:
// JSON-RPC 2.0 sessions over stdio, SSE, plain HTTP, and streamable HTTP
// transports, with tool discovery and invocation on top.
package mcp

import "encoding/json"

// ProtocolVersion is the protocol revision this library speaks by default.
const ProtocolVersion = "2025-03-26"

// supportedProtocolVersions are offered during the initialize handshake,
// preferred first. When a server rejects one the handshake retries with the
// next.
var supportedProtocolVersions = []string{ProtocolVersion, "2024-11-05"}

const (
	clientName    = "mcpwire"
	clientVersion = "0.1.0"
)

// MCP method names.
const (
	MethodInitialize = "initialize"
	MethodListTools  = "tools/list"
	MethodCallTool   = "tools/call"
	MethodPing       = "ping"

	NotificationInitialized      = "notifications/initialized"
	NotificationToolsListChanged = "notifications/tools/list_changed"
)

// Implementation identifies one side of a session, from the initialize
// exchange.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Tool is one entry of a server's catalog. InputSchema is kept as raw JSON
// and passed through untouched. Server is the registry name of the owning
// server, a back-reference only; a Tool never holds the transport itself.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Server      string          `json:"-"`
}

// OpenAIFormat projects the tool into the OpenAI function-calling shape.
func (t Tool) OpenAIFormat() map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.schemaValue(),
		},
	}
}

// AnthropicFormat projects the tool into the Anthropic tool-use shape.
func (t Tool) AnthropicFormat() map[string]any {
	return map[string]any{
		"name":         t.Name,
		"description":  t.Description,
		"input_schema": t.schemaValue(),
	}
}

func (t Tool) schemaValue() any {
	if len(t.InputSchema) == 0 {
		return map[string]any{"type": "object"}
	}
	var v any
	if err := json.Unmarshal(t.InputSchema, &v); err != nil {
		return map[string]any{"type": "object"}
	}
	return v
}

// ToolResult is the result of a tools/call. Content blocks are kept as raw
// JSON so unknown block types survive the round trip.
type ToolResult struct {
	Content []json.RawMessage `json:"content"`
	IsError bool              `json:"isError,omitempty"`
}

// Text concatenates the text of every text content block, one per line.
func (r *ToolResult) Text() string {
	var out []byte
	for _, block := range r.Content {
		var tb struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(block, &tb); err != nil || tb.Type != "text" {
			continue
		}
		if len(out) > 0 {
			out = append(out, '\n')
		}
		out = append(out, tb.Text...)
	}
	return string(out)
}

// ToolChunk is one element of a streaming tool call. The sequence is finite
// and closed after the final element; transports without server-side
// streaming yield exactly one chunk.
type ToolChunk struct {
	Result *ToolResult
	Err    error
}

type initializeParamsPayload struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ServerInfo      Implementation  `json:"serverInfo"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type listToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type listToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}
