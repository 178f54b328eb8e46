// Package fakeserver implements a scripted MCP server speaking
// newline-delimited JSON-RPC on a reader/writer pair. Tests drive the
// client against it over real pipes.
package fakeserver

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Config scripts the fake server. It must stay JSON-serializable because
// the test helper hands it to the child process through an env var.
type Config struct {
	// Tools returned by tools/list.
	Tools []Tool `json:"tools"`

	// ToolsAfterChange replaces Tools once a tools/list_changed
	// notification has been emitted.
	ToolsAfterChange []Tool `json:"toolsAfterChange,omitempty"`

	// PageSize paginates tools/list when greater than zero.
	PageSize int `json:"pageSize,omitempty"`

	// ProtocolVersion forces the version echoed by initialize. Empty
	// means the server accepts whatever the client offers.
	ProtocolVersion string `json:"protocolVersion,omitempty"`

	// RejectProtocolVersions lists offered versions initialize refuses
	// with an invalid params error.
	RejectProtocolVersions []string `json:"rejectProtocolVersions,omitempty"`

	// Delays holds per-method response delays. Keep them short.
	Delays map[string]time.Duration `json:"delays,omitempty"`

	// Errors holds per-method forced JSON-RPC errors.
	Errors map[string]RPCError `json:"errors,omitempty"`

	// FailOnAttempt fails the Nth call of a method (1-indexed) and lets
	// the other attempts through, for retry tests.
	FailOnAttempt map[string]int `json:"failOnAttempt,omitempty"`

	// Crash behavior. Only meaningful when the server runs as a child
	// process: crashing calls os.Exit.
	CrashOnMethod     string `json:"crashOnMethod,omitempty"`
	CrashOnNthRequest int    `json:"crashOnNthRequest,omitempty"`
	CrashExitCode     int    `json:"crashExitCode,omitempty"`

	// SendNotificationBeforeResponse interleaves a noise notification
	// before every response.
	SendNotificationBeforeResponse bool `json:"sendNotificationBeforeResponse,omitempty"`

	// SendMismatchedIDFirst sends a response with a bogus id before the
	// real one.
	SendMismatchedIDFirst bool `json:"sendMismatchedIdFirst,omitempty"`

	// Malformed replaces every response with invalid JSON.
	Malformed bool `json:"malformed,omitempty"`

	// EchoToolCalls makes tools/call answer with "<name>:<arguments>".
	EchoToolCalls bool `json:"echoToolCalls,omitempty"`

	// CallResults maps tool names to the text their calls return.
	CallResults map[string]string `json:"callResults,omitempty"`

	// CallErrors maps tool names to text returned as an isError result.
	CallErrors map[string]string `json:"callErrors,omitempty"`

	// ListChangedAfterCall emits notifications/tools/list_changed after
	// every successful tools/call and switches the catalog to
	// ToolsAfterChange.
	ListChangedAfterCall bool `json:"listChangedAfterCall,omitempty"`
}

// Tool is a tool definition served by tools/list.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
}

type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ServerInfo      serverInfo   `json:"serverInfo"`
	Capabilities    capabilities `json:"capabilities"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type capabilities struct {
	Tools *toolsCapability `json:"tools,omitempty"`
}

type toolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type listToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type listToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type callToolResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func textResult(text string, isError bool) callToolResult {
	return callToolResult{
		Content: []contentBlock{{Type: "text", Text: text}},
		IsError: isError,
	}
}

// writeResult writes a JSON-RPC response, preceded by any configured noise
// frames.
func writeResult(out io.Writer, id json.RawMessage, result any, cfg Config) error {
	writeNoise(out, cfg)

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return writeFrame(out, rpcResponse{JSONRPC: "2.0", ID: id, Result: resultJSON})
}

// writeError writes a JSON-RPC error response, preceded by any configured
// noise frames.
func writeError(out io.Writer, id json.RawMessage, rpcErr RPCError, cfg Config) error {
	writeNoise(out, cfg)
	return writeFrame(out, rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcErr})
}

// writeNotification emits a server-initiated notification frame.
func writeNotification(out io.Writer, method string, params any) error {
	return writeFrame(out, rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
}

func writeNoise(out io.Writer, cfg Config) {
	if cfg.SendNotificationBeforeResponse {
		_ = writeFrame(out, rpcNotification{JSONRPC: "2.0", Method: "test/noise"})
	}
	if cfg.SendMismatchedIDFirst {
		_ = writeFrame(out, rpcResponse{JSONRPC: "2.0", ID: json.RawMessage(`99999`), Result: json.RawMessage(`{}`)})
	}
}

func writeFrame(out io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
