package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// rpcRequest is an outbound JSON-RPC 2.0 request or, when ID is zero, a
// notification. Ids are positive and monotonic per transport instance, so
// zero never collides with a real request.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func newRequest(id int64, method string, params any) rpcRequest {
	return rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
}

func newNotification(method string, params any) rpcRequest {
	return rpcRequest{JSONRPC: "2.0", Method: method, Params: params}
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// rpcMessage is any inbound JSON-RPC message: a response (ID with Result or
// Error), a notification (Method without ID), or a server-to-client request
// (Method with ID, which this client does not serve).
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (m *rpcMessage) isNotification() bool { return m.ID == 0 && m.Method != "" }

func (m *rpcMessage) isResponse() bool { return m.ID != 0 && m.Method == "" }

// processResponse extracts the result of a response, converting a JSON-RPC
// error object into a ServerError.
func processResponse(m *rpcMessage) (json.RawMessage, error) {
	if m.Error != nil {
		return nil, &ServerError{Message: m.Error.Message, Code: m.Error.Code}
	}
	return m.Result, nil
}

func initializeParams(protocolVersion string) initializeParamsPayload {
	return initializeParamsPayload{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      Implementation{Name: clientName, Version: clientVersion},
	}
}

// RetryPolicy bounds withRetry. MaxRetries is the number of retries after
// the first attempt; Backoff is the first sleep, doubled on each further
// attempt.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// withRetry runs fn up to policy.MaxRetries+1 times, sleeping
// Backoff * 2^(attempt-1) between attempts. Only retryable failures are
// retried; JSON-RPC server errors and authorization failures surface
// immediately. The sleep is cut short by ctx.
func withRetry(ctx context.Context, policy RetryPolicy, logger *zap.Logger, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt > policy.MaxRetries || !retryable(err) {
			return err
		}
		delay := policy.Backoff << (attempt - 1)
		logger.Debug("retrying request",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type callFunc func(ctx context.Context, method string, params any) (json.RawMessage, error)

type notifyFunc func(ctx context.Context, method string, params any) error

// sessionInfo is what a completed initialize handshake yields.
type sessionInfo struct {
	serverInfo      Implementation
	capabilities    json.RawMessage
	protocolVersion string
}

// initializeSession performs the MCP handshake: an initialize request
// followed by the notifications/initialized notification. When the server
// rejects the offered protocol version the handshake retries with each
// older supported version in turn.
func initializeSession(ctx context.Context, call callFunc, notify notifyFunc, logger *zap.Logger) (*sessionInfo, error) {
	var lastErr error
	for _, version := range supportedProtocolVersions {
		raw, err := call(ctx, MethodInitialize, initializeParams(version))
		if err != nil {
			if isProtocolVersionError(err) {
				logger.Debug("server rejected protocol version",
					zap.String("version", version), zap.Error(err))
				lastErr = err
				continue
			}
			return nil, err
		}
		var res initializeResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, &TransportError{Message: "invalid initialize result", Err: err}
		}
		negotiated := res.ProtocolVersion
		if negotiated == "" {
			negotiated = version
		}
		if err := notify(ctx, NotificationInitialized, nil); err != nil {
			return nil, err
		}
		logger.Debug("session initialized",
			zap.String("server", res.ServerInfo.Name),
			zap.String("serverVersion", res.ServerInfo.Version),
			zap.String("protocolVersion", negotiated))
		return &sessionInfo{
			serverInfo:      res.ServerInfo,
			capabilities:    res.Capabilities,
			protocolVersion: negotiated,
		}, nil
	}
	if lastErr == nil {
		lastErr = &ConnectionError{Message: "no supported protocol version"}
	}
	return nil, lastErr
}

func isProtocolVersionError(err error) bool {
	var se *ServerError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == CodeInvalidParams && strings.Contains(strings.ToLower(se.Message), "protocol version")
}

// fetchTools lists the server's full catalog, following pagination cursors,
// and stamps every tool with the owning server's name.
func fetchTools(ctx context.Context, call callFunc, server string) ([]Tool, error) {
	var tools []Tool
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = listToolsParams{Cursor: cursor}
		}
		raw, err := call(ctx, MethodListTools, params)
		if err != nil {
			return nil, err
		}
		var res listToolsResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, &TransportError{Message: "invalid tools/list result", Err: err}
		}
		for _, t := range res.Tools {
			t.Server = server
			tools = append(tools, t)
		}
		if res.NextCursor == "" {
			return tools, nil
		}
		cursor = res.NextCursor
	}
}

// callTool issues tools/call and decodes the result.
func callTool(ctx context.Context, call callFunc, name string, args map[string]any) (*ToolResult, error) {
	raw, err := call(ctx, MethodCallTool, callToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var res ToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &TransportError{Message: "invalid tools/call result", Err: err}
	}
	return &res, nil
}

// singleChunk wraps a completed tool call as a one-element stream, the
// compatibility shape for transports without server-side streaming.
func singleChunk(res *ToolResult) <-chan ToolChunk {
	ch := make(chan ToolChunk, 1)
	ch <- ToolChunk{Result: res}
	close(ch)
	return ch
}

func timeoutError(id int64, d time.Duration) *TransportError {
	return &TransportError{Message: fmt.Sprintf("Timeout waiting for response to request %d after %s", id, d)}
}
