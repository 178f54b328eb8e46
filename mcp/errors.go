package mcp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/mcpwire/mcpwire/oauth"
)

// JSON-RPC error codes used across transports.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Error is the root of the failure taxonomy. Every error kind produced by
// this module implements it, so callers can match the whole family with
//
//	var me mcp.Error
//	if errors.As(err, &me) { ... }
//
// or a specific kind with errors.As on the concrete pointer type.
type Error interface {
	error
	mcpError()
}

// ToolNotFoundError reports that no registered server exposes the tool.
type ToolNotFoundError struct {
	Tool string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found on any server", e.Tool)
}

func (e *ToolNotFoundError) mcpError() {}

// AmbiguousToolError reports that a bare tool name is exposed by more than
// one server and the caller must pick one.
type AmbiguousToolError struct {
	Tool    string
	Servers []string
}

func (e *AmbiguousToolError) Error() string {
	return fmt.Sprintf("tool %q is provided by multiple servers (%s); specify a server name",
		e.Tool, strings.Join(e.Servers, ", "))
}

func (e *AmbiguousToolError) mcpError() {}

// ServerNotFoundError reports that a named server is absent from the registry.
type ServerNotFoundError struct {
	Server string
}

func (e *ServerNotFoundError) Error() string {
	return fmt.Sprintf("server %q not found", e.Server)
}

func (e *ServerNotFoundError) mcpError() {}

// ToolCallError wraps a failure during a tool call that is not otherwise
// classified.
type ToolCallError struct {
	Tool   string
	Server string
	Err    error
}

func (e *ToolCallError) Error() string {
	return fmt.Sprintf("call tool %q on server %q: %v", e.Tool, e.Server, e.Err)
}

func (e *ToolCallError) Unwrap() error { return e.Err }

func (e *ToolCallError) mcpError() {}

// ConnectionError reports transport-level loss, an authorization failure, or
// the inability to establish a session. Authorization failures carry the
// parsed WWW-Authenticate challenge when the server supplied one, so the
// embedder can start an OAuth flow against the advertised resource metadata.
type ConnectionError struct {
	Message   string
	Err       error
	Challenge *oauth.BearerChallenge
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) mcpError() {}

// ServerError reports a JSON-RPC error object returned by the peer, or an
// HTTP status outside the 2xx range that is not an authorization failure.
// Code is the JSON-RPC error code when the failure came off the wire as an
// error object; HTTPStatus is set when it came from an HTTP status line.
type ServerError struct {
	Message    string
	Code       int
	HTTPStatus int
}

func (e *ServerError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
	}
	return e.Message
}

func (e *ServerError) mcpError() {}

// TransportError reports malformed framing, a JSON parse failure, or a
// timeout waiting for a response.
type TransportError struct {
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) mcpError() {}

// retryable reports whether an error is worth retrying: transport faults,
// reset or prematurely closed connections, timeouts, and HTTP 5xx. JSON-RPC
// server errors and authorization failures are permanent.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var se *ServerError
	if errors.As(err, &se) {
		return se.HTTPStatus >= 500
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
