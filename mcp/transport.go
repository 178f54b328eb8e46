package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ConnState is the lifecycle state of a server connection.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateInitializing
	StateReady
	StateFailed
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// NotificationHandler receives a server-originated notification. Handlers
// run serially on the transport's reader goroutine and must not block for
// long or call back into the transport.
type NotificationHandler func(method string, params json.RawMessage)

// AuthProvider supplies Authorization header values for HTTP-family
// transports. AuthorizationHeader is called before every request so the
// provider can refresh a token that is about to expire; InvalidateToken is
// called after an HTTP 401/403 so a stale token is not reused.
// *oauth.Provider implements it.
type AuthProvider interface {
	AuthorizationHeader(ctx context.Context) (string, error)
	InvalidateToken(ctx context.Context) error
}

// Server is a connection to one MCP server. Implementations connect
// lazily: any RPC establishes the transport and runs the initialize
// handshake first if needed.
type Server interface {
	// Name identifies the server in logs, Tool back-references, and errors.
	Name() string
	// Connect establishes the transport and performs the initialize
	// handshake. It is idempotent while the session stays healthy.
	Connect(ctx context.Context) error
	// Ping issues an MCP ping and waits for the empty response.
	Ping(ctx context.Context) error
	// ListTools fetches the server's tool catalog.
	ListTools(ctx context.Context) ([]Tool, error)
	// CallTool invokes one tool by its server-local name.
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)
	// CallToolStreaming invokes a tool and yields result chunks. The
	// sequence is finite; transports without server-side streaming yield
	// exactly one chunk.
	CallToolStreaming(ctx context.Context, name string, args map[string]any) (<-chan ToolChunk, error)
	// Request sends an arbitrary request on the initialized session and
	// returns the raw result.
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
	// Notify sends a notification; it does not wait for any response.
	Notify(ctx context.Context, method string, params any) error
	// OnNotification registers a handler for server-originated
	// notifications.
	OnNotification(h NotificationHandler)
	// State reports the connection lifecycle state.
	State() ConnState
	// Close tears the connection down and releases the process or stream.
	// It is idempotent; pending waiters fail promptly.
	Close() error
}

// StdioConfig configures a child-process transport.
type StdioConfig struct {
	// Name labels the server; defaults to the command basename.
	Name string
	// Command is the argv to spawn. No shell is involved.
	Command []string
	// Env entries are merged over the parent environment.
	Env map[string]string
	// ReadTimeout bounds each wait for a response. Zero means 30s.
	ReadTimeout time.Duration
	Logger      *zap.Logger
}

// HTTPConfig configures the plain HTTP and streamable HTTP transports.
type HTTPConfig struct {
	Name string
	// BaseURL is the server root; Endpoint (default "/rpc") is resolved
	// against it.
	BaseURL  string
	Endpoint string
	// Headers are applied to every request. Content-Type and Accept are
	// always overridden.
	Headers     map[string]string
	ReadTimeout time.Duration
	// MaxRetries and RetryBackoff drive retry of transport-level failures.
	MaxRetries   int
	RetryBackoff time.Duration
	Auth         AuthProvider
	HTTPClient   *http.Client
	// RateLimit caps outbound requests per second when positive;
	// RateBurst defaults to 1.
	RateLimit float64
	RateBurst int
	Logger    *zap.Logger
}

// SSEConfig configures the SSE transport.
type SSEConfig struct {
	Name string
	// BaseURL is the URL of the long-lived event stream.
	BaseURL     string
	Headers     map[string]string
	ReadTimeout time.Duration
	// PingInterval is the silence threshold after which the liveness
	// monitor pings the server. Zero means 10s; negative disables the
	// monitor.
	PingInterval time.Duration
	// MaxRetries and RetryBackoff drive retry of transport-level request
	// failures and bound the automatic stream reconnect loop; RetryBackoff
	// seeds its exponential backoff.
	MaxRetries   int
	RetryBackoff time.Duration
	Auth         AuthProvider
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

const (
	defaultReadTimeout    = 30 * time.Second
	defaultSSEReadTimeout = 30 * time.Second
	defaultPingInterval   = 10 * time.Second
	defaultRetryBackoff   = time.Second
	defaultHTTPRetries    = 3
)

// defaultHTTPClient returns a client suitable for request/response use:
// no overall timeout (per-request contexts bound each call), but a bounded
// wait for response headers.
func defaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
}

// streamHTTPClient returns a client for long-lived SSE streams: any
// client-level timeout would sever the stream mid-flight, so only the
// header wait is bounded.
func streamHTTPClient(base *http.Client) *http.Client {
	if base == nil {
		return defaultHTTPClient()
	}
	clone := *base
	clone.Timeout = 0
	return &clone
}

func orNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
