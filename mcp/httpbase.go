package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mcpwire/mcpwire/oauth"
)

const (
	// headerSessionID carries the server-assigned session across requests.
	headerSessionID = "Mcp-Session-Id"
	// headerProtocolVersion advertises the negotiated protocol version on
	// every request after the handshake.
	headerProtocolVersion = "MCP-Protocol-Version"
	// headerLastEventID lets the server resume an event stream where the
	// previous one left off.
	headerLastEventID = "Last-Event-ID"

	maxHTTPBodyBytes  = 10 << 20
	maxErrorBodyBytes = 64 << 10
)

// httpCore is the request engine shared by the HTTP transports. It owns the
// POST plumbing (headers, auth, rate limiting, session propagation, status
// mapping, retries) while the concrete transport supplies the response body
// decoder.
type httpCore struct {
	name        string
	endpoint    string
	headers     map[string]string
	readTimeout time.Duration
	retry       RetryPolicy
	auth        AuthProvider
	client      *http.Client
	limiter     *rate.Limiter
	logger      *zap.Logger
	accept      string

	// decode consumes a 2xx response body and returns the result for id.
	decode func(ctx context.Context, resp *http.Response, id int64) (json.RawMessage, error)

	nextID atomic.Int64

	connectMu sync.Mutex

	mu              sync.Mutex
	state           ConnState
	closed          bool
	session         *sessionInfo
	sessionID       string
	protocolVersion string
	lastEventID     string
	handlers        []NotificationHandler
}

// newHTTPCore validates the endpoint URL and fills config defaults.
func newHTTPCore(cfg HTTPConfig) (*httpCore, error) {
	endpoint, err := joinEndpoint(cfg.BaseURL, cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name = endpoint
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	retry := RetryPolicy{MaxRetries: cfg.MaxRetries, Backoff: cfg.RetryBackoff}
	if retry.Backoff <= 0 {
		retry.Backoff = defaultRetryBackoff
	}
	client := cfg.HTTPClient
	if client == nil {
		client = defaultHTTPClient()
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &httpCore{
		name:        name,
		endpoint:    endpoint,
		headers:     cfg.Headers,
		readTimeout: cfg.ReadTimeout,
		retry:       retry,
		auth:        cfg.Auth,
		client:      client,
		limiter:     limiter,
		logger:      orNop(cfg.Logger).With(zap.String("server", name)),
		accept:      "application/json",
		state:       StateDisconnected,
	}, nil
}

// joinEndpoint resolves the RPC path against the base URL.
func joinEndpoint(baseURL, endpoint string) (string, error) {
	if baseURL == "" {
		return "", errors.New("base URL is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("base URL %q must use http or https", baseURL)
	}
	if endpoint == "" {
		endpoint = "/rpc"
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	u.Path = strings.TrimRight(u.Path, "/") + endpoint
	return u.String(), nil
}

func (c *httpCore) Name() string { return c.name }

func (c *httpCore) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *httpCore) OnNotification(h NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Connect performs the initialize handshake. HTTP transports have no
// standing connection, so this only runs the protocol negotiation.
func (c *httpCore) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &ConnectionError{Message: fmt.Sprintf("server %q is closed", c.name)}
	}
	if c.state == StateReady {
		c.mu.Unlock()
		return nil
	}
	c.state = StateInitializing
	c.sessionID = ""
	c.protocolVersion = ""
	c.mu.Unlock()

	info, err := initializeSession(ctx, c.call, c.notifyFrame, c.logger)
	if err != nil {
		c.setState(StateFailed)
		return err
	}

	c.mu.Lock()
	c.session = info
	c.protocolVersion = info.protocolVersion
	c.state = StateReady
	c.mu.Unlock()
	return nil
}

func (c *httpCore) ensureConnected(ctx context.Context) error {
	if c.State() == StateReady {
		return nil
	}
	return c.Connect(ctx)
}

// call sends one request and decodes its response, retrying transient
// failures per the retry policy. Each attempt gets the full read timeout.
func (c *httpCore) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	frame := newRequest(id, method, params)

	var result json.RawMessage
	err := withRetry(ctx, c.retry, c.logger, method, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.readTimeout)
		defer cancel()

		resp, err := c.send(attemptCtx, frame)
		if err != nil {
			return c.attemptError(ctx, id, err)
		}
		res, err := c.decode(attemptCtx, resp, id)
		if err != nil {
			return c.attemptError(ctx, id, err)
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// attemptError normalizes per-attempt failures: outer cancellation wins,
// attempt deadlines become request timeouts.
func (c *httpCore) attemptError(ctx context.Context, id int64, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutError(id, c.readTimeout)
	}
	return err
}

// notifyFrame posts a notification and discards the response body.
func (c *httpCore) notifyFrame(ctx context.Context, method string, params any) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	resp, err := c.send(attemptCtx, newNotification(method, params))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	resp.Body.Close()
	return nil
}

// send posts one frame and maps non-2xx statuses onto the error taxonomy.
// On success the caller owns the response body.
func (c *httpCore) send(ctx context.Context, frame any) (*http.Response, error) {
	body, err := json.Marshal(frame)
	if err != nil {
		return nil, &TransportError{Message: "encode frame", Err: err}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", c.accept)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	c.mu.Lock()
	sid, version, eventID := c.sessionID, c.protocolVersion, c.lastEventID
	c.mu.Unlock()
	if sid != "" {
		req.Header.Set(headerSessionID, sid)
	}
	if version != "" {
		req.Header.Set(headerProtocolVersion, version)
	}
	if eventID != "" {
		req.Header.Set(headerLastEventID, eventID)
	}

	if c.auth != nil {
		header, err := c.auth.AuthorizationHeader(ctx)
		if err != nil {
			return nil, &ConnectionError{Message: "authorization", Err: err}
		}
		if header != "" {
			req.Header.Set("Authorization", header)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Message: fmt.Sprintf("POST %s", c.endpoint), Err: err}
	}

	if sid := resp.Header.Get(headerSessionID); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return nil, mapHTTPStatus(ctx, resp, data, c.auth, c.logger)
}

// mapHTTPStatus maps an HTTP failure status to the error taxonomy. A 401 or
// 403 invalidates the cached token and carries the parsed WWW-Authenticate
// challenge so the caller can start an authorization flow.
func mapHTTPStatus(ctx context.Context, resp *http.Response, body []byte, auth AuthProvider, logger *zap.Logger) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		challenge := oauth.ParseBearerChallenge(resp.Header)
		if auth != nil {
			_ = auth.InvalidateToken(ctx)
		}
		logger.Warn("authorization rejected", zap.Int("status", resp.StatusCode))
		return &ConnectionError{
			Message:   fmt.Sprintf("Authorization failed: HTTP %d", resp.StatusCode),
			Challenge: challenge,
		}
	case resp.StatusCode == http.StatusBadRequest && isVersionRejection(body):
		return &ServerError{Message: "unsupported protocol version", Code: CodeInvalidParams, HTTPStatus: resp.StatusCode}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &ServerError{Message: fmt.Sprintf("Client error: HTTP %d", resp.StatusCode), HTTPStatus: resp.StatusCode}
	default:
		return &ServerError{Message: fmt.Sprintf("Server error: HTTP %d", resp.StatusCode), HTTPStatus: resp.StatusCode}
	}
}

// isVersionRejection sniffs a 400 body for a protocol version complaint so
// the handshake can fall back to an older version.
func isVersionRejection(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	var msg rpcMessage
	if err := json.Unmarshal(body, &msg); err == nil && msg.Error != nil {
		return strings.Contains(strings.ToLower(msg.Error.Message), "protocol version")
	}
	return strings.Contains(strings.ToLower(string(body)), "protocol version")
}

// decodeJSONBody reads a plain application/json response body and matches it
// against the request id.
func (c *httpCore) decodeJSONBody(resp *http.Response, id int64) (json.RawMessage, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBodyBytes))
	if err != nil {
		return nil, &TransportError{Message: "read response body", Err: err}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &TransportError{Message: fmt.Sprintf("empty response to request %d", id)}
	}
	var msg rpcMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, &TransportError{Message: "decode response", Err: err}
	}
	if msg.ID != id {
		return nil, &TransportError{Message: fmt.Sprintf("response id %d does not match request %d", msg.ID, id)}
	}
	return processResponse(&msg)
}

func (c *httpCore) setLastEventID(id string) {
	c.mu.Lock()
	c.lastEventID = id
	c.mu.Unlock()
}

func (c *httpCore) dispatchNotification(method string, params json.RawMessage) {
	c.mu.Lock()
	handlers := make([]NotificationHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	c.logger.Debug("notification received", zap.String("method", method))
	for _, h := range handlers {
		h(method, params)
	}
}

// Ping checks liveness with a protocol-level ping.
func (c *httpCore) Ping(ctx context.Context) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	_, err := c.call(ctx, MethodPing, struct{}{})
	return err
}

// ListTools fetches the server's full tool list, following pagination.
func (c *httpCore) ListTools(ctx context.Context) ([]Tool, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	return fetchTools(ctx, c.call, c.name)
}

// CallTool invokes a tool by name with the given arguments.
func (c *httpCore) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	return callTool(ctx, c.call, name, args)
}

// CallToolStreaming invokes a tool and returns its result as a single-chunk
// stream.
func (c *httpCore) CallToolStreaming(ctx context.Context, name string, args map[string]any) (<-chan ToolChunk, error) {
	res, err := c.CallTool(ctx, name, args)
	if err != nil {
		return nil, err
	}
	return singleChunk(res), nil
}

// Request sends a raw JSON-RPC request for methods outside the typed surface.
func (c *httpCore) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	return c.call(ctx, method, params)
}

// Notify sends a raw JSON-RPC notification.
func (c *httpCore) Notify(ctx context.Context, method string, params any) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	return c.notifyFrame(ctx, method, params)
}

// Close marks the server closed and releases idle connections. Close is
// idempotent.
func (c *httpCore) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateDisconnected
	c.mu.Unlock()

	c.client.CloseIdleConnections()
	return nil
}

func (c *httpCore) setState(st ConnState) {
	c.mu.Lock()
	if !c.closed {
		c.state = st
	}
	c.mu.Unlock()
}
