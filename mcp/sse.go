package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mcpwire/mcpwire/oauth"
)

const (
	// maxPingFailures is how many consecutive ping failures the monitor
	// tolerates before it drops the stream and forces a reconnect.
	maxPingFailures = 3
	// maxReconnectDelay caps the exponential reconnect backoff.
	maxReconnectDelay = 30 * time.Second
)

// SSEServer implements the dual-channel HTTP+SSE transport: a long-lived GET
// stream carries server events while requests go out as POSTs to the
// endpoint the server announces in its first stream event. Responses arrive
// either synchronously on the POST or asynchronously on the stream, matched
// by request id.
//
// If the stream drops while ready the transport redials with exponential
// backoff, up to the configured retry budget; once the budget is spent the
// next request reconnects lazily. Redials present the last seen event id as
// Last-Event-ID so the server can resume delivery. A 401 on the stream
// latches an auth error instead: reconnecting with the same credentials
// would only fail again, so the caller must complete an authorization flow
// and call ClearAuthError first.
type SSEServer struct {
	name         string
	sseURL       string
	headers      map[string]string
	readTimeout  time.Duration
	pingInterval time.Duration
	retry        RetryPolicy
	auth         AuthProvider
	client       *http.Client
	streamClient *http.Client
	logger       *zap.Logger

	nextID atomic.Int64

	rootCtx    context.Context
	cancelRoot context.CancelFunc

	connectMu sync.Mutex

	mu           sync.Mutex
	state        ConnState
	closed       bool
	endpointURL  string
	session      *sessionInfo
	pending      map[int64]chan *rpcMessage
	handlers     []NotificationHandler
	authErr      *ConnectionError
	connDone     chan struct{} // closed when the current stream epoch ends
	lastActivity time.Time
	lastEventID  string
}

// NewSSEServer builds an SSE-backed server from cfg. The stream is not
// opened until Connect (or the first request) runs.
func NewSSEServer(cfg SSEConfig) (*SSEServer, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL %q: %w", cfg.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL %q must use http or https", cfg.BaseURL)
	}

	name := cfg.Name
	if name == "" {
		name = cfg.BaseURL
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultSSEReadTimeout
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	retry := RetryPolicy{MaxRetries: cfg.MaxRetries, Backoff: cfg.RetryBackoff}
	if retry.Backoff <= 0 {
		retry.Backoff = defaultRetryBackoff
	}
	client := cfg.HTTPClient
	if client == nil {
		client = defaultHTTPClient()
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	return &SSEServer{
		name:         name,
		sseURL:       cfg.BaseURL,
		headers:      cfg.Headers,
		readTimeout:  cfg.ReadTimeout,
		pingInterval: cfg.PingInterval,
		retry:        retry,
		auth:         cfg.Auth,
		client:       client,
		streamClient: streamHTTPClient(client),
		logger:       orNop(cfg.Logger).With(zap.String("server", name)),
		rootCtx:      rootCtx,
		cancelRoot:   cancel,
		state:        StateDisconnected,
		pending:      make(map[int64]chan *rpcMessage),
	}, nil
}

// Name returns the configured server name.
func (s *SSEServer) Name() string { return s.name }

// State reports the current connection state.
func (s *SSEServer) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnNotification registers a handler for server-initiated notifications.
func (s *SSEServer) OnNotification(h NotificationHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// AuthError returns the latched stream authorization failure, if any.
func (s *SSEServer) AuthError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authErr == nil {
		return nil
	}
	return s.authErr
}

// ClearAuthError unlatches a stream authorization failure so the next
// Connect can try again, typically after a completed authorization flow.
func (s *SSEServer) ClearAuthError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authErr = nil
	if s.state == StateFailed {
		s.state = StateDisconnected
	}
}

// Connect opens the event stream, waits for the endpoint announcement and
// performs the initialize handshake. It is idempotent once the session is
// ready.
func (s *SSEServer) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &ConnectionError{Message: fmt.Sprintf("server %q is closed", s.name)}
	}
	if s.authErr != nil {
		err := s.authErr
		s.mu.Unlock()
		return err
	}
	if s.state == StateReady {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.connect(ctx)
}

// connect runs one full connection attempt. The caller must hold connectMu.
func (s *SSEServer) connect(ctx context.Context) error {
	s.setState(StateConnecting)

	resp, err := s.dialStream(ctx)
	if err != nil {
		s.setState(StateFailed)
		return err
	}

	connDone := make(chan struct{})
	endpointCh := make(chan string, 1)

	s.mu.Lock()
	s.pending = make(map[int64]chan *rpcMessage)
	s.connDone = connDone
	s.lastActivity = time.Now()
	s.mu.Unlock()

	go s.readStream(resp.Body, connDone, endpointCh)

	select {
	case raw := <-endpointCh:
		endpoint, err := s.resolveEndpoint(raw)
		if err != nil {
			s.dropEpoch(resp.Body, connDone)
			s.setState(StateFailed)
			return err
		}
		s.mu.Lock()
		s.endpointURL = endpoint
		s.mu.Unlock()
		s.logger.Debug("endpoint received", zap.String("endpoint", endpoint))
	case <-connDone:
		s.setState(StateFailed)
		return &ConnectionError{Message: "SSE stream closed before endpoint event"}
	case <-time.After(s.readTimeout):
		s.dropEpoch(resp.Body, connDone)
		s.setState(StateFailed)
		return &ConnectionError{Message: fmt.Sprintf("no endpoint event within %s", s.readTimeout)}
	case <-ctx.Done():
		s.dropEpoch(resp.Body, connDone)
		s.setState(StateFailed)
		return ctx.Err()
	}

	s.setState(StateInitializing)
	info, err := initializeSession(ctx, s.call, s.notifyFrame, s.logger)
	if err != nil {
		s.dropEpoch(resp.Body, connDone)
		s.setState(StateFailed)
		return err
	}

	s.mu.Lock()
	s.session = info
	s.state = StateReady
	s.mu.Unlock()

	if s.pingInterval > 0 {
		go s.monitor(connDone, resp.Body)
	}
	return nil
}

// dialStream opens the GET event stream. A 401 latches the auth error so
// the reconnect loop stops until the caller re-authorizes.
func (s *SSEServer) dialStream(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(s.rootCtx, http.MethodGet, s.sseURL, nil)
	if err != nil {
		return nil, &TransportError{Message: "build request", Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	s.mu.Lock()
	eventID := s.lastEventID
	s.mu.Unlock()
	if eventID != "" {
		req.Header.Set(headerLastEventID, eventID)
	}
	if s.auth != nil {
		header, err := s.auth.AuthorizationHeader(ctx)
		if err != nil {
			return nil, &ConnectionError{Message: "authorization", Err: err}
		}
		if header != "" {
			req.Header.Set("Authorization", header)
		}
	}

	resp, err := s.streamClient.Do(req)
	if err != nil {
		return nil, &TransportError{Message: fmt.Sprintf("GET %s", s.sseURL), Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		challenge := oauth.ParseBearerChallenge(resp.Header)
		if s.auth != nil {
			_ = s.auth.InvalidateToken(ctx)
		}
		authErr := &ConnectionError{
			Message:   fmt.Sprintf("Authorization failed: HTTP %d", resp.StatusCode),
			Challenge: challenge,
		}
		s.mu.Lock()
		s.authErr = authErr
		s.mu.Unlock()
		s.logger.Warn("stream authorization rejected")
		return nil, authErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		return nil, mapHTTPStatus(ctx, resp, data, nil, s.logger)
	}
	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType != "text/event-stream" {
		resp.Body.Close()
		return nil, &ConnectionError{Message: fmt.Sprintf("SSE endpoint returned Content-Type %q", resp.Header.Get("Content-Type"))}
	}
	return resp, nil
}

// dropEpoch closes the stream and waits for its reader to finish.
func (s *SSEServer) dropEpoch(body io.Closer, connDone chan struct{}) {
	body.Close()
	<-connDone
}

// resolveEndpoint resolves the announced POST endpoint against the stream
// URL, accepting both relative paths and absolute URLs.
func (s *SSEServer) resolveEndpoint(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &ConnectionError{Message: "endpoint event carried no URL"}
	}
	base, err := url.Parse(s.sseURL)
	if err != nil {
		return "", &ConnectionError{Message: fmt.Sprintf("parse stream URL %q", s.sseURL), Err: err}
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", &ConnectionError{Message: fmt.Sprintf("parse endpoint %q", raw), Err: err}
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", &ConnectionError{Message: fmt.Sprintf("endpoint %q must use http or https", raw)}
	}
	return resolved.String(), nil
}

// readStream consumes the event stream until it drops, then fails pending
// requests and, if the session had been established, kicks off reconnection.
func (s *SSEServer) readStream(body io.ReadCloser, connDone chan struct{}, endpointCh chan string) {
	defer body.Close()

	sc := newSSEScanner(&activityReader{r: body, touch: s.touchActivity})
	for {
		ev, err := sc.Next()
		if err != nil {
			if err != io.EOF && s.rootCtx.Err() == nil {
				s.logger.Debug("stream read failed", zap.Error(err))
			}
			break
		}
		if ev.ID != "" {
			s.mu.Lock()
			s.lastEventID = ev.ID
			s.mu.Unlock()
		}
		switch ev.eventName() {
		case "endpoint":
			select {
			case endpointCh <- ev.Data:
			default:
			}
		case "message":
			s.handleMessage(ev.Data)
		default:
			s.logger.Debug("ignoring event", zap.String("event", ev.eventName()))
		}
	}

	s.mu.Lock()
	current := s.connDone == connDone
	wasReady := s.state == StateReady
	if current {
		s.pending = make(map[int64]chan *rpcMessage)
		if !s.closed && s.state != StateFailed {
			s.state = StateDisconnected
		}
	}
	stopped := s.closed || s.authErr != nil
	s.mu.Unlock()
	close(connDone)

	if current && wasReady && !stopped {
		if s.retry.MaxRetries > 0 {
			s.logger.Warn("stream disconnected, reconnecting")
			go s.reconnectLoop()
		} else {
			s.logger.Warn("stream disconnected")
		}
	}
}

// reconnectLoop redials the stream with exponential backoff until it
// succeeds, the retry budget runs out, the server is closed, or an auth
// error is latched. Once the budget is spent the next request dials again
// through Connect.
func (s *SSEServer) reconnectLoop() {
	backoff := s.retry.Backoff
	for attempt := 1; attempt <= s.retry.MaxRetries; attempt++ {
		select {
		case <-s.rootCtx.Done():
			return
		case <-time.After(backoff):
		}

		s.connectMu.Lock()
		s.mu.Lock()
		stop := s.closed || s.authErr != nil || s.state == StateReady
		s.mu.Unlock()
		if stop {
			s.connectMu.Unlock()
			return
		}
		err := s.connect(s.rootCtx)
		s.connectMu.Unlock()

		if err == nil {
			s.logger.Info("reconnected", zap.Int("attempt", attempt))
			return
		}
		s.logger.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))

		s.mu.Lock()
		latched := s.authErr != nil
		s.mu.Unlock()
		if latched {
			return
		}
		backoff *= 2
		if backoff > maxReconnectDelay {
			backoff = maxReconnectDelay
		}
	}
	s.logger.Warn("reconnect attempts exhausted", zap.Int("attempts", s.retry.MaxRetries))
}

// monitor pings the server when the stream has been idle for a full ping
// interval and drops the stream after too many consecutive failures.
func (s *SSEServer) monitor(connDone chan struct{}, body io.Closer) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-connDone:
			return
		case <-s.rootCtx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		idle := time.Since(s.lastActivity)
		s.mu.Unlock()
		if idle < s.pingInterval {
			failures = 0
			continue
		}

		id := s.nextID.Add(1)
		_, err := s.attempt(s.rootCtx, id, newRequest(id, MethodPing, struct{}{}))
		if err == nil {
			failures = 0
			continue
		}
		failures++
		s.logger.Warn("ping failed", zap.Int("failures", failures), zap.Error(err))
		if failures >= maxPingFailures {
			s.logger.Warn("connection considered dead, dropping stream")
			body.Close()
			return
		}
	}
}

func (s *SSEServer) touchActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// handleMessage routes one message event: responses complete their pending
// request, notifications run the registered handlers on this goroutine.
func (s *SSEServer) handleMessage(data string) {
	if data == "" {
		return
	}
	var msg rpcMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		s.logger.Warn("skipping malformed frame", zap.Error(err))
		return
	}
	switch {
	case msg.isNotification():
		s.dispatchNotification(msg.Method, msg.Params)
	case msg.isResponse():
		s.deliver(&msg)
	default:
		s.logger.Debug("ignoring unexpected frame", zap.String("method", msg.Method), zap.Int64("id", msg.ID))
	}
}

func (s *SSEServer) dispatchNotification(method string, params json.RawMessage) {
	s.mu.Lock()
	handlers := make([]NotificationHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	s.logger.Debug("notification received", zap.String("method", method))
	for _, h := range handlers {
		h(method, params)
	}
}

func (s *SSEServer) deliver(msg *rpcMessage) {
	s.mu.Lock()
	ch, ok := s.pending[msg.ID]
	if ok {
		delete(s.pending, msg.ID)
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("response for unknown request", zap.Int64("id", msg.ID))
		return
	}
	ch <- msg
}

func (s *SSEServer) removePending(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// call sends one request with retries per the retry policy.
func (s *SSEServer) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	frame := newRequest(id, method, params)

	var result json.RawMessage
	err := withRetry(ctx, s.retry, s.logger, method, func() error {
		res, err := s.attempt(ctx, id, frame)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// attempt registers the pending request, POSTs the frame and waits for the
// response on whichever channel it arrives.
func (s *SSEServer) attempt(ctx context.Context, id int64, frame any) (json.RawMessage, error) {
	ch := make(chan *rpcMessage, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &ConnectionError{Message: fmt.Sprintf("server %q is closed", s.name)}
	}
	endpoint := s.endpointURL
	connDone := s.connDone
	if endpoint == "" || connDone == nil {
		s.mu.Unlock()
		return nil, &ConnectionError{Message: fmt.Sprintf("server %q is not connected", s.name)}
	}
	s.pending[id] = ch
	s.mu.Unlock()
	defer s.removePending(id)

	postCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
	resp, err := s.post(postCtx, endpoint, frame)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, timeoutError(id, s.readTimeout)
		}
		return nil, err
	}
	result, sync, err := s.consumePost(postCtx, resp, id)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, timeoutError(id, s.readTimeout)
		}
		return nil, err
	}
	if sync {
		return result, nil
	}

	timer := time.NewTimer(s.readTimeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		return processResponse(msg)
	case <-connDone:
		select {
		case msg := <-ch:
			return processResponse(msg)
		default:
		}
		return nil, &ConnectionError{Message: "SSE connection lost while waiting for result"}
	case <-timer.C:
		return nil, timeoutError(id, s.readTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// post sends one frame to the announced endpoint and maps non-2xx statuses
// onto the error taxonomy. On success the caller owns the response body.
func (s *SSEServer) post(ctx context.Context, endpoint string, frame any) (*http.Response, error) {
	body, err := json.Marshal(frame)
	if err != nil {
		return nil, &TransportError{Message: "encode frame", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	if s.auth != nil {
		header, err := s.auth.AuthorizationHeader(ctx)
		if err != nil {
			return nil, &ConnectionError{Message: "authorization", Err: err}
		}
		if header != "" {
			req.Header.Set("Authorization", header)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &TransportError{Message: fmt.Sprintf("POST %s", endpoint), Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return nil, mapHTTPStatus(ctx, resp, data, s.auth, s.logger)
}

// consumePost interprets a 2xx POST response. A JSON body holding the
// matching response resolves the request synchronously; 202/204 and empty
// bodies defer to the stream; an event-stream body is scanned in place.
func (s *SSEServer) consumePost(ctx context.Context, resp *http.Response, id int64) (json.RawMessage, bool, error) {
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		return nil, false, nil
	}

	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType == "text/event-stream" {
		result, err := s.scanPostStream(ctx, resp.Body, id)
		return result, true, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBodyBytes))
	if err != nil {
		return nil, false, &TransportError{Message: "read response body", Err: err}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, false, nil
	}
	var msg rpcMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, false, &TransportError{Message: "decode response", Err: err}
	}
	if !msg.isResponse() || msg.ID != id {
		return nil, false, nil
	}
	result, err := processResponse(&msg)
	return result, true, err
}

// scanPostStream reads a one-shot event stream attached to a POST response.
func (s *SSEServer) scanPostStream(ctx context.Context, body io.Reader, id int64) (json.RawMessage, error) {
	sc := newSSEScanner(body)
	for {
		ev, err := sc.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil, &TransportError{Message: "No data found in SSE response"}
			}
			return nil, &TransportError{Message: "read event stream", Err: err}
		}
		if ev.Data == "" {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			s.logger.Warn("skipping malformed event", zap.Error(err))
			continue
		}
		switch {
		case msg.isNotification():
			s.dispatchNotification(msg.Method, msg.Params)
		case msg.isResponse() && msg.ID == id:
			return processResponse(&msg)
		}
	}
}

// notifyFrame posts a notification to the announced endpoint.
func (s *SSEServer) notifyFrame(ctx context.Context, method string, params any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &ConnectionError{Message: fmt.Sprintf("server %q is closed", s.name)}
	}
	endpoint := s.endpointURL
	s.mu.Unlock()
	if endpoint == "" {
		return &ConnectionError{Message: fmt.Sprintf("server %q is not connected", s.name)}
	}

	postCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	resp, err := s.post(postCtx, endpoint, newNotification(method, params))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	resp.Body.Close()
	return nil
}

func (s *SSEServer) ensureConnected(ctx context.Context) error {
	s.mu.Lock()
	authErr := s.authErr
	ready := s.state == StateReady
	s.mu.Unlock()
	if authErr != nil {
		return authErr
	}
	if ready {
		return nil
	}
	return s.Connect(ctx)
}

// Ping checks liveness with a protocol-level ping.
func (s *SSEServer) Ping(ctx context.Context) error {
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	_, err := s.call(ctx, MethodPing, struct{}{})
	return err
}

// ListTools fetches the server's full tool list, following pagination.
func (s *SSEServer) ListTools(ctx context.Context) ([]Tool, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}
	return fetchTools(ctx, s.call, s.name)
}

// CallTool invokes a tool by name with the given arguments.
func (s *SSEServer) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}
	return callTool(ctx, s.call, name, args)
}

// CallToolStreaming invokes a tool and returns its result as a single-chunk
// stream.
func (s *SSEServer) CallToolStreaming(ctx context.Context, name string, args map[string]any) (<-chan ToolChunk, error) {
	res, err := s.CallTool(ctx, name, args)
	if err != nil {
		return nil, err
	}
	return singleChunk(res), nil
}

// Request sends a raw JSON-RPC request for methods outside the typed surface.
func (s *SSEServer) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}
	return s.call(ctx, method, params)
}

// Notify sends a raw JSON-RPC notification.
func (s *SSEServer) Notify(ctx context.Context, method string, params any) error {
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	return s.notifyFrame(ctx, method, params)
}

// Close tears down the stream and fails all pending requests. Close is
// idempotent.
func (s *SSEServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = StateClosing
	connDone := s.connDone
	s.mu.Unlock()

	s.cancelRoot()
	if connDone != nil {
		<-connDone
	}

	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()

	s.client.CloseIdleConnections()
	return nil
}

func (s *SSEServer) setState(st ConnState) {
	s.mu.Lock()
	if !s.closed {
		s.state = st
	}
	s.mu.Unlock()
}

// activityReader stamps stream activity so the ping monitor only probes an
// idle connection.
type activityReader struct {
	r     io.Reader
	touch func()
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.touch()
	}
	return n, err
}
