package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// rpcReply writes a JSON-RPC response body.
func rpcReply(w http.ResponseWriter, id int64, result string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result)
}

// readRPC decodes one JSON-RPC request from an HTTP request body.
func readRPC(t *testing.T, r *http.Request) rpcMessage {
	t.Helper()
	var msg rpcMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		t.Errorf("decode request: %v", err)
	}
	return msg
}

// basicHTTPHandler answers the standard MCP method set.
func basicHTTPHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg := readRPC(t, r)
		if msg.ID == 0 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		switch msg.Method {
		case MethodInitialize:
			rpcReply(w, msg.ID, `{"protocolVersion":"2025-03-26","serverInfo":{"name":"httpfake","version":"1.0"}}`)
		case MethodListTools:
			rpcReply(w, msg.ID, `{"tools":[{"name":"remote_search","description":"Query the index"}]}`)
		case MethodCallTool:
			rpcReply(w, msg.ID, `{"content":[{"type":"text","text":"done"}]}`)
		case MethodPing:
			rpcReply(w, msg.ID, `{}`)
		default:
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"Method not found"}}`, msg.ID)
		}
	}
}

type fakeAuth struct {
	mu          sync.Mutex
	header      string
	err         error
	invalidated int
}

func (f *fakeAuth) AuthorizationHeader(ctx context.Context) (string, error) {
	return f.header, f.err
}

func (f *fakeAuth) InvalidateToken(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
	return nil
}

func (f *fakeAuth) invalidations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invalidated
}

func TestHTTPServer_ListAndCallTools(t *testing.T) {
	ctx := testContext(t)
	ts := httptest.NewServer(basicHTTPHandler(t))
	defer ts.Close()

	srv, err := NewHTTPServer(HTTPConfig{Name: "remote", BaseURL: ts.URL})
	if err != nil {
		t.Fatalf("NewHTTPServer failed: %v", err)
	}
	defer srv.Close()

	if err := srv.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := srv.State(); got != StateReady {
		t.Errorf("state = %v, want %v", got, StateReady)
	}

	tools, err := srv.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "remote_search" || tools[0].Server != "remote" {
		t.Errorf("tools = %+v", tools)
	}

	res, err := srv.CallTool(ctx, "remote_search", map[string]any{"q": "x"})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if got := res.Text(); got != "done" {
		t.Errorf("result text = %q", got)
	}

	if err := srv.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestHTTPServer_SessionAndVersionHeaders(t *testing.T) {
	ctx := testContext(t)

	var mu sync.Mutex
	headersByMethod := map[string]http.Header{}
	record := func(method string, h http.Header) {
		mu.Lock()
		headersByMethod[method] = h.Clone()
		mu.Unlock()
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msg := readRPC(t, r)
		record(msg.Method, r.Header)
		if msg.ID == 0 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if msg.Method == MethodInitialize {
			w.Header().Set(headerSessionID, "sess-123")
			rpcReply(w, msg.ID, `{"protocolVersion":"2025-03-26","serverInfo":{"name":"httpfake","version":"1.0"}}`)
			return
		}
		rpcReply(w, msg.ID, `{}`)
	}))
	defer ts.Close()

	srv, err := NewHTTPServer(HTTPConfig{BaseURL: ts.URL})
	if err != nil {
		t.Fatalf("NewHTTPServer failed: %v", err)
	}
	defer srv.Close()

	if err := srv.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := srv.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	init := headersByMethod[MethodInitialize]
	if got := init.Get(headerProtocolVersion); got != "" {
		t.Errorf("initialize carried protocol version header %q before negotiation", got)
	}
	if got := init.Get(headerSessionID); got != "" {
		t.Errorf("initialize carried session id %q before one was assigned", got)
	}
	if got := init.Get("Accept"); got != "application/json" {
		t.Errorf("Accept = %q", got)
	}

	// The session id from the initialize response rides every follow-up,
	// including the initialized notification.
	if got := headersByMethod[NotificationInitialized].Get(headerSessionID); got != "sess-123" {
		t.Errorf("initialized notification session id = %q", got)
	}

	ping := headersByMethod[MethodPing]
	if got := ping.Get(headerSessionID); got != "sess-123" {
		t.Errorf("ping session id = %q", got)
	}
	if got := ping.Get(headerProtocolVersion); got != "2025-03-26" {
		t.Errorf("ping protocol version = %q", got)
	}
}

func TestHTTPServer_RetriesServerErrors(t *testing.T) {
	ctx := testContext(t)

	var listAttempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msg := readRPC(t, r)
		if msg.ID == 0 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		switch msg.Method {
		case MethodInitialize:
			rpcReply(w, msg.ID, `{"protocolVersion":"2025-03-26","serverInfo":{"name":"httpfake","version":"1.0"}}`)
		case MethodListTools:
			if listAttempts.Add(1) == 1 {
				http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
				return
			}
			rpcReply(w, msg.ID, `{"tools":[{"name":"remote_search"}]}`)
		}
	}))
	defer ts.Close()

	srv, err := NewHTTPServer(HTTPConfig{
		BaseURL:      ts.URL,
		MaxRetries:   2,
		RetryBackoff: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewHTTPServer failed: %v", err)
	}
	defer srv.Close()

	tools, err := srv.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(tools) != 1 {
		t.Errorf("tools = %+v", tools)
	}
	if got := listAttempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2 (one 503, one success)", got)
	}
}

func TestHTTPServer_ClientErrorsNotRetried(t *testing.T) {
	ctx := testContext(t)

	var listAttempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msg := readRPC(t, r)
		if msg.ID == 0 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if msg.Method == MethodListTools {
			listAttempts.Add(1)
			http.Error(w, "no such endpoint", http.StatusNotFound)
			return
		}
		rpcReply(w, msg.ID, `{"protocolVersion":"2025-03-26","serverInfo":{"name":"httpfake","version":"1.0"}}`)
	}))
	defer ts.Close()

	srv, err := NewHTTPServer(HTTPConfig{
		BaseURL:      ts.URL,
		MaxRetries:   3,
		RetryBackoff: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewHTTPServer failed: %v", err)
	}
	defer srv.Close()

	_, err = srv.ListTools(ctx)
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("expected ServerError, got %v", err)
	}
	if se.HTTPStatus != http.StatusNotFound || se.Message != "Client error: HTTP 404" {
		t.Errorf("got status=%d message=%q", se.HTTPStatus, se.Message)
	}
	if got := listAttempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1 (4xx is permanent)", got)
	}
}

func TestHTTPServer_UnauthorizedCarriesChallenge(t *testing.T) {
	ctx := testContext(t)

	var gotAuth atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("WWW-Authenticate",
			`Bearer realm="mcp", resource_metadata="https://rs.example/.well-known/oauth-protected-resource"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	auth := &fakeAuth{header: "Bearer stale-token"}
	srv, err := NewHTTPServer(HTTPConfig{BaseURL: ts.URL, Auth: auth})
	if err != nil {
		t.Fatalf("NewHTTPServer failed: %v", err)
	}
	defer srv.Close()

	err = srv.Connect(ctx)
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if ce.Message != "Authorization failed: HTTP 401" {
		t.Errorf("message = %q", ce.Message)
	}
	if ce.Challenge == nil || ce.Challenge.ResourceMetadata != "https://rs.example/.well-known/oauth-protected-resource" {
		t.Errorf("challenge = %+v", ce.Challenge)
	}
	if got := auth.invalidations(); got != 1 {
		t.Errorf("invalidations = %d, want 1", got)
	}
	if got, _ := gotAuth.Load().(string); got != "Bearer stale-token" {
		t.Errorf("Authorization header = %q", got)
	}
	if got := srv.State(); got != StateFailed {
		t.Errorf("state = %v, want %v", got, StateFailed)
	}
}

func TestHTTPServer_ForbiddenTreatedAsAuthFailure(t *testing.T) {
	ctx := testContext(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	auth := &fakeAuth{header: "Bearer stale-token"}
	srv, err := NewHTTPServer(HTTPConfig{BaseURL: ts.URL, Auth: auth})
	if err != nil {
		t.Fatalf("NewHTTPServer failed: %v", err)
	}
	defer srv.Close()

	err = srv.Connect(ctx)
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if ce.Message != "Authorization failed: HTTP 403" {
		t.Errorf("message = %q", ce.Message)
	}
	if got := auth.invalidations(); got != 1 {
		t.Errorf("invalidations = %d, want 1", got)
	}
}

func TestHTTPServer_VersionFallbackOn400(t *testing.T) {
	ctx := testContext(t)

	var offered []string
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msg := readRPC(t, r)
		if msg.ID == 0 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if msg.Method != MethodInitialize {
			rpcReply(w, msg.ID, `{}`)
			return
		}
		var params struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		mu.Lock()
		offered = append(offered, params.ProtocolVersion)
		mu.Unlock()

		if params.ProtocolVersion == ProtocolVersion {
			// Streamable servers reject unknown versions at the HTTP
			// layer rather than with a JSON-RPC error response.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32602,"message":"unsupported protocol version"}}`, msg.ID)
			return
		}
		rpcReply(w, msg.ID, fmt.Sprintf(`{"protocolVersion":%q,"serverInfo":{"name":"old","version":"0.9"}}`, params.ProtocolVersion))
	}))
	defer ts.Close()

	srv, err := NewHTTPServer(HTTPConfig{BaseURL: ts.URL})
	if err != nil {
		t.Fatalf("NewHTTPServer failed: %v", err)
	}
	defer srv.Close()

	if err := srv.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(offered) != 2 || offered[0] != "2025-03-26" || offered[1] != "2024-11-05" {
		t.Errorf("offered versions = %v", offered)
	}
}

func TestHTTPServer_ReadTimeout(t *testing.T) {
	ctx := testContext(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msg := readRPC(t, r)
		if msg.ID == 0 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if msg.Method == MethodListTools {
			time.Sleep(500 * time.Millisecond)
		}
		switch msg.Method {
		case MethodInitialize:
			rpcReply(w, msg.ID, `{"protocolVersion":"2025-03-26","serverInfo":{"name":"httpfake","version":"1.0"}}`)
		default:
			rpcReply(w, msg.ID, `{"tools":[]}`)
		}
	}))
	defer ts.Close()

	srv, err := NewHTTPServer(HTTPConfig{BaseURL: ts.URL, ReadTimeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewHTTPServer failed: %v", err)
	}
	defer srv.Close()

	_, err = srv.ListTools(ctx)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !strings.Contains(te.Message, "Timeout waiting for response") {
		t.Errorf("unexpected message: %q", te.Message)
	}
}

func TestHTTPServer_EmptyResponseBody(t *testing.T) {
	ctx := testContext(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msg := readRPC(t, r)
		if msg.ID == 0 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if msg.Method == MethodListTools {
			w.WriteHeader(http.StatusOK)
			return
		}
		rpcReply(w, msg.ID, `{"protocolVersion":"2025-03-26","serverInfo":{"name":"httpfake","version":"1.0"}}`)
	}))
	defer ts.Close()

	srv, err := NewHTTPServer(HTTPConfig{BaseURL: ts.URL})
	if err != nil {
		t.Fatalf("NewHTTPServer failed: %v", err)
	}
	defer srv.Close()

	_, err = srv.ListTools(ctx)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !strings.Contains(te.Message, "empty response to request") {
		t.Errorf("unexpected message: %q", te.Message)
	}
}

func TestHTTPServer_MismatchedResponseID(t *testing.T) {
	ctx := testContext(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msg := readRPC(t, r)
		if msg.ID == 0 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if msg.Method == MethodListTools {
			rpcReply(w, 999, `{"tools":[]}`)
			return
		}
		rpcReply(w, msg.ID, `{"protocolVersion":"2025-03-26","serverInfo":{"name":"httpfake","version":"1.0"}}`)
	}))
	defer ts.Close()

	srv, err := NewHTTPServer(HTTPConfig{BaseURL: ts.URL})
	if err != nil {
		t.Fatalf("NewHTTPServer failed: %v", err)
	}
	defer srv.Close()

	_, err = srv.ListTools(ctx)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !strings.Contains(te.Message, "does not match request") {
		t.Errorf("unexpected message: %q", te.Message)
	}
}

func TestHTTPServer_RateLimit(t *testing.T) {
	ctx := testContext(t)
	ts := httptest.NewServer(basicHTTPHandler(t))
	defer ts.Close()

	srv, err := NewHTTPServer(HTTPConfig{
		BaseURL:   ts.URL,
		RateLimit: 20, // 50ms between requests
		RateBurst: 1,
	})
	if err != nil {
		t.Fatalf("NewHTTPServer failed: %v", err)
	}
	defer srv.Close()

	if err := srv.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	start := time.Now()
	for i := 0; i < 2; i++ {
		if err := srv.Ping(ctx); err != nil {
			t.Fatalf("Ping failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("two limited pings took %v, want the limiter to space them out", elapsed)
	}
}

func TestHTTPServer_CloseIsIdempotent(t *testing.T) {
	ctx := testContext(t)
	ts := httptest.NewServer(basicHTTPHandler(t))
	defer ts.Close()

	srv, err := NewHTTPServer(HTTPConfig{BaseURL: ts.URL})
	if err != nil {
		t.Fatalf("NewHTTPServer failed: %v", err)
	}
	if err := srv.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if _, err := srv.ListTools(ctx); err == nil {
		t.Error("expected ListTools after Close to fail")
	}
}

func TestJoinEndpoint(t *testing.T) {
	cases := []struct {
		base     string
		endpoint string
		want     string
		wantErr  string
	}{
		{base: "http://localhost:9000", endpoint: "", want: "http://localhost:9000/rpc"},
		{base: "http://localhost:9000/", endpoint: "", want: "http://localhost:9000/rpc"},
		{base: "http://localhost:9000/api", endpoint: "mcp", want: "http://localhost:9000/api/mcp"},
		{base: "https://host/api/", endpoint: "/mcp", want: "https://host/api/mcp"},
		{base: "", endpoint: "/rpc", wantErr: "base URL is required"},
		{base: "ftp://host", endpoint: "/rpc", wantErr: "must use http or https"},
	}
	for _, tc := range cases {
		got, err := joinEndpoint(tc.base, tc.endpoint)
		if tc.wantErr != "" {
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("joinEndpoint(%q, %q) error = %v, want %q", tc.base, tc.endpoint, err, tc.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("joinEndpoint(%q, %q) failed: %v", tc.base, tc.endpoint, err)
			continue
		}
		if got != tc.want {
			t.Errorf("joinEndpoint(%q, %q) = %q, want %q", tc.base, tc.endpoint, got, tc.want)
		}
	}
}

func TestNewHTTPServer_NameDefaultsToEndpoint(t *testing.T) {
	srv, err := NewHTTPServer(HTTPConfig{BaseURL: "http://localhost:9000"})
	if err != nil {
		t.Fatalf("NewHTTPServer failed: %v", err)
	}
	if got := srv.Name(); got != "http://localhost:9000/rpc" {
		t.Errorf("Name() = %q", got)
	}
}
