// Package client aggregates multiple MCP servers behind one facade: a
// merged tool catalog, name-based call routing, notification fan-in and a
// shared tool cache.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mcpwire/mcpwire/config"
	"github.com/mcpwire/mcpwire/mcp"
)

// listConcurrency bounds how many servers are queried at once when the
// aggregated tool list is refreshed.
const listConcurrency = 4

// Client aggregates a set of MCP servers. Tool lists are fetched lazily,
// memoized per server and invalidated when a server announces
// notifications/tools/list_changed.
type Client struct {
	logger    *zap.Logger
	toolCache *config.ToolCache
	validate  bool
	schemas   *schemaCache
	bus       *notificationBus

	mu      sync.Mutex
	servers map[string]*serverHandle
	order   []string
	closed  bool
}

// serverHandle pairs a server with its memoized tool list.
type serverHandle struct {
	server mcp.Server

	mu    sync.Mutex
	tools []mcp.Tool
	valid bool
}

func (h *serverHandle) cached() ([]mcp.Tool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.valid {
		return nil, false
	}
	tools := make([]mcp.Tool, len(h.tools))
	copy(tools, h.tools)
	return tools, true
}

func (h *serverHandle) store(tools []mcp.Tool) {
	h.mu.Lock()
	h.tools = tools
	h.valid = true
	h.mu.Unlock()
}

func (h *serverHandle) invalidate() {
	h.mu.Lock()
	h.tools = nil
	h.valid = false
	h.mu.Unlock()
}

// ClientOption customizes a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	logger     *zap.Logger
	toolCache  *config.ToolCache
	validate   bool
	serverOpts []mcp.Option
}

// WithLogger sets the client logger. It is also handed to servers the
// client constructs itself.
func WithLogger(l *zap.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

// WithToolCache persists fetched tool lists (with token counts) so
// embedders can inspect them without waking servers up.
func WithToolCache(tc *config.ToolCache) ClientOption {
	return func(o *clientOptions) { o.toolCache = tc }
}

// WithSchemaValidation validates tool arguments against the tool's input
// schema before each call.
func WithSchemaValidation() ClientOption {
	return func(o *clientOptions) { o.validate = true }
}

// WithServerOptions passes extra options to every server the client
// constructs from definitions.
func WithServerOptions(opts ...mcp.Option) ClientOption {
	return func(o *clientOptions) { o.serverOpts = append(o.serverOpts, opts...) }
}

// New builds a client from server definitions, constructing one transport
// per definition.
func New(defs []config.ServerDef, opts ...ClientOption) (*Client, error) {
	o := applyOptions(opts)

	servers := make([]mcp.Server, 0, len(defs))
	for i, def := range defs {
		def.Normalize(i)
		sopts := append([]mcp.Option{mcp.WithLogger(o.logger)}, o.serverOpts...)
		srv, err := mcp.NewServer(def, sopts...)
		if err != nil {
			for _, s := range servers {
				_ = s.Close()
			}
			return nil, fmt.Errorf("server %q: %w", def.Name, err)
		}
		servers = append(servers, srv)
	}
	return newClient(servers, o)
}

// NewFromFile builds a client from a server definition file.
func NewFromFile(path string, opts ...ClientOption) (*Client, error) {
	o := applyOptions(opts)
	defs, err := config.LoadFile(path, o.logger)
	if err != nil {
		return nil, err
	}
	return New(defs, opts...)
}

// NewFromServers wraps servers the caller has already constructed, for
// example to wire per-server authorization providers.
func NewFromServers(servers []mcp.Server, opts ...ClientOption) (*Client, error) {
	return newClient(servers, applyOptions(opts))
}

func applyOptions(opts []ClientOption) *clientOptions {
	o := &clientOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

func newClient(servers []mcp.Server, o *clientOptions) (*Client, error) {
	if len(servers) == 0 {
		return nil, errors.New("no servers provided")
	}
	c := &Client{
		logger:    o.logger,
		toolCache: o.toolCache,
		validate:  o.validate,
		schemas:   newSchemaCache(),
		bus:       newNotificationBus(),
		servers:   make(map[string]*serverHandle, len(servers)),
	}
	for _, srv := range servers {
		if err := c.register(srv); err != nil {
			c.bus.close()
			return nil, err
		}
	}
	return c, nil
}

// register adds a server and hooks its notifications into the bus. A
// tools/list_changed notification drops the server's memoized tool list
// before it is forwarded to subscribers.
func (c *Client) register(srv mcp.Server) error {
	name := srv.Name()
	if name == "" {
		return errors.New("server has no name")
	}
	if _, dup := c.servers[name]; dup {
		return fmt.Errorf("duplicate server name %q", name)
	}

	h := &serverHandle{server: srv}
	c.servers[name] = h
	c.order = append(c.order, name)

	srv.OnNotification(func(method string, params json.RawMessage) {
		if method == mcp.NotificationToolsListChanged {
			h.invalidate()
			c.logger.Debug("tool list invalidated", zap.String("server", name))
		}
		c.bus.publish(Notification{Server: name, Method: method, Params: params})
	})
	return nil
}

// Servers returns the server names in registration order.
func (c *Client) Servers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// Server returns the named server for direct access.
func (c *Client) Server(name string) (mcp.Server, error) {
	h, err := c.handle(name)
	if err != nil {
		return nil, err
	}
	return h.server, nil
}

func (c *Client) handle(name string) (*serverHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.servers[name]
	if !ok {
		return nil, &mcp.ServerNotFoundError{Server: name}
	}
	return h, nil
}

func (c *Client) snapshot() ([]string, []*serverHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := append([]string(nil), c.order...)
	handles := make([]*serverHandle, len(names))
	for i, name := range names {
		handles[i] = c.servers[name]
	}
	return names, handles
}

// Connect eagerly connects every server. Servers connect lazily on first
// use anyway, so this is only needed to surface connection problems early.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client is closed")
	}
	c.mu.Unlock()

	names, handles := c.snapshot()
	errs := make([]error, len(names))

	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := handles[i].server.Connect(ctx); err != nil {
				errs[i] = fmt.Errorf("connect %q: %w", names[i], err)
			}
		}(i)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// ListTools returns the merged tool catalog across all servers, preserving
// registration order. Servers that fail are skipped with a warning; an
// error is returned only when every server fails.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	names, handles := c.snapshot()

	results := make([][]mcp.Tool, len(names))
	errs := make([]error, len(names))
	sem := make(chan struct{}, listConcurrency)

	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i], errs[i] = c.serverTools(ctx, names[i], handles[i])
		}(i)
	}
	wg.Wait()

	var tools []mcp.Tool
	failed := 0
	for i := range names {
		if errs[i] != nil {
			failed++
			errs[i] = fmt.Errorf("list tools on %q: %w", names[i], errs[i])
			c.logger.Warn("skipping server", zap.String("server", names[i]), zap.Error(errs[i]))
			continue
		}
		tools = append(tools, results[i]...)
	}
	if failed == len(names) {
		return nil, errors.Join(errs...)
	}
	return tools, nil
}

// serverTools returns the memoized tool list for one server, fetching and
// persisting it on a miss.
func (c *Client) serverTools(ctx context.Context, name string, h *serverHandle) ([]mcp.Tool, error) {
	if tools, ok := h.cached(); ok {
		return tools, nil
	}
	tools, err := h.server.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	h.store(tools)
	c.persistTools(name, tools)
	return tools, nil
}

func (c *Client) persistTools(name string, tools []mcp.Tool) {
	if c.toolCache == nil {
		return
	}
	in := make([]config.CachedToolInput, len(tools))
	for i, t := range tools {
		in[i] = config.CachedToolInput{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	if err := c.toolCache.Update(name, in); err != nil {
		c.logger.Warn("persisting tool cache failed", zap.String("server", name), zap.Error(err))
	}
}

// CachedTools returns the persisted tool list for a server, if a tool cache
// is configured and holds one.
func (c *Client) CachedTools(server string) ([]config.CachedTool, bool) {
	if c.toolCache == nil {
		return nil, false
	}
	return c.toolCache.Get(server)
}

// ClearCache drops every memoized tool list; the next ListTools fetches
// fresh catalogs.
func (c *Client) ClearCache() {
	_, handles := c.snapshot()
	for _, h := range handles {
		h.invalidate()
	}
}

// FindTool locates a tool by exact name. If several servers provide the
// name the call is ambiguous and the caller must pick a server.
func (c *Client) FindTool(ctx context.Context, name string) (mcp.Tool, error) {
	tools, err := c.ListTools(ctx)
	if err != nil {
		return mcp.Tool{}, err
	}
	var matches []mcp.Tool
	for _, t := range tools {
		if t.Name == name {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return mcp.Tool{}, &mcp.ToolNotFoundError{Tool: name}
	case 1:
		return matches[0], nil
	default:
		servers := make([]string, len(matches))
		for i, t := range matches {
			servers[i] = t.Server
		}
		sort.Strings(servers)
		return mcp.Tool{}, &mcp.AmbiguousToolError{Tool: name, Servers: servers}
	}
}

// FindTools returns tools whose names match pattern. The pattern is treated
// as a regular expression when it compiles, otherwise as a case-insensitive
// substring.
func (c *Client) FindTools(ctx context.Context, pattern string) ([]mcp.Tool, error) {
	tools, err := c.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	var match func(string) bool
	if re, reErr := regexp.Compile(pattern); reErr == nil {
		match = re.MatchString
	} else {
		needle := strings.ToLower(pattern)
		match = func(name string) bool {
			return strings.Contains(strings.ToLower(name), needle)
		}
	}

	var found []mcp.Tool
	for _, t := range tools {
		if match(t.Name) {
			found = append(found, t)
		}
	}
	return found, nil
}

// CallOption customizes a single tool call.
type CallOption func(*callOptions)

type callOptions struct {
	server string
}

// WithServer pins the call to a named server, bypassing tool resolution.
// Required when more than one server provides the tool.
func WithServer(name string) CallOption {
	return func(o *callOptions) { o.server = name }
}

// resolve picks the server that will handle a call on the named tool.
func (c *Client) resolve(ctx context.Context, tool string, opts []CallOption) (*serverHandle, string, error) {
	var co callOptions
	for _, o := range opts {
		o(&co)
	}
	if co.server != "" {
		h, err := c.handle(co.server)
		if err != nil {
			return nil, "", err
		}
		return h, co.server, nil
	}
	t, err := c.FindTool(ctx, tool)
	if err != nil {
		return nil, "", err
	}
	h, err := c.handle(t.Server)
	if err != nil {
		return nil, "", err
	}
	return h, t.Server, nil
}

// CallTool resolves the tool to a server and invokes it. Failures from the
// server are wrapped with the tool and server names.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any, opts ...CallOption) (*mcp.ToolResult, error) {
	h, server, err := c.resolve(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	if err := c.validateCall(ctx, h, server, name, args); err != nil {
		return nil, err
	}
	res, err := h.server.CallTool(ctx, name, args)
	if err != nil {
		return nil, &mcp.ToolCallError{Tool: name, Server: server, Err: err}
	}
	return res, nil
}

// CallToolStreaming resolves the tool to a server and invokes it in
// streaming mode.
func (c *Client) CallToolStreaming(ctx context.Context, name string, args map[string]any, opts ...CallOption) (<-chan mcp.ToolChunk, error) {
	h, server, err := c.resolve(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	if err := c.validateCall(ctx, h, server, name, args); err != nil {
		return nil, err
	}
	ch, err := h.server.CallToolStreaming(ctx, name, args)
	if err != nil {
		return nil, &mcp.ToolCallError{Tool: name, Server: server, Err: err}
	}
	return ch, nil
}

// validateCall checks args against the tool's schema when validation is
// enabled and the tool appears in the server's catalog.
func (c *Client) validateCall(ctx context.Context, h *serverHandle, server, name string, args map[string]any) error {
	if !c.validate {
		return nil
	}
	tools, err := c.serverTools(ctx, server, h)
	if err != nil {
		return nil
	}
	for _, t := range tools {
		if t.Name == name {
			return c.schemas.validate(t, args)
		}
	}
	return nil
}

// ToolCall names one invocation in a batch. Server may be empty to use
// normal resolution.
type ToolCall struct {
	Tool   string
	Server string
	Args   map[string]any
}

// BatchResult holds the outcome of one batch entry. All entries of a batch
// share a BatchID.
type BatchResult struct {
	BatchID string
	Tool    string
	Server  string
	Result  *mcp.ToolResult
	Err     error
}

// CallTools runs the calls sequentially, in order, continuing past
// failures. The returned slice is index-aligned with calls.
func (c *Client) CallTools(ctx context.Context, calls []ToolCall) []BatchResult {
	batchID := uuid.NewString()
	c.logger.Info("executing tool batch", zap.String("batch_id", batchID), zap.Int("calls", len(calls)))

	results := make([]BatchResult, len(calls))
	for i, call := range calls {
		results[i] = BatchResult{BatchID: batchID, Tool: call.Tool, Server: call.Server}
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}

		var opts []CallOption
		if call.Server != "" {
			opts = append(opts, WithServer(call.Server))
		}
		h, server, err := c.resolve(ctx, call.Tool, opts)
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].Server = server

		if err := c.validateCall(ctx, h, server, call.Tool, call.Args); err != nil {
			results[i].Err = err
			continue
		}
		res, err := h.server.CallTool(ctx, call.Tool, call.Args)
		if err != nil {
			results[i].Err = &mcp.ToolCallError{Tool: call.Tool, Server: server, Err: err}
			continue
		}
		results[i].Result = res
	}
	return results
}

// Ping checks liveness of the named server.
func (c *Client) Ping(ctx context.Context, server string) error {
	h, err := c.handle(server)
	if err != nil {
		return err
	}
	return h.server.Ping(ctx)
}

// PingAll pings every server and reports per-server outcomes.
func (c *Client) PingAll(ctx context.Context) map[string]error {
	names, handles := c.snapshot()
	out := make(map[string]error, len(names))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := handles[i].server.Ping(ctx)
			mu.Lock()
			out[names[i]] = err
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	return out
}

// OnNotification subscribes to notifications from all servers and returns
// the unsubscribe function.
func (c *Client) OnNotification(h NotificationHandler) func() {
	return c.bus.subscribe(h)
}

// Close shuts down every server. It is idempotent and returns the joined
// errors of all closures.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.bus.close()

	names, handles := c.snapshot()
	errs := make([]error, len(names))
	for i := range names {
		if err := handles[i].server.Close(); err != nil {
			errs[i] = fmt.Errorf("close %q: %w", names[i], err)
		}
	}
	return errors.Join(errs...)
}
