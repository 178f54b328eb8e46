package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// gracefulShutdownTimeout is how long Close waits for the child process to
// exit after SIGTERM before escalating to SIGKILL.
const gracefulShutdownTimeout = 5 * time.Second

// StdioServer talks to an MCP server running as a child process, with
// newline-delimited JSON-RPC frames over the child's stdin/stdout. The
// process is started lazily on the first call that needs a connection.
type StdioServer struct {
	name   string
	cfg    StdioConfig
	logger *zap.Logger

	nextID atomic.Int64

	// connectMu serializes Connect so concurrent callers share one attempt.
	connectMu sync.Mutex

	// writeMu serializes frame writes to the child's stdin.
	writeMu sync.Mutex

	mu       sync.Mutex
	state    ConnState
	closed   bool
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	pending  map[int64]chan *rpcMessage
	handlers []NotificationHandler
	session  *sessionInfo
	done     chan struct{} // closed when the reader goroutine exits
	procDone chan struct{} // closed when the child process has been reaped
}

// NewStdioServer builds a stdio-backed server from cfg. The child process is
// not started until Connect (or the first request) runs.
func NewStdioServer(cfg StdioConfig) (*StdioServer, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("stdio server %q: command is required", cfg.Name)
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	name := cfg.Name
	if name == "" {
		name = filepath.Base(cfg.Command[0])
	}
	return &StdioServer{
		name:    name,
		cfg:     cfg,
		logger:  orNop(cfg.Logger).With(zap.String("server", name)),
		state:   StateDisconnected,
		pending: make(map[int64]chan *rpcMessage),
	}, nil
}

// Name returns the configured server name.
func (s *StdioServer) Name() string { return s.name }

// State reports the current connection state.
func (s *StdioServer) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnNotification registers a handler for server-initiated notifications.
func (s *StdioServer) OnNotification(h NotificationHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Connect starts the child process and performs the initialize handshake.
// It is idempotent: once the session is ready further calls return nil.
func (s *StdioServer) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &ConnectionError{Message: fmt.Sprintf("server %q is closed", s.name)}
	}
	if s.state == StateReady {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	if err := s.start(); err != nil {
		s.setState(StateFailed)
		return &ConnectionError{Message: fmt.Sprintf("start %q", s.cfg.Command[0]), Err: err}
	}

	s.setState(StateInitializing)
	info, err := initializeSession(ctx, s.request, s.notify, s.logger)
	if err != nil {
		s.teardown()
		s.setState(StateFailed)
		return err
	}

	s.mu.Lock()
	s.session = info
	s.state = StateReady
	s.mu.Unlock()
	return nil
}

// start launches the child process and its reader goroutines.
func (s *StdioServer) start() error {
	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Env = buildEnv(s.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}
	s.logger.Debug("process started", zap.Int("pid", cmd.Process.Pid))

	done := make(chan struct{})
	procDone := make(chan struct{})

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.pending = make(map[int64]chan *rpcMessage)
	s.done = done
	s.procDone = procDone
	s.mu.Unlock()

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readLoop(stdout, done)
	}()
	go func() {
		defer readers.Done()
		s.drainStderr(stderr)
	}()
	go func() {
		readers.Wait()
		err := cmd.Wait()
		if err != nil {
			s.logger.Debug("process exited", zap.Error(err))
		} else {
			s.logger.Debug("process exited")
		}
		close(procDone)
	}()
	return nil
}

// buildEnv merges extra variables over the parent environment.
func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// readLoop decodes stdout frames until the pipe closes, then broadcasts the
// disconnect to all pending requests.
func (s *StdioServer) readLoop(stdout io.Reader, done chan struct{}) {
	r := bufio.NewReader(stdout)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			s.handleFrame(bytes.TrimSpace(line))
		}
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("stdout read failed", zap.Error(err))
			}
			break
		}
	}

	s.mu.Lock()
	if s.done == done {
		s.pending = make(map[int64]chan *rpcMessage)
		if !s.closed {
			s.state = StateDisconnected
		}
	}
	s.mu.Unlock()
	close(done)
}

// handleFrame routes one inbound frame. Responses complete their pending
// request; notifications run the registered handlers on this goroutine.
func (s *StdioServer) handleFrame(line []byte) {
	if len(line) == 0 {
		return
	}
	var msg rpcMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		s.logger.Warn("skipping malformed frame", zap.Error(err))
		return
	}
	switch {
	case msg.isNotification():
		s.dispatchNotification(msg.Method, msg.Params)
	case msg.isResponse():
		s.deliver(&msg)
	default:
		// Server-to-client requests are not part of the client surface.
		s.logger.Debug("ignoring unexpected frame", zap.String("method", msg.Method), zap.Int64("id", msg.ID))
	}
}

func (s *StdioServer) dispatchNotification(method string, params json.RawMessage) {
	s.mu.Lock()
	handlers := make([]NotificationHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	s.logger.Debug("notification received", zap.String("method", method))
	for _, h := range handlers {
		h(method, params)
	}
}

func (s *StdioServer) deliver(msg *rpcMessage) {
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

// drainStderr logs the child's stderr line by line.
func (s *StdioServer) drainStderr(stderr io.Reader) {
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			s.logger.Debug("server stderr", zap.String("line", line))
		}
	}
}

// request sends one request frame and waits for its response, the read
// timeout, a disconnect, or context cancellation, whichever comes first.
func (s *StdioServer) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	ch := make(chan *rpcMessage, 1)

	s.mu.Lock()
	if s.closed || s.stdin == nil {
		s.mu.Unlock()
		return nil, &ConnectionError{Message: fmt.Sprintf("server %q is not connected", s.name)}
	}
	s.pending[id] = ch
	done := s.done
	s.mu.Unlock()
	defer s.removePending(id)

	if err := s.writeFrame(newRequest(id, method, params)); err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.cfg.ReadTimeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		return processResponse(msg)
	case <-done:
		// The response may have raced the disconnect.
		select {
		case msg := <-ch:
			return processResponse(msg)
		default:
		}
		return nil, &ConnectionError{Message: fmt.Sprintf("server %q disconnected while waiting for response", s.name)}
	case <-timer.C:
		return nil, timeoutError(id, s.cfg.ReadTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *StdioServer) removePending(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// notify writes a notification frame. Notifications carry no id and expect
// no response.
func (s *StdioServer) notify(ctx context.Context, method string, params any) error {
	s.mu.Lock()
	if s.closed || s.stdin == nil {
		s.mu.Unlock()
		return &ConnectionError{Message: fmt.Sprintf("server %q is not connected", s.name)}
	}
	s.mu.Unlock()
	return s.writeFrame(newNotification(method, params))
}

func (s *StdioServer) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return &TransportError{Message: "encode frame", Err: err}
	}
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return &ConnectionError{Message: fmt.Sprintf("server %q is not connected", s.name)}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return &TransportError{Message: "write frame", Err: err}
	}
	return nil
}

func (s *StdioServer) ensureConnected(ctx context.Context) error {
	if s.State() == StateReady {
		return nil
	}
	return s.Connect(ctx)
}

// Ping checks liveness with a protocol-level ping.
func (s *StdioServer) Ping(ctx context.Context) error {
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	_, err := s.request(ctx, MethodPing, struct{}{})
	return err
}

// ListTools fetches the server's full tool list, following pagination.
func (s *StdioServer) ListTools(ctx context.Context) ([]Tool, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}
	return fetchTools(ctx, s.request, s.name)
}

// CallTool invokes a tool by name with the given arguments.
func (s *StdioServer) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}
	return callTool(ctx, s.request, name, args)
}

// CallToolStreaming invokes a tool and returns its result as a single-chunk
// stream. Stdio servers do not stream partial results.
func (s *StdioServer) CallToolStreaming(ctx context.Context, name string, args map[string]any) (<-chan ToolChunk, error) {
	res, err := s.CallTool(ctx, name, args)
	if err != nil {
		return nil, err
	}
	return singleChunk(res), nil
}

// Request sends a raw JSON-RPC request for methods outside the typed surface.
func (s *StdioServer) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}
	return s.request(ctx, method, params)
}

// Notify sends a raw JSON-RPC notification.
func (s *StdioServer) Notify(ctx context.Context, method string, params any) error {
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	return s.notify(ctx, method, params)
}

// Close shuts the server down: stdin is closed so the child sees EOF, then
// the process gets SIGTERM and, after a grace period, SIGKILL. Close is
// idempotent and broadcasts the shutdown to all pending requests.
func (s *StdioServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = StateClosing
	cmd := s.cmd
	stdin := s.stdin
	procDone := s.procDone
	s.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		s.stopProcess(cmd, procDone)
	}

	s.setState(StateDisconnected)
	return nil
}

// stopProcess escalates from SIGTERM to SIGKILL if the child does not exit
// within the grace period.
func (s *StdioServer) stopProcess(cmd *exec.Cmd, procDone chan struct{}) {
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-procDone:
		return
	case <-time.After(gracefulShutdownTimeout):
	}
	s.logger.Warn("process did not exit after SIGTERM, killing", zap.Int("pid", cmd.Process.Pid))
	_ = cmd.Process.Kill()
	if procDone != nil {
		<-procDone
	}
}

// teardown kills the child after a failed handshake.
func (s *StdioServer) teardown() {
	s.mu.Lock()
	cmd := s.cmd
	stdin := s.stdin
	procDone := s.procDone
	s.cmd = nil
	s.stdin = nil
	s.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		if procDone != nil {
			<-procDone
		}
	}
}

func (s *StdioServer) setState(st ConnState) {
	s.mu.Lock()
	if !s.closed || st == StateDisconnected {
		s.state = st
	}
	s.mu.Unlock()
}
