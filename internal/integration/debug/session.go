package debug

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/dshills/dapwire/internal/integration/debug/dap"
)

// SessionState represents the current state of a debug session.
type SessionState int

const (
	// StateInitializing is the initial state before connection.
	StateInitializing SessionState = iota
	// StateConnected is after transport is established.
	StateConnected
	// StateConfiguring is after initialize but before configurationDone.
	StateConfiguring
	// StateRunning is when the debuggee is running.
	StateRunning
	// StateStopped is when the debuggee is stopped (breakpoint, exception, etc).
	StateStopped
	// StateTerminated is when the debuggee has exited.
	StateTerminated
	// StateDisconnected is when the debug adapter has disconnected.
	StateDisconnected
	// StateRestarting is while waiting to reconnect after a failure.
	StateRestarting
	// StateFailed is after the restart budget was exhausted.
	StateFailed
)

// String returns a string representation of the state.
func (s SessionState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateConnected:
		return "connected"
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateTerminated:
		return "terminated"
	case StateDisconnected:
		return "disconnected"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Launcher produces connections to a debug adapter. Each Connect yields a
// fresh transport; closing it must release the adapter process, if any.
type Launcher interface {
	// Connect starts or reaches the adapter.
	Connect(ctx context.Context) (dap.Transport, error)

	// AdapterID is sent in the initialize request.
	AdapterID() string

	// StartRequest returns "launch" or "attach" and its arguments.
	StartRequest() (command string, args any, err error)
}

// RestartPolicy controls how Run recovers from a lost connection.
type RestartPolicy struct {
	// MaxRestarts is the number of consecutive restarts before giving up.
	MaxRestarts int

	// MinDelay and MaxDelay bound the exponential delay between restarts.
	MinDelay time.Duration
	MaxDelay time.Duration

	// ErrorThreshold tears a connection down once it has reported this many
	// protocol errors. Zero disables the check.
	ErrorThreshold int

	// ResetAfter restores the full restart budget once a connection has
	// stayed up this long. Zero means the budget is never restored.
	ResetAfter time.Duration
}

// DefaultRestartPolicy returns the policy used when none is configured.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxRestarts:    5,
		MinDelay:       500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		ErrorThreshold: 10,
		ResetAfter:     time.Minute,
	}
}

// SessionConfig configures a debug session.
type SessionConfig struct {
	// ClientID is this client's identifier.
	ClientID string

	// ClientName is this client's name.
	ClientName string

	// LinesStartAt1 indicates if line numbers start at 1.
	LinesStartAt1 bool

	// ColumnsStartAt1 indicates if column numbers start at 1.
	ColumnsStartAt1 bool

	// PathFormat is the path format ("path" or "uri").
	PathFormat string

	// RequestTimeout bounds each request except launch/attach. Zero means
	// only the caller's context applies.
	RequestTimeout time.Duration

	// MaxContentLength bounds incoming message bodies.
	MaxContentLength int

	// Restart is the initial restart policy.
	Restart RestartPolicy
}

// DefaultSessionConfig returns a default session configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ClientID:         "dapwire",
		ClientName:       "dapwire",
		LinesStartAt1:    true,
		ColumnsStartAt1:  true,
		PathFormat:       "path",
		RequestTimeout:   30 * time.Second,
		MaxContentLength: dap.MaxContentLength,
		Restart:          DefaultRestartPolicy(),
	}
}

// SessionHandlers contains callbacks for session events.
//
// Adapter event callbacks run in arrival order on the client's handler
// goroutine, not the reader, so they may call Session request methods.
// OnRestart and OnGaveUp run on the goroutine calling Run.
type SessionHandlers struct {
	// OnStateChanged is called when the session state changes.
	OnStateChanged func(old, new SessionState)

	// OnStopped is called when the debuggee stops.
	OnStopped func(reason string, threadID int, allStopped bool)

	// OnOutput is called when the debuggee produces output.
	OnOutput func(category, output string)

	// OnBreakpointChanged is called when the adapter changes a breakpoint.
	OnBreakpointChanged func(reason string, breakpoint dap.Breakpoint)

	// OnThreadChanged is called when threads start or exit.
	OnThreadChanged func(reason string, threadID int)

	// OnTerminated is called when the debuggee terminates.
	OnTerminated func()

	// OnRestart is called before each restart attempt.
	OnRestart func(attempt int, cause error)

	// OnGaveUp is called once when restarts are exhausted.
	OnGaveUp func(err error)
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionLogger sets the logger.
func WithSessionLogger(logger *zap.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHandlers sets the session event handlers.
func WithHandlers(handlers SessionHandlers) SessionOption {
	return func(s *Session) {
		s.handlers = handlers
	}
}

// WithClientOptions adds options for every connection the session opens.
func WithClientOptions(opts ...dap.Option) SessionOption {
	return func(s *Session) {
		s.clientOpts = append(s.clientOpts, opts...)
	}
}

// Session is a debug session with a debug adapter. It survives adapter
// crashes when driven by Run.
type Session struct {
	id         string
	launcher   Launcher
	config     SessionConfig
	logger     *zap.Logger
	clientOpts []dap.Option

	mu            sync.RWMutex
	client        *dap.Client
	capabilities  *dap.Capabilities
	state         SessionState
	currentThread int
	threads       []dap.Thread
	policy        RestartPolicy
	connectedAt   time.Time
	terminated    bool
	stopped       bool

	// Requested breakpoints, replayed on every start, and the adapter's
	// answer for each source.
	bpMu          sync.RWMutex
	breakpoints   map[string][]dap.SourceBreakpoint
	functionBPs   []dap.FunctionBreakpoint
	exceptionBPs  []string
	verified      map[string][]dap.Breakpoint
	hasExceptions bool

	handlers   SessionHandlers
	handlersMu sync.RWMutex

	unhealthy chan *dap.Client
	ended     chan *dap.Client
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewSession creates a session that connects through launcher.
func NewSession(launcher Launcher, config SessionConfig, opts ...SessionOption) *Session {
	s := &Session{
		id:          uuid.New().String(),
		launcher:    launcher,
		config:      config,
		logger:      zap.NewNop(),
		state:       StateInitializing,
		policy:      config.Restart,
		breakpoints: make(map[string][]dap.SourceBreakpoint),
		verified:    make(map[string][]dap.Breakpoint),
		unhealthy:   make(chan *dap.Client, 1),
		ended:       make(chan *dap.Client, 1),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("session_id", s.id))
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// SetHandlers sets the session event handlers.
func (s *Session) SetHandlers(handlers SessionHandlers) {
	s.handlersMu.Lock()
	s.handlers = handlers
	s.handlersMu.Unlock()
}

func (s *Session) getHandlers() SessionHandlers {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	return s.handlers
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// setState updates the session state.
func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	old := s.state
	s.state = state
	s.mu.Unlock()

	if old == state {
		return
	}
	s.logger.Debug("session state changed", zap.Stringer("from", old), zap.Stringer("to", state))
	if handler := s.getHandlers().OnStateChanged; handler != nil {
		handler(old, state)
	}
}

// Capabilities returns the debug adapter capabilities.
func (s *Session) Capabilities() *dap.Capabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capabilities
}

// CurrentThread returns the thread of the last stopped event.
func (s *Session) CurrentThread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentThread
}

// Policy returns the restart policy in effect.
func (s *Session) Policy() RestartPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// UpdatePolicy replaces the restart policy. It applies from the next
// connection failure on.
func (s *Session) UpdatePolicy(policy RestartPolicy) {
	s.mu.Lock()
	s.policy = policy
	s.mu.Unlock()
	s.logger.Info("restart policy updated",
		zap.Int("max_restarts", policy.MaxRestarts),
		zap.Int("error_threshold", policy.ErrorThreshold))
}

// Start connects to the adapter and runs the startup sequence: initialize,
// launch or attach, breakpoint replay after the initialized event, then
// configurationDone. Any previous connection is closed first.
func (s *Session) Start(ctx context.Context) error {
	if s.isStopped() {
		return ErrSessionStopped
	}
	s.dropClient()
	s.setState(StateInitializing)

	transport, err := s.launcher.Connect(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("connect: %w", err)
	}

	opts := []dap.Option{
		dap.WithLogger(s.logger),
		dap.WithMaxContentLength(s.config.MaxContentLength),
	}
	client := dap.NewClient(transport, append(opts, s.clientOpts...)...)
	initialized := make(chan struct{})
	s.attach(client, initialized)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		client.Close()
		return ErrSessionStopped
	}
	s.client = client
	s.terminated = false
	s.connectedAt = time.Now()
	s.mu.Unlock()
	s.setState(StateConnected)

	if err := s.handshake(ctx, client, initialized); err != nil {
		s.dropClient()
		s.setState(StateDisconnected)
		return err
	}

	s.mu.Lock()
	configuring := s.state == StateConfiguring
	s.mu.Unlock()
	if configuring {
		s.setState(StateRunning)
	}
	s.logger.Info("debug session started", zap.String("connection_id", client.Connection().ID()))
	return nil
}

func (s *Session) handshake(ctx context.Context, client *dap.Client, initialized <-chan struct{}) error {
	rctx, cancel := s.requestContext(ctx)
	caps, err := client.Initialize(rctx, dap.InitializeRequestArguments{
		ClientID:        s.config.ClientID,
		ClientName:      s.config.ClientName,
		AdapterID:       s.launcher.AdapterID(),
		LinesStartAt1:   s.config.LinesStartAt1,
		ColumnsStartAt1: s.config.ColumnsStartAt1,
		PathFormat:      s.config.PathFormat,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	s.mu.Lock()
	s.capabilities = caps
	s.mu.Unlock()
	s.setState(StateConfiguring)

	command, args, err := s.launcher.StartRequest()
	if err != nil {
		return fmt.Errorf("%s arguments: %w", command, err)
	}

	// Adapters may hold the launch response until configurationDone, so the
	// request is sent without waiting for it.
	call, err := client.Connection().Send(command, args)
	if err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}

	if err := waitInitialized(ctx, client, initialized, call); err != nil {
		return err
	}

	if err := s.replayBreakpoints(ctx, client); err != nil {
		call.Cancel()
		return err
	}

	if caps.SupportsConfigurationDoneRequest {
		rctx, cancel := s.requestContext(ctx)
		err := client.ConfigurationDone(rctx)
		cancel()
		if err != nil {
			call.Cancel()
			return fmt.Errorf("configurationDone: %w", err)
		}
	}

	if _, err := call.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	return nil
}

// waitInitialized waits for the initialized event. A failed start request
// or a lost connection ends the wait early.
func waitInitialized(ctx context.Context, client *dap.Client, initialized <-chan struct{}, call *dap.Call) error {
	callDone := call.Done()
	for {
		select {
		case <-initialized:
			return nil
		case <-callDone:
			if _, err := call.Result(); err != nil {
				return fmt.Errorf("%s: %w", call.Command, err)
			}
			callDone = nil
		case <-client.Done():
			return lostError(client.Err())
		case <-ctx.Done():
			call.Cancel()
			return fmt.Errorf("waiting for initialized event: %w", ctx.Err())
		}
	}
}

// Run supervises the session until the debuggee terminates, Stop is
// called or ctx ends. A connection that ends unexpectedly, or that reports
// ErrorThreshold protocol errors, is restarted after a backoff delay, at
// most MaxRestarts consecutive times. Run then enters StateFailed and
// returns an error matching ErrRestartsExhausted.
//
// Run starts the session itself if Start was not called; a failed first
// start counts against the restart budget.
func (s *Session) Run(ctx context.Context) error {
	b := &backoff.Backoff{Factor: 2, Jitter: true}
	restarts := 0

	var cause error
	if !s.hasClient() {
		cause = s.Start(ctx)
	}

	for {
		if cause == nil {
			cause = s.supervise(ctx)
			if cause == nil {
				return nil
			}
			if policy := s.Policy(); policy.ResetAfter > 0 && s.uptime() >= policy.ResetAfter {
				restarts = 0
				b.Reset()
			}
		}
		if errors.Is(cause, ErrSessionStopped) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		policy := s.Policy()
		if restarts >= policy.MaxRestarts {
			err := fmt.Errorf("%w after %d attempts: %w", ErrRestartsExhausted, restarts, cause)
			s.setState(StateFailed)
			s.logger.Error("giving up on debug adapter", zap.Error(err))
			if handler := s.getHandlers().OnGaveUp; handler != nil {
				handler(err)
			}
			return err
		}
		restarts++

		b.Min, b.Max = policy.MinDelay, policy.MaxDelay
		delay := b.Duration()
		s.setState(StateRestarting)
		s.logger.Warn("restarting debug adapter",
			zap.Int("attempt", restarts),
			zap.Duration("delay", delay),
			zap.Error(cause))
		if handler := s.getHandlers().OnRestart; handler != nil {
			handler(restarts, cause)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.stopCh:
			timer.Stop()
			return nil
		case <-timer.C:
		}

		cause = s.Start(ctx)
	}
}

func (s *Session) hasClient() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client != nil
}

// supervise blocks until the current connection ends. It returns nil for
// a clean end and the failure cause otherwise.
func (s *Session) supervise(ctx context.Context) error {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()
	if client == nil {
		if s.isStopped() {
			return nil
		}
		return ErrNotConnected
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.stopCh:
			return nil

		case c := <-s.ended:
			if c != client {
				continue
			}
			s.shutdownClient(client, false)
			return nil

		case c := <-s.unhealthy:
			if c != client {
				continue
			}
			s.dropClient()
			s.setState(StateDisconnected)
			return ErrTooManyProtocolErrors

		case <-client.Done():
			if s.isStopped() {
				return nil
			}
			s.mu.RLock()
			terminated := s.terminated
			s.mu.RUnlock()
			if terminated {
				s.dropClient()
				return nil
			}
			err := lostError(client.Err())
			s.dropClient()
			s.setState(StateDisconnected)
			return err
		}
	}
}

func lostError(cause error) error {
	if cause == nil {
		return ErrConnectionLost
	}
	return fmt.Errorf("%w: %w", ErrConnectionLost, cause)
}

// Stop disconnects from the adapter, asking it to terminate the debuggee,
// and ends Run. The session cannot be started again.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	s.stopped = true
	client := s.client
	s.client = nil
	s.mu.Unlock()

	var err error
	if client != nil {
		err = s.disconnect(ctx, client, true)
	}
	s.setState(StateDisconnected)
	return err
}

func (s *Session) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

func (s *Session) uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.connectedAt.IsZero() {
		return 0
	}
	return time.Since(s.connectedAt)
}

// dropClient closes and forgets the current client, if any.
func (s *Session) dropClient() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client != nil {
		client.Close()
	}
}

// shutdownClient politely disconnects client and forgets it.
func (s *Session) shutdownClient(client *dap.Client, terminate bool) {
	s.mu.Lock()
	if s.client == client {
		s.client = nil
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.disconnect(ctx, client, terminate)
}

// disconnect sends disconnect if the connection is still up, then closes it.
func (s *Session) disconnect(ctx context.Context, client *dap.Client, terminate bool) error {
	var err error
	select {
	case <-client.Done():
	default:
		rctx, cancel := s.requestContext(ctx)
		err = client.Disconnect(rctx, dap.DisconnectArguments{TerminateDebuggee: terminate})
		cancel()
		if err != nil {
			s.logger.Debug("disconnect failed", zap.Error(err))
			err = fmt.Errorf("disconnect: %w", err)
		}
	}
	if closeErr := client.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func (s *Session) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.RequestTimeout > 0 {
		return context.WithTimeout(ctx, s.config.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// activeClient returns the client once it can take requests.
func (s *Session) activeClient() (*dap.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return nil, ErrSessionStopped
	}
	if s.client == nil {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

func (s *Session) isCurrent(client *dap.Client) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client == client
}

// Breakpoints

// SetBreakpoints replaces the breakpoints of a source file. They are
// remembered and replayed on every (re)start. Without a connection the
// breakpoints are only remembered and nil is returned.
func (s *Session) SetBreakpoints(ctx context.Context, path string, bps []dap.SourceBreakpoint) ([]dap.Breakpoint, error) {
	s.bpMu.Lock()
	if len(bps) == 0 {
		delete(s.breakpoints, path)
	} else {
		s.breakpoints[path] = slices.Clone(bps)
	}
	s.bpMu.Unlock()

	client, err := s.configurableClient()
	if err != nil {
		return nil, nil
	}
	return s.sendBreakpoints(ctx, client, path, bps)
}

// ClearBreakpoints removes all breakpoints in a source file.
func (s *Session) ClearBreakpoints(ctx context.Context, path string) error {
	_, err := s.SetBreakpoints(ctx, path, nil)
	return err
}

// SetFunctionBreakpoints replaces all function breakpoints.
func (s *Session) SetFunctionBreakpoints(ctx context.Context, bps []dap.FunctionBreakpoint) ([]dap.Breakpoint, error) {
	s.bpMu.Lock()
	s.functionBPs = slices.Clone(bps)
	s.bpMu.Unlock()

	client, err := s.configurableClient()
	if err != nil {
		return nil, nil
	}
	return s.sendFunctionBreakpoints(ctx, client, bps)
}

// SetExceptionBreakpoints sets the exception filters.
func (s *Session) SetExceptionBreakpoints(ctx context.Context, filters []string) error {
	s.bpMu.Lock()
	s.exceptionBPs = slices.Clone(filters)
	s.hasExceptions = true
	s.bpMu.Unlock()

	client, err := s.configurableClient()
	if err != nil {
		return nil
	}
	return s.sendExceptionBreakpoints(ctx, client, filters)
}

// Breakpoints returns the adapter's view of a source file's breakpoints.
func (s *Session) Breakpoints(path string) []dap.Breakpoint {
	s.bpMu.RLock()
	defer s.bpMu.RUnlock()
	return slices.Clone(s.verified[path])
}

// BreakpointSources returns the sources with requested breakpoints, sorted.
func (s *Session) BreakpointSources() []string {
	s.bpMu.RLock()
	paths := lo.Keys(s.breakpoints)
	s.bpMu.RUnlock()
	slices.Sort(paths)
	return paths
}

// configurableClient returns the client if breakpoints can be sent now.
func (s *Session) configurableClient() (*dap.Client, error) {
	client, err := s.activeClient()
	if err != nil {
		return nil, err
	}
	switch s.State() {
	case StateConfiguring, StateRunning, StateStopped:
		return client, nil
	default:
		return nil, ErrNotConnected
	}
}

// replayBreakpoints sends every remembered breakpoint, sources in sorted
// order. Rejected breakpoints are logged, not fatal.
func (s *Session) replayBreakpoints(ctx context.Context, client *dap.Client) error {
	s.bpMu.RLock()
	sources := lo.MapEntries(s.breakpoints, func(path string, bps []dap.SourceBreakpoint) (string, []dap.SourceBreakpoint) {
		return path, slices.Clone(bps)
	})
	functions := slices.Clone(s.functionBPs)
	exceptions := slices.Clone(s.exceptionBPs)
	hasExceptions := s.hasExceptions
	s.bpMu.RUnlock()

	paths := lo.Keys(sources)
	slices.Sort(paths)
	for _, path := range paths {
		if _, err := s.sendBreakpoints(ctx, client, path, sources[path]); err != nil {
			if ctx.Err() != nil || !isRejected(err) {
				return fmt.Errorf("replay breakpoints for %s: %w", path, err)
			}
			s.logger.Warn("breakpoints rejected", zap.String("path", path), zap.Error(err))
		}
	}

	if len(functions) > 0 {
		if _, err := s.sendFunctionBreakpoints(ctx, client, functions); err != nil {
			if !isRejected(err) {
				return fmt.Errorf("replay function breakpoints: %w", err)
			}
			s.logger.Warn("function breakpoints rejected", zap.Error(err))
		}
	}

	if hasExceptions {
		if err := s.sendExceptionBreakpoints(ctx, client, exceptions); err != nil {
			if !isRejected(err) {
				return fmt.Errorf("replay exception breakpoints: %w", err)
			}
			s.logger.Warn("exception breakpoints rejected", zap.Error(err))
		}
	}

	if len(paths) > 0 {
		s.logger.Debug("breakpoints replayed", zap.Strings("sources", paths))
	}
	return nil
}

// isRejected reports whether the adapter answered with a failure response.
func isRejected(err error) bool {
	var respErr *dap.ResponseError
	return errors.As(err, &respErr)
}

func (s *Session) sendBreakpoints(ctx context.Context, client *dap.Client, path string, bps []dap.SourceBreakpoint) ([]dap.Breakpoint, error) {
	if bps == nil {
		bps = []dap.SourceBreakpoint{}
	}
	rctx, cancel := s.requestContext(ctx)
	defer cancel()

	result, err := client.SetBreakpoints(rctx, dap.SetBreakpointsArguments{
		Source:      dap.Source{Path: path},
		Breakpoints: bps,
	})
	if err != nil {
		return nil, err
	}

	s.bpMu.Lock()
	if len(bps) == 0 {
		delete(s.verified, path)
	} else {
		s.verified[path] = result
	}
	s.bpMu.Unlock()
	return result, nil
}

func (s *Session) sendFunctionBreakpoints(ctx context.Context, client *dap.Client, bps []dap.FunctionBreakpoint) ([]dap.Breakpoint, error) {
	if bps == nil {
		bps = []dap.FunctionBreakpoint{}
	}
	rctx, cancel := s.requestContext(ctx)
	defer cancel()
	return client.SetFunctionBreakpoints(rctx, dap.SetFunctionBreakpointsArguments{Breakpoints: bps})
}

func (s *Session) sendExceptionBreakpoints(ctx context.Context, client *dap.Client, filters []string) error {
	if filters == nil {
		filters = []string{}
	}
	rctx, cancel := s.requestContext(ctx)
	defer cancel()
	return client.SetExceptionBreakpoints(rctx, dap.SetExceptionBreakpointsArguments{Filters: filters})
}

// Execution control

// Continue resumes execution.
func (s *Session) Continue(ctx context.Context, threadID int) error {
	client, err := s.activeClient()
	if err != nil {
		return err
	}
	rctx, cancel := s.requestContext(ctx)
	defer cancel()

	if _, err := client.Continue(rctx, dap.ContinueArguments{ThreadID: threadID}); err != nil {
		return err
	}
	s.setState(StateRunning)
	return nil
}

// Next performs step over.
func (s *Session) Next(ctx context.Context, threadID int) error {
	return s.step(ctx, threadID, (*dap.Client).Next)
}

// StepIn performs step into.
func (s *Session) StepIn(ctx context.Context, threadID int) error {
	return s.step(ctx, threadID, (*dap.Client).StepIn)
}

// StepOut performs step out.
func (s *Session) StepOut(ctx context.Context, threadID int) error {
	return s.step(ctx, threadID, (*dap.Client).StepOut)
}

func (s *Session) step(ctx context.Context, threadID int, fn func(*dap.Client, context.Context, dap.StepArguments) error) error {
	client, err := s.activeClient()
	if err != nil {
		return err
	}
	rctx, cancel := s.requestContext(ctx)
	defer cancel()

	if err := fn(client, rctx, dap.StepArguments{ThreadID: threadID}); err != nil {
		return err
	}
	s.setState(StateRunning)
	return nil
}

// Pause pauses execution.
func (s *Session) Pause(ctx context.Context, threadID int) error {
	client, err := s.activeClient()
	if err != nil {
		return err
	}
	rctx, cancel := s.requestContext(ctx)
	defer cancel()
	return client.Pause(rctx, dap.PauseArguments{ThreadID: threadID})
}

// Inspection

// Threads retrieves the current threads.
func (s *Session) Threads(ctx context.Context) ([]dap.Thread, error) {
	client, err := s.activeClient()
	if err != nil {
		return nil, err
	}
	rctx, cancel := s.requestContext(ctx)
	defer cancel()

	threads, err := client.Threads(rctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.threads = threads
	s.mu.Unlock()
	return threads, nil
}

// KnownThreads returns the threads from the last Threads call.
func (s *Session) KnownThreads() []dap.Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.threads)
}

// StackTrace retrieves the stack trace for a thread.
func (s *Session) StackTrace(ctx context.Context, threadID, startFrame, levels int) ([]dap.StackFrame, int, error) {
	client, err := s.activeClient()
	if err != nil {
		return nil, 0, err
	}
	rctx, cancel := s.requestContext(ctx)
	defer cancel()

	result, err := client.StackTrace(rctx, dap.StackTraceArguments{
		ThreadID:   threadID,
		StartFrame: startFrame,
		Levels:     levels,
	})
	if err != nil {
		return nil, 0, err
	}
	return result.StackFrames, result.TotalFrames, nil
}

// Scopes retrieves the scopes for a stack frame.
func (s *Session) Scopes(ctx context.Context, frameID int) ([]dap.Scope, error) {
	client, err := s.activeClient()
	if err != nil {
		return nil, err
	}
	rctx, cancel := s.requestContext(ctx)
	defer cancel()
	return client.Scopes(rctx, dap.ScopesArguments{FrameID: frameID})
}

// Variables retrieves variables from a scope or variable reference.
func (s *Session) Variables(ctx context.Context, variablesRef int) ([]dap.Variable, error) {
	client, err := s.activeClient()
	if err != nil {
		return nil, err
	}
	rctx, cancel := s.requestContext(ctx)
	defer cancel()
	return client.Variables(rctx, dap.VariablesArguments{VariablesReference: variablesRef})
}

// Evaluate evaluates an expression.
func (s *Session) Evaluate(ctx context.Context, expression string, frameID int, evalContext string) (*dap.EvaluateResponseBody, error) {
	client, err := s.activeClient()
	if err != nil {
		return nil, err
	}
	rctx, cancel := s.requestContext(ctx)
	defer cancel()
	return client.Evaluate(rctx, dap.EvaluateArguments{
		Expression: expression,
		FrameID:    frameID,
		Context:    evalContext,
	})
}

// Event handlers

// attach wires a new client's events to the session. Events from a client
// that is no longer current are ignored.
func (s *Session) attach(client *dap.Client, initialized chan<- struct{}) {
	var once sync.Once
	client.OnInitialized(func() {
		once.Do(func() { close(initialized) })
	})

	client.OnStopped(func(body dap.StoppedEventBody) {
		if !s.isCurrent(client) {
			return
		}
		s.mu.Lock()
		s.currentThread = body.ThreadID
		s.mu.Unlock()
		s.setState(StateStopped)

		if handler := s.getHandlers().OnStopped; handler != nil {
			handler(body.Reason, body.ThreadID, body.AllThreadsStopped)
		}
	})

	client.OnContinued(func(dap.ContinuedEventBody) {
		if s.isCurrent(client) {
			s.setState(StateRunning)
		}
	})

	client.OnExited(func(body dap.ExitedEventBody) {
		if s.isCurrent(client) {
			s.logger.Info("debuggee exited", zap.Int("exit_code", body.ExitCode))
		}
	})

	client.OnTerminated(func(dap.TerminatedEventBody) {
		if !s.isCurrent(client) {
			return
		}
		s.mu.Lock()
		s.terminated = true
		s.mu.Unlock()
		s.setState(StateTerminated)

		if handler := s.getHandlers().OnTerminated; handler != nil {
			handler()
		}
		select {
		case s.ended <- client:
		default:
		}
	})

	client.OnThread(func(body dap.ThreadEventBody) {
		if handler := s.getHandlers().OnThreadChanged; handler != nil && s.isCurrent(client) {
			handler(body.Reason, body.ThreadID)
		}
	})

	client.OnOutput(func(body dap.OutputEventBody) {
		if handler := s.getHandlers().OnOutput; handler != nil && s.isCurrent(client) {
			handler(body.Category, body.Output)
		}
	})

	client.OnBreakpoint(func(body dap.BreakpointEventBody) {
		if handler := s.getHandlers().OnBreakpointChanged; handler != nil && s.isCurrent(client) {
			handler(body.Reason, body.Breakpoint)
		}
	})

	var protocolErrors atomic.Int64
	client.OnProtocolError(func(err error) {
		n := protocolErrors.Add(1)
		threshold := s.Policy().ErrorThreshold
		if threshold <= 0 || n != int64(threshold) {
			return
		}
		s.logger.Warn("protocol error threshold reached", zap.Int64("errors", n), zap.Error(err))
		select {
		case s.unhealthy <- client:
		default:
		}
	})
}
