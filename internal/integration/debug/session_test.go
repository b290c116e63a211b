package debug

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/dapwire/internal/integration/debug/dap"
)

// scriptedAdapter plays a well-behaved debug adapter on one end of a pipe.
type scriptedAdapter struct {
	conn net.Conn
	caps dap.Capabilities

	mu        sync.Mutex
	seq       int
	requests  []dap.Request
	overrides map[string]func(req dap.Request)
	launch    *dap.Request
}

func newScriptedAdapter(conn net.Conn) *scriptedAdapter {
	return &scriptedAdapter{
		conn:      conn,
		caps:      dap.Capabilities{SupportsConfigurationDoneRequest: true},
		overrides: make(map[string]func(dap.Request)),
	}
}

func (a *scriptedAdapter) loop() {
	f := dap.NewFramer()
	buf := make([]byte, 4096)
	for {
		n, err := a.conn.Read(buf)
		if err != nil {
			return
		}
		f.Push(buf[:n])
		for {
			body, err := f.Next()
			if err != nil {
				continue
			}
			if body == nil {
				break
			}
			var req dap.Request
			if json.Unmarshal(body, &req) != nil || req.Type != dap.TypeRequest {
				continue
			}
			a.handle(req)
		}
	}
}

func (a *scriptedAdapter) handle(req dap.Request) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	override := a.overrides[req.Command]
	a.mu.Unlock()

	if override != nil {
		override(req)
		return
	}

	switch req.Command {
	case "initialize":
		a.respond(req, a.caps, "")
		a.event("initialized", nil)

	case "launch", "attach":
		// Held until configurationDone, as delve does.
		if a.caps.SupportsConfigurationDoneRequest {
			a.mu.Lock()
			a.launch = &req
			a.mu.Unlock()
			return
		}
		a.respond(req, nil, "")

	case "configurationDone":
		a.respond(req, nil, "")
		a.mu.Lock()
		launch := a.launch
		a.launch = nil
		a.mu.Unlock()
		if launch != nil {
			a.respond(*launch, nil, "")
		}

	case "setBreakpoints":
		var args dap.SetBreakpointsArguments
		_ = json.Unmarshal(req.Arguments, &args)
		bps := make([]dap.Breakpoint, len(args.Breakpoints))
		for i, sb := range args.Breakpoints {
			bps[i] = dap.Breakpoint{ID: i + 1, Verified: true, Line: sb.Line}
		}
		a.respond(req, map[string]any{"breakpoints": bps}, "")

	case "disconnect":
		a.respond(req, nil, "")
		a.crash()

	default:
		a.respond(req, nil, "")
	}
}

func (a *scriptedAdapter) override(command string, fn func(req dap.Request)) {
	a.mu.Lock()
	a.overrides[command] = fn
	a.mu.Unlock()
}

func (a *scriptedAdapter) respond(req dap.Request, body any, message string) {
	resp := map[string]any{
		"type":        dap.TypeResponse,
		"request_seq": req.Seq,
		"command":     req.Command,
		"success":     message == "",
	}
	if message != "" {
		resp["message"] = message
	}
	if body != nil {
		resp["body"] = body
	}
	a.send(resp)
}

func (a *scriptedAdapter) event(name string, body any) {
	msg := map[string]any{"type": dap.TypeEvent, "event": name}
	if body != nil {
		msg["body"] = body
	}
	a.send(msg)
}

func (a *scriptedAdapter) send(msg map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	msg["seq"] = a.seq

	data, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	_, _ = a.conn.Write(append(fmt.Appendf(nil, "Content-Length: %d\r\n\r\n", len(data)), data...))
}

func (a *scriptedAdapter) writeRaw(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, _ = a.conn.Write([]byte(s))
}

func (a *scriptedAdapter) crash() {
	_ = a.conn.Close()
}

func (a *scriptedAdapter) commands() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.requests))
	for i, r := range a.requests {
		out[i] = r.Command
	}
	return out
}

func (a *scriptedAdapter) request(command string) (dap.Request, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.requests {
		if r.Command == command {
			return r, true
		}
	}
	return dap.Request{}, false
}

var errRefused = errors.New("connection refused")

// fakeLauncher hands out a fresh scripted adapter per Connect.
type fakeLauncher struct {
	mu       sync.Mutex
	adapters []*scriptedAdapter
	connects int
	failFrom int // Connect fails from this attempt on when > 0
	setup    func(*scriptedAdapter)
}

func (l *fakeLauncher) Connect(ctx context.Context) (dap.Transport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connects++
	if l.failFrom > 0 && l.connects >= l.failFrom {
		return nil, errRefused
	}

	clientEnd, serverEnd := net.Pipe()
	a := newScriptedAdapter(serverEnd)
	if l.setup != nil {
		l.setup(a)
	}
	go a.loop()
	l.adapters = append(l.adapters, a)
	return dap.NewRawTransport(clientEnd), nil
}

func (l *fakeLauncher) AdapterID() string { return "fake" }

func (l *fakeLauncher) StartRequest() (string, any, error) {
	return "launch", map[string]any{"program": "./prog"}, nil
}

func (l *fakeLauncher) adapter(i int) *scriptedAdapter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i >= len(l.adapters) {
		return nil
	}
	return l.adapters[i]
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.adapters)
}

func testSessionConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.RequestTimeout = 2 * time.Second
	cfg.Restart = RestartPolicy{
		MaxRestarts:    3,
		MinDelay:       time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		ErrorThreshold: 3,
	}
	return cfg
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func runSession(ctx context.Context, s *Session) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestSessionStateString(t *testing.T) {
	tests := []struct {
		state SessionState
		want  string
	}{
		{StateInitializing, "initializing"},
		{StateConnected, "connected"},
		{StateConfiguring, "configuring"},
		{StateRunning, "running"},
		{StateStopped, "stopped"},
		{StateTerminated, "terminated"},
		{StateDisconnected, "disconnected"},
		{StateRestarting, "restarting"},
		{StateFailed, "failed"},
		{SessionState(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestSessionStartHandshake(t *testing.T) {
	launcher := &fakeLauncher{}
	s := NewSession(launcher, testSessionConfig())
	ctx := testContext(t)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	bps, err := s.SetBreakpoints(ctx, "/src/main.go", []dap.SourceBreakpoint{{Line: 7}, {Line: 12}})
	require.NoError(t, err)
	assert.Nil(t, bps)

	require.NoError(t, s.Start(ctx))
	assert.Equal(t, StateRunning, s.State())
	require.NotNil(t, s.Capabilities())
	assert.True(t, s.Capabilities().SupportsConfigurationDoneRequest)

	adapter := launcher.adapter(0)
	assert.Equal(t, []string{"initialize", "launch", "setBreakpoints", "configurationDone"}, adapter.commands())

	init, ok := adapter.request("initialize")
	require.True(t, ok)
	var args dap.InitializeRequestArguments
	require.NoError(t, json.Unmarshal(init.Arguments, &args))
	assert.Equal(t, "fake", args.AdapterID)
	assert.Equal(t, "dapwire", args.ClientID)
	assert.True(t, args.LinesStartAt1)

	verified := s.Breakpoints("/src/main.go")
	require.Len(t, verified, 2)
	assert.True(t, verified[0].Verified)
	assert.Equal(t, 12, verified[1].Line)
}

func TestSessionSkipsConfigurationDoneWhenUnsupported(t *testing.T) {
	launcher := &fakeLauncher{setup: func(a *scriptedAdapter) {
		a.caps.SupportsConfigurationDoneRequest = false
	}}
	s := NewSession(launcher, testSessionConfig())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	require.NoError(t, s.Start(testContext(t)))
	assert.Equal(t, []string{"initialize", "launch"}, launcher.adapter(0).commands())
}

func TestSessionStartLaunchFailure(t *testing.T) {
	launcher := &fakeLauncher{setup: func(a *scriptedAdapter) {
		a.override("launch", func(req dap.Request) {
			a.respond(req, nil, "could not launch process")
		})
	}}
	s := NewSession(launcher, testSessionConfig())

	err := s.Start(testContext(t))
	var respErr *dap.ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, "launch", respErr.Response.Command)
	assert.Equal(t, StateDisconnected, s.State())

	assert.ErrorIs(t, s.Continue(testContext(t), 1), ErrNotConnected)
}

func TestSessionStartConnectFailure(t *testing.T) {
	s := NewSession(&fakeLauncher{failFrom: 1}, testSessionConfig())

	err := s.Start(testContext(t))
	assert.ErrorIs(t, err, errRefused)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSessionRequiresConnection(t *testing.T) {
	s := NewSession(&fakeLauncher{}, testSessionConfig())
	ctx := testContext(t)

	assert.ErrorIs(t, s.Continue(ctx, 1), ErrNotConnected)
	assert.ErrorIs(t, s.Next(ctx, 1), ErrNotConnected)
	_, err := s.Threads(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, _, err = s.StackTrace(ctx, 1, 0, 20)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = s.SetBreakpoints(ctx, "/b.go", []dap.SourceBreakpoint{{Line: 1}})
	require.NoError(t, err)
	_, err = s.SetBreakpoints(ctx, "/a.go", []dap.SourceBreakpoint{{Line: 2}})
	require.NoError(t, err)
	assert.Equal(t, []string{"/a.go", "/b.go"}, s.BreakpointSources())

	require.NoError(t, s.ClearBreakpoints(ctx, "/b.go"))
	assert.Equal(t, []string{"/a.go"}, s.BreakpointSources())
}

func TestSessionStoppedEvent(t *testing.T) {
	launcher := &fakeLauncher{}
	stopped := make(chan int, 1)
	s := NewSession(launcher, testSessionConfig(), WithHandlers(SessionHandlers{
		OnStopped: func(reason string, threadID int, allStopped bool) {
			stopped <- threadID
		},
	}))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	ctx := testContext(t)
	require.NoError(t, s.Start(ctx))

	launcher.adapter(0).event("stopped", dap.StoppedEventBody{Reason: "breakpoint", ThreadID: 4})

	select {
	case id := <-stopped:
		assert.Equal(t, 4, id)
	case <-time.After(time.Second):
		t.Fatal("stopped handler not called")
	}
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, 4, s.CurrentThread())

	require.NoError(t, s.Continue(ctx, 4))
	assert.Equal(t, StateRunning, s.State())
}

func TestSessionStoppedHandlerInspectsThreads(t *testing.T) {
	launcher := &fakeLauncher{setup: func(a *scriptedAdapter) {
		a.override("threads", func(req dap.Request) {
			a.respond(req, map[string]any{"threads": []dap.Thread{{ID: 4, Name: "main"}}}, "")
		})
	}}

	var s *Session
	threads := make(chan []dap.Thread, 1)
	errs := make(chan error, 1)
	s = NewSession(launcher, testSessionConfig(), WithHandlers(SessionHandlers{
		OnStopped: func(reason string, threadID int, allStopped bool) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			got, err := s.Threads(ctx)
			if err != nil {
				errs <- err
				return
			}
			threads <- got
		},
	}))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	require.NoError(t, s.Start(testContext(t)))

	launcher.adapter(0).event("stopped", dap.StoppedEventBody{Reason: "breakpoint", ThreadID: 4})

	select {
	case got := <-threads:
		require.Len(t, got, 1)
		assert.Equal(t, "main", got[0].Name)
	case err := <-errs:
		t.Fatalf("Threads from OnStopped: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnStopped request did not complete")
	}
	assert.Equal(t, []dap.Thread{{ID: 4, Name: "main"}}, s.KnownThreads())
}

func TestSessionRunRestartsAndReplaysBreakpoints(t *testing.T) {
	launcher := &fakeLauncher{}

	var mu sync.Mutex
	var causes []error
	s := NewSession(launcher, testSessionConfig(), WithHandlers(SessionHandlers{
		OnRestart: func(attempt int, cause error) {
			mu.Lock()
			causes = append(causes, cause)
			mu.Unlock()
		},
	}))
	ctx := testContext(t)

	_, err := s.SetBreakpoints(ctx, "/src/main.go", []dap.SourceBreakpoint{{Line: 3}})
	require.NoError(t, err)

	done := runSession(ctx, s)
	require.Eventually(t, func() bool {
		return launcher.count() == 1 && s.State() == StateRunning
	}, 2*time.Second, 5*time.Millisecond)

	launcher.adapter(0).crash()

	require.Eventually(t, func() bool {
		return launcher.count() == 2 && s.State() == StateRunning
	}, 2*time.Second, 5*time.Millisecond)

	req, ok := launcher.adapter(1).request("setBreakpoints")
	require.True(t, ok)
	var args dap.SetBreakpointsArguments
	require.NoError(t, json.Unmarshal(req.Arguments, &args))
	assert.Equal(t, "/src/main.go", args.Source.Path)
	require.Len(t, args.Breakpoints, 1)
	assert.Equal(t, 3, args.Breakpoints[0].Line)

	mu.Lock()
	require.Len(t, causes, 1)
	assert.ErrorIs(t, causes[0], ErrConnectionLost)
	mu.Unlock()

	require.NoError(t, s.Stop(ctx))
	assert.NoError(t, waitRun(t, done))
	assert.Equal(t, StateDisconnected, s.State())

	disc, ok := launcher.adapter(1).request("disconnect")
	require.True(t, ok)
	var dargs dap.DisconnectArguments
	require.NoError(t, json.Unmarshal(disc.Arguments, &dargs))
	assert.True(t, dargs.TerminateDebuggee)
}

func TestSessionRunGivesUp(t *testing.T) {
	launcher := &fakeLauncher{failFrom: 2}

	var restarts []int
	var gaveUp []error
	var mu sync.Mutex
	cfg := testSessionConfig()
	cfg.Restart.MaxRestarts = 2
	s := NewSession(launcher, cfg, WithHandlers(SessionHandlers{
		OnRestart: func(attempt int, cause error) {
			mu.Lock()
			restarts = append(restarts, attempt)
			mu.Unlock()
		},
		OnGaveUp: func(err error) {
			mu.Lock()
			gaveUp = append(gaveUp, err)
			mu.Unlock()
		},
	}))
	ctx := testContext(t)
	require.NoError(t, s.Start(ctx))

	done := runSession(ctx, s)
	launcher.adapter(0).crash()

	err := waitRun(t, done)
	assert.ErrorIs(t, err, ErrRestartsExhausted)
	assert.ErrorIs(t, err, errRefused)
	assert.Equal(t, StateFailed, s.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, restarts)
	require.Len(t, gaveUp, 1)
	assert.ErrorIs(t, gaveUp[0], ErrRestartsExhausted)
}

func TestSessionRunFirstStartFailureUsesBudget(t *testing.T) {
	cfg := testSessionConfig()
	cfg.Restart.MaxRestarts = 0
	s := NewSession(&fakeLauncher{failFrom: 1}, cfg)

	err := s.Run(testContext(t))
	assert.ErrorIs(t, err, ErrRestartsExhausted)
	assert.ErrorIs(t, err, errRefused)
	assert.Equal(t, StateFailed, s.State())
}

func TestSessionProtocolErrorThreshold(t *testing.T) {
	launcher := &fakeLauncher{}
	causes := make(chan error, 4)
	s := NewSession(launcher, testSessionConfig(), WithHandlers(SessionHandlers{
		OnRestart: func(attempt int, cause error) { causes <- cause },
	}))
	ctx := testContext(t)
	require.NoError(t, s.Start(ctx))
	done := runSession(ctx, s)

	garbage := "Content-Length: 5\r\n\r\nnope!"
	for i := 0; i < 3; i++ {
		launcher.adapter(0).writeRaw(garbage)
	}

	select {
	case cause := <-causes:
		assert.ErrorIs(t, cause, ErrTooManyProtocolErrors)
	case <-time.After(2 * time.Second):
		t.Fatal("session was not restarted")
	}

	require.Eventually(t, func() bool {
		return launcher.count() == 2 && s.State() == StateRunning
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(ctx))
	assert.NoError(t, waitRun(t, done))
}

func TestSessionTerminatedEndsRun(t *testing.T) {
	launcher := &fakeLauncher{}
	terminated := make(chan struct{}, 1)
	s := NewSession(launcher, testSessionConfig(), WithHandlers(SessionHandlers{
		OnTerminated: func() { terminated <- struct{}{} },
	}))
	ctx := testContext(t)
	require.NoError(t, s.Start(ctx))
	done := runSession(ctx, s)

	launcher.adapter(0).event("terminated", nil)

	assert.NoError(t, waitRun(t, done))
	select {
	case <-terminated:
	default:
		t.Fatal("terminated handler not called")
	}
	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, 1, launcher.count())

	disc, ok := launcher.adapter(0).request("disconnect")
	require.True(t, ok)
	var args dap.DisconnectArguments
	require.NoError(t, json.Unmarshal(disc.Arguments, &args))
	assert.False(t, args.TerminateDebuggee)
}

func TestSessionRunContextCanceled(t *testing.T) {
	launcher := &fakeLauncher{}
	s := NewSession(launcher, testSessionConfig())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	done := runSession(ctx, s)

	cancel()
	assert.ErrorIs(t, waitRun(t, done), context.Canceled)
}

func TestSessionStopIsFinal(t *testing.T) {
	launcher := &fakeLauncher{}
	s := NewSession(launcher, testSessionConfig())
	ctx := testContext(t)
	require.NoError(t, s.Start(ctx))

	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, StateDisconnected, s.State())

	assert.ErrorIs(t, s.Start(ctx), ErrSessionStopped)
	assert.ErrorIs(t, s.Continue(ctx, 1), ErrSessionStopped)
	assert.NoError(t, s.Run(ctx))
}

func TestSessionUpdatePolicy(t *testing.T) {
	s := NewSession(&fakeLauncher{}, DefaultSessionConfig())
	assert.Equal(t, DefaultRestartPolicy(), s.Policy())

	p := RestartPolicy{MaxRestarts: 1, ErrorThreshold: 2}
	s.UpdatePolicy(p)
	assert.Equal(t, p, s.Policy())
	assert.NotEmpty(t, s.ID())
}
