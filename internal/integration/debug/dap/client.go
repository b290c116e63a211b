package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrReverseRequestUnsupported answers reverse requests nobody handles.
var ErrReverseRequestUnsupported = errors.New("reverse request not supported")

// Client is a typed DAP client over a Transport.
//
// Event, protocol error and reverse request handlers run one at a time, in
// arrival order, on a goroutine separate from the reader, so a handler may
// issue requests and wait for their responses. A handler that blocks still
// delays the handlers queued behind it.
type Client struct {
	conn      *Connection
	transport Transport
	logger    *zap.Logger
	queue     handlerQueue

	handlers  eventHandlers
	handlerMu sync.RWMutex

	serveDone chan struct{}
	closeOnce sync.Once
}

// eventHandlers stores event handler functions.
type eventHandlers struct {
	onInitialized   func()
	onStopped       func(StoppedEventBody)
	onContinued     func(ContinuedEventBody)
	onExited        func(ExitedEventBody)
	onTerminated    func(TerminatedEventBody)
	onThread        func(ThreadEventBody)
	onOutput        func(OutputEventBody)
	onBreakpoint    func(BreakpointEventBody)
	onAny           func(*Event)
	onProtocolError func(error)
	onReverse       func(*Request) (any, error)
}

// NewClient creates a client and starts reading from the transport.
//
// The client installs its own event, error and reverse-request handlers on
// the underlying connection; use the On* methods instead of the
// corresponding connection options. Those handlers run on the client's
// handler goroutine, never on the reader.
func NewClient(transport Transport, opts ...Option) *Client {
	c := &Client{
		transport: transport,
		logger:    zap.NewNop(),
		serveDone: make(chan struct{}),
	}

	all := make([]Option, 0, len(opts)+3)
	all = append(all, opts...)
	all = append(all,
		WithEventHandler(func(evt *Event) {
			c.enqueue("event", func() { c.handleEvent(evt) })
		}),
		WithErrorHandler(func(err error) {
			c.enqueue("error", func() { c.handleError(err) })
		}),
		WithRequestHandler(func(req *Request) {
			c.enqueue("request", func() { c.handleReverseRequest(req) })
		}),
	)
	c.conn = NewConnection(transport, all...)
	c.logger = c.conn.logger

	go c.serve()
	return c
}

func (c *Client) serve() {
	defer close(c.serveDone)
	if err := c.conn.Serve(context.Background(), c.transport); err != nil {
		c.logger.Debug("connection ended", zap.Error(err))
	}
}

// Connection returns the underlying connection.
func (c *Client) Connection() *Connection {
	return c.conn
}

// Done is closed when the connection to the adapter has ended.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}

// Err returns why the connection ended, or nil while it is open or after
// an explicit Close.
func (c *Client) Err() error {
	return c.conn.Err()
}

// Close tears down the connection, closes the transport and waits for the
// reader to stop.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.conn.Close()
		err = c.transport.Close()
		<-c.serveDone
	})
	return err
}

// Raw sends an arbitrary request and returns the raw response body.
func (c *Client) Raw(ctx context.Context, command string, args any) (json.RawMessage, error) {
	return c.conn.Request(ctx, command, args)
}

// call sends a request and decodes the response body into out, if given.
func (c *Client) call(ctx context.Context, command string, args any, out any) error {
	body, err := c.conn.Request(ctx, command, args)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal %s response: %w", command, err)
	}
	return nil
}

// enqueue schedules a handler behind those already queued.
func (c *Client) enqueue(what string, fn func()) {
	c.queue.push(func() { c.conn.safeCall(what, fn) })
}

func (c *Client) handleError(err error) {
	c.handlerMu.RLock()
	fn := c.handlers.onProtocolError
	c.handlerMu.RUnlock()

	if fn != nil {
		fn(err)
	}
}

func (c *Client) handleReverseRequest(req *Request) {
	c.handlerMu.RLock()
	fn := c.handlers.onReverse
	c.handlerMu.RUnlock()

	var body any
	err := fmt.Errorf("%s: %w", req.Command, ErrReverseRequestUnsupported)
	if fn != nil {
		body, err = fn(req)
	}
	if replyErr := c.conn.Reply(req, body, err); replyErr != nil {
		c.logger.Warn("reply to reverse request", zap.String("command", req.Command), zap.Error(replyErr))
	}
}

// handleEvent routes an event to its typed handler, then to the catch-all.
func (c *Client) handleEvent(evt *Event) {
	c.handlerMu.RLock()
	h := c.handlers
	c.handlerMu.RUnlock()

	var err error
	switch evt.Event {
	case "initialized":
		if h.onInitialized != nil {
			h.onInitialized()
		}
	case "stopped":
		err = deliver(evt, h.onStopped)
	case "continued":
		err = deliver(evt, h.onContinued)
	case "exited":
		err = deliver(evt, h.onExited)
	case "terminated":
		err = deliver(evt, h.onTerminated)
	case "thread":
		err = deliver(evt, h.onThread)
	case "output":
		err = deliver(evt, h.onOutput)
	case "breakpoint":
		err = deliver(evt, h.onBreakpoint)
	}
	if err != nil {
		c.logger.Debug("skipping malformed event body", zap.String("event", evt.Event), zap.Error(err))
	}

	if h.onAny != nil {
		h.onAny(evt)
	}
}

// deliver decodes the event body and passes it to fn.
func deliver[T any](evt *Event, fn func(T)) error {
	if fn == nil {
		return nil
	}
	var body T
	if len(evt.Body) > 0 {
		if err := json.Unmarshal(evt.Body, &body); err != nil {
			return err
		}
	}
	fn(body)
	return nil
}

// Event handler setters

func (c *Client) setHandler(set func(*eventHandlers)) {
	c.handlerMu.Lock()
	set(&c.handlers)
	c.handlerMu.Unlock()
}

// OnInitialized sets the handler for the initialized event.
func (c *Client) OnInitialized(handler func()) {
	c.setHandler(func(h *eventHandlers) { h.onInitialized = handler })
}

// OnStopped sets the handler for the stopped event.
func (c *Client) OnStopped(handler func(StoppedEventBody)) {
	c.setHandler(func(h *eventHandlers) { h.onStopped = handler })
}

// OnContinued sets the handler for the continued event.
func (c *Client) OnContinued(handler func(ContinuedEventBody)) {
	c.setHandler(func(h *eventHandlers) { h.onContinued = handler })
}

// OnExited sets the handler for the exited event.
func (c *Client) OnExited(handler func(ExitedEventBody)) {
	c.setHandler(func(h *eventHandlers) { h.onExited = handler })
}

// OnTerminated sets the handler for the terminated event.
func (c *Client) OnTerminated(handler func(TerminatedEventBody)) {
	c.setHandler(func(h *eventHandlers) { h.onTerminated = handler })
}

// OnThread sets the handler for the thread event.
func (c *Client) OnThread(handler func(ThreadEventBody)) {
	c.setHandler(func(h *eventHandlers) { h.onThread = handler })
}

// OnOutput sets the handler for the output event.
func (c *Client) OnOutput(handler func(OutputEventBody)) {
	c.setHandler(func(h *eventHandlers) { h.onOutput = handler })
}

// OnBreakpoint sets the handler for the breakpoint event.
func (c *Client) OnBreakpoint(handler func(BreakpointEventBody)) {
	c.setHandler(func(h *eventHandlers) { h.onBreakpoint = handler })
}

// OnAnyEvent sets a handler called for every event after its typed handler.
func (c *Client) OnAnyEvent(handler func(*Event)) {
	c.setHandler(func(h *eventHandlers) { h.onAny = handler })
}

// OnProtocolError sets the handler for framing and decode errors.
func (c *Client) OnProtocolError(handler func(error)) {
	c.setHandler(func(h *eventHandlers) { h.onProtocolError = handler })
}

// OnReverseRequest sets the handler for requests sent by the adapter.
// Without one, reverse requests are answered with a failure.
func (c *Client) OnReverseRequest(handler func(*Request) (any, error)) {
	c.setHandler(func(h *eventHandlers) { h.onReverse = handler })
}

// DAP Request Methods

// Initialize sends the initialize request.
func (c *Client) Initialize(ctx context.Context, args InitializeRequestArguments) (*Capabilities, error) {
	var caps Capabilities
	if err := c.call(ctx, "initialize", args, &caps); err != nil {
		return nil, err
	}
	return &caps, nil
}

// ConfigurationDone sends the configurationDone request.
func (c *Client) ConfigurationDone(ctx context.Context) error {
	return c.call(ctx, "configurationDone", nil, nil)
}

// Launch sends the launch request. Arguments are adapter specific.
func (c *Client) Launch(ctx context.Context, args any) error {
	return c.call(ctx, "launch", args, nil)
}

// Attach sends the attach request. Arguments are adapter specific.
func (c *Client) Attach(ctx context.Context, args any) error {
	return c.call(ctx, "attach", args, nil)
}

// Disconnect sends the disconnect request.
func (c *Client) Disconnect(ctx context.Context, args DisconnectArguments) error {
	return c.call(ctx, "disconnect", args, nil)
}

// Terminate sends the terminate request.
func (c *Client) Terminate(ctx context.Context, args TerminateArguments) error {
	return c.call(ctx, "terminate", args, nil)
}

// SetBreakpoints replaces all breakpoints in a source file.
func (c *Client) SetBreakpoints(ctx context.Context, args SetBreakpointsArguments) ([]Breakpoint, error) {
	var body breakpointsBody
	if err := c.call(ctx, "setBreakpoints", args, &body); err != nil {
		return nil, err
	}
	return body.Breakpoints, nil
}

// SetFunctionBreakpoints replaces all function breakpoints.
func (c *Client) SetFunctionBreakpoints(ctx context.Context, args SetFunctionBreakpointsArguments) ([]Breakpoint, error) {
	var body breakpointsBody
	if err := c.call(ctx, "setFunctionBreakpoints", args, &body); err != nil {
		return nil, err
	}
	return body.Breakpoints, nil
}

// SetExceptionBreakpoints sets the exception filters.
func (c *Client) SetExceptionBreakpoints(ctx context.Context, args SetExceptionBreakpointsArguments) error {
	return c.call(ctx, "setExceptionBreakpoints", args, nil)
}

// Continue resumes execution.
func (c *Client) Continue(ctx context.Context, args ContinueArguments) (*ContinueResponseBody, error) {
	var body ContinueResponseBody
	if err := c.call(ctx, "continue", args, &body); err != nil {
		return nil, err
	}
	return &body, nil
}

// Next steps over.
func (c *Client) Next(ctx context.Context, args StepArguments) error {
	return c.call(ctx, "next", args, nil)
}

// StepIn steps into.
func (c *Client) StepIn(ctx context.Context, args StepArguments) error {
	return c.call(ctx, "stepIn", args, nil)
}

// StepOut steps out.
func (c *Client) StepOut(ctx context.Context, args StepArguments) error {
	return c.call(ctx, "stepOut", args, nil)
}

// Pause suspends a thread.
func (c *Client) Pause(ctx context.Context, args PauseArguments) error {
	return c.call(ctx, "pause", args, nil)
}

// Threads lists the debuggee's threads.
func (c *Client) Threads(ctx context.Context) ([]Thread, error) {
	var body threadsBody
	if err := c.call(ctx, "threads", nil, &body); err != nil {
		return nil, err
	}
	return body.Threads, nil
}

// StackTrace fetches a thread's stack.
func (c *Client) StackTrace(ctx context.Context, args StackTraceArguments) (*StackTraceResponseBody, error) {
	var body StackTraceResponseBody
	if err := c.call(ctx, "stackTrace", args, &body); err != nil {
		return nil, err
	}
	return &body, nil
}

// Scopes lists the scopes of a stack frame.
func (c *Client) Scopes(ctx context.Context, args ScopesArguments) ([]Scope, error) {
	var body scopesBody
	if err := c.call(ctx, "scopes", args, &body); err != nil {
		return nil, err
	}
	return body.Scopes, nil
}

// Variables lists the children of a variables reference.
func (c *Client) Variables(ctx context.Context, args VariablesArguments) ([]Variable, error) {
	var body variablesBody
	if err := c.call(ctx, "variables", args, &body); err != nil {
		return nil, err
	}
	return body.Variables, nil
}

// Evaluate evaluates an expression.
func (c *Client) Evaluate(ctx context.Context, args EvaluateArguments) (*EvaluateResponseBody, error) {
	var body EvaluateResponseBody
	if err := c.call(ctx, "evaluate", args, &body); err != nil {
		return nil, err
	}
	return &body, nil
}
