package dap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const defaultReadBufferSize = 32 * 1024

// Connection frames outgoing requests and dispatches incoming messages for
// one DAP peer.
//
// Outgoing bytes go to a single io.Writer. Incoming bytes are delivered
// through HandleData, usually by Serve. Responses are matched to requests
// by sequence number only, so the peer may answer out of order. Events are
// delivered in the order their bytes arrive.
//
// Send, Request and Call.Cancel are safe for concurrent use. HandleData
// must only be called from one goroutine at a time; parsing and dispatch
// run to completion on that goroutine.
type Connection struct {
	id     string
	logger *zap.Logger

	w       io.Writer
	writeMu sync.Mutex
	seq     int // guarded by writeMu

	mu      sync.Mutex
	pending map[int]*Call
	closed  bool
	err     error
	done    chan struct{}

	framer         *Framer
	maxContent     int
	readBufferSize int

	onEvent   func(*Event)
	onError   func(error)
	onRequest func(*Request)
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEventHandler sets the callback for incoming events. Connection
// callbacks run on the reader goroutine and must not wait on a response;
// Client moves its handlers onto a separate goroutine.
func WithEventHandler(fn func(*Event)) Option {
	return func(c *Connection) {
		c.onEvent = fn
	}
}

// WithErrorHandler sets the callback for framing and decode errors.
func WithErrorHandler(fn func(error)) Option {
	return func(c *Connection) {
		c.onError = fn
	}
}

// WithRequestHandler sets the callback for reverse requests sent by the
// adapter. Without one, incoming requests are treated as unmatched responses.
func WithRequestHandler(fn func(*Request)) Option {
	return func(c *Connection) {
		c.onRequest = fn
	}
}

// WithMaxContentLength bounds the size of incoming message bodies.
func WithMaxContentLength(n int) Option {
	return func(c *Connection) {
		c.maxContent = n
	}
}

// WithReadBufferSize sets the chunk size Serve reads with.
func WithReadBufferSize(n int) Option {
	return func(c *Connection) {
		if n > 0 {
			c.readBufferSize = n
		}
	}
}

// NewConnection creates a connection that writes requests to w.
func NewConnection(w io.Writer, opts ...Option) *Connection {
	c := &Connection{
		id:             uuid.New().String(),
		logger:         zap.NewNop(),
		w:              w,
		pending:        make(map[int]*Call),
		done:           make(chan struct{}),
		readBufferSize: defaultReadBufferSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("conn_id", c.id))
	c.framer = NewFramer(WithFramerMaxContentLength(c.maxContent))
	return c
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string {
	return c.id
}

// Send writes a request and returns the pending call for its response.
//
// Sequence numbers start at 1 and are never reused, even when the write
// fails. The arguments key is left out when args is nil or encodes to null
// or an empty object.
func (c *Connection) Send(command string, args any) (*Call, error) {
	arguments, err := encodeArguments(args)
	if err != nil {
		return nil, fmt.Errorf("marshal %s arguments: %w", command, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.seq++
	seq := c.seq

	content, err := json.Marshal(Request{
		ProtocolMessage: ProtocolMessage{Seq: seq, Type: TypeRequest},
		Command:         command,
		Arguments:       arguments,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", command, err)
	}

	call := newCall(c, seq, command)
	if !c.register(call) {
		return nil, c.closedErr()
	}

	if _, err := c.w.Write(appendFrame(nil, content)); err != nil {
		c.forget(seq)
		return nil, fmt.Errorf("write %s request: %w", command, err)
	}

	recordSent(context.Background(), command)
	c.logger.Debug("request sent", zap.Int("seq", seq), zap.String("command", command))
	return call, nil
}

// Reply answers a reverse request from the adapter. A nil replyErr sends a
// successful response carrying body; otherwise the response reports failure
// with replyErr's message.
func (c *Connection) Reply(req *Request, body any, replyErr error) error {
	if c.isClosed() {
		return c.closedErr()
	}

	resp := Response{
		ProtocolMessage: ProtocolMessage{Type: TypeResponse},
		RequestSeq:      req.Seq,
		Success:         replyErr == nil,
		Command:         req.Command,
	}
	if replyErr != nil {
		resp.Message = replyErr.Error()
	} else {
		encoded, err := encodeArguments(body)
		if err != nil {
			return fmt.Errorf("marshal %s reply: %w", req.Command, err)
		}
		resp.Body = encoded
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.seq++
	resp.Seq = c.seq
	content, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal %s reply: %w", req.Command, err)
	}
	if _, err := c.w.Write(appendFrame(nil, content)); err != nil {
		return fmt.Errorf("write %s reply: %w", req.Command, err)
	}
	return nil
}

// Request sends a request and waits for its response body.
//
// A failed response is returned as a *ResponseError. When ctx ends first
// the call is cancelled and the error matches both ErrCanceled and
// ctx.Err().
func (c *Connection) Request(ctx context.Context, command string, args any) (json.RawMessage, error) {
	ctx, span := startRequestSpan(ctx, c.id, command)
	defer span.End()

	start := time.Now()
	call, err := c.Send(command, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	body, err := call.Wait(ctx)
	recordRequest(ctx, command, time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return body, nil
}

// HandleData feeds received bytes to the parser and dispatches every
// complete message. Errors are reported to the error handler; HandleData
// itself never fails.
func (c *Connection) HandleData(chunk []byte) {
	if c.isClosed() {
		return
	}
	c.framer.Push(chunk)
	for {
		body, err := c.framer.Next()
		if err != nil {
			c.reportError("framing", err)
			continue
		}
		if body == nil {
			return
		}
		c.dispatch(body)
	}
}

// Serve reads from r until it fails and feeds everything to HandleData.
//
// When the read ends the connection is torn down and pending calls are
// rejected. Cancelling ctx tears the connection down as well, but Serve
// only returns once r unblocks, so the owner should close the reader.
// A clean EOF returns nil.
func (c *Connection) Serve(ctx context.Context, r io.Reader) error {
	stop := context.AfterFunc(ctx, func() {
		c.teardown(ctx.Err())
	})
	defer stop()
	defer c.framer.Reset()

	buf := make([]byte, c.readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.HandleData(buf[:n])
		}
		if err == nil {
			continue
		}

		c.teardown(err)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, io.EOF):
			return nil
		default:
			return fmt.Errorf("read: %w", err)
		}
	}
}

// Close tears the connection down and rejects all pending calls with
// ErrConnectionClosed. It does not close the underlying streams.
func (c *Connection) Close() error {
	c.teardown(nil)
	return nil
}

// Done is closed once the connection has been torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the cause of teardown: nil for Close, io.EOF for a clean
// end of stream, or the read or context error.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Pending returns the number of requests awaiting a response.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Connection) dispatch(body []byte) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.reportError("decode", &DecodeError{Body: body, Err: err})
		return
	}

	switch {
	case env.isEvent():
		var evt Event
		if err := json.Unmarshal(body, &evt); err != nil {
			c.reportError("decode", &DecodeError{Body: body, Err: err})
			return
		}
		recordReceived(context.Background(), TypeEvent)
		if c.onEvent != nil {
			c.safeCall("event", func() { c.onEvent(&evt) })
		}

	case env.Type == TypeRequest && c.onRequest != nil:
		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			c.reportError("decode", &DecodeError{Body: body, Err: err})
			return
		}
		recordReceived(context.Background(), TypeRequest)
		c.safeCall("request", func() { c.onRequest(&req) })

	default:
		var resp Response
		if err := json.Unmarshal(body, &resp); err != nil {
			c.reportError("decode", &DecodeError{Body: body, Err: err})
			return
		}
		resp.Raw = body
		recordReceived(context.Background(), TypeResponse)
		c.complete(&resp)
	}
}

// complete resolves the call waiting on resp. Responses without a pending
// call lost a race with cancellation and are dropped.
func (c *Connection) complete(resp *Response) {
	c.mu.Lock()
	call, ok := c.pending[resp.RequestSeq]
	if ok {
		delete(c.pending, resp.RequestSeq)
	}
	c.mu.Unlock()

	if !ok {
		recordDropped(context.Background())
		c.logger.Debug("dropping unmatched response",
			zap.Int("request_seq", resp.RequestSeq),
			zap.String("command", resp.Command))
		return
	}

	if resp.Success {
		call.finish(resp, nil)
		return
	}
	call.finish(resp, &ResponseError{Response: resp})
}

func (c *Connection) register(call *Call) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.pending[call.Seq] = call
	return true
}

func (c *Connection) forget(seq int) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) closedErr() error {
	c.mu.Lock()
	cause := c.err
	c.mu.Unlock()
	if cause == nil {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
}

// teardown marks the connection closed and rejects every pending call.
// Only the first call has any effect.
func (c *Connection) teardown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = cause
	pending := c.pending
	c.pending = make(map[int]*Call)
	close(c.done)
	c.mu.Unlock()

	err := c.closedErr()
	for _, call := range pending {
		call.finish(nil, err)
	}
	if len(pending) > 0 {
		c.logger.Debug("rejected pending requests", zap.Int("count", len(pending)), zap.Error(cause))
	}
}

func (c *Connection) reportError(kind string, err error) {
	recordProtocolError(context.Background(), kind)
	c.logger.Warn("protocol error", zap.String("kind", kind), zap.Error(err))
	if c.onError != nil {
		c.safeCall("error", func() { c.onError(err) })
	}
}

// safeCall runs a handler with panic recovery so a misbehaving handler
// cannot stop the parser.
func (c *Connection) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", zap.String("handler", what), zap.Any("panic", r))
		}
	}()
	fn()
}

// encodeArguments marshals args, returning nil when there is nothing to send.
func encodeArguments(args any) (json.RawMessage, error) {
	if args == nil {
		return nil, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte("{}")) {
		return nil, nil
	}
	return data, nil
}
