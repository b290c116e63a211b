package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Call is a request awaiting its response. It resolves exactly once: with
// the response body, with a *ResponseError, with ErrCanceled, or with
// ErrConnectionClosed.
type Call struct {
	// Seq is the request's sequence number.
	Seq int

	// Command is the request command.
	Command string

	conn *Connection
	done chan struct{}
	once sync.Once
	resp *Response
	err  error
}

func newCall(conn *Connection, seq int, command string) *Call {
	return &Call{
		Seq:     seq,
		Command: command,
		conn:    conn,
		done:    make(chan struct{}),
	}
}

// finish settles the call with a response, an error, or both for a failed
// response. It reports whether this was the settling call.
func (c *Call) finish(resp *Response, err error) bool {
	settled := false
	c.once.Do(func() {
		c.resp = resp
		c.err = err
		close(c.done)
		settled = true
	})
	return settled
}

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the settled outcome. It blocks until the call settles.
func (c *Call) Result() (json.RawMessage, error) {
	<-c.done
	return c.body(), c.err
}

// Response returns the whole response the call settled with, successful or
// not. It is nil when the call was canceled or the connection closed, and
// blocks until the call settles.
func (c *Call) Response() *Response {
	<-c.done
	return c.resp
}

func (c *Call) body() json.RawMessage {
	if c.err != nil || c.resp == nil {
		return nil
	}
	return c.resp.Body
}

// Cancel rejects the call with ErrCanceled and forgets it. A response that
// arrives afterwards is dropped. Cancel after settlement does nothing.
func (c *Call) Cancel() {
	if c.finish(nil, ErrCanceled) {
		c.conn.forget(c.Seq)
	}
}

// Wait blocks until the call settles or ctx ends. When ctx ends first the
// call is cancelled.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.body(), c.err
	case <-ctx.Done():
	}

	c.Cancel()
	body, err := c.Result()
	if errors.Is(err, ErrCanceled) {
		return nil, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	}
	return body, err
}
