package dap

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors for the dap package.
var (
	// ErrCanceled is returned by a Call that was cancelled before its
	// response arrived.
	ErrCanceled = errors.New("dap: request canceled")

	// ErrConnectionClosed is returned for requests on a torn-down connection.
	ErrConnectionClosed = errors.New("dap: connection closed")

	// ErrMissingContentLength is reported for a header block without a
	// Content-Length field.
	ErrMissingContentLength = errors.New("dap: missing Content-Length header")

	// ErrInvalidContentLength is reported when the Content-Length value
	// cannot be represented.
	ErrInvalidContentLength = errors.New("dap: invalid Content-Length")

	// ErrHeaderTooLarge is reported when too many bytes arrive without a
	// header terminator. They are dropped.
	ErrHeaderTooLarge = errors.New("dap: header exceeds maximum size")

	// ErrContentTooLarge is reported when a message exceeds the maximum
	// content length. The message body is skipped.
	ErrContentTooLarge = errors.New("dap: content length exceeds maximum")
)

// FramingError reports a malformed header block. The framer has already
// dropped the offending header when this error is surfaced.
type FramingError struct {
	Header string
	Err    error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("dap: framing error in header %q: %v", e.Header, e.Err)
}

func (e *FramingError) Unwrap() error { return e.Err }

// DecodeError reports a message body that is not valid JSON.
type DecodeError struct {
	Body []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("dap: decode message (%d bytes): %v", len(e.Body), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ResponseError rejects a request whose response reported success=false.
// Response holds the decoded response; Response.Raw and Field expose the
// full failure payload, including fields DAP does not define.
type ResponseError struct {
	Response *Response
}

// Field returns a top-level field of the raw failure response.
func (e *ResponseError) Field(name string) (json.RawMessage, bool) {
	if e.Response == nil || len(e.Response.Raw) == 0 {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(e.Response.Raw, &fields); err != nil {
		return nil, false
	}
	v, ok := fields[name]
	return v, ok
}

func (e *ResponseError) Error() string {
	if e.Response == nil {
		return "dap: request failed"
	}
	msg := e.Response.Message
	if detail := e.detail(); detail != "" {
		if msg == "" {
			msg = detail
		} else {
			msg += ": " + detail
		}
	}
	if msg == "" {
		msg = "no message"
	}
	return fmt.Sprintf("dap: %s failed: %s", e.Response.Command, msg)
}

// ErrorMessage returns the structured error carried in the response body,
// or nil if the adapter did not send one.
func (e *ResponseError) ErrorMessage() *ErrorMessage {
	if e.Response == nil || len(e.Response.Body) == 0 {
		return nil
	}
	var body struct {
		Error *ErrorMessage `json:"error"`
	}
	if err := json.Unmarshal(e.Response.Body, &body); err != nil {
		return nil
	}
	return body.Error
}

func (e *ResponseError) detail() string {
	if em := e.ErrorMessage(); em != nil {
		return em.Format
	}
	return ""
}

// IsProtocolError reports whether err is a transport parse error, that is
// a malformed header or an undecodable body.
func IsProtocolError(err error) bool {
	var fe *FramingError
	var de *DecodeError
	return errors.As(err, &fe) || errors.As(err, &de)
}
