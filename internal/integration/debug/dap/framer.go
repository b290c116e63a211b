package dap

import (
	"bytes"
	"regexp"
	"strconv"
)

// MaxContentLength is the default maximum content length for DAP messages (10MB).
const MaxContentLength = 10 * 1024 * 1024

// MaxHeaderSize is the default limit on unterminated header bytes.
const MaxHeaderSize = 8 * 1024

// maxHeaderEcho bounds how much of a bad header is kept in a FramingError.
const maxHeaderEcho = 128

var (
	headerTerminator   = []byte("\r\n\r\n")
	contentLengthRegex = regexp.MustCompile(`Content-Length: (\d+)`)
)

// Framer incrementally splits a byte stream into Content-Length framed
// message bodies.
//
// Bytes are appended with Push and complete bodies are pulled with Next.
// Content lengths are byte counts, so bodies are always sliced from the raw
// buffer and a multi-byte UTF-8 sequence split across chunks is never
// decoded early.
//
// Framer is not safe for concurrent use.
type Framer struct {
	buf []byte
	// off is the start of unconsumed data in buf.
	off int
	// scan is where the next terminator search starts, relative to off.
	scan int
	// contentLength is -1 while awaiting a header.
	contentLength int
	// discard counts body bytes still to skip after an oversized header.
	discard   int
	max       int
	maxHeader int
}

// FramerOption configures a Framer.
type FramerOption func(*Framer)

// WithFramerMaxContentLength sets the largest body the framer accepts.
// Values <= 0 keep the default.
func WithFramerMaxContentLength(n int) FramerOption {
	return func(f *Framer) {
		if n > 0 {
			f.max = n
		}
	}
}

// WithFramerMaxHeaderSize sets how many bytes may accumulate without a
// header terminator. Values <= 0 keep the default.
func WithFramerMaxHeaderSize(n int) FramerOption {
	return func(f *Framer) {
		if n > 0 {
			f.maxHeader = n
		}
	}
}

// NewFramer creates a framer in the awaiting-header state.
func NewFramer(opts ...FramerOption) *Framer {
	f := &Framer{
		contentLength: -1,
		max:           MaxContentLength,
		maxHeader:     MaxHeaderSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Push appends a chunk of incoming bytes.
func (f *Framer) Push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	// Compact once the consumed prefix outweighs the live data.
	if f.off > 0 && f.off >= len(f.buf)-f.off {
		n := copy(f.buf, f.buf[f.off:])
		f.buf = f.buf[:n]
		f.off = 0
	}
	f.buf = append(f.buf, chunk...)
}

// Next extracts the next complete, non-empty message body.
//
// It returns (nil, nil) when more data is needed. A non-nil error is a
// framing error; the framer has already dropped the bad header and Next
// may be called again to continue with the following bytes.
func (f *Framer) Next() ([]byte, error) {
	for {
		if f.discard > 0 {
			n := min(f.discard, f.Buffered())
			f.consume(n)
			f.discard -= n
			if f.discard > 0 {
				return nil, nil
			}
		}

		if f.contentLength < 0 {
			data := f.buf[f.off:]
			idx := bytes.Index(data[f.scan:], headerTerminator)
			if idx < 0 {
				// The terminator may straddle the next chunk, so its possible
				// prefix is kept even when the rest is dropped.
				keep := len(headerTerminator) - 1
				if len(data) > max(f.maxHeader, keep) {
					header := data[:len(data)-keep]
					err := &FramingError{Header: echoHeader(header), Err: ErrHeaderTooLarge}
					f.consume(len(header))
					return nil, err
				}
				f.scan = max(0, len(data)-keep)
				return nil, nil
			}
			idx += f.scan
			header := data[:idx]
			n, err := f.parseHeader(header)
			f.consume(idx + len(headerTerminator))
			if err != nil {
				return nil, err
			}
			f.contentLength = n
			continue
		}

		if f.Buffered() < f.contentLength {
			return nil, nil
		}
		body := make([]byte, f.contentLength)
		copy(body, f.buf[f.off:])
		f.consume(f.contentLength)
		f.contentLength = -1
		if len(body) == 0 {
			continue
		}
		return body, nil
	}
}

// parseHeader extracts the content length from a header block. For an
// oversized message it arms the discard counter so the stream stays in sync.
func (f *Framer) parseHeader(header []byte) (int, error) {
	m := contentLengthRegex.FindSubmatch(header)
	if m == nil {
		return 0, &FramingError{Header: echoHeader(header), Err: ErrMissingContentLength}
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0, &FramingError{Header: echoHeader(header), Err: ErrInvalidContentLength}
	}
	if n > f.max {
		f.discard = n
		return 0, &FramingError{Header: echoHeader(header), Err: ErrContentTooLarge}
	}
	return n, nil
}

func (f *Framer) consume(n int) {
	f.off += n
	f.scan = 0
	if f.off == len(f.buf) {
		f.buf = f.buf[:0]
		f.off = 0
	}
}

// Buffered returns the number of received bytes not yet consumed.
func (f *Framer) Buffered() int {
	return len(f.buf) - f.off
}

// AwaitingBody reports whether a header has been read and the framer is
// waiting for the rest of its body.
func (f *Framer) AwaitingBody() bool {
	return f.contentLength >= 0
}

// Reset drops all buffered bytes and returns to the awaiting-header state.
func (f *Framer) Reset() {
	f.buf = nil
	f.off = 0
	f.scan = 0
	f.contentLength = -1
	f.discard = 0
}

func echoHeader(h []byte) string {
	if len(h) > maxHeaderEcho {
		h = h[:maxHeaderEcho]
	}
	return string(h)
}

// appendFrame appends the wire encoding of body to dst.
func appendFrame(dst, body []byte) []byte {
	dst = append(dst, "Content-Length: "...)
	dst = strconv.AppendInt(dst, int64(len(body)), 10)
	dst = append(dst, headerTerminator...)
	return append(dst, body...)
}
