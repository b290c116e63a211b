// Package dap implements the Debug Adapter Protocol wire layer: message
// framing, request/response correlation and event dispatch, plus the
// transports that carry it.
package dap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// Transport is a bidirectional byte stream to a debug adapter.
type Transport interface {
	io.Reader
	io.Writer

	// Close closes the transport and releases its resources.
	Close() error
}

// StdioTransport implements Transport over stdin/stdout of a subprocess.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *zap.Logger

	stderrDone chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

// NewStdioTransport starts cmd and speaks DAP over its standard streams.
// Lines written to stderr are forwarded to logger at debug level.
func NewStdioTransport(cmd *exec.Cmd, logger *zap.Logger) (*StdioTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("get stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("get stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("start command: %w", err)
	}

	t := &StdioTransport{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		logger:     logger.With(zap.String("adapter", cmd.Path), zap.Int("pid", cmd.Process.Pid)),
		stderrDone: make(chan struct{}),
	}
	go t.pumpStderr(stderr)
	return t, nil
}

func (t *StdioTransport) pumpStderr(r io.Reader) {
	defer close(t.stderrDone)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		t.logger.Debug("adapter stderr", zap.String("line", scanner.Text()))
	}
}

// Read reads from the adapter's stdout.
func (t *StdioTransport) Read(p []byte) (int, error) {
	return t.stdout.Read(p)
}

// Write writes to the adapter's stdin.
func (t *StdioTransport) Write(p []byte) (int, error) {
	return t.stdin.Write(p)
}

// Close closes the pipes, kills the subprocess and reaps it.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.stdin.Close()
		if t.cmd.Process != nil {
			t.cmd.Process.Kill()
		}
		<-t.stderrDone
		err := t.cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			t.closeErr = err
		}
	})
	return t.closeErr
}

// SocketTransport implements Transport over a TCP socket.
type SocketTransport struct {
	net.Conn
}

// DialRetry configures how DialSocket retries while an adapter is still
// starting to listen.
type DialRetry struct {
	// Attempts is the maximum number of dial attempts. Values <= 0 mean one.
	Attempts int

	// Min and Max bound the delay between attempts.
	Min time.Duration
	Max time.Duration

	// Timeout bounds each individual dial.
	Timeout time.Duration
}

// DefaultDialRetry returns the retry policy used for spawned socket adapters.
func DefaultDialRetry() DialRetry {
	return DialRetry{
		Attempts: 20,
		Min:      50 * time.Millisecond,
		Max:      time.Second,
		Timeout:  2 * time.Second,
	}
}

// DialSocket connects to a debug adapter listening on address.
func DialSocket(ctx context.Context, address string, retry DialRetry) (*SocketTransport, error) {
	attempts := max(retry.Attempts, 1)
	b := &backoff.Backoff{Min: retry.Min, Max: retry.Max, Factor: 2}
	dialer := net.Dialer{Timeout: retry.Timeout}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err == nil {
			return &SocketTransport{Conn: conn}, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial %s: %w", address, ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("dial %s: %d attempts failed: %w", address, attempts, lastErr)
}

// NewSocketTransportFromConn creates a socket transport from an existing connection.
func NewSocketTransportFromConn(conn net.Conn) *SocketTransport {
	return &SocketTransport{Conn: conn}
}

// RawTransport wraps any io.ReadWriteCloser as a Transport.
type RawTransport struct {
	io.ReadWriteCloser
}

// NewRawTransport creates a transport from any ReadWriteCloser.
func NewRawTransport(rwc io.ReadWriteCloser) *RawTransport {
	return &RawTransport{ReadWriteCloser: rwc}
}
