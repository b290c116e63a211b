package adapters

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/dapwire/internal/integration/debug/dap"
)

// Launcher starts an adapter and produces a fresh transport on every
// Connect, so a session can restart it.
type Launcher struct {
	adapter Adapter
	logger  *zap.Logger
	retry   dap.DialRetry
}

// LauncherOption configures a Launcher.
type LauncherOption func(*Launcher)

// WithLauncherLogger sets the logger used for adapter stderr and lifecycle.
func WithLauncherLogger(logger *zap.Logger) LauncherOption {
	return func(l *Launcher) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithDialRetry sets how long to keep dialing a socket adapter.
func WithDialRetry(retry dap.DialRetry) LauncherOption {
	return func(l *Launcher) {
		l.retry = retry
	}
}

// NewLauncher wraps an adapter.
func NewLauncher(adapter Adapter, opts ...LauncherOption) *Launcher {
	l := &Launcher{
		adapter: adapter,
		logger:  zap.NewNop(),
		retry:   dap.DefaultDialRetry(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(zap.String("adapter", l.adapter.Config().Name))
	return l
}

// AdapterID is the adapter identifier sent in the initialize request.
func (l *Launcher) AdapterID() string {
	return string(l.adapter.Type())
}

// StartRequest returns the launch or attach command and its arguments.
func (l *Launcher) StartRequest() (string, any, error) {
	if l.adapter.Config().Request == RequestAttach {
		args, err := l.adapter.AttachArgs()
		return RequestAttach, args, err
	}
	args, err := l.adapter.LaunchArgs()
	return RequestLaunch, args, err
}

// Connect starts the adapter and returns a transport to it. Stdio adapters
// are spawned with their standard streams attached. Socket adapters are
// spawned if they have a command, then dialed with retry.
func (l *Launcher) Connect(ctx context.Context) (dap.Transport, error) {
	cmd, err := l.adapter.Command()
	if err != nil {
		return nil, err
	}

	if l.adapter.Connection() == ConnectionStdio {
		if cmd == nil {
			return nil, ErrMissingAdapter
		}
		t, err := dap.NewStdioTransport(cmd, l.logger)
		if err != nil {
			return nil, err
		}
		l.logger.Info("adapter started", zap.String("path", cmd.Path), zap.Int("pid", cmd.Process.Pid))
		return t, nil
	}

	if cmd != nil {
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start adapter: %w", err)
		}
		l.logger.Info("adapter started", zap.String("path", cmd.Path), zap.Int("pid", cmd.Process.Pid))
	}

	sock, err := dap.DialSocket(ctx, l.adapter.Address(), l.retry)
	if err != nil {
		if cmd != nil {
			stopProcess(cmd)
		}
		return nil, err
	}
	if cmd == nil {
		return sock, nil
	}
	return &processTransport{SocketTransport: sock, cmd: cmd}, nil
}

// processTransport owns the adapter process behind a socket.
type processTransport struct {
	*dap.SocketTransport
	cmd       *exec.Cmd
	closeOnce sync.Once
	closeErr  error
}

func (t *processTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.SocketTransport.Close()
		stopProcess(t.cmd)
	})
	return t.closeErr
}

// stopProcess kills and reaps an adapter process.
func stopProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
}
