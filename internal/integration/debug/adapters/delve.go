package adapters

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

const defaultStackTraceDepth = 50

// DelveAdapter implements the Adapter interface for Go debugging with Delve.
type DelveAdapter struct {
	config Config
}

// NewDelveAdapter creates a new Delve adapter. An empty mode defaults to
// "debug" for launch and "local" for attach.
func NewDelveAdapter(config Config) (Adapter, error) {
	if config.Mode == "" {
		config.Mode = "debug"
		if config.Request == RequestAttach {
			config.Mode = "local"
		}
	}
	return &DelveAdapter{config: config}, nil
}

// Type returns the adapter type.
func (a *DelveAdapter) Type() AdapterType {
	return AdapterDelve
}

// Name returns a human-readable adapter name.
func (a *DelveAdapter) Name() string {
	return "Delve (Go Debugger)"
}

// Config returns the adapter configuration.
func (a *DelveAdapter) Config() Config {
	return a.config
}

// Validate validates the configuration.
func (a *DelveAdapter) Validate() error {
	if err := validateRequest(a.config); err != nil {
		return err
	}
	switch a.config.Mode {
	case "debug", "test", "exec", "local", "remote", "core", "replay":
		return nil
	default:
		return fmt.Errorf("invalid delve mode: %s", a.config.Mode)
	}
}

// Command returns `dlv dap`, listening on Address in socket mode.
func (a *DelveAdapter) Command() (*exec.Cmd, error) {
	dlvPath := a.config.AdapterPath
	if dlvPath == "" {
		var err error
		dlvPath, err = FindExecutable("dlv")
		if err != nil {
			return nil, fmt.Errorf("delve debugger not found: %w (install with: go install github.com/go-delve/delve/cmd/dlv@latest)", err)
		}
	}

	args := []string{"dap"}
	if a.config.Port > 0 {
		args = append(args, "--listen", a.Address())
	}
	args = append(args, a.config.AdapterArgs...)

	cmd := exec.Command(dlvPath, args...)
	if a.config.Cwd != "" {
		cmd.Dir = a.config.Cwd
	}
	cmd.Env = buildEnv(os.Environ(), a.config.Env)
	return cmd, nil
}

// LaunchArgs returns the arguments for the launch request.
func (a *DelveAdapter) LaunchArgs() (any, error) {
	args := baseLaunchArgs(a.config)
	args["mode"] = a.config.Mode
	args["stackTraceDepth"] = defaultStackTraceDepth
	return withExtra(args, a.config), nil
}

// AttachArgs returns the arguments for the attach request.
func (a *DelveAdapter) AttachArgs() (any, error) {
	args := map[string]any{
		"mode":            a.config.Mode,
		"stopOnEntry":     a.config.StopOnEntry,
		"stackTraceDepth": defaultStackTraceDepth,
	}
	if a.config.ProcessID > 0 {
		args["processId"] = a.config.ProcessID
	}
	if a.config.Cwd != "" {
		args["cwd"] = a.config.Cwd
	}
	return withExtra(args, a.config), nil
}

// Connection returns whether to use "stdio" or "socket".
func (a *DelveAdapter) Connection() string {
	if a.config.Port > 0 {
		return ConnectionSocket
	}
	return ConnectionStdio
}

// Address returns the socket address (for socket connection).
func (a *DelveAdapter) Address() string {
	if a.config.Port > 0 {
		return a.host() + ":" + strconv.Itoa(a.config.Port)
	}
	return ""
}

func (a *DelveAdapter) host() string {
	if a.config.Host != "" {
		return a.config.Host
	}
	return "127.0.0.1"
}
