package adapters

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
)

// GenericAdapter runs any DAP adapter described by configuration alone.
type GenericAdapter struct {
	config Config
}

// NewGenericAdapter creates a generic adapter.
func NewGenericAdapter(config Config) (Adapter, error) {
	return &GenericAdapter{config: config}, nil
}

// Type returns the adapter type.
func (a *GenericAdapter) Type() AdapterType {
	return AdapterGeneric
}

// Name returns the configured name.
func (a *GenericAdapter) Name() string {
	if a.config.Name != "" {
		return a.config.Name
	}
	return "Generic DAP adapter"
}

// Config returns the adapter configuration.
func (a *GenericAdapter) Config() Config {
	return a.config
}

// Validate requires an executable for stdio adapters.
func (a *GenericAdapter) Validate() error {
	if err := validateRequest(a.config); err != nil {
		return err
	}
	if a.config.AdapterPath == "" && a.config.Port == 0 {
		return ErrMissingAdapter
	}
	return nil
}

// Command returns the configured adapter command, or nil for a socket
// adapter that is already running.
func (a *GenericAdapter) Command() (*exec.Cmd, error) {
	if a.config.AdapterPath == "" {
		if a.config.Port > 0 {
			return nil, nil
		}
		return nil, ErrMissingAdapter
	}

	path, err := FindExecutable(a.config.AdapterPath)
	if err != nil {
		return nil, fmt.Errorf("debug adapter: %w", err)
	}
	cmd := exec.Command(path, a.config.AdapterArgs...)
	if a.config.Cwd != "" {
		cmd.Dir = a.config.Cwd
	}
	cmd.Env = buildEnv(os.Environ(), a.config.Env)
	return cmd, nil
}

// LaunchArgs returns the program description plus any extra arguments.
func (a *GenericAdapter) LaunchArgs() (any, error) {
	return withExtra(baseLaunchArgs(a.config), a.config), nil
}

// AttachArgs returns the process id plus any extra arguments.
func (a *GenericAdapter) AttachArgs() (any, error) {
	args := map[string]any{}
	if a.config.ProcessID > 0 {
		args["processId"] = a.config.ProcessID
	}
	return withExtra(args, a.config), nil
}

// Connection returns "socket" when a port is configured.
func (a *GenericAdapter) Connection() string {
	if a.config.Port > 0 {
		return ConnectionSocket
	}
	return ConnectionStdio
}

// Address returns host:port in socket mode.
func (a *GenericAdapter) Address() string {
	if a.config.Port == 0 {
		return ""
	}
	host := a.config.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(a.config.Port))
}
