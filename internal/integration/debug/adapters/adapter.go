// Package adapters describes how to start and talk to concrete debug
// adapters, and turns a configured adapter into a session launcher.
package adapters

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"

	"github.com/samber/lo"
)

// AdapterType identifies a debug adapter.
type AdapterType string

const (
	// AdapterDelve is the Go debugger (delve).
	AdapterDelve AdapterType = "delve"
	// AdapterGeneric is any DAP adapter described entirely by configuration.
	AdapterGeneric AdapterType = "generic"
)

// Request types.
const (
	RequestLaunch = "launch"
	RequestAttach = "attach"
)

// Connection types.
const (
	ConnectionStdio  = "stdio"
	ConnectionSocket = "socket"
)

// Errors returned by adapter validation and lookup.
var (
	ErrUnknownAdapter  = errors.New("unknown adapter type")
	ErrInvalidRequest  = errors.New("invalid request type")
	ErrMissingProgram  = errors.New("program is required for launch request")
	ErrMissingTarget   = errors.New("processId or port is required for attach request")
	ErrMissingAdapter  = errors.New("adapter_path is required")
	ErrInvalidPort     = errors.New("port out of range")
	ErrDuplicateName   = errors.New("duplicate adapter name")
	ErrAdapterNotFound = errors.New("adapter not found")
)

// Config is the configuration for one debug adapter.
type Config struct {
	// Type is the adapter type.
	Type AdapterType `json:"type" toml:"type" yaml:"type"`

	// Name identifies this configuration.
	Name string `json:"name" toml:"name" yaml:"name"`

	// Request is the request type: "launch" or "attach".
	Request string `json:"request,omitempty" toml:"request,omitempty" yaml:"request,omitempty"`

	// Program is the program to debug.
	Program string `json:"program,omitempty" toml:"program,omitempty" yaml:"program,omitempty"`

	// Mode is an adapter specific debug mode, e.g. "debug" or "test" for delve.
	Mode string `json:"mode,omitempty" toml:"mode,omitempty" yaml:"mode,omitempty"`

	// Args are the program arguments.
	Args []string `json:"args,omitempty" toml:"args,omitempty" yaml:"args,omitempty"`

	// Cwd is the working directory.
	Cwd string `json:"cwd,omitempty" toml:"cwd,omitempty" yaml:"cwd,omitempty"`

	// Env are additional environment variables.
	Env map[string]string `json:"env,omitempty" toml:"env,omitempty" yaml:"env,omitempty"`

	// StopOnEntry stops at the program entry point.
	StopOnEntry bool `json:"stop_on_entry,omitempty" toml:"stop_on_entry,omitempty" yaml:"stop_on_entry,omitempty"`

	// Host and Port select socket mode when Port is set.
	Host string `json:"host,omitempty" toml:"host,omitempty" yaml:"host,omitempty"`
	Port int    `json:"port,omitempty" toml:"port,omitempty" yaml:"port,omitempty"`

	// ProcessID is the process to attach to.
	ProcessID int `json:"process_id,omitempty" toml:"process_id,omitempty" yaml:"process_id,omitempty"`

	// AdapterPath is the adapter executable. A socket adapter without one is
	// expected to be listening already.
	AdapterPath string   `json:"adapter_path,omitempty" toml:"adapter_path,omitempty" yaml:"adapter_path,omitempty"`
	AdapterArgs []string `json:"adapter_args,omitempty" toml:"adapter_args,omitempty" yaml:"adapter_args,omitempty"`

	// Extra is merged into the launch or attach arguments as is.
	Extra map[string]any `json:"extra,omitempty" toml:"extra,omitempty" yaml:"extra,omitempty"`
}

// Adapter provides configuration and launch capabilities for a debug adapter.
type Adapter interface {
	// Type returns the adapter type.
	Type() AdapterType

	// Name returns a human-readable adapter name.
	Name() string

	// Config returns the configuration the adapter was built from.
	Config() Config

	// Validate validates the configuration.
	Validate() error

	// Command returns the command that starts the adapter, or nil when the
	// adapter is already listening on Address.
	Command() (*exec.Cmd, error)

	// LaunchArgs returns the arguments for the launch request.
	LaunchArgs() (any, error)

	// AttachArgs returns the arguments for the attach request.
	AttachArgs() (any, error)

	// Connection returns ConnectionStdio or ConnectionSocket.
	Connection() string

	// Address returns the socket address in socket mode.
	Address() string
}

// Factory builds an adapter from its configuration.
type Factory func(Config) (Adapter, error)

// Registry manages available debug adapters.
type Registry struct {
	factories map[AdapterType]Factory
}

// NewRegistry creates a new adapter registry with the built-in adapters.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[AdapterType]Factory),
	}
	r.Register(AdapterDelve, NewDelveAdapter)
	r.Register(AdapterGeneric, NewGenericAdapter)
	return r
}

// Register registers an adapter factory.
func (r *Registry) Register(adapterType AdapterType, factory Factory) {
	r.factories[adapterType] = factory
}

// Create creates and validates an adapter from configuration.
func (r *Registry) Create(config Config) (Adapter, error) {
	factory, ok := r.factories[config.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdapter, config.Type)
	}
	adapter, err := factory(config)
	if err != nil {
		return nil, err
	}
	if err := adapter.Validate(); err != nil {
		return nil, fmt.Errorf("adapter %q: %w", config.Name, err)
	}
	return adapter, nil
}

// AvailableAdapters returns the registered adapter types in sorted order.
func (r *Registry) AvailableAdapters() []AdapterType {
	types := lo.Keys(r.factories)
	slices.Sort(types)
	return types
}

// Known reports whether a factory is registered for t.
func (r *Registry) Known(t AdapterType) bool {
	_, ok := r.factories[t]
	return ok
}

// Select returns the configuration called name, or the first one when name
// is empty.
func Select(configs []Config, name string) (Config, error) {
	if len(configs) == 0 {
		return Config{}, ErrAdapterNotFound
	}
	if name == "" {
		return configs[0], nil
	}
	cfg, ok := lo.Find(configs, func(c Config) bool { return c.Name == name })
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrAdapterNotFound, name)
	}
	return cfg, nil
}

// ValidateNames checks that every configuration has a unique name.
func ValidateNames(configs []Config) error {
	dups := lo.FindDuplicatesBy(configs, func(c Config) string { return c.Name })
	if len(dups) > 0 {
		return fmt.Errorf("%w: %q", ErrDuplicateName, dups[0].Name)
	}
	return nil
}

// FindExecutable searches for an executable in PATH.
func FindExecutable(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	return path, nil
}

// DetectAdapterType picks an adapter type for a program path.
func DetectAdapterType(program string) AdapterType {
	if filepath.Ext(program) == ".go" {
		return AdapterDelve
	}
	return AdapterGeneric
}

// validateRequest checks the launch/attach fields shared by all adapters.
func validateRequest(c Config) error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	switch c.Request {
	case "", RequestLaunch:
		if c.Program == "" {
			return ErrMissingProgram
		}
	case RequestAttach:
		if c.ProcessID == 0 && c.Port == 0 {
			return ErrMissingTarget
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, c.Request)
	}
	return nil
}

// baseLaunchArgs returns the launch arguments common to most adapters.
func baseLaunchArgs(c Config) map[string]any {
	args := map[string]any{
		"program":     c.Program,
		"stopOnEntry": c.StopOnEntry,
	}
	if len(c.Args) > 0 {
		args["args"] = c.Args
	}
	if c.Cwd != "" {
		args["cwd"] = c.Cwd
	}
	if len(c.Env) > 0 {
		args["env"] = c.Env
	}
	return args
}

// withExtra merges the configured extra arguments over args.
func withExtra(args map[string]any, c Config) map[string]any {
	for k, v := range c.Extra {
		args[k] = v
	}
	return args
}

// buildEnv returns the parent environment plus the configured overrides.
func buildEnv(base []string, extra map[string]string) []string {
	keys := lo.Keys(extra)
	slices.Sort(keys)
	return append(base, lo.Map(keys, func(k string, _ int) string { return k + "=" + extra[k] })...)
}
