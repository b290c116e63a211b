package config

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/dapwire/internal/config/loader"
	"github.com/dshills/dapwire/internal/integration/debug"
	"github.com/dshills/dapwire/internal/integration/debug/adapters"
	"github.com/dshills/dapwire/internal/integration/debug/dap"
	"github.com/dshills/dapwire/internal/logging"
)

// Config is the complete runtime configuration.
type Config struct {
	Logging  logging.Config    `json:"logging" toml:"logging" yaml:"logging"`
	Debug    DebugConfig       `json:"debug" toml:"debug" yaml:"debug"`
	Adapters []adapters.Config `json:"adapters" toml:"adapters" yaml:"adapters"`
}

// DebugConfig holds connection and session settings.
type DebugConfig struct {
	// MaxContentLength bounds incoming message bodies in bytes.
	MaxContentLength int `json:"max_content_length" toml:"max_content_length" yaml:"max_content_length"`

	// RequestTimeout bounds each request. Zero disables the timeout.
	RequestTimeout Duration `json:"request_timeout" toml:"request_timeout" yaml:"request_timeout"`

	// MaxRestarts is the consecutive restart budget.
	MaxRestarts int `json:"max_restarts" toml:"max_restarts" yaml:"max_restarts"`

	RestartMinDelay   Duration `json:"restart_min_delay" toml:"restart_min_delay" yaml:"restart_min_delay"`
	RestartMaxDelay   Duration `json:"restart_max_delay" toml:"restart_max_delay" yaml:"restart_max_delay"`
	RestartResetAfter Duration `json:"restart_reset_after" toml:"restart_reset_after" yaml:"restart_reset_after"`

	// ErrorThreshold is the protocol error count that forces a restart.
	ErrorThreshold int `json:"error_threshold" toml:"error_threshold" yaml:"error_threshold"`

	// Adapter names the adapter configuration to use; empty means the first.
	Adapter string `json:"adapter" toml:"adapter" yaml:"adapter"`
}

// Default returns the built-in configuration.
func Default() *Config {
	policy := debug.DefaultRestartPolicy()
	session := debug.DefaultSessionConfig()
	return &Config{
		Logging: logging.DefaultConfig(),
		Debug: DebugConfig{
			MaxContentLength:  dap.MaxContentLength,
			RequestTimeout:    Duration(session.RequestTimeout),
			MaxRestarts:       policy.MaxRestarts,
			RestartMinDelay:   Duration(policy.MinDelay),
			RestartMaxDelay:   Duration(policy.MaxDelay),
			RestartResetAfter: Duration(policy.ResetAfter),
			ErrorThreshold:    policy.ErrorThreshold,
		},
	}
}

// Load reads the configuration file at path, applies DAPWIRE_ environment
// overrides on top of it and validates the result. A missing file is not
// an error; an empty path skips the file entirely.
func Load(path string) (*Config, error) {
	return LoadFS(loader.DefaultFS(), path, loader.NewEnvLoader(loader.EnvPrefix))
}

// LoadFS is Load with an explicit file system and environment.
func LoadFS(fsys loader.FileSystem, path string, env *loader.EnvLoader) (*Config, error) {
	merged := make(map[string]any)

	if path != "" {
		fl, err := loader.ForPath(fsys, path)
		if err != nil {
			return nil, err
		}
		data, err := fl.Load()
		if err != nil {
			return nil, err
		}
		merged = loader.DeepMerge(merged, data)
	}

	if env != nil {
		data, err := env.Load()
		if err != nil {
			return nil, fmt.Errorf("environment: %w", err)
		}
		merged = loader.DeepMerge(merged, data)
	}

	cfg, err := decode(merged)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode lays a generic map over the defaults.
func decode(data map[string]any) (*Config, error) {
	cfg := Default()
	if len(data) == 0 {
		return cfg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Validate checks value ranges and adapter definitions.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fieldError("logging", err)
	}

	d := c.Debug
	switch {
	case d.MaxContentLength <= 0:
		return fieldError("debug.max_content_length", ErrOutOfRange)
	case d.RequestTimeout < 0:
		return fieldError("debug.request_timeout", ErrOutOfRange)
	case d.MaxRestarts < 0:
		return fieldError("debug.max_restarts", ErrOutOfRange)
	case d.RestartMinDelay < 0 || d.RestartMaxDelay < 0 || d.RestartResetAfter < 0:
		return fieldError("debug.restart_*", ErrOutOfRange)
	case d.RestartMaxDelay > 0 && d.RestartMaxDelay < d.RestartMinDelay:
		return fieldError("debug.restart_max_delay", ErrOutOfRange)
	case d.ErrorThreshold < 0:
		return fieldError("debug.error_threshold", ErrOutOfRange)
	}

	if err := adapters.ValidateNames(c.Adapters); err != nil {
		return fieldError("adapters", err)
	}
	registry := adapters.NewRegistry()
	for i, a := range c.Adapters {
		if !registry.Known(a.Type) {
			return fieldError(fmt.Sprintf("adapters[%d].type", i),
				fmt.Errorf("%w: %q", adapters.ErrUnknownAdapter, a.Type))
		}
	}
	if d.Adapter != "" && len(c.Adapters) > 0 {
		if _, err := adapters.Select(c.Adapters, d.Adapter); err != nil {
			return fieldError("debug.adapter", err)
		}
	}
	return nil
}

// RestartPolicy returns the session restart policy.
func (c *Config) RestartPolicy() debug.RestartPolicy {
	return debug.RestartPolicy{
		MaxRestarts:    c.Debug.MaxRestarts,
		MinDelay:       time.Duration(c.Debug.RestartMinDelay),
		MaxDelay:       time.Duration(c.Debug.RestartMaxDelay),
		ErrorThreshold: c.Debug.ErrorThreshold,
		ResetAfter:     time.Duration(c.Debug.RestartResetAfter),
	}
}

// SessionConfig returns the session configuration.
func (c *Config) SessionConfig() debug.SessionConfig {
	cfg := debug.DefaultSessionConfig()
	cfg.RequestTimeout = time.Duration(c.Debug.RequestTimeout)
	cfg.MaxContentLength = c.Debug.MaxContentLength
	cfg.Restart = c.RestartPolicy()
	return cfg
}

// Adapter returns the selected adapter configuration.
func (c *Config) Adapter() (adapters.Config, error) {
	return adapters.Select(c.Adapters, c.Debug.Adapter)
}

// LogFields summarizes the configuration for a startup log line.
func (c *Config) LogFields() []zap.Field {
	return []zap.Field{
		zap.String("log_level", c.Logging.Level),
		zap.Int("max_content_length", c.Debug.MaxContentLength),
		zap.Duration("request_timeout", time.Duration(c.Debug.RequestTimeout)),
		zap.Int("max_restarts", c.Debug.MaxRestarts),
		zap.Int("error_threshold", c.Debug.ErrorThreshold),
		zap.Int("adapters", len(c.Adapters)),
	}
}

// Duration is a time.Duration written as "500ms" or "30s" in config files.
// A bare number is read as seconds.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDuration, err)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var secs float64
	if err := json.Unmarshal(data, &secs); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidDuration, data)
	}
	return d.UnmarshalText([]byte(s))
}
