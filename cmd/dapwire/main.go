// Package main is the entry point for dapwire, a supervised Debug Adapter
// Protocol client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/dapwire/internal/config"
	"github.com/dshills/dapwire/internal/config/loader"
	"github.com/dshills/dapwire/internal/config/watcher"
	"github.com/dshills/dapwire/internal/integration/debug"
	"github.com/dshills/dapwire/internal/integration/debug/adapters"
	"github.com/dshills/dapwire/internal/integration/debug/dap"
	"github.com/dshills/dapwire/internal/logging"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type options struct {
	configPath string
	adapter    string
	logLevel   string
	watch      bool
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.adapter != "" {
		cfg.Debug.Adapter = opts.adapter
	}

	logger, level, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize logging: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	if unmapped := loader.NewEnvLoader(loader.EnvPrefix).Unmapped(); len(unmapped) > 0 {
		logger.Warn("ignoring unknown environment variables", zap.Strings("names", unmapped))
	}
	logger.Info("starting dapwire", append(cfg.LogFields(), zap.String("version", version))...)

	adapterCfg, err := cfg.Adapter()
	if err != nil {
		logger.Error("no debug adapter configured", zap.Error(err))
		return 1
	}
	adapter, err := adapters.NewRegistry().Create(adapterCfg)
	if err != nil {
		logger.Error("invalid debug adapter", zap.Error(err))
		return 1
	}

	launcher := adapters.NewLauncher(adapter, adapters.WithLauncherLogger(logger))
	session := debug.NewSession(launcher, cfg.SessionConfig(),
		debug.WithSessionLogger(logger),
		debug.WithHandlers(sessionHandlers(logger)),
		debug.WithClientOptions(dap.WithReadBufferSize(64*1024)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()

	if opts.watch && opts.configPath != "" {
		w, err := watcher.New(watcher.WithLogger(logger))
		if err != nil {
			logger.Error("failed to create config watcher", zap.Error(err))
			return 1
		}
		if err := w.Watch(opts.configPath); err != nil {
			logger.Error("failed to watch config", zap.Error(err))
			return 1
		}
		w.OnChange(func(ev watcher.Event) {
			reload(logger, level, session, opts, ev)
		})
		g.Go(func() error { return w.Run(runCtx) })
	}

	g.Go(func() error {
		defer cancelRun()
		err := session.Run(runCtx)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if stopErr := session.Stop(shutdownCtx); stopErr != nil {
			logger.Debug("session stop", zap.Error(stopErr))
		}
		return err
	})

	err = g.Wait()
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Info("dapwire stopped")
		return 0
	default:
		logger.Error("dapwire failed", zap.Error(err))
		return 1
	}
}

// reload applies the settings that can change while a session runs.
func reload(logger *zap.Logger, level zap.AtomicLevel, session *debug.Session, opts options, ev watcher.Event) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		logger.Warn("config reload failed, keeping current settings", zap.String("path", ev.Path), zap.Error(err))
		return
	}

	logLevel := cfg.Logging.Level
	if opts.logLevel != "" {
		logLevel = opts.logLevel
	}
	if err := logging.SetLevel(level, logLevel); err != nil {
		logger.Warn("invalid log level on reload", zap.Error(err))
	}
	session.UpdatePolicy(cfg.RestartPolicy())
	logger.Info("config reloaded", zap.String("path", ev.Path), zap.Stringer("op", ev.Op))
}

func sessionHandlers(logger *zap.Logger) debug.SessionHandlers {
	return debug.SessionHandlers{
		OnStateChanged: func(old, new debug.SessionState) {
			logger.Info("session state", zap.Stringer("from", old), zap.Stringer("to", new))
		},
		OnStopped: func(reason string, threadID int, allStopped bool) {
			logger.Info("debuggee stopped",
				zap.String("reason", reason),
				zap.Int("thread_id", threadID),
				zap.Bool("all_threads", allStopped))
		},
		OnOutput: func(category, output string) {
			logger.Info("debuggee output", zap.String("category", category), zap.String("output", output))
		},
		OnBreakpointChanged: func(reason string, bp dap.Breakpoint) {
			logger.Debug("breakpoint changed",
				zap.String("reason", reason),
				zap.Int("id", bp.ID),
				zap.Bool("verified", bp.Verified))
		},
		OnThreadChanged: func(reason string, threadID int) {
			logger.Debug("thread", zap.String("reason", reason), zap.Int("thread_id", threadID))
		},
		OnTerminated: func() {
			logger.Info("debuggee terminated")
		},
		OnRestart: func(attempt int, cause error) {
			logger.Warn("debug adapter restart", zap.Int("attempt", attempt), zap.Error(cause))
		},
		OnGaveUp: func(err error) {
			logger.Error("debug adapter gave up", zap.Error(err))
		},
	}
}

func parseFlags() options {
	var opts options
	var showVersion bool

	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file (.toml, .yaml or .json)")
	flag.StringVar(&opts.configPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.adapter, "adapter", "", "Name of the adapter configuration to use")
	flag.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&opts.watch, "watch", true, "Reload the configuration file when it changes")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "dapwire - supervised Debug Adapter Protocol client\n\n")
		fmt.Fprintf(os.Stderr, "Usage: dapwire [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment:\n")
		fmt.Fprintf(os.Stderr, "  %sLOG_LEVEL, %sADAPTER, %sMAX_RESTARTS, ... override the file\n",
			loader.EnvPrefix, loader.EnvPrefix, loader.EnvPrefix)
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("dapwire %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	if opts.logLevel != "" {
		if _, err := logging.ParseLevel(opts.logLevel); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	return opts
}
