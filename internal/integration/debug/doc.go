// Package debug runs a debug session against a Debug Adapter Protocol
// adapter and keeps it alive.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────────┐
//	│                      Session                                     │
//	│  - Drives initialize, launch/attach and configurationDone       │
//	│  - Remembers breakpoints and replays them on every start        │
//	│  - Supervises the connection and restarts it with backoff       │
//	└─────────────────────────────────────────────────────────────────┘
//	                              │ Launcher.Connect
//	                              ▼
//	┌─────────────────────────────────────────────────────────────────┐
//	│                      dap.Client / dap.Connection                 │
//	│  - Content-Length framing                                       │
//	│  - Request/response correlation by sequence number              │
//	│  - Event dispatch                                               │
//	└─────────────────────────────────────────────────────────────────┘
//
// # Session States
//
//   - Initializing: the adapter is being started
//   - Connected: the transport is up
//   - Configuring: initialize succeeded, breakpoints are being sent
//   - Running and Stopped: the debuggee executes or is paused
//   - Terminated: the debuggee ended
//   - Disconnected: the connection ended
//   - Restarting: waiting to reconnect after a failure
//   - Failed: restarts were exhausted
//
// # Usage
//
//	session := debug.NewSession(launcher, debug.DefaultSessionConfig(),
//	    debug.WithSessionLogger(logger))
//
//	if err := session.Start(ctx); err != nil {
//	    return err
//	}
//	defer session.Stop(context.Background())
//
//	_, _ = session.SetBreakpoints(ctx, "/src/main.go", []dap.SourceBreakpoint{{Line: 42}})
//	return session.Run(ctx)
//
// # Subpackages
//
//   - adapters: Debug adapter implementations (Delve, generic DAP)
//   - dap: Debug Adapter Protocol framing, dispatch and client
package debug
