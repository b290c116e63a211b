// Package config loads the dapwire runtime configuration.
//
// Settings come from three places, later ones overriding earlier ones:
//
//  1. Built-in defaults (Default)
//  2. A configuration file in TOML, YAML or JSON, chosen by extension
//  3. DAPWIRE_ environment variables (see loader.DefaultEnvMapping)
//
// A TOML file looks like this:
//
//	[logging]
//	level = "debug"
//	format = "console"
//
//	[debug]
//	request_timeout = "10s"
//	max_restarts = 3
//	error_threshold = 5
//	adapter = "app"
//
//	[[adapters]]
//	type = "delve"
//	name = "app"
//	request = "launch"
//	program = "./cmd/app"
//
// The file can be watched with the watcher sub-package; on change the
// caller reloads it with Load and applies what can change at runtime, the
// log level and the restart policy.
package config
