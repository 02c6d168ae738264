/*
Package log provides structured logging for sandboxd using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all sandboxd packages
  - Thread-safe concurrent writes

Context Loggers:
  - WithComponent: tag logs with a subsystem name (supervisor, worker, watchdog, channel)
  - WithSandbox: tag logs with the sandbox name a worker serves
  - WithWorker: tag logs with sandbox name + generation (bumped on reset)
  - WithPolicyVersion: tag logs with the compiled policy version in effect

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	log.Info("supervisor starting")

	workerLog := log.WithWorker("render-job", 0)
	workerLog.Info().Str("op", "exec").Msg("dispatching message")
	workerLog.Error().Err(err).Msg("message failed")

# Log Levels

Debug is for development and troubleshooting, Info is the default production
level, Warn covers situations that may need attention (quota near limit,
policy refresh retry), Error covers failed operations, and Fatal terminates
the process — used only during startup when the supervisor cannot come up.

# Security

Never log secrets, capability tokens, or channel keys. Policy violations are
logged with the offending path/address/module name, never with process
memory contents.
*/
package log
