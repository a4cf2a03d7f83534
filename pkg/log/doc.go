/*
Package log provides structured logging for Courier using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific child loggers and configurable log levels. All logs
include timestamps and can be emitted either as JSON (production) or
colorized console output (development).

# Usage

Initialize once at process start:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Then create component loggers wherever long-lived state exists:

	logger := log.WithComponent("handler")
	logger.Info().Str("sid", task.Sid).Msg("new task received")

Per-task log lines carry the submission id so one task's lifecycle can be
grepped out of interleaved output:

	slog := log.WithSID(task.Sid)
	slog.Info().Msg("task successfully completed")

# Levels

Four levels are supported: debug, info, warn, error. The level is set
globally; child loggers inherit it. Debug level additionally dumps outgoing
HTTP request headers in the gateway.
*/
package log
