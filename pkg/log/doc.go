/*
Package log provides structured logging for Heliox using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific loggers, configurable log levels, and
helper functions for common logging patterns. All logs include
timestamps and support filtering by severity level.

# Usage

Initialize once at process start:

	log.Init(log.Config{
		Level:      log.ParseLevel(os.Getenv("LOG_LEVEL")),
		JSONOutput: true,
	})

Component loggers carry a stable field so log lines from the cache,
limiter, pipeline, and workers can be filtered apart:

	logger := log.WithComponent("cache")
	logger.Info().Str("key", key).Msg("stored entry")

Request-scoped children add the request id that is also returned to the
client in X-Request-Id:

	rlog := log.WithRequestID(requestID)
	rlog.Warn().Err(err).Msg("kv operation timed out")

# Output Modes

JSONOutput selects machine-readable JSON (one object per line) for
production; the console writer is for interactive runs of
"heliox serve" during development.
*/
package log
