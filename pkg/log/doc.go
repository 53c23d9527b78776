/*
Package log provides structured logging for podup using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific child loggers, configurable log levels, and helper
functions for common logging patterns. It also owns token redaction: any
string destined for a log line or an audit row is scrubbed of token= values
before it leaves the process.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("scheduler")
	logger.Info().Int("ticks", n).Msg("scheduler started")

# Thread Safety

The global logger and all child loggers are safe for concurrent use.
*/
package log
