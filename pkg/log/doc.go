/*
Package log provides structured logging for Umbrix built on zerolog.

All components log through the global Logger, usually via a child logger
carrying a component field:

	logger := log.WithComponent("publisher")
	logger.Info().Str("stream", stream).Msg("consumer started")

Init must be called once at process startup before any component starts.
Console output is the default; JSON output is intended for production
deployments where logs are shipped to an aggregator.

Level conventions in the dispatch pipeline: expected steady-state
conditions such as lock contention log at debug, per-outcome delivery
failures at error, lifecycle transitions at info.
*/
package log
