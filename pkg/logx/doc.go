// Package logx is a thin structured logging layer over zerolog.
//
// A Service owns the sinks (console, optional append-only file) and can be
// reconfigured while running; Loggers derived from it pick up the change on
// their next event. Throttle rate limits warnings that repeat on a hot path.
package logx
