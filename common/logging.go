// Package common contains shared utilities for the orchestrator binaries:
// logger construction and build version information.
package common

import (
	"log/slog"
	"os"
)

// LoggingOpts configures the process-wide logger.
type LoggingOpts struct {
	// Debug lowers the handler level to slog.LevelDebug.
	Debug bool

	// JSON selects the JSON handler instead of the text handler.
	JSON bool

	// Service is attached as a "service" attribute on every record.
	Service string

	// Version is attached as a "version" attribute on every record.
	Version string
}

// SetupLogger builds a slog.Logger writing to stderr according to opts.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}

	log := slog.New(handler)
	if opts.Service != "" {
		log = log.With("service", opts.Service)
	}
	if opts.Version != "" {
		log = log.With("version", opts.Version)
	}
	return log
}
