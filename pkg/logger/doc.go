// Package logger builds the application's log/slog loggers: human-readable
// text output outside production, JSON in production, with the environment
// and optional component name attached to every record.
package logger
