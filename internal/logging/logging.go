// Package logging owns process-wide logger initialization. Components obtain
// child loggers through WithComponent and never touch the global directly.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Init must run before use; the zero
// value logs nothing.
var Logger = zerolog.Nop()

// Config holds logging configuration resolved from static config.
type Config struct {
	// Level is one of DEBUG, INFO, WARNING, ERROR, CRITICAL (case-insensitive).
	Level string
	// JSONOutput emits raw JSON lines instead of the console format.
	JSONOutput bool
	// Output defaults to stderr.
	Output io.Writer
}

// Init initializes the root logger.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// parseLevel maps the config vocabulary onto zerolog levels. CRITICAL has no
// zerolog equivalent and maps to error.
func parseLevel(s string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO", "":
		return zerolog.InfoLevel
	case "WARNING", "WARN":
		return zerolog.WarnLevel
	case "ERROR", "CRITICAL":
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

// WithComponent derives a child logger tagged with a component field.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithChannel derives a child logger tagged with a channel id field.
func WithChannel(channelID int64) zerolog.Logger {
	return Logger.With().Int64("channel_id", channelID).Logger()
}

// WithCorrelation derives a child logger tagged with a poll correlation id.
func WithCorrelation(id string) zerolog.Logger {
	return Logger.With().Str("correlation_id", id).Logger()
}
