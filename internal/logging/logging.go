// Package logging builds the structured zerolog.Logger used
// throughout the daemon, following the teacher's monitoring.NewLogger
// shape: JSON or pretty-console output selected by format, level
// filtered globally, timestamp and caller attached to every event.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors the subset of zerolog levels spec.md's -v flag
// selects between.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects JSON (for log aggregation) or a human-readable
// console writer (for interactive/foreground use).
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config configures New.
type Config struct {
	Level  Level
	Format Format
}

// New builds the daemon's root logger. All per-component loggers are
// derived from this one via .With()/.Str(), never constructed fresh,
// so the level and output sink stay consistent process-wide.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stderr
	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "hydrogend").
		Logger()
}

func parseLevel(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
