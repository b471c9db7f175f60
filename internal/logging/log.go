// Package logging configures the process-wide zerolog logger used by
// cmd/workflowd and cmd/workflowadmin.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance. Init must be called once at
// process startup before any other package logs through it.
var Logger zerolog.Logger

// Level is one of the supported log verbosity levels.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration, populated from CLI flags in
// cmd/workflowd and cmd/workflowadmin.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init configures the global Logger. JSON output is for production
// (machine-parseable); console output is for interactive admin CLI use.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagging every entry with
// component, e.g. "dispatcher", "reaper", "counter-applier".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithWorkUnit returns a child logger tagging every entry with the work
// unit id and payload type under attention.
func WithWorkUnit(id int64, payloadType string) zerolog.Logger {
	return Logger.With().Int64("work_unit_id", id).Str("payload_type", payloadType).Logger()
}

// WithNode returns a child logger tagging every entry with the node
// identifier a worker is running on (spec.md §3's WorkUnit.Node field).
func WithNode(node string) zerolog.Logger {
	return Logger.With().Str("node", node).Logger()
}
