// Package log provides the broker's structured logger. Validation failures
// are deliberately never logged at error severity here (spec.md §7
// "Propagation policy") — callers reach for Debug/Info for those and reserve
// Error for unmapped kernel failures.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger instance, configured once via Init.
var Logger zerolog.Logger

// Level names accepted by Init.
const (
	DebugLevel = "debug"
	InfoLevel  = "info"
	WarnLevel  = "warn"
	ErrorLevel = "error"
)

// Config controls the global logger's verbosity and encoding.
type Config struct {
	Level  string
	JSON   bool
	Output io.Writer
}

// Init builds the global Logger from cfg. Call once during bootstrap.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	if cfg.JSON {
		Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the given component name,
// used to distinguish registry/session/http log lines.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

func init() {
	Init(Config{Level: InfoLevel})
}
