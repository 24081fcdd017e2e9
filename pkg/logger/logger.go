// Package logger builds the one zerolog.Logger the collector process
// passes down into every component, so a single LOG_LEVEL/DEV_MODE pair
// controls verbosity and formatting everywhere at once.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration.
type Config struct {
	Level   string // debug, info, warn, error
	Pretty  bool   // console-writer output instead of JSON
	Service string // bound as a "service" field on every event
}

// New creates a structured logger tagged with cfg.Service, switching to
// a human-readable console writer when Pretty is set (local/dev runs)
// and plain JSON otherwise (what the collector emits in production).
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = os.Stdout
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	logCtx := zerolog.New(output).With().Timestamp()
	if cfg.Service != "" {
		logCtx = logCtx.Str("service", cfg.Service)
	}
	return logCtx.Logger()
}

// SetGlobalLogger installs l as the package-level zerolog logger, so
// library code reaching for the global log.Logger() picks up the same
// configuration main built.
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}
