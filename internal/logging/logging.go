// Package logging builds the zerolog loggers used by the binaries.
//
// The shim must keep the wrapped program's stdout and stderr
// byte-exact, so it never logs to either stream: it writes to the
// file named by MOCKCODE_LOG_FILE or stays silent. The maintenance
// CLI has no such constraint and logs human-readable lines to stderr.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"mockcode/internal/config"
)

const (
	EnvLogLevel = "MOCKCODE_LOG_LEVEL"
	EnvLogFile  = "MOCKCODE_LOG_FILE"
)

// LevelFromEnv reads MOCKCODE_LOG_LEVEL from an os.Environ-shaped
// slice, defaulting to info when unset or unparseable.
func LevelFromEnv(environ []string) zerolog.Level {
	raw, ok := config.LookupEnv(environ, EnvLogLevel)
	if !ok || raw == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(raw)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// Console returns a logger writing human-readable lines to w.
func Console(w io.Writer, level zerolog.Level) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// File returns a JSON logger appending to the file at path, plus a
// close function for the underlying handle.
func File(path string, level zerolog.Level) (zerolog.Logger, func() error, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	log := zerolog.New(f).Level(level).With().Timestamp().Logger()
	return log, f.Close, nil
}

// Discard returns a logger that drops everything.
func Discard() zerolog.Logger {
	return zerolog.Nop()
}
