package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns the process logger. Development output is human-readable;
// everything else is JSON lines. Both go to stderr, stdout is command output.
func New(env, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	var out io.Writer = os.Stderr
	if env == "development" || env == "dev" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	l := zerolog.New(out).With().Timestamp().Logger()
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return l.Level(lvl)
}
