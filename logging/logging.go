// Package logging bootstraps the zerolog console logger shared by the CLI
// verbs.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger. Verbosity raises the configured level: one -v
// for debug, two for trace. Quiet discards all output; front ends that own
// the terminal use it.
func New(level string, verbosity int, quiet bool) zerolog.Logger {
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	if quiet {
		out = io.Discard
	}

	parsed := parseLevel(level)
	switch {
	case verbosity >= 2:
		parsed = zerolog.TraceLevel
	case verbosity == 1:
		parsed = zerolog.DebugLevel
	}

	return zerolog.New(out).Level(parsed).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return parsed
}
