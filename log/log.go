package log

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

var root = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// SetWriter redirects all loggers handed out by this package to w.
func SetWriter(w io.Writer) {
	root = zerolog.New(w).With().Timestamp().Logger()
}

// SetLevel adjusts the global level. Unknown names fall back to info.
func SetLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// Node returns the logger for process-neutral events.
func Node() zerolog.Logger {
	return root.With().Str("mod", "node").Logger()
}

// Coordinator returns a logger scoped to a coordinator phase.
func Coordinator(event string) zerolog.Logger {
	return root.With().Str("mod", "coordinator").Str("event", event).Logger()
}

// Library returns a logger scoped to one library process.
func Library(rank int, event string) zerolog.Logger {
	return root.With().Str("mod", "library").Int("rank", rank).Str("event", event).Logger()
}

// Borrower returns a logger scoped to one borrower process.
func Borrower(rank int, event string) zerolog.Logger {
	return root.With().Str("mod", "borrower").Int("rank", rank).Str("event", event).Logger()
}

func Info() *zerolog.Event {
	return root.Info()
}

func Debug() *zerolog.Event {
	return root.Debug()
}

func Warn() *zerolog.Event {
	return root.Warn()
}

func Error() *zerolog.Event {
	return root.Error()
}

func Fatal() *zerolog.Event {
	return root.Fatal()
}
