// Package logging configures the process logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// LevelEnv selects the minimum level: trace, debug, info, warn, error.
const LevelEnv = "BUILDWEAVER_LOG_LEVEL"

// Options controls New.
type Options struct {
	// Level overrides LevelEnv when set.
	Level string
	// JSON forces JSON lines even on a terminal.
	JSON bool
	// NoTimestamp drops the time field.
	NoTimestamp bool
}

// New returns a logger writing to w. Terminals get the console writer,
// everything else JSON lines.
func New(w io.Writer, opts Options) zerolog.Logger {
	level := ParseLevel(opts.Level)
	if opts.Level == "" {
		level = ParseLevel(os.Getenv(LevelEnv))
	}

	out := w
	if !opts.JSON && isTerminal(w) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	ctx := zerolog.New(out).Level(level).With()
	if !opts.NoTimestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}

// ParseLevel maps a level name to a zerolog level. Unknown or empty names
// give info.
func ParseLevel(name string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Quiet discards everything. Tests use it.
func Quiet() zerolog.Logger { return zerolog.Nop() }

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
