// Package logging builds the zerolog loggers used by the registry and the CLI.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

// Format selects the log encoding.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Options configure New.
type Options struct {
	Level  string
	Format Format
	Out    io.Writer
	// Buffered wraps the writer in a non-blocking diode that drops lines
	// instead of stalling the consume loop when the sink is slow.
	Buffered bool
}

// New creates a logger from options. Unknown levels fall back to info.
//
// The returned flush func drains a buffered writer; call it before the
// process exits. It never closes opts.Out.
func New(opts Options) (zerolog.Logger, func() error) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	flush := func() error { return nil }
	if opts.Buffered {
		wr := diode.NewWriter(writerOnly{out}, 1000, 10*time.Millisecond, func(missed int) {
			_, _ = fmt.Fprintf(os.Stderr, "logger dropped %d messages\n", missed)
		})
		out = wr
		flush = wr.Close
	}
	if opts.Format != FormatJSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(ParseLevel(opts.Level)).With().Timestamp().Logger(), flush
}

// writerOnly hides Close so the diode does not close the sink.
type writerOnly struct {
	io.Writer
}

// ParseLevel converts a level name, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	if level == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
