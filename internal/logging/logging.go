// Package logging builds the process zerolog logger from the logging section
// of the backend configuration.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options mirrors config.LoggingConfig without importing it.
type Options struct {
	Level       string
	EnableDebug bool
	Timestamps  bool
	Colors      bool
	File        string
}

// ParseLevel maps a configured level to zerolog. ok is false for unknown names.
func ParseLevel(s string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel, true
	case "info", "":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "fatal":
		return zerolog.FatalLevel, true
	}
	return zerolog.InfoLevel, false
}

// New returns a logger writing to stderr, or to opts.File when set. The
// returned closer releases the file and is never nil.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	var out io.Writer = os.Stderr
	closer := io.Closer(nopCloser{})
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), closer, err
		}
		out, closer = f, f
	}
	return NewWithWriter(opts, out), closer, nil
}

// NewWithWriter builds the logger on top of w.
func NewWithWriter(opts Options, w io.Writer) zerolog.Logger {
	if opts.Colors {
		cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		if !opts.Timestamps {
			cw.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		w = cw
	}
	lvl, ok := ParseLevel(opts.Level)
	if opts.EnableDebug {
		lvl = zerolog.DebugLevel
	}
	ctx := zerolog.New(w).Level(lvl).With()
	if opts.Timestamps {
		ctx = ctx.Timestamp()
	}
	l := ctx.Logger()
	if !ok {
		l.Warn().Str("level", opts.Level).Msg("unknown log level, using info")
	}
	return l
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
