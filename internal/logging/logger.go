// Package logging provides structured logging for the CLI and the upload service.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects where and how log lines are written.
type Options struct {
	// Level is a zerolog level name (debug, info, warn, error). Empty means info.
	Level string

	// JSON writes raw JSON lines instead of the console format.
	JSON bool

	// File, when set, additionally writes JSON lines to a rotating log file.
	File string

	// Out overrides the console destination (default stderr).
	Out io.Writer
}

// Logger wraps zerolog with the service's output configuration.
type Logger struct {
	zlog   zerolog.Logger
	output io.Writer
	file   *lumberjack.Logger
}

// NewLogger creates a new logger from opts.
func NewLogger(opts Options) *Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	var console io.Writer = out
	if !opts.JSON {
		console = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}
	}

	output := console
	var file *lumberjack.Logger
	if opts.File != "" {
		file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		output = zerolog.MultiLevelWriter(console, file)
	}

	logger := zerolog.New(output).
		Level(ParseLevel(opts.Level)).
		With().
		Timestamp().
		Logger()

	return &Logger{
		zlog:   logger,
		output: output,
		file:   file,
	}
}

// NewDefaultCLILogger creates a default console logger at info level.
func NewDefaultCLILogger() *Logger {
	return NewLogger(Options{})
}

// NewNopLogger returns a logger that discards everything. Used by tests.
func NewNopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop(), output: io.Discard}
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	if level == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Info returns an info level event.
func (l *Logger) Info() *zerolog.Event {
	return l.zlog.Info()
}

// Error returns an error level event.
func (l *Logger) Error() *zerolog.Event {
	return l.zlog.Error()
}

// Debug returns a debug level event.
func (l *Logger) Debug() *zerolog.Event {
	return l.zlog.Debug()
}

// Warn returns a warn level event.
func (l *Logger) Warn() *zerolog.Event {
	return l.zlog.Warn()
}

// With creates a child logger context with additional fields.
func (l *Logger) With() zerolog.Context {
	return l.zlog.With()
}

// Child wraps a zerolog logger built from With() so callers keep the Logger API.
func (l *Logger) Child(z zerolog.Logger) *Logger {
	return &Logger{zlog: z, output: l.output, file: l.file}
}

// Output returns the current output writer.
func (l *Logger) Output() io.Writer {
	return l.output
}

// Close flushes and closes the rotating log file, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func init() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	})
}
