// Package logging provides application-wide logging configuration.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

var debugEnabled bool

// Options controls the global logger.
type Options struct {
	Debug bool
	// JSON writes raw JSON lines to stderr instead of the console format.
	JSON bool
	// File, when set, also receives JSON lines through a rotating writer.
	File string
}

// Init initializes the global logger.
func Init(opts Options) {
	debugEnabled = opts.Debug
	level := zerolog.InfoLevel
	if opts.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(Writer(opts)).With().Timestamp().Logger()
}

// Writer builds the output writer described by opts.
func Writer(opts Options) io.Writer {
	var out io.Writer = zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	if opts.JSON {
		out = os.Stderr
	}
	if opts.File == "" {
		return out
	}
	return zerolog.MultiLevelWriter(out, &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    20,
		MaxBackups: 3,
		MaxAge:     14,
	})
}

// DebugEnabled reports whether debug logging is enabled.
func DebugEnabled() bool {
	return debugEnabled
}
