// Package logging builds the prefixed loggers used across fieldsync.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where log output goes.
type Options struct {
	// File, when set, routes output to a size-rotated log file instead of
	// stderr. Daemon processes (agent, serve) set this.
	File string

	// MaxSizeMB caps the log file size before rotation (default 10).
	MaxSizeMB int

	// MaxBackups is how many rotated files to keep (default 3).
	MaxBackups int
}

// Writer returns the destination for the given options: stderr by default,
// a lumberjack-rotated file when opts.File is set.
func Writer(opts Options) io.Writer {
	if opts.File == "" {
		return os.Stderr
	}
	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 3
	}
	return &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Compress:   true,
	}
}

// New returns a logger with the given bracketed prefix (e.g. "[dispatch] ")
// writing to the destination selected by opts.
func New(prefix string, opts Options) *log.Logger {
	return log.New(Writer(opts), prefix, log.LstdFlags)
}
