// Package logging builds the *log.Logger values handed to every component.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where log output goes.
type Config struct {
	// File enables rotating file output when set.
	File string `mapstructure:"file" toml:"file"`
	// MaxSizeMB is the size at which the file is rotated.
	MaxSizeMB  int  `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days" toml:"max_age_days"`
	Compress   bool `mapstructure:"compress" toml:"compress"`
	// Stderr tees file output to stderr.
	Stderr bool `mapstructure:"stderr" toml:"stderr"`
	// Microseconds adds microsecond precision to timestamps.
	Microseconds bool `mapstructure:"microseconds" toml:"microseconds"`
}

// Logger is a base logger plus the writer that component loggers share.
type Logger struct {
	*log.Logger
	out   io.Writer
	flags int
	file  *lumberjack.Logger
}

// New builds the base logger. With no file configured it writes to stderr.
func New(cfg Config) *Logger {
	flags := log.LstdFlags
	if cfg.Microseconds {
		flags |= log.Lmicroseconds
	}

	var out io.Writer = os.Stderr
	var file *lumberjack.Logger
	if cfg.File != "" {
		file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = file
		if cfg.Stderr {
			out = io.MultiWriter(file, os.Stderr)
		}
	}
	return &Logger{
		Logger: log.New(out, "[lsync] ", flags),
		out:    out,
		flags:  flags,
		file:   file,
	}
}

// Component returns a logger for one component, prefixed "[name] ".
func (l *Logger) Component(name string) *log.Logger {
	return log.New(l.out, "["+name+"] ", l.flags)
}

// Rotate starts a new log file. It is a no-op without file output.
func (l *Logger) Rotate() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
