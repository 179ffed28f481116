// Package logging builds the zap logger shared by the daemon's components.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log levels accepted in the configuration
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Options configures New
type Options struct {
	// Level is one of the Level* constants. Unknown values select INFO.
	Level string

	// File additionally receives every entry when set
	File string

	// Development forces DEBUG and uses zap's development settings
	Development bool
}

// ParseLevel converts a configured level name. Defaults to INFO.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn, "WARNING":
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New creates a logger writing to stderr and, optionally, to opts.File.
// The returned level can be changed at runtime. The cleanup func flushes
// the logger and closes the log file; call it once the logger is no longer
// used.
func New(opts Options) (*zap.SugaredLogger, zap.AtomicLevel, func(), error) {
	level := zap.NewAtomicLevelAt(ParseLevel(opts.Level))
	if opts.Development {
		level.SetLevel(zapcore.DebugLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	if opts.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	}
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCfg := encCfg
	consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stderr), level),
	}

	closeFile := func() {}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, level, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		sink, closeSink, err := zap.Open(opts.File)
		if err != nil {
			return nil, level, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		closeFile = closeSink
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, level))
	}

	zopts := []zap.Option{zap.AddCaller()}
	if opts.Development {
		zopts = append(zopts, zap.Development())
	}
	logger := zap.New(zapcore.NewTee(cores...), zopts...).Sugar()

	cleanup := func() {
		// stderr cannot be synced on some terminals
		_ = logger.Sync()
		closeFile()
	}
	return logger, level, cleanup, nil
}
