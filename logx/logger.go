// Package logx wraps zap.Logger so every goqueue component logs
// through one structured logging surface.
package logx

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger for structured logging.
type Logger struct {
	*zap.Logger
}

// Config controls level/format/output for a Logger.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // "stdout", "stderr", a file path, or comma-separated list
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "console", OutputPath: "stdout"}
}

// New builds a Logger from cfg.
func New(cfg Config) (*Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "console"
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	outputPaths := []string{}
	if cfg.OutputPath == "" {
		outputPaths = []string{"stdout"}
	} else {
		for _, path := range strings.Split(cfg.OutputPath, ",") {
			path = strings.TrimSpace(path)
			if path == "" {
				continue
			}
			if path != "stdout" && path != "stderr" {
				dir := filepath.Dir(path)
				if dir != "." && dir != "" {
					if err := os.MkdirAll(dir, 0o755); err != nil {
						return nil, fmt.Errorf("failed to create log directory: %w", err)
					}
				}
			}
			outputPaths = append(outputPaths, path)
		}
		if len(outputPaths) == 0 {
			outputPaths = []string{"stdout"}
		}
	}

	errorOutputPaths := []string{"stderr"}
	for _, path := range outputPaths {
		if path != "stdout" && path != "stderr" {
			ext := filepath.Ext(path)
			base := strings.TrimSuffix(path, ext)
			errorOutputPaths = append(errorOutputPaths, base+".error"+ext)
			break
		}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      false,
		Encoding:         cfg.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: errorOutputPaths,
	}

	zapLogger, err := zapConfig.Build(zap.AddCallerSkip(1), zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return &Logger{Logger: zapLogger}, nil
}

// Nop returns a Logger that discards everything, used as the safe
// default when a component isn't given one explicitly.
func Nop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// With creates a child logger with the given fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}
