// Package logging builds the process-wide zap logger from configuration.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the logger. The zero value logs info and above to stderr
// in console format.
type Config struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // json, console
	Output string `yaml:"output,omitempty"` // stderr, stdout, file, both

	File FileConfig `yaml:"file,omitempty"`
}

// FileConfig configures the rotating log file used by the file and both outputs.
type FileConfig struct {
	Path       string `yaml:"path,omitempty"`
	MaxSize    int    `yaml:"max_size,omitempty"` // MB
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAge     int    `yaml:"max_age,omitempty"` // days
	Compress   bool   `yaml:"compress,omitempty"`
}

// Validate checks the enum fields and that file output has a path.
func (c Config) Validate() error {
	if _, err := parseLevel(c.Level); err != nil {
		return err
	}
	switch c.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid log format: %q (must be 'json' or 'console')", c.Format)
	}
	switch c.Output {
	case "", "stderr", "stdout":
	case "file", "both":
		if c.File.Path == "" {
			return fmt.Errorf("log output %q requires file.path", c.Output)
		}
	default:
		return fmt.Errorf("invalid log output: %q (must be 'stderr', 'stdout', 'file' or 'both')", c.Output)
	}
	return nil
}

// WithEnv returns c with FEDLOOP_LOG_LEVEL and FEDLOOP_LOG_FORMAT applied
// on top. Containers started by `fedloop up` are configured this way.
func (c Config) WithEnv() Config {
	if level := os.Getenv("FEDLOOP_LOG_LEVEL"); level != "" {
		c.Level = level
	}
	if format := os.Getenv("FEDLOOP_LOG_FORMAT"); format != "" {
		c.Format = format
	}
	return c
}

// New builds a logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	console := zapcore.Lock(os.Stderr)
	if cfg.Output == "stdout" {
		console = zapcore.Lock(os.Stdout)
	}
	return build(cfg, console)
}

func build(cfg Config, console zapcore.WriteSyncer) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := parseLevel(cfg.Level)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var cores []zapcore.Core
	if cfg.Output != "file" {
		cores = append(cores, zapcore.NewCore(encoder, console, level))
	}
	if cfg.Output == "file" || cfg.Output == "both" {
		// File output is always JSON so rotated files stay machine readable.
		writer := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSize,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAge,
			Compress:   cfg.File.Compress,
		}
		fileEncoder := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		})
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(writer), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

func parseLevel(s string) (zapcore.Level, error) {
	switch s {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %q (must be 'debug', 'info', 'warn' or 'error')", s)
	}
}
