// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"mycelica/hypha/internal/config"
)

const EnvLogLevel = "HYPHA_LOG_LEVEL"

// ParseLevel maps a level name to a zap level. ok is false for names it
// does not know; off reports disabled.
func ParseLevel(raw string) (lvl zapcore.Level, off, ok bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug", "trace":
		return zapcore.DebugLevel, false, true
	case "info":
		return zapcore.InfoLevel, false, true
	case "warn", "warning":
		return zapcore.WarnLevel, false, true
	case "error":
		return zapcore.ErrorLevel, false, true
	case "off", "none", "disabled":
		return zapcore.InfoLevel, true, true
	default:
		return zapcore.InfoLevel, false, false
	}
}

// New builds a logger writing to console (stderr unless given) and, when
// cfg.File is set, to a rotated file. HYPHA_LOG_LEVEL wins over cfg.Level.
// The returned func flushes and closes the file.
func New(cfg config.Log, console io.Writer) (*zap.Logger, func() error, error) {
	raw := cfg.Level
	if env := os.Getenv(EnvLogLevel); env != "" {
		raw = env
	}
	level, off, ok := ParseLevel(raw)
	if !ok && strings.TrimSpace(raw) != "" {
		return nil, nil, fmt.Errorf("unknown log level %q", raw)
	}
	if off {
		return zap.NewNop(), func() error { return nil }, nil
	}
	if console == nil {
		console = os.Stderr
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var consoleEnc zapcore.Encoder
	if cfg.JSON {
		consoleEnc = zapcore.NewJSONEncoder(encCfg)
	} else {
		devCfg := encCfg
		devCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		consoleEnc = zapcore.NewConsoleEncoder(devCfg)
	}
	atom := zap.NewAtomicLevelAt(level)
	cores := []zapcore.Core{zapcore.NewCore(consoleEnc, zapcore.AddSync(console), atom)}

	closeFn := func() error { return nil }
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o700); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		rot := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rot), atom))
		closeFn = rot.Close
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, func() error {
		_ = logger.Sync()
		return closeFn()
	}, nil
}
