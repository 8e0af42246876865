// Package rivetlog builds the process-wide structured logger from the
// RIVET_LOG_* environment knobs documented in §6, and a static default for
// code paths that run before a registry-scoped logger is available
// (see "Global registries" in §9: "avoid process-wide singletons beyond a
// static default logger").
package rivetlog

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config mirrors the three RIVET_LOG_* environment variables.
type Config struct {
	Level     string // RIVET_LOG_LEVEL: debug|info|warn|error (default info)
	Target    string // RIVET_LOG_TARGET: stdout|stderr|<file path> (default stdout)
	Timestamp bool   // RIVET_LOG_TIMESTAMP: whether to emit a ts field (default true)
}

// FromEnv reads Config from the process environment.
func FromEnv() Config {
	cfg := Config{
		Level:     "info",
		Target:    "stdout",
		Timestamp: true,
	}
	if v := os.Getenv("RIVET_LOG_LEVEL"); v != "" {
		cfg.Level = v
	}
	if v := os.Getenv("RIVET_LOG_TARGET"); v != "" {
		cfg.Target = v
	}
	if v := os.Getenv("RIVET_LOG_TIMESTAMP"); v != "" {
		cfg.Timestamp = v != "0" && strings.ToLower(v) != "false"
	}
	return cfg
}

// New builds a *zap.Logger from cfg. Unknown levels default to info;
// unknown targets other than stdout/stderr are treated as file paths.
func New(cfg Config) *zap.Logger {
	level := zapcore.InfoLevel
	_ = level.UnmarshalText([]byte(cfg.Level))

	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	if !cfg.Timestamp {
		enc.TimeKey = ""
	}

	var ws zapcore.WriteSyncer
	switch strings.ToLower(cfg.Target) {
	case "stderr":
		ws = zapcore.Lock(os.Stderr)
	case "", "stdout":
		ws = zapcore.Lock(os.Stdout)
	default:
		f, err := os.OpenFile(cfg.Target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			ws = zapcore.Lock(os.Stdout)
		} else {
			ws = zapcore.Lock(f)
		}
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), ws, level)
	return zap.New(core)
}

// defaultLogger is the static fallback used by package-level helpers that
// run outside any registry/host scope (e.g. driver dial retries before a
// Host is constructed).
var defaultLogger = New(FromEnv())

// Default returns the process-wide static logger.
func Default() *zap.Logger { return defaultLogger }
