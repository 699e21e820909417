// Package logging builds the process-wide structured logger. Every stage
// logs level, stage, block number or slot, relay, and cause as
// zap fields rather than formatted strings.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production JSON logger writing to stderr, or a development
// console logger when LOG_FORMAT=console is set.
func New() *zap.Logger {
	level := zapcore.InfoLevel
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		_ = level.Set(lvl)
	}

	var cfg zap.Config
	if os.Getenv("LOG_FORMAT") == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		// Logger construction failing is itself a fatal-at-startup
		// condition: nothing downstream can be trusted without
		// observability.
		panic(err)
	}
	return logger
}

// Stage returns a child logger tagged with a fixed stage name, used to
// satisfy the "stage" field every log record carries.
func Stage(l *zap.Logger, stage string) *zap.Logger {
	return l.With(zap.String("stage", stage))
}

// Block returns logging fields for a per-block log record.
func Block(number uint64) zap.Field { return zap.Uint64("block_number", number) }

// Slot returns logging fields for a per-slot log record.
func Slot(slot uint64) zap.Field { return zap.Uint64("slot", slot) }

// Relay returns logging fields identifying the relay a record concerns.
func Relay(identifier string) zap.Field { return zap.String("relay", identifier) }
