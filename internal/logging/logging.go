// Package logging builds the zap logger cmd/dpcl wires through the store
// and evaluator, the way cmd/nerd's main.go builds its own: a
// zap.NewDevelopmentConfig() base for the console format, a
// zap.NewProductionConfig() base otherwise, with the level taken from the
// config (raised to debug for verbose runs).
package logging

import (
	"fmt"

	"dpcl/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger from a LoggingConfig. Format "console" selects
// a development encoder (human-readable, for a terminal session); anything
// else builds the production JSON encoder.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	level, err := levelFromString(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

func levelFromString(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q: %w", s, err)
	}
	return level, nil
}

// StoreAdapter lets *zap.Logger satisfy store.Logger without internal/store
// importing zap directly.
type StoreAdapter struct {
	L *zap.Logger
}

func (a StoreAdapter) Debug(msg string, kv ...interface{}) {
	a.L.Sugar().Debugw(msg, kv...)
}
