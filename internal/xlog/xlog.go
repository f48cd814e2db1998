// Package xlog sets up the module's zap logger: a development-style
// console encoder, color level output when attached to a terminal, and a
// runtime-adjustable level so the control channel's SetDebugLevel can
// change verbosity without a restart.
package xlog

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Config selects the initial logging level.
type Config struct {
	Level zapcore.Level
}

// Init builds the root logger and returns the AtomicLevel backing it, so
// callers can change verbosity later (zapcore.Level satisfies the
// control-channel's debug-level mutator).
func Init(cfg Config) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()

	if term.IsTerminal(int(os.Stderr.Fd())) {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(cfg.Level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("xlog: build logger: %w", err)
	}

	return logger.Sugar(), zcfg.Level, nil
}

// Nop returns a logger that discards everything, for tests and
// constructors that don't take a WithLog option.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
