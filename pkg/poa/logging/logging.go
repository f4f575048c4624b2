// Package logging builds the shared *zap.Logger used throughout the PoA
// coordination server, following the console/json, TTY-aware timestamp
// setup the CLI entrypoint configures for the node.
package logging

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Params configures the shared logger.
type Params struct {
	Level    string // zapcore level name; empty means info
	Encoding string // "console" or "json"; empty means console
	Path     string // if set, logs are written to this file instead of stderr
	Debug    bool   // force debug level regardless of Level
}

// New builds a *zap.Logger and an AtomicLevel handle so the level can be
// adjusted at runtime (e.g. from an admin endpoint), plus a sync func to
// flush on shutdown.
func New(p Params) (*zap.Logger, *zap.AtomicLevel, func() error, error) {
	level := zapcore.InfoLevel
	if p.Level != "" {
		var err error
		level, err = zapcore.ParseLevel(p.Level)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("logging: parse level: %w", err)
		}
	}
	if p.Debug {
		level = zapcore.DebugLevel
	}

	encoding := p.Encoding
	if encoding == "" {
		encoding = "console"
	}

	cc := zap.NewProductionConfig()
	cc.DisableCaller = true
	cc.DisableStacktrace = true
	cc.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	cc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if term.IsTerminal(int(os.Stdout.Fd())) {
		cc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cc.EncoderConfig.EncodeTime = func(time.Time, zapcore.PrimitiveArrayEncoder) {}
	}
	cc.Encoding = encoding
	atom := zap.NewAtomicLevelAt(level)
	cc.Level = atom
	cc.Sampling = nil

	if p.Path != "" {
		cc.OutputPaths = []string{p.Path}
		cc.ErrorOutputPaths = []string{p.Path}
	}

	logger, err := cc.Build()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logging: build logger: %w", err)
	}
	return logger, &atom, logger.Sync, nil
}
