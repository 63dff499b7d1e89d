// Package observability provides logging and metrics for the session gateway.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/gamegate/internal/config"
)

// Logger is the process logger together with its adjustable level. Level
// serves GET and PUT as an http.Handler so operators can raise verbosity at
// runtime without a restart.
type Logger struct {
	*zap.Logger
	Level zap.AtomicLevel
}

// NewLogger builds the process logger. json selects zap's production encoder,
// console the development one. Every entry carries instance_id so a fleet's
// logs can be split per process.
//
// Precondition: cfg.Level must be one of "debug", "info", "warn", "error";
// cfg.Format must be "json" or "console".
// Postcondition: Returns a configured Logger or a non-nil error.
func NewLogger(cfg config.LoggingConfig, instanceID string) (*Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	switch cfg.Format {
	case "json":
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "ts"
	case "console":
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	zc.Level = level
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var opts []zap.Option
	if instanceID != "" {
		opts = append(opts, zap.Fields(zap.String("instance_id", instanceID)))
	}
	l, err := zc.Build(opts...)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return &Logger{Logger: l, Level: level}, nil
}
