// Package logging builds the crawler's zap loggers. Development output is
// colored console text at debug level; production output is JSON at info
// level. Both carry a "ts" timestamp and the service name.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Service is attached to every entry so crawler logs can be filtered out of
// shared sinks.
const Service = "recoverable-crawler"

// Config selects the logger flavor. Level, when set, overrides the mode's
// default minimum level ("debug", "info", "warn", "error").
type Config struct {
	Development bool
	Level       string
}

// New builds a logger for cfg.
func New(cfg Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	mode := "prod"
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		mode = "dev"
	} else {
		zc.DisableStacktrace = false
	}
	zc.EncoderConfig.TimeKey = "ts"
	zc.InitialFields = map[string]any{"service": Service}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		zc.Level = level
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build %s logger: %w", mode, err)
	}
	return logger, nil
}
