// Package logging builds the process logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/afterdarksys/querycached/pkg/config"
)

// New creates a logger from cfg. Format "console" gives the development
// encoder; anything else logs JSON. debug forces the debug level.
func New(cfg config.LogConfig, debug bool) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	if debug {
		level = zapcore.DebugLevel
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
