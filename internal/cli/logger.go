package cli

import (
	"fmt"

	"github.com/devrev/pairdb/internal/config"
	"go.uber.org/zap"
)

// newLogger builds the process logger from the logging section
func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging.level %q: %w", cfg.Level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	if cfg.Format == "console" {
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return zc.Build()
}
