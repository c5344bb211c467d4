// Package logging builds the zap loggers used by the binaries.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New returns a production JSON logger, or a console logger when
// development is set. level accepts any zap level name.
func New(level string, development bool) (*zap.Logger, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl
	return cfg.Build()
}
