// Package logging builds the zap logger every fleetd subsystem receives.
// Subsystems take a *zap.Logger in their constructor and call Named() for
// their own scope; nothing in the tree uses a package-global logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fleetd/internal/config"
)

// New builds a logger from the logging section of the configuration.
// Format "console" is for humans at a terminal; anything else gets
// production JSON. An optional file sink is added alongside stderr.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	if cfg.File != "" {
		zcfg.OutputPaths = append(zcfg.OutputPaths, cfg.File)
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// NewVerbose is New with the level forced to debug, for --verbose runs.
func NewVerbose(cfg config.LoggingConfig) (*zap.Logger, error) {
	cfg.Level = "debug"
	return New(cfg)
}
