package main

import (
	"github.com/Gobusters/ectologger"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/app"
)

// setup loads configuration and builds the logger. Callers must sync the returned zap logger.
func setup() (*config.Config, ectologger.Logger, *zap.Logger, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Version == "dev" {
		cfg.Version = version
	}
	logger, zapLogger, err := app.NewLogger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, zapLogger, nil
}
