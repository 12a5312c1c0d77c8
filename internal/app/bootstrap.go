package app

import (
	"fmt"

	"github.com/jmehdipour/shop-events/internal/config"
	"github.com/jmehdipour/shop-events/internal/logger"
	"github.com/jmehdipour/shop-events/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Bootstrap loads configuration, installs the global logger and registers
// metrics. Every CLI command starts here.
func Bootstrap(cfgPath string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.Init(cfg.App.LogLevel).With(zap.String("env", cfg.App.Env))
	metrics.MustRegister(prometheus.DefaultRegisterer)
	return cfg, log, nil
}
