/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Command ratelimitd runs the rate limiting service.
// It admits requests of configured rules through the HTTP API and exposes rule management endpoints.
package main

import (
	"context"
	"fmt"
	golog "log"

	"github.com/spf13/pflag"

	"github.com/acronis/go-ratelimiter/log"
	"github.com/acronis/go-ratelimiter/service"
)

func main() {
	if err := runApp(); err != nil {
		golog.Fatal(err)
	}
}

func runApp() error {
	configPath := pflag.StringP("config", "c", defaultConfigPath, "path to the YAML configuration file")
	envVarsPrefix := pflag.String("env-prefix", defaultEnvVarsPrefix, "prefix of environment variables overriding the configuration")
	pflag.Parse()

	cfg, err := loadAppConfig(*configPath, *envVarsPrefix)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, loggerClose := log.NewLogger(cfg.Log)
	defer loggerClose()

	st, err := newStore(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("failed to close rate limiting store", log.Error(closeErr))
		}
	}()

	a, err := newApp(st, cfg, logger)
	if err != nil {
		return err
	}
	a.limiterMetrics.MustRegister()
	defer a.limiterMetrics.Unregister()
	a.throttleMetrics.MustRegister()
	defer a.throttleMetrics.Unregister()

	serviceUnits, err := a.serviceUnits(cfg)
	if err != nil {
		return err
	}
	return service.New(logger, service.NewCompositeUnit(serviceUnits...)).Start()
}
