/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/atomic"

	"github.com/acronis/go-ratelimiter/httpserver"
	"github.com/acronis/go-ratelimiter/httpserver/middleware"
	"github.com/acronis/go-ratelimiter/httpserver/middleware/throttle"
	"github.com/acronis/go-ratelimiter/log"
	"github.com/acronis/go-ratelimiter/profserver"
	"github.com/acronis/go-ratelimiter/queue"
	"github.com/acronis/go-ratelimiter/ratelimit"
	"github.com/acronis/go-ratelimiter/service"
	"github.com/acronis/go-ratelimiter/store"
	"github.com/acronis/go-ratelimiter/store/memstore"
	"github.com/acronis/go-ratelimiter/store/redisstore"
)

type app struct {
	store           store.Store
	limiter         *ratelimit.Limiter
	limiterMetrics  *ratelimit.PrometheusMetrics
	deferral        *middleware.RateLimitDeferral
	queueMetrics    *queue.PrometheusMetrics
	throttleMetrics *throttle.PrometheusMetrics
	dispatch        func(next http.Handler) http.Handler
	deferTimeout    time.Duration
	errDomain       string
	logger          log.FieldLogger
}

func newStore(ctx context.Context, cfg *AppConfig, logger log.FieldLogger) (store.Store, error) {
	switch cfg.Store.Type {
	case StoreTypeRedis:
		st, err := redisstore.New(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("create redis store: %w", err)
		}
		return st, nil
	default:
		return memstore.New(memstore.Opts{}), nil
	}
}

func newApp(st store.Store, cfg *AppConfig, logger log.FieldLogger) (*app, error) {
	rules, err := cfg.RateLimit.ToRules()
	if err != nil {
		return nil, fmt.Errorf("build rate limiting rules: %w", err)
	}

	limiterMetrics := ratelimit.NewPrometheusMetrics(defaultMetricsNamespace, nil)
	limiterOpts := cfg.RateLimit.LimiterOpts()
	limiterOpts.Logger = logger
	limiterOpts.Metrics = limiterMetrics
	limiter, err := ratelimit.New(st, rules, limiterOpts)
	if err != nil {
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}

	queueMetrics := queue.NewPrometheusMetrics(defaultMetricsNamespace)
	deferral, err := middleware.NewRateLimitDeferral(limiter, queue.Opts[*middleware.DeferredRequest]{
		MaxSize:         cfg.Deferral.MaxSize,
		BatchSize:       cfg.Deferral.BatchSize,
		ProcessInterval: cfg.Deferral.ProcessInterval,
		DefaultTimeout:  cfg.Deferral.Timeout,
		Store:           st,
		SnapshotTTL:     cfg.Deferral.SnapshotTTL,
		Logger:          logger,
		Metrics:         queueMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create rate limit deferral: %w", err)
	}

	a := &app{
		store:           st,
		limiter:         limiter,
		limiterMetrics:  limiterMetrics,
		deferral:        deferral,
		queueMetrics:    queueMetrics,
		throttleMetrics: throttle.NewPrometheusMetrics(defaultMetricsNamespace),
		deferTimeout:    cfg.Deferral.Timeout,
		errDomain:       defaultErrorDomain,
		logger:          logger,
	}
	a.dispatch, err = throttle.MiddlewareWithOpts(limiter, cfg.Throttle, a.throttleMetrics, throttle.MiddlewareOpts{
		RateLimitOpts:   a.rateLimitOpts(),
		GetRequestRoute: originalRequestRoute,
	})
	if err != nil {
		return nil, fmt.Errorf("create throttling dispatcher: %w", err)
	}
	return a, nil
}

// serviceUnits returns the HTTP server, the deferral queue processor, the store health monitor
// and, if enabled, the profiling server.
func (a *app) serviceUnits(cfg *AppConfig) ([]service.Unit, error) {
	httpServer, err := httpserver.New(cfg.Server, a.logger, httpserver.Opts{
		ServiceNameInURL: defaultServiceNameInURL,
		APIRoutes:        map[httpserver.APIVersion]httpserver.APIRoute{1: a.apiRoutes},
		ErrorDomain:      a.errDomain,
		HealthCheck:      httpserver.NewStoreHealthCheck(a.store),
	})
	if err != nil {
		return nil, fmt.Errorf("create HTTP server: %w", err)
	}

	monitor := newStoreHealthMonitor(a.store, a.logger)
	healthWorker := service.NewPeriodicWorkerWithOpts(monitor, cfg.Store.HealthCheckInterval, a.logger,
		service.PeriodicWorkerOpts{Name: "store-health-monitor"})

	units := []service.Unit{
		httpServer,
		a.deferral.NewProcessingUnit(a.queueMetrics),
		service.NewWorkerUnit(healthWorker),
	}
	if cfg.ProfServer.Enabled {
		units = append(units, profserver.New(cfg.ProfServer, a.logger))
	}
	return units, nil
}

// storeHealthMonitor logs transitions of the store health.
type storeHealthMonitor struct {
	store   store.Store
	logger  log.FieldLogger
	healthy atomic.Bool
}

func newStoreHealthMonitor(st store.Store, logger log.FieldLogger) *storeHealthMonitor {
	m := &storeHealthMonitor{store: st, logger: logger}
	m.healthy.Store(true)
	return m
}

func (m *storeHealthMonitor) Run(ctx context.Context) error {
	healthy := m.store.IsHealthy(ctx)
	if ctx.Err() != nil {
		return nil
	}
	if m.healthy.Swap(healthy) == healthy {
		return nil
	}
	if healthy {
		m.logger.Info("rate limiting store is healthy again")
	} else {
		m.logger.Warn("rate limiting store is unhealthy, failure policy is applied to requests")
	}
	return nil
}
