/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"fmt"
	"time"

	"github.com/acronis/go-ratelimiter/config"
	"github.com/acronis/go-ratelimiter/httpserver"
	"github.com/acronis/go-ratelimiter/httpserver/middleware/throttle"
	"github.com/acronis/go-ratelimiter/log"
	"github.com/acronis/go-ratelimiter/profserver"
	"github.com/acronis/go-ratelimiter/queue"
	"github.com/acronis/go-ratelimiter/ratelimit"
	"github.com/acronis/go-ratelimiter/store/redisstore"
)

// Store backends.
const (
	StoreTypeMemory = "memory"
	StoreTypeRedis  = "redis"
)

const (
	cfgKeyStoreType                = "type"
	cfgKeyStoreHealthCheckInterval = "healthCheckInterval"
	cfgKeyDeferralMaxSize          = "maxSize"
	cfgKeyDeferralBatchSize        = "batchSize"
	cfgKeyDeferralProcessInterval  = "processInterval"
	cfgKeyDeferralTimeout          = "timeout"
	cfgKeyDeferralSnapshotTTL      = "snapshotTTL"
)

const (
	defaultStoreHealthCheckInterval = 10 * time.Second
	defaultDeferralSnapshotTTL      = time.Hour
	defaultDeferralTimeout          = 5 * time.Second
	defaultDeferralProcessInterval  = queue.DefaultProcessInterval
	defaultDeferralBatchSize        = queue.DefaultBatchSize
	defaultDeferralMaxSize          = queue.DefaultMaxSize
	defaultMetricsNamespace         = "ratelimitd"
	defaultServiceNameInURL         = "ratelimit"
	defaultErrorDomain              = "RateLimiter"
	defaultEnvVarsPrefix            = "RATELIMITD"
	defaultConfigPath               = "config.yml"
)

// AppConfig contains configuration of all components of the service.
type AppConfig struct {
	Log        *log.Config
	Server     *httpserver.Config
	RateLimit  *ratelimit.Config
	Store      *StoreConfig
	Redis      *redisstore.Config
	Deferral   *DeferralConfig
	Throttle   *throttle.Config
	ProfServer *profserver.Config
}

// NewAppConfig creates a new AppConfig with the default key prefixes.
func NewAppConfig() *AppConfig {
	return &AppConfig{
		Log:        log.NewConfig(),
		Server:     httpserver.NewConfig(),
		RateLimit:  ratelimit.NewConfig(),
		Store:      &StoreConfig{},
		Redis:      redisstore.NewConfig(),
		Deferral:   &DeferralConfig{},
		Throttle:   throttle.NewConfig(),
		ProfServer: profserver.NewConfig(),
	}
}

func (c *AppConfig) all() []config.Config {
	return []config.Config{c.Log, c.Server, c.RateLimit, c.Store, c.Redis, c.Deferral, c.Throttle, c.ProfServer}
}

func loadAppConfig(path, envVarsPrefix string) (*AppConfig, error) {
	cfg := NewAppConfig()
	all := cfg.all()
	if err := config.NewDefaultLoader(envVarsPrefix).LoadFromFile(path, config.DataTypeYAML, all[0], all[1:]...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// StoreConfig selects the backend of the rate limiting state.
type StoreConfig struct {
	Type                string        `mapstructure:"type" yaml:"type" json:"type"`
	HealthCheckInterval time.Duration `mapstructure:"healthCheckInterval" yaml:"healthCheckInterval" json:"healthCheckInterval"`
}

var _ config.Config = (*StoreConfig)(nil)
var _ config.KeyPrefixProvider = (*StoreConfig)(nil)

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *StoreConfig) KeyPrefix() string {
	return "store"
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *StoreConfig) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyStoreType, StoreTypeMemory)
	dp.SetDefault(cfgKeyStoreHealthCheckInterval, defaultStoreHealthCheckInterval)
}

// Set sets store configuration values from config.DataProvider.
func (c *StoreConfig) Set(dp config.DataProvider) error {
	var err error
	if c.Type, err = dp.GetStringFromSet(cfgKeyStoreType, []string{StoreTypeMemory, StoreTypeRedis}, true); err != nil {
		return err
	}
	if c.HealthCheckInterval, err = dp.GetDuration(cfgKeyStoreHealthCheckInterval); err != nil {
		return err
	}
	if c.HealthCheckInterval <= 0 {
		return dp.WrapKeyErr(cfgKeyStoreHealthCheckInterval, fmt.Errorf("should be positive"))
	}
	return nil
}

// DeferralConfig contains parameters of the queue where requests of deferrable rules wait for admission.
type DeferralConfig struct {
	MaxSize         int           `mapstructure:"maxSize" yaml:"maxSize" json:"maxSize"`
	BatchSize       int           `mapstructure:"batchSize" yaml:"batchSize" json:"batchSize"`
	ProcessInterval time.Duration `mapstructure:"processInterval" yaml:"processInterval" json:"processInterval"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	SnapshotTTL     time.Duration `mapstructure:"snapshotTTL" yaml:"snapshotTTL" json:"snapshotTTL"`
}

var _ config.Config = (*DeferralConfig)(nil)
var _ config.KeyPrefixProvider = (*DeferralConfig)(nil)

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *DeferralConfig) KeyPrefix() string {
	return "deferral"
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *DeferralConfig) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyDeferralMaxSize, defaultDeferralMaxSize)
	dp.SetDefault(cfgKeyDeferralBatchSize, defaultDeferralBatchSize)
	dp.SetDefault(cfgKeyDeferralProcessInterval, defaultDeferralProcessInterval)
	dp.SetDefault(cfgKeyDeferralTimeout, defaultDeferralTimeout)
	dp.SetDefault(cfgKeyDeferralSnapshotTTL, defaultDeferralSnapshotTTL)
}

// Set sets deferral configuration values from config.DataProvider.
func (c *DeferralConfig) Set(dp config.DataProvider) error {
	var err error
	for _, item := range []struct {
		key  string
		dest *int
	}{
		{cfgKeyDeferralMaxSize, &c.MaxSize},
		{cfgKeyDeferralBatchSize, &c.BatchSize},
	} {
		if *item.dest, err = dp.GetInt(item.key); err != nil {
			return err
		}
		if *item.dest <= 0 {
			return dp.WrapKeyErr(item.key, fmt.Errorf("should be positive"))
		}
	}
	for _, item := range []struct {
		key  string
		dest *time.Duration
	}{
		{cfgKeyDeferralProcessInterval, &c.ProcessInterval},
		{cfgKeyDeferralTimeout, &c.Timeout},
		{cfgKeyDeferralSnapshotTTL, &c.SnapshotTTL},
	} {
		if *item.dest, err = dp.GetDuration(item.key); err != nil {
			return err
		}
		if *item.dest <= 0 {
			return dp.WrapKeyErr(item.key, fmt.Errorf("should be positive"))
		}
	}
	return nil
}
