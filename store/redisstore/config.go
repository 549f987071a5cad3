/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package redisstore

import (
	"fmt"
	"time"

	"github.com/acronis/go-ratelimiter/config"
	"github.com/acronis/go-ratelimiter/retry"
)

const cfgDefaultKeyPrefix = "store.redis"

const (
	cfgKeyAddress                  = "address"
	cfgKeyUsername                 = "username"
	cfgKeyPassword                 = "password" // nolint:gosec // configuration key, not a credential
	cfgKeyDB                       = "db"
	cfgKeyKeyPrefix                = "keyPrefix"
	cfgKeyPoolSize                 = "poolSize"
	cfgKeyDialTimeout              = "timeouts.dial"
	cfgKeyReadTimeout              = "timeouts.read"
	cfgKeyWriteTimeout             = "timeouts.write"
	cfgKeyConnectRetryMaxAttempts  = "connectRetry.maxAttempts"
	cfgKeyConnectRetryInitInterval = "connectRetry.initialInterval"
	cfgKeyConnectRetryMaxInterval  = "connectRetry.maxInterval"
)

// Default values.
const (
	DefaultAddress                  = "localhost:6379"
	DefaultKeyPrefix                = "ratelimit:"
	DefaultDialTimeout              = 5 * time.Second
	DefaultReadTimeout              = 500 * time.Millisecond
	DefaultWriteTimeout             = 500 * time.Millisecond
	DefaultConnectRetryMaxAttempts  = 5
	DefaultConnectRetryInitInterval = 200 * time.Millisecond
	DefaultConnectRetryMaxInterval  = 5 * time.Second
)

// Config represents a set of configuration parameters for the Redis store.
type Config struct {
	Address   string `mapstructure:"address" yaml:"address" json:"address"`
	Username  string `mapstructure:"username" yaml:"username" json:"username"`
	Password  string `mapstructure:"password" yaml:"password" json:"password"`
	DB        int    `mapstructure:"db" yaml:"db" json:"db"`
	Prefix    string `mapstructure:"keyPrefix" yaml:"keyPrefix" json:"keyPrefix"`
	PoolSize  int    `mapstructure:"poolSize" yaml:"poolSize" json:"poolSize"`

	DialTimeout  time.Duration `mapstructure:"dialTimeout" yaml:"dialTimeout" json:"dialTimeout"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout" yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout" yaml:"writeTimeout" json:"writeTimeout"`

	ConnectRetry retry.ExponentialBackoffPolicy `mapstructure:"connectRetry" yaml:"connectRetry" json:"connectRetry"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new instance of the Config read from the "store.redis" section.
func NewConfig() *Config {
	return &Config{keyPrefix: cfgDefaultKeyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		keyPrefix:    cfgDefaultKeyPrefix,
		Address:      DefaultAddress,
		Prefix:       DefaultKeyPrefix,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		ConnectRetry: retry.ExponentialBackoffPolicy{
			InitialInterval: DefaultConnectRetryInitInterval,
			MaxInterval:     DefaultConnectRetryMaxInterval,
			MaxAttempts:     DefaultConnectRetryMaxAttempts,
		},
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyAddress, DefaultAddress)
	dp.SetDefault(cfgKeyKeyPrefix, DefaultKeyPrefix)
	dp.SetDefault(cfgKeyDialTimeout, DefaultDialTimeout)
	dp.SetDefault(cfgKeyReadTimeout, DefaultReadTimeout)
	dp.SetDefault(cfgKeyWriteTimeout, DefaultWriteTimeout)
	dp.SetDefault(cfgKeyConnectRetryMaxAttempts, DefaultConnectRetryMaxAttempts)
	dp.SetDefault(cfgKeyConnectRetryInitInterval, DefaultConnectRetryInitInterval)
	dp.SetDefault(cfgKeyConnectRetryMaxInterval, DefaultConnectRetryMaxInterval)
}

// Set sets the Redis store configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	var err error
	if c.Address, err = dp.GetString(cfgKeyAddress); err != nil {
		return err
	}
	if c.Address == "" {
		return dp.WrapKeyErr(cfgKeyAddress, fmt.Errorf("cannot be empty"))
	}
	if c.Username, err = dp.GetString(cfgKeyUsername); err != nil {
		return err
	}
	if c.Password, err = dp.GetString(cfgKeyPassword); err != nil {
		return err
	}
	if c.DB, err = dp.GetInt(cfgKeyDB); err != nil {
		return err
	}
	if c.Prefix, err = dp.GetString(cfgKeyKeyPrefix); err != nil {
		return err
	}
	if c.PoolSize, err = dp.GetInt(cfgKeyPoolSize); err != nil {
		return err
	}
	if c.PoolSize < 0 {
		return dp.WrapKeyErr(cfgKeyPoolSize, fmt.Errorf("should be >= 0"))
	}
	if c.DialTimeout, err = dp.GetDuration(cfgKeyDialTimeout); err != nil {
		return err
	}
	if c.ReadTimeout, err = dp.GetDuration(cfgKeyReadTimeout); err != nil {
		return err
	}
	if c.WriteTimeout, err = dp.GetDuration(cfgKeyWriteTimeout); err != nil {
		return err
	}
	if c.ConnectRetry.MaxAttempts, err = dp.GetInt(cfgKeyConnectRetryMaxAttempts); err != nil {
		return err
	}
	if c.ConnectRetry.InitialInterval, err = dp.GetDuration(cfgKeyConnectRetryInitInterval); err != nil {
		return err
	}
	c.ConnectRetry.MaxInterval, err = dp.GetDuration(cfgKeyConnectRetryMaxInterval)
	return err
}
