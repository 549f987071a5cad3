/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package throttle

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/acronis/go-ratelimiter/config"
)

const cfgDefaultKeyPrefix = "throttle"

const cfgKeyRules = "rules"

// Config represents a configuration of the throttling dispatcher.
// It binds routes (HTTP methods and URL path globs) to the rules of the rate limiter.
//
// Example of the YAML configuration:
//
//	throttle:
//	  rules:
//	    - alias: uploads
//	      routes:
//	        - path: /api/v1/files/*
//	          methods: POST, PUT
//	      excludedRoutes:
//	        - path: /api/v1/files/*/meta
//	      tags: external
//	      rateLimits: [api, uploads]
type Config struct {
	// Rules contains list of throttling rules. The first rule with a matching route is applied.
	Rules []RuleConfig `mapstructure:"rules" yaml:"rules" json:"rules"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *Config) SetProviderDefaults(_ config.DataProvider) {
}

// Set sets throttling configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	c.Rules = nil
	if err := dp.UnmarshalKey(cfgKeyRules, &c.Rules, config.WithDecodeHook()); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return dp.WrapKeyErr(cfgKeyRules, err)
	}
	return nil
}

// Validate validates configuration.
func (c *Config) Validate() error {
	for i := range c.Rules {
		if err := c.Rules[i].Validate(); err != nil {
			return fmt.Errorf("validate rule %q: %w", c.Rules[i].Name(), err)
		}
	}
	return nil
}

// RuleConfig represents configuration for throttling rule.
type RuleConfig struct {
	// Alias is an alternative name for the rule. It is used in logs and as a label in metrics.
	Alias string `mapstructure:"alias" yaml:"alias" json:"alias"`

	// Routes contains a list of routes for which the rule is applied.
	Routes []RouteConfig `mapstructure:"routes" yaml:"routes" json:"routes"`

	// ExcludedRoutes contains a list of routes that are never throttled.
	// They have priority over routes of all rules.
	ExcludedRoutes []RouteConfig `mapstructure:"excludedRoutes" yaml:"excludedRoutes" json:"excludedRoutes"`

	// Tags allow different middlewares to apply different rules of the same config.
	Tags []string `mapstructure:"tags" yaml:"tags" json:"tags"`

	// RateLimits contains names of the rate limiter rules. All of them are applied in order.
	RateLimits []string `mapstructure:"rateLimits" yaml:"rateLimits" json:"rateLimits"`

	// DryRun passes rejected requests through. Rejections are logged and counted.
	DryRun bool `mapstructure:"dryRun" yaml:"dryRun" json:"dryRun"`
}

// Name returns throttling rule name.
func (c *RuleConfig) Name() string {
	if c.Alias != "" {
		return c.Alias
	}
	parts := make([]string, 0, len(c.Routes))
	for _, r := range c.Routes {
		parts = append(parts, strings.TrimSpace(strings.Join(r.MethodsInUpperCase(), "|")+" "+r.Path))
	}
	return strings.Join(parts, "; ")
}

// Validate validates throttling rule configuration.
func (c *RuleConfig) Validate() error {
	if len(c.Routes) == 0 {
		return fmt.Errorf("routes is missing")
	}
	if len(c.RateLimits) == 0 {
		return fmt.Errorf("rate limits is missing")
	}
	for i := range c.RateLimits {
		if strings.TrimSpace(c.RateLimits[i]) == "" {
			return fmt.Errorf("rate limit #%d is empty", i+1)
		}
	}
	for i := range c.Routes {
		if err := c.Routes[i].Validate(); err != nil {
			return fmt.Errorf("validate route #%d: %w", i+1, err)
		}
	}
	for i := range c.ExcludedRoutes {
		if err := c.ExcludedRoutes[i].Validate(); err != nil {
			return fmt.Errorf("validate excluded route #%d: %w", i+1, err)
		}
	}
	return nil
}

// RouteConfig represents route's configuration.
type RouteConfig struct {
	// Path is a glob pattern of the normalized URL path. "*" matches any sequence of characters.
	Path string `mapstructure:"path" yaml:"path" json:"path"`

	// Methods is a list of case-insensitive HTTP methods. Empty list matches any method.
	Methods []string `mapstructure:"methods" yaml:"methods" json:"methods"`
}

var availableHTTPMethods = []string{
	http.MethodGet,
	http.MethodHead,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodConnect,
	http.MethodOptions,
	http.MethodTrace,
}

// MethodsInUpperCase returns list of route's methods in upper-case.
func (r *RouteConfig) MethodsInUpperCase() []string {
	upperMethods := make([]string, 0, len(r.Methods))
	for _, m := range r.Methods {
		if m = strings.TrimSpace(m); m != "" {
			upperMethods = append(upperMethods, strings.ToUpper(m))
		}
	}
	return upperMethods
}

// Validate validates RouteConfig.
func (r *RouteConfig) Validate() error {
	p := strings.TrimSpace(r.Path)
	if p == "" {
		return fmt.Errorf("path is missing")
	}
	if !strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "*") {
		return fmt.Errorf("path should be started with \"/\" or \"*\"")
	}
	for _, method := range r.MethodsInUpperCase() {
		known := false
		for _, am := range availableHTTPMethods {
			if method == am {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("unknown method %q", method)
		}
	}
	return nil
}
