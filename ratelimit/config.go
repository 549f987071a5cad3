/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/vasayxtx/go-glob"
	"gopkg.in/yaml.v3"

	"github.com/acronis/go-ratelimiter/config"
)

const cfgDefaultKeyPrefix = "rateLimit"

const (
	cfgKeyKeyPrefix             = "keyPrefix"
	cfgKeyFailurePolicy         = "failurePolicy"
	cfgKeyAdaptiveMinMultiplier = "adaptive.minMultiplier"
	cfgKeyAdaptiveMaxMultiplier = "adaptive.maxMultiplier"
	cfgKeyRules                 = "rules"
)

// Config represents declarative rate limiting configuration.
//
// Example of YAML configuration:
//
//	rateLimit:
//	  keyPrefix: rl
//	  failurePolicy: open
//	  adaptive:
//	    minMultiplier: 0.25
//	    maxMultiplier: 2
//	  rules:
//	    api:
//	      rate: 100/m
//	      algorithm: sliding_window
//	      scope: [user, ip]
//	      skipInternal: true
//	      skipEndpoints: ["/healthz", "/metrics*"]
//	    login:
//	      limit: 5
//	      window: 15m
//	      algorithm: fixed_window
//	      scope: ip
//	      message: Too many login attempts.
//
// Rule names are case-insensitive and are loaded in lower case.
type Config struct {
	Prefix        string                `mapstructure:"keyPrefix" yaml:"keyPrefix" json:"keyPrefix" validate:"max=64"`
	FailurePolicy FailurePolicy         `mapstructure:"failurePolicy" yaml:"failurePolicy" json:"failurePolicy" validate:"omitempty,oneof=open closed local"` //nolint:lll
	Adaptive      AdaptiveConfig        `mapstructure:"adaptive" yaml:"adaptive" json:"adaptive"`
	Rules         map[string]RuleConfig `mapstructure:"rules" yaml:"rules" json:"rules" validate:"dive"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// AdaptiveConfig represents configuration of the adaptive algorithm.
type AdaptiveConfig struct {
	MinMultiplier float64 `mapstructure:"minMultiplier" yaml:"minMultiplier" json:"minMultiplier" validate:"gt=0"`
	MaxMultiplier float64 `mapstructure:"maxMultiplier" yaml:"maxMultiplier" json:"maxMultiplier" validate:"gtefield=MinMultiplier"`
}

// RuleConfig represents configuration of a single rule.
// Either Rate or Limit with Window must be specified.
type RuleConfig struct {
	Limit     int64         `mapstructure:"limit" yaml:"limit" json:"limit" validate:"gte=0"`
	Window    time.Duration `mapstructure:"window" yaml:"window" json:"window" validate:"gte=0"`
	Rate      RateValue     `mapstructure:"rate" yaml:"rate" json:"rate"`
	Burst     int64         `mapstructure:"burst" yaml:"burst" json:"burst" validate:"gte=0"`
	Algorithm Type          `mapstructure:"algorithm" yaml:"algorithm" json:"algorithm" validate:"omitempty,oneof=fixed_window sliding_window token_bucket leaky_bucket adaptive gcra"` //nolint:lll
	Scope     []Scope       `mapstructure:"scope" yaml:"scope" json:"scope" validate:"required,dive,oneof=user ip apiKey tenant endpoint global"`    //nolint:lll
	Message   string        `mapstructure:"message" yaml:"message" json:"message"`
	Cost      int64         `mapstructure:"cost" yaml:"cost" json:"cost" validate:"gte=0"`
	Priority  int           `mapstructure:"priority" yaml:"priority" json:"priority"`
	Defer     bool          `mapstructure:"defer" yaml:"defer" json:"defer"`

	// SkipInternal exempts internal calls from the rule.
	SkipInternal bool `mapstructure:"skipInternal" yaml:"skipInternal" json:"skipInternal"`
	// SkipEndpoints exempts endpoints matching any of the glob patterns ("*" matches any sequence).
	SkipEndpoints []string `mapstructure:"skipEndpoints" yaml:"skipEndpoints" json:"skipEndpoints"`
}

// NewConfig creates a new instance of the Config read from the "rateLimit" section.
func NewConfig() *Config {
	return &Config{keyPrefix: cfgDefaultKeyPrefix}
}

// NewConfigWithKeyPrefix creates a new instance of the Config read from the given section.
func NewConfigWithKeyPrefix(keyPrefix string) *Config {
	return &Config{keyPrefix: keyPrefix}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyKeyPrefix, DefaultKeyPrefix)
	dp.SetDefault(cfgKeyFailurePolicy, string(FailOpen))
	dp.SetDefault(cfgKeyAdaptiveMinMultiplier, DefaultAdaptiveMinMultiplier)
	dp.SetDefault(cfgKeyAdaptiveMaxMultiplier, DefaultAdaptiveMaxMultiplier)
}

// Set sets rate limiting configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	var err error
	if c.Prefix, err = dp.GetString(cfgKeyKeyPrefix); err != nil {
		return err
	}
	var policy string
	if policy, err = dp.GetString(cfgKeyFailurePolicy); err != nil {
		return err
	}
	c.FailurePolicy = FailurePolicy(strings.ToLower(policy))
	if c.Adaptive.MinMultiplier, err = dp.GetFloat64(cfgKeyAdaptiveMinMultiplier); err != nil {
		return err
	}
	if c.Adaptive.MaxMultiplier, err = dp.GetFloat64(cfgKeyAdaptiveMaxMultiplier); err != nil {
		return err
	}
	c.Rules = nil
	if err = dp.UnmarshalKey(cfgKeyRules, &c.Rules, config.WithDecodeHook(mapstructureTrimSpaceStringsHookFunc())); err != nil {
		return err
	}
	return c.Validate()
}

var configValidator = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		return fld.Name
	})
	return v
}

// Validate validates the configuration and returns a *ConfigurationError if it is invalid.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return validationErrorToConfigurationError(err)
	}
	for name, rc := range c.Rules {
		if rc.Rate.IsZero() && (rc.Limit == 0 || rc.Window == 0) {
			return NewConfigurationError(name, "rate", "either rate or limit with window should be specified")
		}
		if !rc.Rate.IsZero() && (rc.Limit != 0 || rc.Window != 0) {
			return NewConfigurationError(name, "rate", "rate and limit with window cannot be used together")
		}
	}
	return nil
}

func validationErrorToConfigurationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) || len(validationErrs) == 0 {
		return NewConfigurationError("", "", err.Error())
	}
	fe := validationErrs[0]
	ns := strings.TrimPrefix(fe.Namespace(), "Config.")
	var ruleName string
	if strings.HasPrefix(ns, cfgKeyRules+"[") {
		if end := strings.Index(ns, "]"); end > 0 {
			ruleName = ns[len(cfgKeyRules)+1 : end]
			ns = strings.TrimPrefix(ns[end+1:], ".")
		}
	}
	msg := fmt.Sprintf("failed on the %q validation", fe.Tag())
	if fe.Param() != "" {
		msg = fmt.Sprintf("failed on the %q validation (%s)", fe.Tag(), fe.Param())
	}
	return NewConfigurationError(ruleName, ns, msg)
}

// ToRules converts the configuration into rules sorted by name.
func (c *Config) ToRules() ([]Rule, error) {
	names := make([]string, 0, len(c.Rules))
	for name := range c.Rules {
		names = append(names, name)
	}
	sort.Strings(names)

	rules := make([]Rule, 0, len(names))
	for _, name := range names {
		rule, err := c.Rules[name].ToRule(name)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// LimiterOpts returns the Limiter options defined by the configuration.
func (c *Config) LimiterOpts() Opts {
	return Opts{
		KeyPrefix:     c.Prefix,
		FailurePolicy: c.FailurePolicy,
		Adaptive:      AdaptiveOpts{MinMultiplier: c.Adaptive.MinMultiplier, MaxMultiplier: c.Adaptive.MaxMultiplier},
	}
}

// ToRule converts the configuration into a validated rule.
func (rc RuleConfig) ToRule(name string) (Rule, error) {
	rule := Rule{
		Name:       name,
		Limit:      rc.Limit,
		Window:     rc.Window,
		BurstLimit: rc.Burst,
		Algorithm:  rc.Algorithm,
		Scopes:     rc.Scope,
		Cost:       rc.Cost,
		Message:    rc.Message,
		Priority:   rc.Priority,
		Defer:      rc.Defer,
	}
	if !rc.Rate.IsZero() {
		rule.Limit, rule.Window = rc.Rate.Count, rc.Rate.Duration
	}
	rule.SkipIf = rc.makeSkipIf()
	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

func (rc RuleConfig) makeSkipIf() func(rlCtx *Context) bool {
	if !rc.SkipInternal && len(rc.SkipEndpoints) == 0 {
		return nil
	}
	matchers := make([]func(string) bool, 0, len(rc.SkipEndpoints))
	for _, pattern := range rc.SkipEndpoints {
		matchers = append(matchers, glob.Compile(pattern))
	}
	skipInternal := rc.SkipInternal
	return func(rlCtx *Context) bool {
		if skipInternal && rlCtx.IsInternal {
			return true
		}
		for _, match := range matchers {
			if match(rlCtx.Endpoint) {
				return true
			}
		}
		return false
	}
}

// RateValue represents a rate in the "N/unit" form, for example 10/s, 100/m, 1000/h, 10000/d.
type RateValue struct {
	Count    int64
	Duration time.Duration
}

// IsZero reports whether the rate is not set.
func (rv RateValue) IsZero() bool {
	return rv.Count == 0 && rv.Duration == 0
}

// String returns a string representation of the rate.
// Implements fmt.Stringer interface.
func (rv RateValue) String() string {
	if rv.IsZero() {
		return ""
	}
	var d string
	switch rv.Duration {
	case time.Second:
		d = "s"
	case time.Minute:
		d = "m"
	case time.Hour:
		d = "h"
	case 24 * time.Hour:
		d = "d"
	default:
		d = rv.Duration.String()
	}
	return fmt.Sprintf("%d/%s", rv.Count, d)
}

// ParseRate parses a rate in the "N/unit" form.
func ParseRate(rate string) (RateValue, error) {
	if rate == "" {
		return RateValue{}, nil
	}
	incorrectFormatErr := fmt.Errorf(
		"incorrect format for rate %q, should be N/(s|m|h|d), for example 10/s, 100/m, 1000/h", rate)
	countStr, unit, found := strings.Cut(rate, "/")
	if !found {
		return RateValue{}, incorrectFormatErr
	}
	count, err := strconv.ParseInt(strings.TrimSpace(countStr), 10, 64)
	if err != nil || count <= 0 {
		return RateValue{}, incorrectFormatErr
	}
	var dur time.Duration
	switch unit = strings.TrimSpace(unit); strings.ToLower(unit) {
	case "s":
		dur = time.Second
	case "m":
		dur = time.Minute
	case "h":
		dur = time.Hour
	case "d":
		dur = 24 * time.Hour
	default:
		if dur, err = time.ParseDuration(unit); err != nil || dur <= 0 {
			return RateValue{}, incorrectFormatErr
		}
	}
	return RateValue{Count: count, Duration: dur}, nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (rv *RateValue) UnmarshalText(text []byte) error {
	parsed, err := ParseRate(string(text))
	if err != nil {
		return err
	}
	*rv = parsed
	return nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (rv *RateValue) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	return rv.UnmarshalText([]byte(text))
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (rv *RateValue) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	return rv.UnmarshalText([]byte(text))
}

// MarshalText implements the encoding.TextMarshaler interface.
func (rv RateValue) MarshalText() ([]byte, error) {
	return []byte(rv.String()), nil
}

func mapstructureTrimSpaceStringsHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Kind, t reflect.Kind, data interface{}) (interface{}, error) {
		if f != reflect.Slice || t != reflect.Slice {
			return data, nil
		}
		switch dt := data.(type) {
		case []string:
			res := make([]string, 0, len(dt))
			for _, s := range dt {
				res = append(res, strings.TrimSpace(s))
			}
			return res, nil
		default:
			return data, nil
		}
	}
}
