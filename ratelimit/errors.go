/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"errors"
	"fmt"
)

// ErrRuleNotFound is returned when the Limiter is asked to evaluate a rule it does not know.
var ErrRuleNotFound = errors.New("rate limiting rule not found")

// ConfigurationError describes an invalid rule, quota or algorithm setup.
// It is returned at setup time and is never produced while serving requests.
type ConfigurationError struct {
	Rule  string
	Field string
	Msg   string
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(rule, field, msg string) *ConfigurationError {
	return &ConfigurationError{Rule: rule, Field: field, Msg: msg}
}

func (e *ConfigurationError) Error() string {
	var prefix string
	switch {
	case e.Rule != "" && e.Field != "":
		prefix = fmt.Sprintf("rule %q, field %q: ", e.Rule, e.Field)
	case e.Rule != "":
		prefix = fmt.Sprintf("rule %q: ", e.Rule)
	case e.Field != "":
		prefix = fmt.Sprintf("field %q: ", e.Field)
	}
	return "rate limiting configuration error: " + prefix + e.Msg
}

// IsConfigurationError reports whether err is (or wraps) a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
