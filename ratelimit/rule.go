/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
	"time"
)

// DefaultAlgorithm is used by rules that do not specify an algorithm.
const DefaultAlgorithm = TypeSlidingWindow

// Rule is a declarative rate limiting rule attached to a protected operation.
type Rule struct {
	Name string
	// Limit is the number of cost units allowed per Window.
	Limit  int64
	Window time.Duration
	// BurstLimit is the bucket capacity for token and leaky buckets.
	BurstLimit int64
	Algorithm  Type
	// Scopes are the dimensions the key is derived from. Ignored when KeyGenerator is set.
	Scopes       []Scope
	KeyGenerator KeyGenerator
	// Cost is the default cost of a request. Zero means 1.
	Cost int64
	// Message is returned to rejected clients.
	Message string
	// SkipIf exempts matching requests from the rule.
	SkipIf func(rlCtx *Context) bool
	// Priority is used when rejected requests are deferred through the priority queue.
	Priority int
	// Defer enables deferral of rejected requests through the priority queue.
	Defer bool
}

// Validate checks the rule and returns a *ConfigurationError if it is invalid.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return NewConfigurationError("", "name", "cannot be empty")
	}
	if r.Limit <= 0 {
		return NewConfigurationError(r.Name, "limit", "should be > 0")
	}
	if r.Window <= 0 {
		return NewConfigurationError(r.Name, "window", "should be > 0")
	}
	if r.Window < time.Millisecond {
		return NewConfigurationError(r.Name, "window", "should be >= 1ms")
	}
	if r.BurstLimit < 0 {
		return NewConfigurationError(r.Name, "burstLimit", "should be >= 0")
	}
	if r.Cost < 0 {
		return NewConfigurationError(r.Name, "cost", "should be >= 0")
	}
	if r.Algorithm != "" && !r.Algorithm.Valid() {
		return NewConfigurationError(r.Name, "algorithm", fmt.Sprintf("unknown algorithm %q", r.Algorithm))
	}
	if r.KeyGenerator == nil {
		if len(r.Scopes) == 0 {
			return NewConfigurationError(r.Name, "scope", "at least one scope or a key generator is required")
		}
		for _, s := range r.Scopes {
			if !s.Valid() {
				return NewConfigurationError(r.Name, "scope", fmt.Sprintf("unknown scope %q", s))
			}
		}
	}
	return nil
}

// AlgorithmType returns the algorithm of the rule, DefaultAlgorithm if not set.
func (r *Rule) AlgorithmType() Type {
	if r.Algorithm == "" {
		return DefaultAlgorithm
	}
	return r.Algorithm
}

// Quota returns the quota the rule enforces.
func (r *Rule) Quota() Quota {
	return Quota{Limit: r.Limit, Window: r.Window, Burst: r.BurstLimit}
}

// DefaultCost returns the cost of a request when the caller does not provide one.
func (r *Rule) DefaultCost() int64 {
	if r.Cost <= 0 {
		return 1
	}
	return r.Cost
}

// Key derives the rate limiting key of the request for the rule.
func (r *Rule) Key(prefix string, rlCtx *Context) string {
	if r.KeyGenerator != nil {
		return BuildCustomKey(prefix, r.Name, r.KeyGenerator, rlCtx)
	}
	return BuildKey(prefix, r.Name, r.Scopes, rlCtx)
}
