/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/acronis/go-ratelimiter/log"
	"github.com/acronis/go-ratelimiter/store"
)

// FailurePolicy determines how requests are decided when the store fails.
type FailurePolicy string

// Failure policies.
const (
	// FailOpen admits requests when the store fails. It is the default:
	// the limiter's own infrastructure failing never blocks legitimate traffic.
	FailOpen FailurePolicy = "open"
	// FailClosed rejects requests when the store fails.
	FailClosed FailurePolicy = "closed"
	// FailLocal decides requests with in-process sliding windows when the store fails.
	FailLocal FailurePolicy = "local"
)

// Valid reports whether p is a supported failure policy.
func (p FailurePolicy) Valid() bool {
	switch p {
	case FailOpen, FailClosed, FailLocal:
		return true
	}
	return false
}

const storeFailureLogInterval = 10 * time.Second

// Opts represents options for the Limiter.
type Opts struct {
	Logger  log.FieldLogger
	Metrics MetricsCollector
	// FailurePolicy is FailOpen by default.
	FailurePolicy FailurePolicy
	// KeyPrefix is DefaultKeyPrefix by default.
	KeyPrefix string
	// Now returns the current time. time.Now is used if nil.
	Now      func() time.Time
	Adaptive AdaptiveOpts
	// FallbackMaxKeys bounds the number of keys of the FailLocal fallback.
	FallbackMaxKeys int
	// GCRAMaxKeys bounds the number of keys of GCRA rules.
	GCRAMaxKeys int
}

// Decision is the outcome of evaluating a rule for a request.
type Decision struct {
	Result
	// Rule is the name of the evaluated rule.
	Rule string
	// Key is the rate limiting key of the request.
	Key string
	// Skipped is true when the request is exempted from the rule.
	Skipped bool
	// FailedOpen is true when the store failed and the request was admitted by the failure policy.
	FailedOpen bool
	// FailedClosed is true when the store failed and the request was rejected by the failure policy.
	FailedClosed bool
	// Fallback is true when the store failed and the request was decided by the local fallback.
	Fallback bool
	// StoreErr is the store error the failure policy was applied to.
	StoreErr error
}

type compiledRule struct {
	rule Rule
	alg  Algorithm
}

// Limiter evaluates rate limiting rules for requests.
type Limiter struct {
	rules    map[string]*compiledRule
	store    store.Store
	logger   log.FieldLogger
	metrics  MetricsCollector
	policy   FailurePolicy
	prefix   string
	now      func() time.Time
	fallback *localFallback

	storeFailureLogSometimes rate.Sometimes
}

// New creates a new Limiter. All rules are validated and an algorithm is created for each of them,
// so any configuration problem is reported here as a *ConfigurationError.
func New(st store.Store, rules []Rule, opts Opts) (*Limiter, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = disabledMetrics{}
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = FailOpen
	}
	if !opts.FailurePolicy.Valid() {
		return nil, NewConfigurationError("", "failurePolicy", fmt.Sprintf("unknown failure policy %q", opts.FailurePolicy))
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	l := &Limiter{
		rules:                    make(map[string]*compiledRule, len(rules)),
		store:                    st,
		logger:                   opts.Logger,
		metrics:                  opts.Metrics,
		policy:                   opts.FailurePolicy,
		prefix:                   opts.KeyPrefix,
		now:                      opts.Now,
		storeFailureLogSometimes: rate.Sometimes{First: 1, Interval: storeFailureLogInterval},
	}
	if opts.FailurePolicy == FailLocal {
		var err error
		if l.fallback, err = newLocalFallback(opts.FallbackMaxKeys, opts.Now); err != nil {
			return nil, err
		}
	}

	algOpts := AlgorithmOpts{Now: opts.Now, Logger: opts.Logger, Adaptive: opts.Adaptive, GCRAMaxKeys: opts.GCRAMaxKeys}
	for i := range rules {
		rule := rules[i]
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		if _, exists := l.rules[rule.Name]; exists {
			return nil, NewConfigurationError(rule.Name, "name", "duplicate rule")
		}
		alg, err := NewAlgorithm(rule.AlgorithmType(), st, algOpts)
		if err != nil {
			var cfgErr *ConfigurationError
			if errors.As(err, &cfgErr) && cfgErr.Rule == "" {
				cfgErr.Rule = rule.Name
			}
			return nil, err
		}
		l.rules[rule.Name] = &compiledRule{rule: rule, alg: alg}
	}
	return l, nil
}

// Rule returns the rule with the given name.
func (l *Limiter) Rule(name string) (Rule, bool) {
	cr, ok := l.rules[name]
	if !ok {
		return Rule{}, false
	}
	return cr.rule, true
}

// Rules returns all rules sorted by name.
func (l *Limiter) Rules() []Rule {
	rules := make([]Rule, 0, len(l.rules))
	for _, cr := range l.rules {
		rules = append(rules, cr.rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules
}

// Consume evaluates the rule for the request and debits cost units if it is admitted.
// Non-positive cost means the default cost of the rule.
// Store failures are never returned, they are handled by the failure policy.
func (l *Limiter) Consume(ctx context.Context, ruleName string, rlCtx *Context, cost int64) (Decision, error) {
	return l.evaluate(ctx, ruleName, rlCtx, cost, true)
}

// Check evaluates the rule for the request without debiting anything.
func (l *Limiter) Check(ctx context.Context, ruleName string, rlCtx *Context) (Decision, error) {
	return l.evaluate(ctx, ruleName, rlCtx, 0, false)
}

func (l *Limiter) evaluate(ctx context.Context, ruleName string, rlCtx *Context, cost int64, consume bool) (Decision, error) {
	cr, ok := l.rules[ruleName]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrRuleNotFound, ruleName)
	}
	if rlCtx == nil {
		rlCtx = &Context{}
	}
	rule := &cr.rule
	startTime := time.Now()

	if rule.SkipIf != nil && rule.SkipIf(rlCtx) {
		l.metrics.ObserveDecision(rule.Name, rule.AlgorithmType(), metricsResultSkipped, time.Since(startTime))
		return Decision{Result: Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit}, Rule: rule.Name, Skipped: true}, nil
	}

	if cost <= 0 {
		cost = rule.DefaultCost()
	}
	key := rule.Key(l.prefix, rlCtx)

	var res Result
	var err error
	if consume {
		res, err = cr.alg.Consume(ctx, key, cost, rule.Quota())
	} else {
		res, err = cr.alg.Check(ctx, key, rule.Quota())
	}
	if err != nil {
		if IsConfigurationError(err) || ctx.Err() != nil {
			return Decision{}, err
		}
		decision := l.applyFailurePolicy(rule, key, cost, consume, err)
		l.metrics.ObserveDecision(rule.Name, rule.AlgorithmType(), failureMetricsResult(decision), time.Since(startTime))
		return decision, nil
	}

	metricsResult := metricsResultAllowed
	if !res.Allowed {
		metricsResult = metricsResultRejected
		l.logger.Debug("rate limit exceeded", log.Rule(rule.Name), log.Key(key),
			log.Int64("limit", res.Limit), log.Duration("retry_after", res.RetryAfter))
	}
	l.metrics.ObserveDecision(rule.Name, rule.AlgorithmType(), metricsResult, time.Since(startTime))
	return Decision{Result: res, Rule: rule.Name, Key: key}, nil
}

func (l *Limiter) applyFailurePolicy(rule *Rule, key string, cost int64, consume bool, storeErr error) Decision {
	l.metrics.IncStoreErrors(rule.Name, l.policy)
	l.storeFailureLogSometimes.Do(func() {
		l.logger.Warn("rate limiting store failed, applying failure policy",
			log.Rule(rule.Name), log.Key(key), log.String("failure_policy", string(l.policy)), log.Error(storeErr))
	})

	now := l.now()
	decision := Decision{Rule: rule.Name, Key: key, StoreErr: storeErr}
	switch {
	case l.policy == FailClosed:
		decision.FailedClosed = true
		decision.Result = Result{
			Limit:      rule.Limit,
			Reset:      now.Add(rule.Window),
			RetryAfter: rule.Window,
		}
	case l.policy == FailLocal && consume:
		decision.Fallback = true
		decision.Result = l.fallback.consume(key, cost, rule.Quota())
	default:
		decision.FailedOpen = true
		decision.Result = Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, Reset: now.Add(rule.Window)}
	}
	return decision
}

func failureMetricsResult(d Decision) string {
	switch {
	case d.FailedClosed:
		return metricsResultFailedClosed
	case d.Fallback && d.Allowed:
		return metricsResultFallbackAllowed
	case d.Fallback:
		return metricsResultFallbackRejected
	default:
		return metricsResultFailedOpen
	}
}

// Reset removes all state of the request's key for the rule.
func (l *Limiter) Reset(ctx context.Context, ruleName string, rlCtx *Context) error {
	cr, ok := l.rules[ruleName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrRuleNotFound, ruleName)
	}
	if l.store == nil {
		return nil
	}
	key := cr.rule.Key(l.prefix, rlCtx)
	derived, err := l.store.Keys(ctx, key+":*")
	if err != nil {
		return fmt.Errorf("list derived keys: %w", err)
	}
	if _, err = l.store.Delete(ctx, append(derived, key)...); err != nil {
		return fmt.Errorf("delete keys: %w", err)
	}
	return nil
}

// RecordOutcome reports the outcome of an admitted request. It matters only for adaptive rules.
func (l *Limiter) RecordOutcome(ctx context.Context, ruleName string, rlCtx *Context, failed bool) error {
	cr, ok := l.rules[ruleName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrRuleNotFound, ruleName)
	}
	adaptive, ok := cr.alg.(*Adaptive)
	if !ok {
		return nil
	}
	return adaptive.RecordOutcome(ctx, cr.rule.Key(l.prefix, rlCtx), cr.rule.Window, failed)
}

// AdaptiveStats returns the observability counters of an adaptive rule for the request.
func (l *Limiter) AdaptiveStats(ctx context.Context, ruleName string, rlCtx *Context) (AdaptiveStats, error) {
	cr, ok := l.rules[ruleName]
	if !ok {
		return AdaptiveStats{}, fmt.Errorf("%w: %q", ErrRuleNotFound, ruleName)
	}
	adaptive, ok := cr.alg.(*Adaptive)
	if !ok {
		return AdaptiveStats{}, NewConfigurationError(ruleName, "algorithm", "rule is not adaptive")
	}
	return adaptive.Stats(ctx, cr.rule.Key(l.prefix, rlCtx))
}
