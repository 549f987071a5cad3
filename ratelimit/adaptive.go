/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/acronis/go-ratelimiter/log"
	"github.com/acronis/go-ratelimiter/store"
)

// Default bounds of the adaptive multiplier.
const (
	DefaultAdaptiveMinMultiplier = 0.25
	DefaultAdaptiveMaxMultiplier = 2.0
)

// Signals are the runtime measurements the adaptive algorithm scales the base limit by.
type Signals struct {
	// ServerLoad is the host load in [0, 1].
	ServerLoad float64
	// ErrorRate is the share of failed requests in [0, 1].
	ErrorRate float64
	// AvgResponseTime is the average response time of the host.
	AvgResponseTime time.Duration
	// UserErrorCount is the number of recent errors caused by the client.
	UserErrorCount int64
}

// SignalsProvider returns the signals for the given key. ok is false when no signals are known,
// in which case the base limit is used unchanged.
type SignalsProvider func(ctx context.Context, key string) (sig Signals, ok bool)

type ctxKey int

const ctxKeySignals ctxKey = iota

// NewContextWithSignals creates a new context with adaptive signals.
func NewContextWithSignals(ctx context.Context, sig Signals) context.Context {
	return context.WithValue(ctx, ctxKeySignals, sig)
}

// SignalsFromContext extracts adaptive signals from the context.
func SignalsFromContext(ctx context.Context) (Signals, bool) {
	sig, ok := ctx.Value(ctxKeySignals).(Signals)
	return sig, ok
}

func signalsFromContextProvider(ctx context.Context, _ string) (Signals, bool) {
	return SignalsFromContext(ctx)
}

// AdaptiveOpts represents options for the adaptive algorithm.
type AdaptiveOpts struct {
	// MinMultiplier and MaxMultiplier bound the multiplier. Defaults are 0.25 and 2.0.
	MinMultiplier float64
	MaxMultiplier float64
	// Signals supplies the signals per call. SignalsFromContext is used if nil.
	Signals SignalsProvider
}

func (o AdaptiveOpts) withDefaults() AdaptiveOpts {
	if o.MinMultiplier == 0 {
		o.MinMultiplier = DefaultAdaptiveMinMultiplier
	}
	if o.MaxMultiplier == 0 {
		o.MaxMultiplier = DefaultAdaptiveMaxMultiplier
	}
	if o.Signals == nil {
		o.Signals = signalsFromContextProvider
	}
	return o
}

func (o AdaptiveOpts) validate() error {
	if o.MinMultiplier <= 0 {
		return NewConfigurationError("", "adaptive.minMultiplier", "should be > 0")
	}
	if o.MaxMultiplier < o.MinMultiplier {
		return NewConfigurationError("", "adaptive.maxMultiplier", "should be >= minMultiplier")
	}
	return nil
}

// Multiplier computes the limit multiplier for the signals clamped to [minMult, maxMult].
//
// Penalties are applied for every degraded signal:
//   - server load > 0.9: x0.5, > 0.75: x0.75
//   - error rate > 10%: x0.5, > 5%: x0.75
//   - average response time > 2s: x0.5, > 1s: x0.75
//   - more than 10 client errors: x0.5
//
// Boosts (x1.25 for server load < 0.3 and x1.25 for response time < 100ms) are applied
// only if no signal is degraded. For example, server load 0.95 with no errors and
// an average response time of 50ms gives 0.5: the load penalty applies and the fast
// response time boost does not.
func Multiplier(sig Signals, minMult, maxMult float64) float64 {
	penalty := 1.0
	switch {
	case sig.ServerLoad > 0.9:
		penalty *= 0.5
	case sig.ServerLoad > 0.75:
		penalty *= 0.75
	}
	switch {
	case sig.ErrorRate > 0.10:
		penalty *= 0.5
	case sig.ErrorRate > 0.05:
		penalty *= 0.75
	}
	switch {
	case sig.AvgResponseTime > 2000*time.Millisecond:
		penalty *= 0.5
	case sig.AvgResponseTime > 1000*time.Millisecond:
		penalty *= 0.75
	}
	if sig.UserErrorCount > 10 {
		penalty *= 0.5
	}

	multiplier := penalty
	if penalty == 1 {
		if sig.ServerLoad < 0.3 {
			multiplier *= 1.25
		}
		if sig.AvgResponseTime < 100*time.Millisecond {
			multiplier *= 1.25
		}
	}
	return math.Max(minMult, math.Min(maxMult, multiplier))
}

// EffectiveLimit returns floor(base * multiplier).
func EffectiveLimit(base int64, multiplier float64) int64 {
	return nonNegative(int64(math.Floor(float64(base) * multiplier)))
}

// AdaptiveStats are the per-key observability counters of the adaptive algorithm.
type AdaptiveStats struct {
	Requests       int64
	Errors         int64
	LastAdjustment time.Time
}

// Adaptive is a sliding window whose limit is scaled by a multiplier derived from runtime signals.
type Adaptive struct {
	window *SlidingWindow
	store  store.Store
	opts   AlgorithmOpts
	aopts  AdaptiveOpts
	logger log.FieldLogger
}

var _ Algorithm = (*Adaptive)(nil)

// NewAdaptive creates a new adaptive algorithm.
func NewAdaptive(st store.Store, opts AlgorithmOpts) (*Adaptive, error) {
	aopts := opts.Adaptive.withDefaults()
	if err := aopts.validate(); err != nil {
		return nil, err
	}
	return &Adaptive{
		window: NewSlidingWindow(st, opts),
		store:  st,
		opts:   opts,
		aopts:  aopts,
		logger: opts.logger(),
	}, nil
}

// Multiplier returns the current multiplier for the key.
func (a *Adaptive) Multiplier(ctx context.Context, key string) float64 {
	sig, ok := a.aopts.Signals(ctx, key)
	if !ok {
		return 1
	}
	return Multiplier(sig, a.aopts.MinMultiplier, a.aopts.MaxMultiplier)
}

// Check evaluates the sliding window with the adjusted limit.
func (a *Adaptive) Check(ctx context.Context, key string, quota Quota) (Result, error) {
	adjusted := quota
	adjusted.Limit = EffectiveLimit(quota.Limit, a.Multiplier(ctx, key))
	return a.window.Check(ctx, key, adjusted)
}

// Consume consumes from the sliding window with the adjusted limit and updates the observability counters.
func (a *Adaptive) Consume(ctx context.Context, key string, cost int64, quota Quota) (Result, error) {
	multiplier := a.Multiplier(ctx, key)
	adjusted := quota
	adjusted.Limit = EffectiveLimit(quota.Limit, multiplier)
	res, err := a.window.Consume(ctx, key, cost, adjusted)
	if err != nil {
		return Result{}, err
	}

	if _, err = a.store.Increment(ctx, adaptiveRequestsKey(key), 1, quota.Window); err != nil {
		a.logger.Debug("failed to update adaptive requests counter", log.Key(key), log.Error(err))
	}
	if multiplier != 1 {
		nowMs := strconv.FormatInt(a.opts.now().UnixMilli(), 10)
		if err = a.store.Set(ctx, adaptiveAdjustmentKey(key), nowMs, quota.Window); err != nil {
			a.logger.Debug("failed to save adaptive adjustment time", log.Key(key), log.Error(err))
		}
	}
	return res, nil
}

// RecordOutcome counts a failed request for the key. Successful outcomes are already counted by Consume.
func (a *Adaptive) RecordOutcome(ctx context.Context, key string, window time.Duration, failed bool) error {
	if !failed {
		return nil
	}
	if _, err := a.store.Increment(ctx, adaptiveErrorsKey(key), 1, window); err != nil {
		return fmt.Errorf("increment adaptive errors counter: %w", err)
	}
	return nil
}

// Stats returns the observability counters of the key.
func (a *Adaptive) Stats(ctx context.Context, key string) (AdaptiveStats, error) {
	var stats AdaptiveStats
	var err error
	if stats.Requests, err = a.readCounter(ctx, adaptiveRequestsKey(key)); err != nil {
		return AdaptiveStats{}, err
	}
	if stats.Errors, err = a.readCounter(ctx, adaptiveErrorsKey(key)); err != nil {
		return AdaptiveStats{}, err
	}
	adjMs, err := a.readCounter(ctx, adaptiveAdjustmentKey(key))
	if err != nil {
		return AdaptiveStats{}, err
	}
	if adjMs > 0 {
		stats.LastAdjustment = time.UnixMilli(adjMs)
	}
	return stats, nil
}

func (a *Adaptive) readCounter(ctx context.Context, key string) (int64, error) {
	val, found, err := a.store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("get adaptive counter: %w", err)
	}
	if !found {
		return 0, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, nil // malformed counters read as zero
	}
	return n, nil
}

func adaptiveRequestsKey(key string) string   { return key + ":ad:req" }
func adaptiveErrorsKey(key string) string     { return key + ":ad:err" }
func adaptiveAdjustmentKey(key string) string { return key + ":ad:adj" }
