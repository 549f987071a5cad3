/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/acronis/go-ratelimiter/store"
)

// TokenBucket holds up to Capacity tokens refilled continuously at Limit/Window tokens per second.
// A request of cost c is admitted only if at least c tokens are available.
type TokenBucket struct {
	store store.Store
	opts  AlgorithmOpts
}

var _ Algorithm = (*TokenBucket)(nil)

// NewTokenBucket creates a new token bucket algorithm.
func NewTokenBucket(st store.Store, opts AlgorithmOpts) *TokenBucket {
	return &TokenBucket{store: st, opts: opts}
}

// Check computes the current number of tokens without persisting the refill.
func (tb *TokenBucket) Check(ctx context.Context, key string, quota Quota) (Result, error) {
	if err := quota.validate(); err != nil {
		return Result{}, err
	}
	now := tb.opts.now()
	capacity, rate := float64(quota.Capacity()), quota.RatePerSecond()
	state, found, err := getBucketState(ctx, tb.store, key)
	if err != nil {
		return Result{}, fmt.Errorf("get token bucket state: %w", err)
	}
	tokens := store.RefillTokens(state, found, capacity, rate, now)
	return tokenBucketResult(tokens >= 1, tokens, 1, capacity, rate, now), nil
}

// Consume takes cost tokens atomically. Nothing is debited if the bucket has fewer tokens than cost.
func (tb *TokenBucket) Consume(ctx context.Context, key string, cost int64, quota Quota) (Result, error) {
	if err := quota.validate(); err != nil {
		return Result{}, err
	}
	now := tb.opts.now()
	capacity, rate := float64(quota.Capacity()), quota.RatePerSecond()
	res, err := tb.store.TokenBucketConsume(ctx, key, capacity, rate, float64(cost), now)
	if err != nil {
		return Result{}, fmt.Errorf("consume from token bucket: %w", err)
	}
	return tokenBucketResult(res.Allowed, res.Level, float64(cost), capacity, rate, now), nil
}

func tokenBucketResult(allowed bool, tokens, cost, capacity, rate float64, now time.Time) Result {
	needed := capacity - tokens
	if !allowed {
		needed = cost - tokens
	}
	reset := now.Add(secondsCeil(needed, rate))
	remaining := int64(math.Floor(tokens))
	return Result{
		Allowed:    allowed,
		Limit:      int64(capacity),
		Remaining:  remaining,
		Current:    nonNegative(int64(capacity) - remaining),
		Reset:      reset,
		RetryAfter: retryAfter(allowed, reset, now),
	}
}

func getBucketState(ctx context.Context, st store.Store, key string) (store.BucketState, bool, error) {
	val, found, err := st.Get(ctx, key)
	if err != nil || !found {
		return store.BucketState{}, false, err
	}
	state, ok := store.ParseBucketState(val)
	return state, ok, nil
}
