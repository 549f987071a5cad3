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

// LeakyBucket fills a bucket of Capacity units with every admitted request and drains it
// continuously at Limit/Window units per second. A request is admitted only if it fits.
type LeakyBucket struct {
	store store.Store
	opts  AlgorithmOpts
}

var _ Algorithm = (*LeakyBucket)(nil)

// NewLeakyBucket creates a new leaky bucket algorithm.
func NewLeakyBucket(st store.Store, opts AlgorithmOpts) *LeakyBucket {
	return &LeakyBucket{store: st, opts: opts}
}

// Check computes the current water level without persisting the leak.
func (lb *LeakyBucket) Check(ctx context.Context, key string, quota Quota) (Result, error) {
	if err := quota.validate(); err != nil {
		return Result{}, err
	}
	now := lb.opts.now()
	capacity, rate := float64(quota.Capacity()), quota.RatePerSecond()
	state, found, err := getBucketState(ctx, lb.store, key)
	if err != nil {
		return Result{}, fmt.Errorf("get leaky bucket state: %w", err)
	}
	water := store.LeakWater(state, found, capacity, rate, now)
	return leakyBucketResult(water+1 <= capacity, water, 1, capacity, rate, now), nil
}

// Consume pours cost units into the bucket atomically if they fit.
func (lb *LeakyBucket) Consume(ctx context.Context, key string, cost int64, quota Quota) (Result, error) {
	if err := quota.validate(); err != nil {
		return Result{}, err
	}
	now := lb.opts.now()
	capacity, rate := float64(quota.Capacity()), quota.RatePerSecond()
	res, err := lb.store.LeakyBucketConsume(ctx, key, capacity, rate, float64(cost), now)
	if err != nil {
		return Result{}, fmt.Errorf("pour into leaky bucket: %w", err)
	}
	return leakyBucketResult(res.Allowed, res.Level, float64(cost), capacity, rate, now), nil
}

func leakyBucketResult(allowed bool, water, cost, capacity, rate float64, now time.Time) Result {
	// Time until the bucket is empty on success, until cost units fit on rejection.
	toLeak := water
	if !allowed {
		toLeak = water + cost - capacity
	}
	reset := now.Add(secondsCeil(toLeak, rate))
	current := int64(math.Ceil(water))
	return Result{
		Allowed:    allowed,
		Limit:      int64(capacity),
		Remaining:  nonNegative(int64(math.Floor(capacity - water))),
		Current:    current,
		Reset:      reset,
		RetryAfter: retryAfter(allowed, reset, now),
	}
}
