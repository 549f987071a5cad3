/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"

	"github.com/acronis/go-ratelimiter/store"
)

// SlidingWindow keeps a timestamped entry per admitted unit and counts the entries of the last Window.
// Only admitted requests are recorded, so a client that keeps retrying after a rejection
// regains capacity as soon as its oldest admitted request leaves the window.
type SlidingWindow struct {
	store store.Store
	opts  AlgorithmOpts
}

var _ Algorithm = (*SlidingWindow)(nil)

// NewSlidingWindow creates a new sliding window algorithm.
func NewSlidingWindow(st store.Store, opts AlgorithmOpts) *SlidingWindow {
	return &SlidingWindow{store: st, opts: opts}
}

// Check counts the entries of the window without recording the request.
func (sw *SlidingWindow) Check(ctx context.Context, key string, quota Quota) (Result, error) {
	if err := quota.validate(); err != nil {
		return Result{}, err
	}
	now := sw.opts.now()
	count, oldest, err := sw.store.SlidingWindowCount(ctx, key, now, quota.Window)
	if err != nil {
		return Result{}, fmt.Errorf("count sliding window: %w", err)
	}
	allowed := count < quota.Limit
	reset := now.Add(quota.Window)
	if count > 0 {
		reset = oldest.Add(quota.Window)
	}
	return Result{
		Allowed:    allowed,
		Limit:      quota.Limit,
		Remaining:  nonNegative(quota.Limit - count),
		Current:    count,
		Reset:      reset,
		RetryAfter: retryAfter(allowed, reset, now),
	}, nil
}

// Consume records cost entries if they fit into the window.
func (sw *SlidingWindow) Consume(ctx context.Context, key string, cost int64, quota Quota) (Result, error) {
	if err := quota.validate(); err != nil {
		return Result{}, err
	}
	now := sw.opts.now()
	res, err := sw.store.SlidingWindowAdd(ctx, key, now, quota.Window, cost, quota.Limit)
	if err != nil {
		return Result{}, fmt.Errorf("add to sliding window: %w", err)
	}
	reset := now.Add(quota.Window)
	if res.Count > 0 && !res.Oldest.IsZero() {
		reset = res.Oldest.Add(quota.Window)
	}
	return Result{
		Allowed:    res.Allowed,
		Limit:      quota.Limit,
		Remaining:  nonNegative(quota.Limit - res.Count),
		Current:    res.Count,
		Reset:      reset,
		RetryAfter: retryAfter(res.Allowed, reset, now),
	}, nil
}
