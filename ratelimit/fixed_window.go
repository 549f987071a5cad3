/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/acronis/go-ratelimiter/log"
	"github.com/acronis/go-ratelimiter/store"
)

// FixedWindow counts requests in discrete windows aligned to multiples of the window length.
// A burst of up to 2*Limit requests is possible across a window boundary.
type FixedWindow struct {
	store  store.Store
	opts   AlgorithmOpts
	logger log.FieldLogger
}

var _ Algorithm = (*FixedWindow)(nil)

// NewFixedWindow creates a new fixed window algorithm.
func NewFixedWindow(st store.Store, opts AlgorithmOpts) *FixedWindow {
	return &FixedWindow{store: st, opts: opts, logger: opts.logger()}
}

// Check returns the state of the current window without counting the request.
func (fw *FixedWindow) Check(ctx context.Context, key string, quota Quota) (Result, error) {
	if err := quota.validate(); err != nil {
		return Result{}, err
	}
	now := fw.opts.now()
	windowKey, reset := fixedWindowKey(key, now, quota.Window)
	val, found, err := fw.store.Get(ctx, windowKey)
	if err != nil {
		return Result{}, fmt.Errorf("get fixed window counter: %w", err)
	}
	var count int64
	if found {
		if count, err = strconv.ParseInt(val, 10, 64); err != nil {
			fw.logger.Warn("malformed fixed window counter, treating as empty", log.Key(windowKey), log.Error(err))
			count = 0
		}
	}
	allowed := count < quota.Limit
	return Result{
		Allowed:    allowed,
		Limit:      quota.Limit,
		Remaining:  nonNegative(quota.Limit - count),
		Current:    count,
		Reset:      reset,
		RetryAfter: retryAfter(allowed, reset, now),
	}, nil
}

// Consume counts cost units in the current window.
func (fw *FixedWindow) Consume(ctx context.Context, key string, cost int64, quota Quota) (Result, error) {
	if err := quota.validate(); err != nil {
		return Result{}, err
	}
	now := fw.opts.now()
	windowKey, reset := fixedWindowKey(key, now, quota.Window)
	count, err := fw.store.Increment(ctx, windowKey, cost, quota.Window)
	if errors.Is(err, store.ErrWrongType) {
		fw.logger.Warn("malformed fixed window counter, resetting", log.Key(windowKey))
		if _, err = fw.store.Delete(ctx, windowKey); err != nil {
			return Result{}, fmt.Errorf("delete malformed fixed window counter: %w", err)
		}
		count, err = fw.store.Increment(ctx, windowKey, cost, quota.Window)
	}
	if err != nil {
		return Result{}, fmt.Errorf("increment fixed window counter: %w", err)
	}
	allowed := count <= quota.Limit
	return Result{
		Allowed:    allowed,
		Limit:      quota.Limit,
		Remaining:  nonNegative(quota.Limit - count),
		Current:    count,
		Reset:      reset,
		RetryAfter: retryAfter(allowed, reset, now),
	}, nil
}

// fixedWindowKey returns the counter key of the window containing now and the end of that window.
func fixedWindowKey(key string, now time.Time, window time.Duration) (string, time.Time) {
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}
	idx := now.UnixMilli() / windowMs
	return key + ":fw:" + strconv.FormatInt(idx, 10), time.UnixMilli((idx + 1) * windowMs)
}
