/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/RussellLuo/slidingwindow"
	lru "github.com/hashicorp/golang-lru"
)

// DefaultFallbackMaxKeys is the default number of keys the local fallback limiter keeps.
const DefaultFallbackMaxKeys = 10000

// localFallback decides on requests with in-process sliding windows while the store is unavailable.
// Each instance enforces the full limit on its own, so the effective limit of N instances is N times higher.
type localFallback struct {
	mu       sync.Mutex
	limiters *lru.Cache
	now      func() time.Time
}

func newLocalFallback(maxKeys int, now func() time.Time) (*localFallback, error) {
	if maxKeys <= 0 {
		maxKeys = DefaultFallbackMaxKeys
	}
	cache, err := lru.New(maxKeys)
	if err != nil {
		return nil, fmt.Errorf("new LRU in-memory store for keys: %w", err)
	}
	return &localFallback{limiters: cache, now: now}, nil
}

func (f *localFallback) getLimiter(key string, quota Quota) *slidingwindow.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if val, ok := f.limiters.Get(key); ok {
		if lim := val.(*slidingwindow.Limiter); lim.Size() == quota.Window && lim.Limit() == quota.Limit {
			return lim
		}
	}
	lim, _ := slidingwindow.NewLimiter(quota.Window, quota.Limit, func() (slidingwindow.Window, slidingwindow.StopFunc) {
		return slidingwindow.NewLocalWindow()
	})
	f.limiters.Add(key, lim)
	return lim
}

// consume admits cost units if they fit into the local window.
// The local window does not expose its counter, so Remaining is reported as 0.
func (f *localFallback) consume(key string, cost int64, quota Quota) Result {
	now := f.now()
	allowed := f.getLimiter(key, quota).AllowN(now, cost)
	reset := now.Truncate(quota.Window).Add(quota.Window)
	return Result{
		Allowed:    allowed,
		Limit:      quota.Limit,
		Reset:      reset,
		RetryAfter: retryAfter(allowed, reset, now),
	}
}
