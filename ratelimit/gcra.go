/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"
)

// DefaultGCRAMaxKeys is the default number of keys kept by the in-process GCRA algorithm.
const DefaultGCRAMaxKeys = 10000

// GCRA implements the Generic Cell Rate Algorithm, a leaky bucket variant.
// It keeps its state in process memory (bounded by an LRU of MaxKeys entries) and never calls the store,
// so it suits hosts that do not need limits shared between instances.
// It always uses the wall clock.
// More details and good explanation of this alg is provided here: https://brandur.org/rate-limiting#gcra.
type GCRA struct {
	gcraStore throttled.GCRAStoreCtx

	mu       sync.Mutex
	limiters map[Quota]*throttled.GCRARateLimiterCtx
}

var _ Algorithm = (*GCRA)(nil)

// NewGCRA creates a new in-process GCRA algorithm.
func NewGCRA(opts AlgorithmOpts) (*GCRA, error) {
	maxKeys := opts.GCRAMaxKeys
	if maxKeys <= 0 {
		maxKeys = DefaultGCRAMaxKeys
	}
	gcraStore, err := memstore.NewCtx(maxKeys)
	if err != nil {
		return nil, fmt.Errorf("new in-memory store: %w", err)
	}
	return &GCRA{gcraStore: gcraStore, limiters: make(map[Quota]*throttled.GCRARateLimiterCtx)}, nil
}

// Check reports whether one more unit would be admitted.
func (g *GCRA) Check(ctx context.Context, key string, quota Quota) (Result, error) {
	return g.rateLimit(ctx, key, 0, quota)
}

// Consume admits cost units if they conform to the quota.
func (g *GCRA) Consume(ctx context.Context, key string, cost int64, quota Quota) (Result, error) {
	return g.rateLimit(ctx, key, cost, quota)
}

func (g *GCRA) rateLimit(ctx context.Context, key string, cost int64, quota Quota) (Result, error) {
	if err := quota.validate(); err != nil {
		return Result{}, err
	}
	now := time.Now()
	if quota.Limit == 0 {
		return Result{Reset: now.Add(quota.Window), RetryAfter: quota.Window}, nil
	}
	limiter, err := g.limiter(quota)
	if err != nil {
		return Result{}, err
	}
	limited, res, err := limiter.RateLimitCtx(ctx, key, int(cost))
	if err != nil {
		return Result{}, fmt.Errorf("GCRA rate limit: %w", err)
	}
	allowed := !limited
	if cost == 0 {
		allowed = res.Remaining >= 1
	}
	result := Result{
		Allowed:   allowed,
		Limit:     int64(res.Limit),
		Remaining: int64(res.Remaining),
		Current:   nonNegative(int64(res.Limit - res.Remaining)),
		Reset:     now.Add(res.ResetAfter),
	}
	if !allowed {
		switch {
		case res.RetryAfter > 0:
			result.RetryAfter = res.RetryAfter
		default:
			result.RetryAfter = quota.Window / time.Duration(quota.Limit)
		}
	}
	return result, nil
}

func (g *GCRA) limiter(quota Quota) (*throttled.GCRARateLimiterCtx, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if lim, ok := g.limiters[quota]; ok {
		return lim, nil
	}
	reqQuota := throttled.RateQuota{
		MaxRate:  throttled.PerDuration(int(quota.Limit), quota.Window),
		MaxBurst: int(quota.Capacity() - 1),
	}
	lim, err := throttled.NewGCRARateLimiterCtx(g.gcraStore, reqQuota)
	if err != nil {
		return nil, NewConfigurationError("", "quota", fmt.Sprintf("new GCRA rate limiter: %v", err))
	}
	g.limiters[quota] = lim
	return lim, nil
}
