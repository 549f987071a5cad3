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

	"github.com/acronis/go-ratelimiter/log"
	"github.com/acronis/go-ratelimiter/store"
)

// Type is an identifier of the rate limiting algorithm.
type Type string

// Rate limiting algorithms.
const (
	TypeFixedWindow   Type = "fixed_window"
	TypeSlidingWindow Type = "sliding_window"
	TypeTokenBucket   Type = "token_bucket"
	TypeLeakyBucket   Type = "leaky_bucket"
	TypeAdaptive      Type = "adaptive"
	TypeGCRA          Type = "gcra"
)

// AllTypes returns all supported algorithm types.
func AllTypes() []Type {
	return []Type{TypeFixedWindow, TypeSlidingWindow, TypeTokenBucket, TypeLeakyBucket, TypeAdaptive, TypeGCRA}
}

// Valid reports whether t is a supported algorithm type.
func (t Type) Valid() bool {
	for _, known := range AllTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Quota is the limit an algorithm enforces for a single key.
type Quota struct {
	// Limit is the number of requests (cost units) allowed per Window.
	Limit int64
	// Window is the length of the counting window, or the time to refill/drain Limit units for buckets.
	Window time.Duration
	// Burst is the bucket capacity for token and leaky buckets. Values below Limit are ignored.
	Burst int64
}

// Capacity returns the bucket capacity: max(Limit, Burst).
func (q Quota) Capacity() int64 {
	if q.Burst > q.Limit {
		return q.Burst
	}
	return q.Limit
}

// RatePerSecond returns Limit expressed in units per second.
func (q Quota) RatePerSecond() float64 {
	if q.Window <= 0 {
		return 0
	}
	return float64(q.Limit) / q.Window.Seconds()
}

func (q Quota) validate() error {
	if q.Limit < 0 {
		return NewConfigurationError("", "limit", "should be >= 0")
	}
	if q.Window <= 0 {
		return NewConfigurationError("", "window", "should be > 0")
	}
	if q.Burst < 0 {
		return NewConfigurationError("", "burst", "should be >= 0")
	}
	return nil
}

// Result is the outcome of an algorithm check or consume.
type Result struct {
	Allowed bool
	// Limit is the effective limit (after adaptive adjustments).
	Limit int64
	// Remaining is the number of units that still may be consumed.
	Remaining int64
	// Current is the number of units already used in the window (or bucket).
	Current int64
	// Reset is the moment the limit is fully (or, for rejections, sufficiently) restored.
	Reset time.Time
	// RetryAfter is the time the client should wait before retrying. Zero if the request is allowed.
	RetryAfter time.Duration
}

// Algorithm is the common contract of all rate limiting algorithms.
// Check is read-only. Consume debits cost units atomically and never partially.
type Algorithm interface {
	Check(ctx context.Context, key string, quota Quota) (Result, error)
	Consume(ctx context.Context, key string, cost int64, quota Quota) (Result, error)
}

// AlgorithmOpts represents options for algorithms created by NewAlgorithm.
type AlgorithmOpts struct {
	// Now returns the current time. time.Now is used if nil.
	Now func() time.Time
	// Logger is used for diagnostics that do not affect decisions.
	Logger log.FieldLogger
	// Adaptive configures the adaptive algorithm.
	Adaptive AdaptiveOpts
	// GCRAMaxKeys bounds the number of keys the in-process GCRA algorithm keeps.
	GCRAMaxKeys int
}

func (o AlgorithmOpts) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o AlgorithmOpts) logger() log.FieldLogger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.NewDisabledLogger()
}

// NewAlgorithm creates an algorithm of the given type on top of the store.
// Unknown types produce a ConfigurationError.
func NewAlgorithm(algType Type, st store.Store, opts AlgorithmOpts) (Algorithm, error) {
	if algType != TypeGCRA && st == nil {
		return nil, NewConfigurationError("", "store", fmt.Sprintf("store is required for %q algorithm", algType))
	}
	switch algType {
	case TypeFixedWindow:
		return NewFixedWindow(st, opts), nil
	case TypeSlidingWindow:
		return NewSlidingWindow(st, opts), nil
	case TypeTokenBucket:
		return NewTokenBucket(st, opts), nil
	case TypeLeakyBucket:
		return NewLeakyBucket(st, opts), nil
	case TypeAdaptive:
		return NewAdaptive(st, opts)
	case TypeGCRA:
		return NewGCRA(opts)
	default:
		return nil, NewConfigurationError("", "algorithm", fmt.Sprintf("unknown algorithm %q", algType))
	}
}

func secondsCeil(units, ratePerSec float64) time.Duration {
	if units <= 0 || ratePerSec <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(units/ratePerSec)) * time.Second
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func retryAfter(allowed bool, reset, now time.Time) time.Duration {
	if allowed || !reset.After(now) {
		return 0
	}
	return reset.Sub(now)
}
