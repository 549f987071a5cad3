/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package store

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// bucketTTLBuffer is added to the refill/drain time when computing the TTL of a bucket key.
const bucketTTLBuffer = time.Second

// BucketState is the persisted state of a token or leaky bucket.
// It is stored as a single string "<level>:<unix millis>" so that both backends
// and the read-only checks share one representation.
type BucketState struct {
	Level     float64
	UpdatedAt time.Time
}

// Encode returns the string form of the state.
func (s BucketState) Encode() string {
	return strconv.FormatFloat(s.Level, 'f', -1, 64) + ":" + strconv.FormatInt(s.UpdatedAt.UnixMilli(), 10)
}

// ParseBucketState parses the string form of the state.
// It returns false for malformed values, which callers treat as a freshly initialized bucket.
func ParseBucketState(s string) (BucketState, bool) {
	levelStr, msStr, found := strings.Cut(s, ":")
	if !found {
		return BucketState{}, false
	}
	level, err := strconv.ParseFloat(levelStr, 64)
	if err != nil || math.IsNaN(level) || math.IsInf(level, 0) || level < 0 {
		return BucketState{}, false
	}
	ms, err := strconv.ParseInt(msStr, 10, 64)
	if err != nil || ms < 0 {
		return BucketState{}, false
	}
	return BucketState{Level: level, UpdatedAt: time.UnixMilli(ms)}, true
}

// RefillTokens returns the number of tokens in the bucket at now.
// A missing state means a full bucket.
func RefillTokens(state BucketState, found bool, capacity, refillRate float64, now time.Time) float64 {
	if !found {
		return capacity
	}
	return clampLevel(state.Level+elapsedSeconds(state.UpdatedAt, now)*refillRate, capacity)
}

// LeakWater returns the amount of water in the bucket at now.
// A missing state means an empty bucket.
func LeakWater(state BucketState, found bool, capacity, leakRate float64, now time.Time) float64 {
	if !found {
		return 0
	}
	return clampLevel(state.Level-elapsedSeconds(state.UpdatedAt, now)*leakRate, capacity)
}

// TakeTokens refills the bucket and takes cost tokens if they are available.
// On rejection nothing is debited, the returned state only reflects the refill.
func TakeTokens(state BucketState, found bool, capacity, refillRate, cost float64, now time.Time) (BucketState, bool) {
	now = truncateToMillis(now)
	tokens := RefillTokens(state, found, capacity, refillRate, now)
	allowed := cost <= tokens
	if allowed {
		tokens -= cost
	}
	return BucketState{Level: clampLevel(tokens, capacity), UpdatedAt: now}, allowed
}

// PourWater leaks the bucket and adds cost units if the result does not exceed capacity.
func PourWater(state BucketState, found bool, capacity, leakRate, cost float64, now time.Time) (BucketState, bool) {
	now = truncateToMillis(now)
	water := LeakWater(state, found, capacity, leakRate, now)
	allowed := water+cost <= capacity
	if allowed {
		water += cost
	}
	return BucketState{Level: clampLevel(water, capacity), UpdatedAt: now}, allowed
}

// BucketTTL returns how long an idle bucket key must live: the time to fully refill (or drain)
// plus a small buffer. Zero means no expiry (the bucket never refills).
func BucketTTL(capacity, rate float64) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(capacity/rate*1000))*time.Millisecond + bucketTTLBuffer
}

func elapsedSeconds(from, to time.Time) float64 {
	elapsedMs := to.UnixMilli() - from.UnixMilli()
	if elapsedMs <= 0 {
		return 0
	}
	return float64(elapsedMs) / 1000
}

func clampLevel(level, capacity float64) float64 {
	return math.Max(0, math.Min(capacity, level))
}

func truncateToMillis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli())
}
