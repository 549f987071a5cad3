/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package store defines the storage contract the rate limiting algorithms are built on.
//
// Every composite operation (increment with TTL, sliding window add, token and leaky bucket consume)
// is a single atomic read-modify-write per key. Backends guarantee this atomicity across concurrent
// callers; no cross-process locks are taken on top of it.
//
// Two implementations are provided: memstore (in-process, single instance, deterministic clock for tests)
// and redisstore (shared across instances). Redis replication is asynchronous, so a distributed deployment
// reading from replicas observes counters eventually, not linearizably. This may let a small number of extra
// requests through during failover and is an accepted limitation.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrClosed is returned by any operation on a closed store.
	ErrClosed = errors.New("store is closed")
	// ErrUnavailable wraps backend failures (network errors, timeouts).
	ErrUnavailable = errors.New("store is unavailable")
	// ErrWrongType is returned when an operation is applied to a key holding another kind of value.
	ErrWrongType = errors.New("operation against a key holding the wrong kind of value")
)

// Special values returned by Store.TTL.
const (
	NoExpiry   time.Duration = -1
	KeyMissing time.Duration = -2
)

// BucketResult is the outcome of an atomic token or leaky bucket operation.
type BucketResult struct {
	Allowed bool
	// Level is the number of tokens (token bucket) or the amount of water (leaky bucket) after the operation.
	Level float64
	// UpdatedAt is the moment the persisted state refers to (millisecond precision).
	UpdatedAt time.Time
}

// SlidingWindowResult is the outcome of an atomic sliding window add.
type SlidingWindowResult struct {
	Allowed bool
	// Count is the number of entries inside the window after the operation.
	Count int64
	// Oldest is the timestamp of the oldest entry inside the window, zero if the window is empty.
	Oldest time.Time
}

// Store is the capability interface of a rate limiting state backend.
type Store interface {
	// Get returns the string value of the key. found is false for missing or expired keys.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// Set stores the value. Zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes the keys and returns how many of them existed.
	Delete(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Expire sets a new TTL. It returns false if the key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// TTL returns the remaining time to live, NoExpiry or KeyMissing.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Increment atomically adds delta to the integer value of the key and returns the new value.
	// A non-zero ttl is applied only when the key is created by this call.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// Decrement atomically subtracts delta from the integer value of the key.
	Decrement(ctx context.Context, key string, delta int64) (int64, error)

	// SlidingWindowAdd atomically drops entries older than now-window, and records cost new entries
	// at now only if the number of remaining entries plus cost does not exceed limit.
	SlidingWindowAdd(ctx context.Context, key string, now time.Time, window time.Duration, cost, limit int64) (SlidingWindowResult, error)
	// SlidingWindowCount counts entries in [now-window, now] without modifying the set.
	SlidingWindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (count int64, oldest time.Time, err error)

	// TokenBucketConsume atomically refills the bucket and takes cost tokens if available.
	TokenBucketConsume(ctx context.Context, key string, capacity, refillRate, cost float64, now time.Time) (BucketResult, error)
	// LeakyBucketConsume atomically leaks the bucket and pours cost units if they fit.
	LeakyBucketConsume(ctx context.Context, key string, capacity, leakRate, cost float64, now time.Time) (BucketResult, error)

	// Keys returns keys matching the glob pattern ("*" matches any sequence of characters).
	Keys(ctx context.Context, pattern string) ([]string, error)
	// FlushAll removes every key owned by the store.
	FlushAll(ctx context.Context) error
	Close() error
	IsHealthy(ctx context.Context) bool
}
