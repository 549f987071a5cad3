/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package redisstore provides a store.Store shared across instances, backed by Redis.
//
// Every composite operation is implemented as a Lua script, so the read-modify-write
// on a key is executed by Redis as one indivisible unit.
package redisstore

import (
	"context"
	_ "embed" // for Lua scripts
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"

	"github.com/acronis/go-ratelimiter/log"
	"github.com/acronis/go-ratelimiter/retry"
	"github.com/acronis/go-ratelimiter/store"
)

const scanBatchSize = 256

var (
	//go:embed lua/incr.lua
	incrSource string
	//go:embed lua/sliding_window_add.lua
	slidingWindowAddSource string
	//go:embed lua/token_bucket.lua
	tokenBucketSource string
	//go:embed lua/leaky_bucket.lua
	leakyBucketSource string

	incrScript             = redis.NewScript(incrSource)
	slidingWindowAddScript = redis.NewScript(slidingWindowAddSource)
	tokenBucketScript      = redis.NewScript(tokenBucketSource)
	leakyBucketScript      = redis.NewScript(leakyBucketSource)
)

// Store is a Redis-backed store.Store.
type Store struct {
	client *redis.Client
	prefix string
}

var _ store.Store = (*Store)(nil)

// New connects to Redis according to cfg. The initial ping is retried with exponential backoff.
func New(ctx context.Context, cfg *Config, logger log.FieldLogger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	notify := func(err error, delay time.Duration) {
		logger.Warn("failed to connect to redis, retrying",
			log.String("address", cfg.Address), log.Duration("delay", delay), log.Error(err))
	}
	pingErr := retry.Do(ctx, cfg.ConnectRetry, nil, notify, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: connect to redis at %s: %w", store.ErrUnavailable, cfg.Address, pingErr)
	}
	logger.Info("connected to redis", log.String("address", cfg.Address), log.Int("db", cfg.DB))
	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient creates a store on top of an existing client. All keys are prefixed with keyPrefix.
func NewWithClient(client *redis.Client, keyPrefix string) *Store {
	return &Store{client: client, prefix: keyPrefix}
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.ErrClosed) {
		return store.ErrClosed
	}
	if strings.HasPrefix(err.Error(), "WRONGTYPE") || strings.Contains(err.Error(), "not an integer") {
		return fmt.Errorf("redis %s: %w", op, store.ErrWrongType)
	}
	return fmt.Errorf("%w: redis %s: %w", store.ErrUnavailable, op, err)
}

// Get returns the string value of the key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr("get", err)
	}
	return val, true, nil
}

// Set stores the value. Zero ttl means no expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrapErr("set", s.client.Set(ctx, s.key(key), value, ttl).Err())
}

// Delete removes the keys and returns how many of them existed.
func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	n, err := s.client.Del(ctx, full...).Result()
	return n, wrapErr("del", err)
}

// Exists reports whether the key exists.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	return n > 0, wrapErr("exists", err)
}

// Expire sets a new TTL for the key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.PExpire(ctx, s.key(key), ttl).Result()
	return ok, wrapErr("pexpire", err)
}

// TTL returns the remaining time to live of the key.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, wrapErr("pttl", err)
	}
	switch ttl {
	case -1:
		return store.NoExpiry, nil
	case -2:
		return store.KeyMissing, nil
	}
	return ttl, nil
}

// Increment atomically adds delta to the integer value of the key.
func (s *Store) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, s.client, []string{s.key(key)}, delta, ttl.Milliseconds()).Int64()
	return n, wrapErr("incr", err)
}

// Decrement atomically subtracts delta from the integer value of the key.
func (s *Store) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := s.client.DecrBy(ctx, s.key(key), delta).Result()
	return n, wrapErr("decrby", err)
}

// SlidingWindowAdd atomically prunes the window and records cost entries if they fit into limit.
func (s *Store) SlidingWindowAdd(
	ctx context.Context, key string, now time.Time, window time.Duration, cost, limit int64,
) (store.SlidingWindowResult, error) {
	vals, err := slidingWindowAddScript.Run(ctx, s.client, []string{s.key(key)},
		now.UnixMilli(), window.Milliseconds(), cost, limit, xid.New().String()).Int64Slice()
	if err != nil {
		return store.SlidingWindowResult{}, wrapErr("sliding window add", err)
	}
	if len(vals) != 3 {
		return store.SlidingWindowResult{}, fmt.Errorf("%w: unexpected sliding window reply %v", store.ErrUnavailable, vals)
	}
	res := store.SlidingWindowResult{Allowed: vals[0] == 1, Count: vals[1]}
	if vals[1] > 0 {
		res.Oldest = time.UnixMilli(vals[2])
	}
	return res, nil
}

// SlidingWindowCount counts entries in [now-window, now].
func (s *Store) SlidingWindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (int64, time.Time, error) {
	minScore := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	maxScore := strconv.FormatInt(now.UnixMilli(), 10)
	pipe := s.client.Pipeline()
	countCmd := pipe.ZCount(ctx, s.key(key), minScore, maxScore)
	oldestCmd := pipe.ZRangeByScoreWithScores(ctx, s.key(key), &redis.ZRangeBy{Min: minScore, Max: maxScore, Count: 1})
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, time.Time{}, wrapErr("sliding window count", err)
	}
	count := countCmd.Val()
	var oldest time.Time
	if z := oldestCmd.Val(); count > 0 && len(z) > 0 {
		oldest = time.UnixMilli(int64(z[0].Score))
	}
	return count, oldest, nil
}

// TokenBucketConsume atomically refills the bucket and takes cost tokens if available.
func (s *Store) TokenBucketConsume(
	ctx context.Context, key string, capacity, refillRate, cost float64, now time.Time,
) (store.BucketResult, error) {
	return s.runBucketScript(ctx, tokenBucketScript, "token bucket", key, capacity, refillRate, cost, now)
}

// LeakyBucketConsume atomically leaks the bucket and pours cost units if they fit.
func (s *Store) LeakyBucketConsume(
	ctx context.Context, key string, capacity, leakRate, cost float64, now time.Time,
) (store.BucketResult, error) {
	return s.runBucketScript(ctx, leakyBucketScript, "leaky bucket", key, capacity, leakRate, cost, now)
}

func (s *Store) runBucketScript(
	ctx context.Context, script *redis.Script, op, key string, capacity, rate, cost float64, now time.Time,
) (store.BucketResult, error) {
	nowMs := now.UnixMilli()
	ttl := store.BucketTTL(capacity, rate)
	vals, err := script.Run(ctx, s.client, []string{s.key(key)},
		formatFloat(capacity), formatFloat(rate), formatFloat(cost), nowMs, ttl.Milliseconds()).Slice()
	if err != nil {
		return store.BucketResult{}, wrapErr(op, err)
	}
	if len(vals) != 2 {
		return store.BucketResult{}, fmt.Errorf("%w: unexpected %s reply %v", store.ErrUnavailable, op, vals)
	}
	return store.BucketResult{
		Allowed:   toFloat(vals[0]) == 1,
		Level:     toFloat(vals[1]),
		UpdatedAt: time.UnixMilli(nowMs),
	}, nil
}

// Keys returns keys matching the glob pattern (without the store prefix).
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := s.scan(ctx, escapeGlob(s.prefix)+escapeGlob(pattern), func(batch []string) error {
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, s.prefix))
		}
		return nil
	})
	return keys, err
}

// FlushAll removes every key with the store prefix. Other data in the same database is not touched.
func (s *Store) FlushAll(ctx context.Context) error {
	return s.scan(ctx, escapeGlob(s.prefix)+"*", func(batch []string) error {
		return wrapErr("unlink", s.client.Unlink(ctx, batch...).Err())
	})
}

func (s *Store) scan(ctx context.Context, match string, fn func(batch []string) error) error {
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, scanBatchSize).Result()
		if err != nil {
			return wrapErr("scan", err)
		}
		if len(batch) > 0 {
			if err = fn(batch); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close closes the underlying client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

// IsHealthy pings Redis.
func (s *Store) IsHealthy(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func toFloat(val interface{}) float64 {
	switch v := val.(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}

var globEscaper = strings.NewReplacer(`\`, `\\`, "?", `\?`, "[", `\[`, "]", `\]`)

// escapeGlob escapes Redis MATCH special characters except "*".
func escapeGlob(pattern string) string {
	return globEscaper.Replace(pattern)
}
