/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"

	"github.com/acronis/go-ratelimiter/store"
	"github.com/acronis/go-ratelimiter/testutil"
)

type MemStoreTestSuite struct {
	suite.Suite
	clock *testutil.ManualClock
	store *Store
	ctx   context.Context
}

func TestMemStore(t *testing.T) {
	suite.Run(t, &MemStoreTestSuite{})
}

func (ts *MemStoreTestSuite) SetupTest() {
	ts.ctx = context.Background()
	ts.clock = testutil.NewManualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	ts.store = New(Opts{Now: ts.clock.Now, CleanupInterval: -1})
}

func (ts *MemStoreTestSuite) TearDownTest() {
	ts.Require().NoError(ts.store.Close())
}

func (ts *MemStoreTestSuite) TestGetSetDelete() {
	_, found, err := ts.store.Get(ts.ctx, "k")
	ts.Require().NoError(err)
	ts.Require().False(found)

	ts.Require().NoError(ts.store.Set(ts.ctx, "k", "v", time.Second))
	val, found, err := ts.store.Get(ts.ctx, "k")
	ts.Require().NoError(err)
	ts.Require().True(found)
	ts.Require().Equal("v", val)

	ttl, err := ts.store.TTL(ts.ctx, "k")
	ts.Require().NoError(err)
	ts.Require().Equal(time.Second, ttl)

	ts.clock.Advance(time.Second)
	exists, err := ts.store.Exists(ts.ctx, "k")
	ts.Require().NoError(err)
	ts.Require().False(exists)

	ts.Require().NoError(ts.store.Set(ts.ctx, "a", "1", 0))
	ts.Require().NoError(ts.store.Set(ts.ctx, "b", "2", 0))
	deleted, err := ts.store.Delete(ts.ctx, "a", "b", "c")
	ts.Require().NoError(err)
	ts.Require().Equal(int64(2), deleted)
}

func (ts *MemStoreTestSuite) TestExpireAndTTL() {
	ttl, err := ts.store.TTL(ts.ctx, "missing")
	ts.Require().NoError(err)
	ts.Require().Equal(store.KeyMissing, ttl)

	ok, err := ts.store.Expire(ts.ctx, "missing", time.Second)
	ts.Require().NoError(err)
	ts.Require().False(ok)

	ts.Require().NoError(ts.store.Set(ts.ctx, "k", "v", 0))
	ttl, err = ts.store.TTL(ts.ctx, "k")
	ts.Require().NoError(err)
	ts.Require().Equal(store.NoExpiry, ttl)

	ok, err = ts.store.Expire(ts.ctx, "k", 5*time.Second)
	ts.Require().NoError(err)
	ts.Require().True(ok)
	ts.clock.Advance(2 * time.Second)
	ttl, err = ts.store.TTL(ts.ctx, "k")
	ts.Require().NoError(err)
	ts.Require().Equal(3*time.Second, ttl)
}

func (ts *MemStoreTestSuite) TestIncrementDecrement() {
	n, err := ts.store.Increment(ts.ctx, "cnt", 3, time.Second)
	ts.Require().NoError(err)
	ts.Require().Equal(int64(3), n)

	ts.clock.Advance(500 * time.Millisecond)
	n, err = ts.store.Increment(ts.ctx, "cnt", 2, time.Second) // TTL is not refreshed
	ts.Require().NoError(err)
	ts.Require().Equal(int64(5), n)

	n, err = ts.store.Decrement(ts.ctx, "cnt", 1)
	ts.Require().NoError(err)
	ts.Require().Equal(int64(4), n)

	ts.clock.Advance(500 * time.Millisecond)
	n, err = ts.store.Increment(ts.ctx, "cnt", 1, time.Second)
	ts.Require().NoError(err)
	ts.Require().Equal(int64(1), n)

	ts.Require().NoError(ts.store.Set(ts.ctx, "str", "abc", 0))
	_, err = ts.store.Increment(ts.ctx, "str", 1, 0)
	ts.Require().ErrorIs(err, store.ErrWrongType)
}

func (ts *MemStoreTestSuite) TestSlidingWindow() {
	const limit = 10
	window := 60 * time.Second
	start := ts.clock.Now()

	for i := 0; i < limit; i++ {
		res, err := ts.store.SlidingWindowAdd(ts.ctx, "sw", ts.clock.Now(), window, 1, limit)
		ts.Require().NoError(err)
		ts.Require().True(res.Allowed)
		ts.Require().Equal(int64(i+1), res.Count)
		ts.Require().True(res.Oldest.Equal(start))
	}

	ts.clock.Advance(500 * time.Millisecond)
	res, err := ts.store.SlidingWindowAdd(ts.ctx, "sw", ts.clock.Now(), window, 1, limit)
	ts.Require().NoError(err)
	ts.Require().False(res.Allowed)
	ts.Require().Equal(int64(limit), res.Count)

	count, oldest, err := ts.store.SlidingWindowCount(ts.ctx, "sw", ts.clock.Now(), window)
	ts.Require().NoError(err)
	ts.Require().Equal(int64(limit), count)
	ts.Require().True(oldest.Equal(start))

	ts.clock.Set(start.Add(61 * time.Second))
	count, _, err = ts.store.SlidingWindowCount(ts.ctx, "sw", ts.clock.Now(), window)
	ts.Require().NoError(err)
	ts.Require().Zero(count)

	res, err = ts.store.SlidingWindowAdd(ts.ctx, "sw", ts.clock.Now(), window, 1, limit)
	ts.Require().NoError(err)
	ts.Require().True(res.Allowed)
	ts.Require().Equal(int64(1), res.Count)

	res, err = ts.store.SlidingWindowAdd(ts.ctx, "sw", ts.clock.Now(), window, limit, limit)
	ts.Require().NoError(err)
	ts.Require().False(res.Allowed, "cost that does not fit must not be partially recorded")
	ts.Require().Equal(int64(1), res.Count)
}

func (ts *MemStoreTestSuite) TestTokenBucketConsume() {
	now := ts.clock.Now()
	res, err := ts.store.TokenBucketConsume(ts.ctx, "tb", 10, 1, 4, now)
	ts.Require().NoError(err)
	ts.Require().True(res.Allowed)
	ts.Require().Equal(6.0, res.Level)

	res, err = ts.store.TokenBucketConsume(ts.ctx, "tb", 10, 1, 7, now)
	ts.Require().NoError(err)
	ts.Require().False(res.Allowed)
	ts.Require().Equal(6.0, res.Level)

	res, err = ts.store.TokenBucketConsume(ts.ctx, "tb", 10, 1, 7, now.Add(time.Second))
	ts.Require().NoError(err)
	ts.Require().True(res.Allowed)
	ts.Require().Equal(0.0, res.Level)

	ttl, err := ts.store.TTL(ts.ctx, "tb")
	ts.Require().NoError(err)
	ts.Require().Equal(11*time.Second, ttl)

	raw, found, err := ts.store.Get(ts.ctx, "tb")
	ts.Require().NoError(err)
	ts.Require().True(found)
	state, ok := store.ParseBucketState(raw)
	ts.Require().True(ok)
	ts.Require().Equal(0.0, state.Level)
}

func (ts *MemStoreTestSuite) TestTokenBucketMalformedStateIsReset() {
	ts.Require().NoError(ts.store.Set(ts.ctx, "tb", "garbage", 0))
	res, err := ts.store.TokenBucketConsume(ts.ctx, "tb", 5, 1, 1, ts.clock.Now())
	ts.Require().NoError(err)
	ts.Require().True(res.Allowed)
	ts.Require().Equal(4.0, res.Level)
}

func (ts *MemStoreTestSuite) TestLeakyBucketConsume() {
	now := ts.clock.Now()
	for i := 0; i < 3; i++ {
		res, err := ts.store.LeakyBucketConsume(ts.ctx, "lb", 3, 2, 1, now)
		ts.Require().NoError(err)
		ts.Require().True(res.Allowed)
	}
	res, err := ts.store.LeakyBucketConsume(ts.ctx, "lb", 3, 2, 1, now)
	ts.Require().NoError(err)
	ts.Require().False(res.Allowed)
	ts.Require().Equal(3.0, res.Level)

	res, err = ts.store.LeakyBucketConsume(ts.ctx, "lb", 3, 2, 1, now.Add(500*time.Millisecond))
	ts.Require().NoError(err)
	ts.Require().True(res.Allowed)
	ts.Require().Equal(3.0, res.Level)
}

func (ts *MemStoreTestSuite) TestWrongType() {
	_, err := ts.store.SlidingWindowAdd(ts.ctx, "sw", ts.clock.Now(), time.Minute, 1, 10)
	ts.Require().NoError(err)
	_, _, err = ts.store.Get(ts.ctx, "sw")
	ts.Require().ErrorIs(err, store.ErrWrongType)
	_, err = ts.store.TokenBucketConsume(ts.ctx, "sw", 1, 1, 1, ts.clock.Now())
	ts.Require().ErrorIs(err, store.ErrWrongType)
}

func (ts *MemStoreTestSuite) TestKeysAndFlushAll() {
	for _, key := range []string{"rl:api:user=1", "rl:api:user=2", "rl:login:ip=1.2.3.4"} {
		ts.Require().NoError(ts.store.Set(ts.ctx, key, "1", 0))
	}
	ts.Require().NoError(ts.store.Set(ts.ctx, "rl:api:user=3", "1", time.Millisecond))
	ts.clock.Advance(time.Millisecond)

	keys, err := ts.store.Keys(ts.ctx, "rl:api:*")
	ts.Require().NoError(err)
	ts.Require().Equal([]string{"rl:api:user=1", "rl:api:user=2"}, keys)

	keys, err = ts.store.Keys(ts.ctx, "*")
	ts.Require().NoError(err)
	ts.Require().Len(keys, 3)

	ts.Require().NoError(ts.store.FlushAll(ts.ctx))
	keys, err = ts.store.Keys(ts.ctx, "*")
	ts.Require().NoError(err)
	ts.Require().Empty(keys)
}

func (ts *MemStoreTestSuite) TestDeleteExpired() {
	ts.Require().NoError(ts.store.Set(ts.ctx, "a", "1", time.Second))
	ts.Require().NoError(ts.store.Set(ts.ctx, "b", "1", 0))
	ts.clock.Advance(time.Second)
	ts.Require().Equal(1, ts.store.DeleteExpired())
	ts.Require().Equal(1, ts.store.Len())
}

func (ts *MemStoreTestSuite) TestClose() {
	ts.Require().True(ts.store.IsHealthy(ts.ctx))
	ts.Require().NoError(ts.store.Close())
	ts.Require().False(ts.store.IsHealthy(ts.ctx))
	_, _, err := ts.store.Get(ts.ctx, "k")
	ts.Require().ErrorIs(err, store.ErrClosed)
}

func TestTokenBucketConcurrentConsume(t *testing.T) {
	s := New(Opts{})
	defer func() { require.NoError(t, s.Close()) }()

	const goroutines = 1000
	var successes, failures atomic.Int32
	now := time.Now()
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			res, err := s.TokenBucketConsume(context.Background(), "tb", 100, 0, 1, now)
			require.NoError(t, err)
			if res.Allowed {
				successes.Inc()
			} else {
				failures.Inc()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(100), successes.Load())
	require.Equal(t, int32(900), failures.Load())
}

func TestCleanupLoop(t *testing.T) {
	s := New(Opts{CleanupInterval: 10 * time.Millisecond})
	defer func() { require.NoError(t, s.Close()) }()
	require.NoError(t, s.Set(context.Background(), "k", "v", time.Millisecond))
	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
}
