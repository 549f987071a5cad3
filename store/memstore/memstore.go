/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package memstore provides an in-process implementation of store.Store.
//
// It is intended for single-instance deployments and tests: all operations are serialized
// by one mutex, expiration is evaluated lazily against an injectable clock, and a background
// sweeper removes expired keys so idle state does not accumulate.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/vasayxtx/go-glob"

	"github.com/acronis/go-ratelimiter/store"
)

// DefaultCleanupInterval is the default period of the expired keys sweeper.
const DefaultCleanupInterval = time.Minute

type valueKind int

const (
	kindString valueKind = iota
	kindSortedSet
)

type setMember struct {
	score  int64 // unix millis
	member string
}

type entry struct {
	kind      valueKind
	str       string
	members   []setMember // sorted by score
	expiresAt time.Time   // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Opts represents options for the in-process store.
type Opts struct {
	// Now returns the current time. time.Now is used by default.
	Now func() time.Time
	// CleanupInterval is the period of the expired keys sweeper.
	// DefaultCleanupInterval is used when zero, negative value disables the sweeper.
	CleanupInterval time.Duration
}

// Store is an in-process store.Store.
type Store struct {
	mu      sync.Mutex
	data    map[string]*entry
	now     func() time.Time
	seq     uint64
	closed  bool
	stopCh  chan struct{}
	stopped sync.WaitGroup
}

var _ store.Store = (*Store)(nil)

// New creates a new in-process store and starts its sweeper.
func New(opts Opts) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CleanupInterval == 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	s := &Store{data: make(map[string]*entry), now: opts.Now, stopCh: make(chan struct{})}
	if opts.CleanupInterval > 0 {
		s.stopped.Add(1)
		go s.cleanupLoop(opts.CleanupInterval)
	}
	return s
}

func (s *Store) cleanupLoop(interval time.Duration) {
	defer s.stopped.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.DeleteExpired()
		}
	}
}

// DeleteExpired removes all expired keys and returns how many were removed.
func (s *Store) DeleteExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of keys including expired but not yet swept ones.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// lookup must be called with the mutex held.
func (s *Store) lookup(key string, now time.Time) *entry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if e.expired(now) {
		delete(s.data, key)
		return nil
	}
	return e
}

func (s *Store) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	return nil
}

func expiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// Get returns the string value of the key.
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	if err := s.lock(); err != nil {
		return "", false, err
	}
	defer s.mu.Unlock()
	e := s.lookup(key, s.now())
	if e == nil {
		return "", false, nil
	}
	if e.kind != kindString {
		return "", false, store.ErrWrongType
	}
	return e.str, true, nil
}

// Set stores the value. Zero ttl means no expiry.
func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.data[key] = &entry{kind: kindString, str: value, expiresAt: expiresAt(s.now(), ttl)}
	return nil
}

// Delete removes the keys and returns how many of them existed.
func (s *Store) Delete(_ context.Context, keys ...string) (int64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	now := s.now()
	var deleted int64
	for _, key := range keys {
		if s.lookup(key, now) != nil {
			delete(s.data, key)
			deleted++
		}
	}
	return deleted, nil
}

// Exists reports whether the key exists.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	return s.lookup(key, s.now()) != nil, nil
}

// Expire sets a new TTL for the key.
func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	now := s.now()
	e := s.lookup(key, now)
	if e == nil {
		return false, nil
	}
	e.expiresAt = expiresAt(now, ttl)
	return true, nil
}

// TTL returns the remaining time to live of the key.
func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	now := s.now()
	e := s.lookup(key, now)
	if e == nil {
		return store.KeyMissing, nil
	}
	if e.expiresAt.IsZero() {
		return store.NoExpiry, nil
	}
	return e.expiresAt.Sub(now), nil
}

// Increment atomically adds delta to the integer value of the key.
func (s *Store) Increment(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return s.add(key, delta, ttl)
}

// Decrement atomically subtracts delta from the integer value of the key.
func (s *Store) Decrement(_ context.Context, key string, delta int64) (int64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return s.add(key, -delta, 0)
}

func (s *Store) add(key string, delta int64, ttl time.Duration) (int64, error) {
	now := s.now()
	e := s.lookup(key, now)
	if e == nil {
		e = &entry{kind: kindString, str: "0", expiresAt: expiresAt(now, ttl)}
		s.data[key] = e
	}
	if e.kind != kindString {
		return 0, store.ErrWrongType
	}
	current, err := strconv.ParseInt(e.str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value of %q is not an integer: %w", key, store.ErrWrongType)
	}
	current += delta
	e.str = strconv.FormatInt(current, 10)
	return current, nil
}

// SlidingWindowAdd atomically prunes the window and records cost entries if they fit into limit.
func (s *Store) SlidingWindowAdd(
	_ context.Context, key string, now time.Time, window time.Duration, cost, limit int64,
) (store.SlidingWindowResult, error) {
	if err := s.lock(); err != nil {
		return store.SlidingWindowResult{}, err
	}
	defer s.mu.Unlock()

	e := s.lookup(key, s.now())
	if e == nil {
		e = &entry{kind: kindSortedSet}
	} else if e.kind != kindSortedSet {
		return store.SlidingWindowResult{}, store.ErrWrongType
	}

	nowMs := now.UnixMilli()
	e.members = pruneBefore(e.members, nowMs-window.Milliseconds())
	count := int64(len(e.members))
	allowed := count+cost <= limit
	if allowed {
		for i := int64(0); i < cost; i++ {
			s.seq++
			e.members = insertMember(e.members, setMember{score: nowMs, member: strconv.FormatUint(s.seq, 36)})
		}
		count += cost
	}
	if len(e.members) == 0 {
		delete(s.data, key)
		return store.SlidingWindowResult{Allowed: allowed}, nil
	}
	e.expiresAt = expiresAt(s.now(), window)
	s.data[key] = e
	return store.SlidingWindowResult{Allowed: allowed, Count: count, Oldest: time.UnixMilli(e.members[0].score)}, nil
}

// SlidingWindowCount counts entries in [now-window, now].
func (s *Store) SlidingWindowCount(_ context.Context, key string, now time.Time, window time.Duration) (int64, time.Time, error) {
	if err := s.lock(); err != nil {
		return 0, time.Time{}, err
	}
	defer s.mu.Unlock()

	e := s.lookup(key, s.now())
	if e == nil {
		return 0, time.Time{}, nil
	}
	if e.kind != kindSortedSet {
		return 0, time.Time{}, store.ErrWrongType
	}
	nowMs := now.UnixMilli()
	from := sort.Search(len(e.members), func(i int) bool { return e.members[i].score >= nowMs-window.Milliseconds() })
	to := sort.Search(len(e.members), func(i int) bool { return e.members[i].score > nowMs })
	if from >= to {
		return 0, time.Time{}, nil
	}
	return int64(to - from), time.UnixMilli(e.members[from].score), nil
}

func pruneBefore(members []setMember, minScore int64) []setMember {
	idx := sort.Search(len(members), func(i int) bool { return members[i].score >= minScore })
	if idx == 0 {
		return members
	}
	return append(members[:0], members[idx:]...)
}

func insertMember(members []setMember, m setMember) []setMember {
	idx := sort.Search(len(members), func(i int) bool { return members[i].score > m.score })
	members = append(members, setMember{})
	copy(members[idx+1:], members[idx:])
	members[idx] = m
	return members
}

// TokenBucketConsume atomically refills the bucket and takes cost tokens if available.
func (s *Store) TokenBucketConsume(
	_ context.Context, key string, capacity, refillRate, cost float64, now time.Time,
) (store.BucketResult, error) {
	return s.updateBucket(key, store.BucketTTL(capacity, refillRate), func(state store.BucketState, found bool) (store.BucketState, bool) {
		return store.TakeTokens(state, found, capacity, refillRate, cost, now)
	})
}

// LeakyBucketConsume atomically leaks the bucket and pours cost units if they fit.
func (s *Store) LeakyBucketConsume(
	_ context.Context, key string, capacity, leakRate, cost float64, now time.Time,
) (store.BucketResult, error) {
	return s.updateBucket(key, store.BucketTTL(capacity, leakRate), func(state store.BucketState, found bool) (store.BucketState, bool) {
		return store.PourWater(state, found, capacity, leakRate, cost, now)
	})
}

func (s *Store) updateBucket(
	key string, ttl time.Duration, update func(state store.BucketState, found bool) (store.BucketState, bool),
) (store.BucketResult, error) {
	if err := s.lock(); err != nil {
		return store.BucketResult{}, err
	}
	defer s.mu.Unlock()

	var state store.BucketState
	found := false
	e := s.lookup(key, s.now())
	if e != nil {
		if e.kind != kindString {
			return store.BucketResult{}, store.ErrWrongType
		}
		state, found = store.ParseBucketState(e.str) // malformed state is re-initialized
	}
	newState, allowed := update(state, found)
	s.data[key] = &entry{kind: kindString, str: newState.Encode(), expiresAt: expiresAt(s.now(), ttl)}
	return store.BucketResult{Allowed: allowed, Level: newState.Level, UpdatedAt: newState.UpdatedAt}, nil
}

// Keys returns keys matching the glob pattern.
func (s *Store) Keys(_ context.Context, pattern string) ([]string, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	match := glob.Compile(pattern)
	now := s.now()
	var keys []string
	for key := range s.data {
		if s.lookup(key, now) != nil && match(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// FlushAll removes every key.
func (s *Store) FlushAll(_ context.Context) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.data = make(map[string]*entry)
	return nil
}

// Close stops the sweeper and releases the data. It is safe to call Close more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.data = nil
	close(s.stopCh)
	s.mu.Unlock()
	s.stopped.Wait()
	return nil
}

// IsHealthy reports whether the store accepts operations.
func (s *Store) IsHealthy(_ context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}
