/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/atomic"

	"github.com/acronis/go-ratelimiter/log"
	"github.com/acronis/go-ratelimiter/store"
)

// Default values of the queue options.
const (
	DefaultMaxSize         = 1000
	DefaultBatchSize       = 10
	DefaultProcessInterval = 100 * time.Millisecond
	DefaultName            = "default"
)

// Item is an entry of the queue.
type Item[T any] struct {
	ID         string
	Priority   int
	Payload    T
	EnqueuedAt time.Time
	// Timeout is the maximum time the item may wait in the queue. Zero means no timeout.
	Timeout time.Duration

	seq uint64
}

// Expired reports whether the item has been waiting longer than its timeout.
func (it *Item[T]) Expired(now time.Time) bool {
	return it.Timeout > 0 && now.Sub(it.EnqueuedAt) > it.Timeout
}

// before reports whether it goes before other in the queue order.
func (it *Item[T]) before(other *Item[T]) bool {
	if it.Priority != other.Priority {
		return it.Priority > other.Priority
	}
	return it.seq < other.seq
}

// Opts represents options for the queue.
type Opts[T any] struct {
	// Name is used in logs, metrics labels and the default snapshot key.
	Name    string
	MaxSize int
	// DefaultTimeout is used for items enqueued with zero timeout.
	DefaultTimeout  time.Duration
	BatchSize       int
	ProcessInterval time.Duration

	// OnFull is called (outside the queue lock) for every item rejected because the queue is full.
	OnFull func(item *Item[T])
	// OnTimeout is called (outside the queue lock) exactly once for every expired item.
	OnTimeout func(item *Item[T])

	// Store enables snapshot persistence.
	Store       store.Store
	SnapshotKey string
	SnapshotTTL time.Duration

	Logger  log.FieldLogger
	Metrics MetricsCollector
	Now     func() time.Time
}

// Stats contains counters of the queue since its creation.
type Stats struct {
	Size      int
	Enqueued  int64
	Rejected  int64
	TimedOut  int64
	Processed int64
	Failed    int64
}

// Queue is a bounded priority queue safe for concurrent use.
type Queue[T any] struct {
	name            string
	maxSize         int
	defaultTimeout  time.Duration
	batchSize       int
	processInterval time.Duration
	onFull          func(item *Item[T])
	onTimeout       func(item *Item[T])
	store           store.Store
	snapshotKey     string
	snapshotTTL     time.Duration
	logger          log.FieldLogger
	metrics         MetricsCollector
	now             func() time.Time

	mu      sync.Mutex
	items   []*Item[T]
	nextSeq uint64

	enqueued  atomic.Int64
	rejected  atomic.Int64
	timedOut  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64

	procMu     sync.Mutex
	processing *processingState
}

// New creates a new queue.
func New[T any](opts Opts[T]) (*Queue[T], error) {
	if opts.MaxSize < 0 {
		return nil, fmt.Errorf("queue max size should not be negative, got %d", opts.MaxSize)
	}
	if opts.BatchSize < 0 {
		return nil, fmt.Errorf("queue batch size should not be negative, got %d", opts.BatchSize)
	}
	if opts.ProcessInterval < 0 {
		return nil, fmt.Errorf("queue process interval should not be negative, got %s", opts.ProcessInterval)
	}
	if opts.DefaultTimeout < 0 {
		return nil, fmt.Errorf("queue default timeout should not be negative, got %s", opts.DefaultTimeout)
	}
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.MaxSize == 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.ProcessInterval == 0 {
		opts.ProcessInterval = DefaultProcessInterval
	}
	if opts.SnapshotKey == "" {
		opts.SnapshotKey = "queue:" + opts.Name + ":snapshot"
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = disabledMetrics{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue[T]{
		name:            opts.Name,
		maxSize:         opts.MaxSize,
		defaultTimeout:  opts.DefaultTimeout,
		batchSize:       opts.BatchSize,
		processInterval: opts.ProcessInterval,
		onFull:          opts.OnFull,
		onTimeout:       opts.OnTimeout,
		store:           opts.Store,
		snapshotKey:     opts.SnapshotKey,
		snapshotTTL:     opts.SnapshotTTL,
		logger:          opts.Logger.With(log.String("queue", opts.Name)),
		metrics:         opts.Metrics,
		now:             opts.Now,
		items:           make([]*Item[T], 0, min(opts.MaxSize, 64)),
	}, nil
}

// Name returns the name of the queue.
func (q *Queue[T]) Name() string {
	return q.name
}

// Enqueue adds the payload to the queue.
// If the queue is full, OnFull is called with the would-be item and false is returned.
func (q *Queue[T]) Enqueue(payload T, priority int, timeout time.Duration) (*Item[T], bool) {
	if timeout <= 0 {
		timeout = q.defaultTimeout
	}
	item := &Item[T]{
		ID:         xid.New().String(),
		Priority:   priority,
		Payload:    payload,
		EnqueuedAt: q.now(),
		Timeout:    timeout,
	}
	if !q.push(item) {
		q.rejected.Inc()
		q.metrics.IncRejected(q.name)
		if q.onFull != nil {
			q.onFull(item)
		}
		return item, false
	}
	q.enqueued.Inc()
	q.metrics.IncEnqueued(q.name)
	return item, true
}

// Requeue puts a dequeued item back. The item keeps its place among items of the same priority.
// It returns false if the queue is full, OnFull is not called in this case.
func (q *Queue[T]) Requeue(item *Item[T]) bool {
	return q.push(item)
}

// push inserts the item keeping the order. New items get the next arrival sequence number.
func (q *Queue[T]) push(item *Item[T]) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.maxSize {
		return false
	}
	if item.seq == 0 {
		q.nextSeq++
		item.seq = q.nextSeq
	}
	idx := sort.Search(len(q.items), func(i int) bool { return item.before(q.items[i]) })
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = item
	q.metrics.SetSize(q.name, len(q.items))
	return true
}

// Dequeue purges expired items and removes the head of the queue.
func (q *Queue[T]) Dequeue() (*Item[T], bool) {
	items := q.DequeueN(1)
	if len(items) == 0 {
		return nil, false
	}
	return items[0], true
}

// DequeueN purges expired items and removes up to n items from the head of the queue.
func (q *Queue[T]) DequeueN(n int) []*Item[T] {
	q.mu.Lock()
	expired := q.purgeExpiredLocked()
	n = min(n, len(q.items))
	var res []*Item[T]
	if n > 0 {
		res = make([]*Item[T], n)
		copy(res, q.items[:n])
		clear(q.items[:n])
		q.items = q.items[n:]
	}
	q.metrics.SetSize(q.name, len(q.items))
	q.mu.Unlock()

	q.reportExpired(expired)
	return res
}

// Peek purges expired items and returns the head of the queue without removing it.
func (q *Queue[T]) Peek() (*Item[T], bool) {
	q.mu.Lock()
	expired := q.purgeExpiredLocked()
	var head *Item[T]
	if len(q.items) > 0 {
		head = q.items[0]
	}
	q.metrics.SetSize(q.name, len(q.items))
	q.mu.Unlock()

	q.reportExpired(expired)
	return head, head != nil
}

// Remove removes the item with the given id. OnTimeout is not called for it.
func (q *Queue[T]) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.metrics.SetSize(q.name, len(q.items))
			return true
		}
	}
	return false
}

// Len returns the number of items in the queue including expired items that are not purged yet.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the non-expired items in the queue order.
func (q *Queue[T]) Items() []Item[T] {
	q.mu.Lock()
	expired := q.purgeExpiredLocked()
	res := make([]Item[T], 0, len(q.items))
	for _, item := range q.items {
		res = append(res, *item)
	}
	q.metrics.SetSize(q.name, len(q.items))
	q.mu.Unlock()

	q.reportExpired(expired)
	return res
}

// Clear removes all items and returns how many were removed. Callbacks are not called.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	clear(q.items)
	q.items = q.items[:0]
	q.metrics.SetSize(q.name, 0)
	return n
}

// Stats returns the queue counters.
func (q *Queue[T]) Stats() Stats {
	return Stats{
		Size:      q.Len(),
		Enqueued:  q.enqueued.Load(),
		Rejected:  q.rejected.Load(),
		TimedOut:  q.timedOut.Load(),
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
	}
}

func (q *Queue[T]) purgeExpiredLocked() []*Item[T] {
	now := q.now()
	var expired []*Item[T]
	kept := q.items[:0]
	for _, item := range q.items {
		if item.Expired(now) {
			expired = append(expired, item)
			continue
		}
		kept = append(kept, item)
	}
	clear(q.items[len(kept):])
	q.items = kept
	return expired
}

func (q *Queue[T]) reportExpired(expired []*Item[T]) {
	for _, item := range expired {
		q.timedOut.Inc()
		q.metrics.IncTimeouts(q.name)
		q.logger.Debug("queue item timed out",
			log.String("item_id", item.ID), log.Duration("timeout", item.Timeout))
		if q.onTimeout != nil {
			q.onTimeout(item)
		}
	}
}
