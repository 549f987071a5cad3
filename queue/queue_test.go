/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"

	"github.com/acronis/go-ratelimiter/testutil"
)

var testStartTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type QueueTestSuite struct {
	suite.Suite
	clock *testutil.ManualClock
}

func TestQueue(t *testing.T) {
	suite.Run(t, &QueueTestSuite{})
}

func (ts *QueueTestSuite) SetupTest() {
	ts.clock = testutil.NewManualClock(testStartTime)
}

func (ts *QueueTestSuite) newQueue(opts Opts[string]) *Queue[string] {
	if opts.Now == nil {
		opts.Now = ts.clock.Now
	}
	q, err := New(opts)
	ts.Require().NoError(err)
	return q
}

func (ts *QueueTestSuite) dequeuePayloads(q *Queue[string], n int) []string {
	var res []string
	for i := 0; i < n; i++ {
		item, ok := q.Dequeue()
		if !ok {
			break
		}
		res = append(res, item.Payload)
	}
	return res
}

func (ts *QueueTestSuite) TestPriorityOrder() {
	q := ts.newQueue(Opts[string]{})
	for _, p := range []int{1, 5, 3} {
		_, ok := q.Enqueue("p"+string(rune('0'+p)), p, 0)
		ts.Require().True(ok)
	}
	ts.Require().Equal([]string{"p5", "p3", "p1"}, ts.dequeuePayloads(q, 3))

	_, ok := q.Dequeue()
	ts.Require().False(ok)
}

func (ts *QueueTestSuite) TestFIFOOnEqualPriority() {
	q := ts.newQueue(Opts[string]{})
	q.Enqueue("a", 1, 0)
	q.Enqueue("b", 2, 0)
	q.Enqueue("c", 1, 0)
	q.Enqueue("d", 2, 0)
	q.Enqueue("e", 1, 0)

	items := q.Items()
	ts.Require().Len(items, 5)
	ts.Require().Equal([]string{"b", "d", "a", "c", "e"}, ts.dequeuePayloads(q, 5))
}

func (ts *QueueTestSuite) TestOrderIsTotal() {
	q := ts.newQueue(Opts[string]{MaxSize: 500})
	for i := 0; i < 300; i++ {
		_, ok := q.Enqueue("x", (i*7919)%11, 0)
		ts.Require().True(ok)
	}
	items := q.Items()
	for i := 1; i < len(items); i++ {
		prev, cur := items[i-1], items[i]
		ts.Require().True(prev.Priority > cur.Priority || (prev.Priority == cur.Priority && prev.seq < cur.seq))
	}
}

func (ts *QueueTestSuite) TestFull() {
	var rejected []string
	q := ts.newQueue(Opts[string]{MaxSize: 2, OnFull: func(item *Item[string]) {
		rejected = append(rejected, item.Payload)
	}})
	_, ok := q.Enqueue("a", 1, 0)
	ts.Require().True(ok)
	_, ok = q.Enqueue("b", 1, 0)
	ts.Require().True(ok)
	item, ok := q.Enqueue("c", 10, 0)
	ts.Require().False(ok)
	ts.Require().Equal("c", item.Payload)
	ts.Require().Equal([]string{"c"}, rejected)
	ts.Require().Equal(2, q.Len())
	ts.Require().Equal(int64(1), q.Stats().Rejected)
}

func (ts *QueueTestSuite) TestTimeout() {
	var timedOut atomic.Int32
	q := ts.newQueue(Opts[string]{OnTimeout: func(item *Item[string]) {
		ts.Require().Equal("short", item.Payload)
		timedOut.Inc()
	}})
	_, ok := q.Enqueue("short", 10, 10*time.Millisecond)
	ts.Require().True(ok)
	_, ok = q.Enqueue("long", 1, time.Minute)
	ts.Require().True(ok)

	ts.clock.Advance(10 * time.Millisecond)
	head, ok := q.Peek()
	ts.Require().True(ok)
	ts.Require().Equal("short", head.Payload)

	ts.clock.Advance(time.Millisecond)
	head, ok = q.Peek()
	ts.Require().True(ok)
	ts.Require().Equal("long", head.Payload)
	ts.Require().Equal(int32(1), timedOut.Load())

	item, ok := q.Dequeue()
	ts.Require().True(ok)
	ts.Require().Equal("long", item.Payload)
	_, ok = q.Dequeue()
	ts.Require().False(ok)
	ts.Require().Equal(int32(1), timedOut.Load())
	ts.Require().Equal(int64(1), q.Stats().TimedOut)
}

func (ts *QueueTestSuite) TestDefaultTimeout() {
	var timedOut atomic.Int32
	q := ts.newQueue(Opts[string]{DefaultTimeout: time.Second, OnTimeout: func(*Item[string]) { timedOut.Inc() }})
	item, _ := q.Enqueue("a", 1, 0)
	ts.Require().Equal(time.Second, item.Timeout)
	ts.clock.Advance(2 * time.Second)
	ts.Require().Empty(q.Items())
	ts.Require().Equal(int32(1), timedOut.Load())
}

func (ts *QueueTestSuite) TestRemoveAndClear() {
	var timedOut atomic.Int32
	q := ts.newQueue(Opts[string]{OnTimeout: func(*Item[string]) { timedOut.Inc() }})
	a, _ := q.Enqueue("a", 1, time.Millisecond)
	q.Enqueue("b", 1, 0)
	q.Enqueue("c", 1, 0)

	ts.Require().True(q.Remove(a.ID))
	ts.Require().False(q.Remove(a.ID))
	ts.Require().Equal(2, q.Len())

	ts.clock.Advance(time.Second)
	ts.Require().Equal(2, q.Clear())
	ts.Require().Zero(q.Len())
	ts.Require().Zero(timedOut.Load())
}

func (ts *QueueTestSuite) TestItemsReturnsCopies() {
	q := ts.newQueue(Opts[string]{})
	q.Enqueue("a", 1, 0)
	items := q.Items()
	items[0].Payload = "changed"
	head, _ := q.Peek()
	ts.Require().Equal("a", head.Payload)
}

func (ts *QueueTestSuite) TestConcurrentEnqueue() {
	const goroutines = 50
	const perGoroutine = 20
	q := ts.newQueue(Opts[string]{MaxSize: 500})
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				q.Enqueue("x", i%5, 0)
			}
		}(i)
	}
	wg.Wait()
	stats := q.Stats()
	ts.Require().Equal(500, stats.Size)
	ts.Require().Equal(int64(500), stats.Enqueued)
	ts.Require().Equal(int64(500), stats.Rejected)
}

func TestNewQueueErrors(t *testing.T) {
	tests := []struct {
		name    string
		opts    Opts[int]
		wantErr string
	}{
		{"negative max size", Opts[int]{MaxSize: -1}, "queue max size should not be negative, got -1"},
		{"negative batch size", Opts[int]{BatchSize: -1}, "queue batch size should not be negative, got -1"},
		{"negative interval", Opts[int]{ProcessInterval: -time.Second}, "queue process interval should not be negative, got -1s"},
		{"negative timeout", Opts[int]{DefaultTimeout: -time.Second}, "queue default timeout should not be negative, got -1s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			require.EqualError(t, err, tt.wantErr)
		})
	}
}

func (ts *QueueTestSuite) TestRequeueKeepsPlace() {
	q := ts.newQueue(Opts[string]{MaxSize: 3})
	q.Enqueue("a", 1, 0)
	q.Enqueue("b", 1, 0)
	first, ok := q.Dequeue()
	ts.Require().True(ok)
	q.Enqueue("c", 1, 0)

	ts.Require().True(q.Requeue(first))
	ts.Require().Equal([]string{"a", "b", "c"}, ts.dequeuePayloads(q, 3))

	q.Enqueue("x", 1, 0)
	q.Enqueue("y", 1, 0)
	q.Enqueue("z", 1, 0)
	ts.Require().False(q.Requeue(first))
}
