/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package queue

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/acronis/go-ratelimiter/log"
	"github.com/acronis/go-ratelimiter/service"
)

// Processor handles a dequeued item.
type Processor[T any] func(ctx context.Context, item *Item[T]) error

type processingState struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartProcessing starts the background processor.
// Every ProcessInterval it dequeues up to BatchSize items and runs the processor for each of them concurrently.
// The next batch is scheduled only after the current one completes.
// It returns false if the processing is already started.
func (q *Queue[T]) StartProcessing(processor Processor[T]) bool {
	q.procMu.Lock()
	defer q.procMu.Unlock()
	if q.processing != nil {
		return false
	}

	worker := service.NewPeriodicWorkerWithOpts(service.WorkerFunc(func(ctx context.Context) error {
		q.processBatch(ctx, processor)
		return nil
	}), q.processInterval, q.logger, service.PeriodicWorkerOpts{
		Name:         "queue-processor",
		InitialDelay: q.processInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	state := &processingState{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(state.done)
		_ = worker.Run(ctx)
	}()
	q.processing = state
	return true
}

// StopProcessing stops scheduling new batches and waits for the in-flight batch to complete.
// It is safe to call it multiple times and without StartProcessing.
func (q *Queue[T]) StopProcessing() {
	q.procMu.Lock()
	state := q.processing
	q.processing = nil
	q.procMu.Unlock()

	if state == nil {
		return
	}
	state.cancel()
	<-state.done
}

// IsProcessing reports whether the background processor is running.
func (q *Queue[T]) IsProcessing() bool {
	q.procMu.Lock()
	defer q.procMu.Unlock()
	return q.processing != nil
}

// ProcessBatch dequeues up to BatchSize items and processes them concurrently.
// It returns the number of dequeued items.
func (q *Queue[T]) ProcessBatch(ctx context.Context, processor Processor[T]) int {
	return q.processBatch(ctx, processor)
}

func (q *Queue[T]) processBatch(ctx context.Context, processor Processor[T]) int {
	items := q.DequeueN(q.batchSize)
	if len(items) == 0 {
		return 0
	}

	// Stopping the processor must not interrupt items that are already dequeued.
	itemCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(len(items))
	for _, item := range items {
		go func(item *Item[T]) {
			defer wg.Done()
			q.processItem(itemCtx, processor, item)
		}(item)
	}
	wg.Wait()

	if q.store != nil {
		if err := q.Snapshot(itemCtx); err != nil {
			q.logger.Warn("failed to save queue snapshot", log.Error(err))
		}
	}
	return len(items)
}

func (q *Queue[T]) processItem(ctx context.Context, processor Processor[T], item *Item[T]) {
	defer func() {
		if p := recover(); p != nil {
			const logStackSize = 8192
			stack := make([]byte, logStackSize)
			stack = stack[:runtime.Stack(stack, false)]
			q.failed.Inc()
			q.metrics.IncProcessed(q.name, metricsResultPanicked)
			q.logger.Error(fmt.Sprintf("panic while processing queue item: %+v", p),
				log.String("item_id", item.ID), log.Bytes("stack", stack))
		}
	}()

	if err := processor(ctx, item); err != nil {
		q.failed.Inc()
		q.metrics.IncProcessed(q.name, metricsResultFailed)
		q.logger.Error("failed to process queue item", log.String("item_id", item.ID), log.Error(err))
		return
	}
	q.processed.Inc()
	q.metrics.IncProcessed(q.name, metricsResultSucceeded)
}

// ProcessingUnit runs the queue processor as a service.Unit.
// Start restores the snapshot (if a store is configured) and starts processing,
// graceful Stop waits for the in-flight batch and saves the snapshot.
type ProcessingUnit[T any] struct {
	queue     *Queue[T]
	processor Processor[T]
	metrics   *PrometheusMetrics
}

var _ service.Unit = (*ProcessingUnit[any])(nil)
var _ service.MetricsRegisterer = (*ProcessingUnit[any])(nil)

// NewProcessingUnit creates a new ProcessingUnit.
// If metrics is not nil, it is registered and unregistered together with the unit.
func NewProcessingUnit[T any](queue *Queue[T], processor Processor[T], metrics *PrometheusMetrics) *ProcessingUnit[T] {
	return &ProcessingUnit[T]{queue: queue, processor: processor, metrics: metrics}
}

// Start restores the snapshot and starts the processor. It does not block.
func (u *ProcessingUnit[T]) Start(fatalErr chan<- error) {
	if u.queue.store != nil {
		restored, err := u.queue.Restore(context.Background())
		if err != nil {
			u.queue.logger.Warn("failed to restore queue snapshot", log.Error(err))
		} else if restored > 0 {
			u.queue.logger.Info("queue snapshot restored", log.Int("items", restored))
		}
	}
	if !u.queue.StartProcessing(u.processor) {
		fatalErr <- fmt.Errorf("queue %q is already being processed", u.queue.name)
	}
}

// Stop stops the processor.
func (u *ProcessingUnit[T]) Stop(gracefully bool) error {
	u.queue.StopProcessing()
	if !gracefully || u.queue.store == nil {
		return nil
	}
	if err := u.queue.Snapshot(context.Background()); err != nil {
		u.queue.logger.Warn("failed to save queue snapshot", log.Error(err))
	}
	return nil
}

// MustRegisterMetrics registers the queue metrics.
func (u *ProcessingUnit[T]) MustRegisterMetrics() {
	if u.metrics != nil {
		u.metrics.MustRegister()
	}
}

// UnregisterMetrics unregisters the queue metrics.
func (u *ProcessingUnit[T]) UnregisterMetrics() {
	if u.metrics != nil {
		u.metrics.Unregister()
	}
}
