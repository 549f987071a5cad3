/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/acronis/go-ratelimiter/log"
	"github.com/acronis/go-ratelimiter/queue"
	"github.com/acronis/go-ratelimiter/ratelimit"
)

// DefaultRateLimitDeferTimeout is the default time a rejected request may wait in the deferral queue.
const DefaultRateLimitDeferTimeout = 5 * time.Second

// Errors of the deferred admission. They are passed to the OnReject handler via RateLimitParams.DeferErr.
var (
	ErrRateLimitDeferQueueFull = errors.New("rate limit deferral queue is full")
	ErrRateLimitDeferTimeout   = errors.New("rate limit deferral timeout exceeded")
)

// DeferredRequest is a rejected request waiting in the deferral queue for a retry of the rate limit.
// Only the rule, the key and the cost are persisted in queue snapshots.
type DeferredRequest struct {
	Rule string `json:"rule"`
	Key  string `json:"key"`
	Cost int64  `json:"cost"`

	rlCtx     *ratelimit.Context
	signals   *ratelimit.Signals
	result    chan deferralResult
	completed atomic.Bool
}

type deferralResult struct {
	decision ratelimit.Decision
	err      error
}

// complete delivers the first result to the waiting request, the following ones are dropped.
func (dr *DeferredRequest) complete(res deferralResult) bool {
	if dr == nil || dr.result == nil || !dr.completed.CompareAndSwap(false, true) {
		return false
	}
	dr.result <- res
	return true
}

// RateLimitDeferral admits requests rejected by deferrable rules later, when the limit allows.
// Requests wait in a priority queue, the queue processor consumes the limit for them again in batches.
// A request that is still rejected goes back to the queue until its timeout expires.
type RateLimitDeferral struct {
	limiter *ratelimit.Limiter
	queue   *queue.Queue[*DeferredRequest]
	logger  log.FieldLogger
}

// NewRateLimitDeferral creates a new RateLimitDeferral.
// OnFull and OnTimeout callbacks of the options are called after the waiting request is notified.
func NewRateLimitDeferral(limiter *ratelimit.Limiter, opts queue.Opts[*DeferredRequest]) (*RateLimitDeferral, error) {
	if opts.Name == "" {
		opts.Name = "rate-limit-deferral"
	}
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = DefaultRateLimitDeferTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	onFull, onTimeout := opts.OnFull, opts.OnTimeout
	opts.OnFull = func(item *queue.Item[*DeferredRequest]) {
		item.Payload.complete(deferralResult{err: ErrRateLimitDeferQueueFull})
		if onFull != nil {
			onFull(item)
		}
	}
	opts.OnTimeout = func(item *queue.Item[*DeferredRequest]) {
		item.Payload.complete(deferralResult{err: ErrRateLimitDeferTimeout})
		if onTimeout != nil {
			onTimeout(item)
		}
	}
	q, err := queue.New(opts)
	if err != nil {
		return nil, fmt.Errorf("new deferral queue: %w", err)
	}
	return &RateLimitDeferral{limiter: limiter, queue: q, logger: opts.Logger}, nil
}

// Queue returns the underlying priority queue.
func (d *RateLimitDeferral) Queue() *queue.Queue[*DeferredRequest] {
	return d.queue
}

// NewProcessingUnit returns the service unit that runs the deferral queue processor.
func (d *RateLimitDeferral) NewProcessingUnit(metrics *queue.PrometheusMetrics) *queue.ProcessingUnit[*DeferredRequest] {
	return queue.NewProcessingUnit(d.queue, d.Process, metrics)
}

// Process consumes the limit for the deferred request again.
// Admitted requests (and limiter errors) are delivered to the waiting request,
// rejected ones are put back to the queue.
// If the waiter times out or goes away while the limit is being consumed,
// the consumed units are not returned to the limit.
func (d *RateLimitDeferral) Process(ctx context.Context, item *queue.Item[*DeferredRequest]) error {
	dr := item.Payload
	if dr == nil || dr.result == nil {
		// Restored from a snapshot, nobody is waiting for it anymore.
		d.logger.Debug("dropping orphaned deferred request", log.Rule(item.Payload.ruleName()), log.String("item_id", item.ID))
		return nil
	}
	if dr.completed.Load() {
		return nil
	}

	if dr.signals != nil {
		ctx = ratelimit.NewContextWithSignals(ctx, *dr.signals)
	}
	decision, err := d.limiter.Consume(ctx, dr.Rule, dr.rlCtx, dr.Cost)
	if err != nil {
		dr.complete(deferralResult{err: err})
		return fmt.Errorf("consume rate limit for deferred request: %w", err)
	}
	if decision.Allowed || decision.FailedClosed {
		if !dr.complete(deferralResult{decision: decision}) && decision.Allowed {
			d.logger.Debug("deferred request is admitted after its waiter has gone, consumed units are lost",
				log.Rule(dr.Rule), log.Key(dr.Key), log.Int64("cost", dr.Cost), log.String("item_id", item.ID))
		}
		return nil
	}
	if !d.queue.Requeue(item) {
		dr.complete(deferralResult{decision: decision, err: ErrRateLimitDeferQueueFull})
	}
	return nil
}

// Wait puts the rejected request into the queue and blocks until it is admitted, times out or ctx is done.
// Adaptive signals of ctx are used for the following consumptions of the limit.
func (d *RateLimitDeferral) Wait(
	ctx context.Context, rule string, rlCtx *ratelimit.Context, key string, cost int64, priority int, timeout time.Duration,
) (ratelimit.Decision, error) {
	dr := &DeferredRequest{Rule: rule, Key: key, Cost: cost, rlCtx: rlCtx, result: make(chan deferralResult, 1)}
	if sig, ok := ratelimit.SignalsFromContext(ctx); ok {
		dr.signals = &sig
	}
	item, ok := d.queue.Enqueue(dr, priority, timeout)
	if !ok {
		res := <-dr.result
		return res.decision, res.err
	}

	var timeoutC <-chan time.Time
	if item.Timeout > 0 {
		timer := time.NewTimer(item.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	select {
	case res := <-dr.result:
		return res.decision, res.err
	case <-timeoutC:
		// Expired items are purged by the queue lazily, so the waiter does not rely on it.
		dr.complete(deferralResult{err: ErrRateLimitDeferTimeout})
	case <-ctx.Done():
		dr.complete(deferralResult{err: ctx.Err()})
	}
	d.queue.Remove(item.ID)
	res := <-dr.result
	return res.decision, res.err
}

func (dr *DeferredRequest) ruleName() string {
	if dr == nil {
		return ""
	}
	return dr.Rule
}
