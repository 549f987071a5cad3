/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/acronis/go-ratelimiter/log"
	"github.com/acronis/go-ratelimiter/log/logtest"
)

func runPeriodicWorker(ctx context.Context, pw *PeriodicWorker) error {
	runErr := make(chan error, 1)
	go func() {
		runErr <- pw.Run(ctx)
	}()
	return <-runErr
}

func TestPeriodicWorker_Run(t *testing.T) {
	t.Run("stop by context", func(t *testing.T) {
		var calls atomic.Int32
		pw := NewPeriodicWorker(WorkerFunc(func(ctx context.Context) error {
			calls.Inc()
			return nil
		}), 50*time.Millisecond, log.NewDisabledLogger())

		ctx, cancel := context.WithTimeout(context.Background(), 275*time.Millisecond)
		defer cancel()
		require.NoError(t, runPeriodicWorker(ctx, pw))
		require.GreaterOrEqual(t, calls.Load(), int32(5))
		require.LessOrEqual(t, calls.Load(), int32(7))
	})

	t.Run("stop by worker", func(t *testing.T) {
		var calls atomic.Int32
		pw := NewPeriodicWorker(WorkerFunc(func(ctx context.Context) error {
			if calls.Inc() == 3 {
				return ErrPeriodicWorkerStop
			}
			return nil
		}), 10*time.Millisecond, nil)

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		require.NoError(t, runPeriodicWorker(ctx, pw))
		require.Equal(t, int32(3), calls.Load())
		require.NoError(t, ctx.Err())
	})

	t.Run("initial delay", func(t *testing.T) {
		var calls atomic.Int32
		pw := NewPeriodicWorkerWithOpts(WorkerFunc(func(ctx context.Context) error {
			calls.Inc()
			return nil
		}), time.Minute, nil, PeriodicWorkerOpts{InitialDelay: time.Minute})

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		require.NoError(t, runPeriodicWorker(ctx, pw))
		require.Zero(t, calls.Load())
	})

	t.Run("interval depends on error", func(t *testing.T) {
		var calls atomic.Int32
		logRecorder := logtest.NewRecorder()
		pw := NewPeriodicWorkerWithOpts(WorkerFunc(func(ctx context.Context) error {
			if calls.Inc() == 1 {
				return errors.New("store is unavailable")
			}
			return ErrPeriodicWorkerStop
		}), time.Minute, logRecorder, PeriodicWorkerOpts{
			Name: "store-health",
			IntervalDelayFunc: func(worker Worker, err error) time.Duration {
				if err != nil {
					return 10 * time.Millisecond
				}
				return time.Minute
			},
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, runPeriodicWorker(ctx, pw))
		require.Equal(t, int32(2), calls.Load())

		entry, found := logRecorder.FindEntry("periodically running worker finished with error")
		require.True(t, found)
		field, found := entry.FindField("worker")
		require.True(t, found)
		require.Equal(t, "store-health", string(field.Bytes))
	})

	t.Run("runs never overlap", func(t *testing.T) {
		var running, overlaps, calls atomic.Int32
		pw := NewPeriodicWorker(WorkerFunc(func(ctx context.Context) error {
			if running.Inc() > 1 {
				overlaps.Inc()
			}
			time.Sleep(20 * time.Millisecond)
			running.Dec()
			if calls.Inc() == 5 {
				return ErrPeriodicWorkerStop
			}
			return nil
		}), time.Millisecond, nil)

		require.NoError(t, runPeriodicWorker(context.Background(), pw))
		require.Zero(t, overlaps.Load())
	})
}
