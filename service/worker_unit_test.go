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
)

func TestWorkerUnit_StartStop(t *testing.T) {
	t.Run("stop non-gracefully", func(t *testing.T) {
		var calls atomic.Int32
		pw := NewPeriodicWorker(WorkerFunc(func(ctx context.Context) error {
			calls.Inc()
			return nil
		}), 20*time.Millisecond, nil)

		unit := NewWorkerUnit(pw)
		fatalErr := make(chan error, 1)
		started := make(chan struct{})
		go func() {
			close(started)
			unit.Start(fatalErr)
		}()
		<-started
		require.NoError(t, waitTrue(func() bool { return calls.Load() >= 2 }, 3*time.Second))
		require.NoError(t, unit.Stop(false))
		require.Empty(t, fatalErr)
	})

	t.Run("stop gracefully waits for worker", func(t *testing.T) {
		var finished atomic.Bool
		inWork := make(chan struct{})
		unit := NewWorkerUnit(WorkerFunc(func(ctx context.Context) error {
			close(inWork)
			time.Sleep(100 * time.Millisecond)
			finished.Store(true)
			return nil
		}))
		go unit.Start(make(chan error, 1))
		<-inWork
		require.NoError(t, unit.Stop(true))
		require.True(t, finished.Load())
	})

	t.Run("stop gracefully with timeout", func(t *testing.T) {
		inWork := make(chan struct{})
		unit := NewWorkerUnitWithOpts(WorkerFunc(func(ctx context.Context) error {
			close(inWork)
			time.Sleep(2 * time.Second)
			return nil
		}), WorkerUnitOpts{GracefulStopTimeout: 50 * time.Millisecond})
		go unit.Start(make(chan error, 1))
		<-inWork
		require.ErrorIs(t, unit.Stop(true), ErrWorkerUnitStopTimeoutExceeded)
	})

	t.Run("stop non-gracefully does not wait for busy worker", func(t *testing.T) {
		inWork := make(chan struct{})
		release := make(chan struct{})
		unit := NewWorkerUnit(WorkerFunc(func(ctx context.Context) error {
			close(inWork)
			<-release
			return nil
		}))
		defer close(release)
		go unit.Start(make(chan error, 1))
		<-inWork

		stopped := make(chan error, 1)
		go func() { stopped <- unit.Stop(false) }()
		select {
		case err := <-stopped:
			require.NoError(t, err)
		case <-time.After(time.Second):
			require.Fail(t, "Stop(false) is blocked by the running worker")
		}
	})

	t.Run("start after stop does not run worker", func(t *testing.T) {
		var calls atomic.Int32
		unit := NewWorkerUnit(WorkerFunc(func(ctx context.Context) error {
			calls.Inc()
			return nil
		}))
		require.NoError(t, unit.Stop(true))
		unit.Start(make(chan error, 1))
		require.Equal(t, int32(0), calls.Load())
	})

	t.Run("worker error is fatal", func(t *testing.T) {
		workerErr := errors.New("redis is unreachable")
		unit := NewWorkerUnit(WorkerFunc(func(ctx context.Context) error {
			return workerErr
		}))
		fatalErr := make(chan error, 1)
		unit.Start(fatalErr)
		require.ErrorIs(t, <-fatalErr, workerErr)
	})

	t.Run("stop without start", func(t *testing.T) {
		unit := NewWorkerUnit(WorkerFunc(func(ctx context.Context) error { return nil }))
		require.NoError(t, unit.Stop(true))
	})
}
