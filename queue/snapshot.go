/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrSnapshotDisabled is returned by Snapshot and Restore when the queue has no store.
var ErrSnapshotDisabled = errors.New("queue snapshot is disabled")

const snapshotVersion = 1

type snapshotData[T any] struct {
	Version int               `json:"version"`
	TakenAt time.Time         `json:"takenAt"`
	Items   []snapshotItem[T] `json:"items"`
}

type snapshotItem[T any] struct {
	ID         string    `json:"id"`
	Priority   int       `json:"priority"`
	Payload    T         `json:"payload"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	TimeoutMs  int64     `json:"timeoutMs"`
}

// Snapshot saves the pending items to the store as JSON.
// The snapshot key is deleted when the queue is empty.
// The payload type should be JSON serializable, unexported fields are not saved.
func (q *Queue[T]) Snapshot(ctx context.Context) error {
	if q.store == nil {
		return ErrSnapshotDisabled
	}
	items := q.Items()
	if len(items) == 0 {
		if _, err := q.store.Delete(ctx, q.snapshotKey); err != nil {
			return fmt.Errorf("delete queue snapshot: %w", err)
		}
		return nil
	}

	data := snapshotData[T]{Version: snapshotVersion, TakenAt: q.now(), Items: make([]snapshotItem[T], 0, len(items))}
	for i := range items {
		data.Items = append(data.Items, snapshotItem[T]{
			ID:         items[i].ID,
			Priority:   items[i].Priority,
			Payload:    items[i].Payload,
			EnqueuedAt: items[i].EnqueuedAt,
			TimeoutMs:  items[i].Timeout.Milliseconds(),
		})
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal queue snapshot: %w", err)
	}
	if err = q.store.Set(ctx, q.snapshotKey, string(raw), q.snapshotTTL); err != nil {
		return fmt.Errorf("save queue snapshot: %w", err)
	}
	return nil
}

// Restore loads the items saved by Snapshot and returns how many were added.
// Items that are already in the queue are skipped, items that do not fit are passed to OnFull.
// A malformed snapshot is deleted.
func (q *Queue[T]) Restore(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, ErrSnapshotDisabled
	}
	raw, found, err := q.store.Get(ctx, q.snapshotKey)
	if err != nil {
		return 0, fmt.Errorf("load queue snapshot: %w", err)
	}
	if !found {
		return 0, nil
	}

	var data snapshotData[T]
	if err = json.Unmarshal([]byte(raw), &data); err != nil || data.Version != snapshotVersion {
		if _, delErr := q.store.Delete(ctx, q.snapshotKey); delErr != nil {
			return 0, fmt.Errorf("delete malformed queue snapshot: %w", delErr)
		}
		if err == nil {
			err = fmt.Errorf("unsupported version %d", data.Version)
		}
		return 0, fmt.Errorf("malformed queue snapshot: %w", err)
	}

	present := make(map[string]struct{})
	for _, item := range q.Items() {
		present[item.ID] = struct{}{}
	}

	restored := 0
	for _, si := range data.Items {
		if _, ok := present[si.ID]; ok {
			continue
		}
		item := &Item[T]{
			ID:         si.ID,
			Priority:   si.Priority,
			Payload:    si.Payload,
			EnqueuedAt: si.EnqueuedAt,
			Timeout:    time.Duration(si.TimeoutMs) * time.Millisecond,
		}
		if !q.push(item) {
			q.rejected.Inc()
			q.metrics.IncRejected(q.name)
			if q.onFull != nil {
				q.onFull(item)
			}
			continue
		}
		restored++
	}
	return restored, nil
}
