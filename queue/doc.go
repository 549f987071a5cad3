/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package queue provides a bounded in-process priority queue for deferred admission.
//
// Items are ordered by priority (higher first) and by arrival for equal priorities.
// Expired items are purged lazily on reads and reported via the OnTimeout callback exactly once.
// A background processor drains the queue in batches and never runs two batches at the same time.
// When a store is configured, pending items may be persisted as a best-effort snapshot.
package queue
