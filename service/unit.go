/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package service provides the lifecycle primitives the rate limiter components run on:
// units that can be started and stopped, their composition, periodic single-flight workers
// and a service that stops everything on OS signals.
package service

// Unit is a component with its own lifecycle (HTTP server, deferral queue processor, store health monitor).
type Unit interface {
	// Start runs the unit. It may return right after initialization or block for the unit's lifetime.
	// A failure is reported by writing to fatalErr once, the channel is not used after Start returns.
	Start(fatalErr chan<- error)
	// Stop halts the unit. It may be called even if Start failed or was never called.
	// With gracefully set, the unit waits for the work in progress to complete.
	Stop(gracefully bool) error
}

// MetricsRegisterer is implemented by units that own Prometheus metrics.
type MetricsRegisterer interface {
	MustRegisterMetrics()
	UnregisterMetrics()
}
