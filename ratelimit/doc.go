/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit provides admission control on top of a pluggable state store.
//
// It contains the rate limiting algorithms (fixed window, sliding window, token bucket, leaky bucket,
// adaptive and in-process GCRA), the key builder that turns request attributes into bucket keys,
// the declarative rules and the Limiter that evaluates a rule for a request and applies the configured
// failure policy when the store is unavailable.
package ratelimit
