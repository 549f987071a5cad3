/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"time"

	"github.com/spf13/cast"

	"github.com/acronis/go-ratelimiter/ratelimit"
)

// RateLimitSignalsExtractor returns the adaptive signals of the request.
// ok is false when the request carries no signals, adaptive rules use their base limit then.
type RateLimitSignalsExtractor func(r *http.Request) (sig ratelimit.Signals, ok bool)

// RateLimitSignalsHeaders contains names of the request headers the adaptive signals are read from.
type RateLimitSignalsHeaders struct {
	// ServerLoad is a fraction in [0, 1].
	ServerLoad string
	// ErrorRate is a fraction in [0, 1].
	ErrorRate string
	// AvgResponseTime is a number of milliseconds.
	AvgResponseTime string
	UserErrorCount  string
}

// DefaultRateLimitSignalsHeaders are the header names used by DefaultRateLimitSignalsExtractor.
var DefaultRateLimitSignalsHeaders = RateLimitSignalsHeaders{
	ServerLoad:      "X-Server-Load",
	ErrorRate:       "X-Error-Rate",
	AvgResponseTime: "X-Avg-Response-Time",
	UserErrorCount:  "X-User-Error-Count",
}

// DefaultRateLimitSignalsExtractor reads the signals from DefaultRateLimitSignalsHeaders.
var DefaultRateLimitSignalsExtractor = NewRateLimitSignalsExtractor(DefaultRateLimitSignalsHeaders)

// NewRateLimitSignalsExtractor creates an extractor that reads the adaptive signals from the given headers.
// Headers with malformed values are ignored. The request has signals if at least one header is valid.
func NewRateLimitSignalsExtractor(headers RateLimitSignalsHeaders) RateLimitSignalsExtractor {
	return func(r *http.Request) (ratelimit.Signals, bool) {
		var sig ratelimit.Signals
		found := false
		if v, ok := headerFloat(r, headers.ServerLoad); ok {
			sig.ServerLoad, found = v, true
		}
		if v, ok := headerFloat(r, headers.ErrorRate); ok {
			sig.ErrorRate, found = v, true
		}
		if v, ok := headerFloat(r, headers.AvgResponseTime); ok && v >= 0 {
			sig.AvgResponseTime, found = time.Duration(v*float64(time.Millisecond)), true
		}
		if v, ok := headerFloat(r, headers.UserErrorCount); ok && v >= 0 {
			sig.UserErrorCount, found = int64(v), true
		}
		return sig, found
	}
}

func headerFloat(r *http.Request, name string) (float64, bool) {
	raw := headerValue(r, name)
	if raw == "" {
		return 0, false
	}
	v, err := cast.ToFloat64E(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
