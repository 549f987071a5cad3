/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"context"

	"github.com/acronis/go-ratelimiter/log"
	"github.com/acronis/go-ratelimiter/ratelimit"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyLogger
	ctxKeyRateLimitDecision
	ctxKeyLoggingParams
)

// NewContextWithRequestID creates a new context with request id.
func NewContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

// GetRequestIDFromContext extracts request id from the context.
func GetRequestIDFromContext(ctx context.Context) string {
	requestID, _ := ctx.Value(ctxKeyRequestID).(string)
	return requestID
}

// NewContextWithLogger creates a new context with logger.
func NewContextWithLogger(ctx context.Context, logger log.FieldLogger) context.Context {
	return context.WithValue(ctx, ctxKeyLogger, logger)
}

// GetLoggerFromContext extracts logger from the context.
func GetLoggerFromContext(ctx context.Context) log.FieldLogger {
	value := ctx.Value(ctxKeyLogger)
	if value == nil {
		return nil
	}
	return value.(log.FieldLogger)
}

func getLoggerFromContextOrDisabled(ctx context.Context) log.FieldLogger {
	if logger := GetLoggerFromContext(ctx); logger != nil {
		return logger
	}
	return log.NewDisabledLogger()
}

// NewContextWithRateLimitDecision creates a new context with the decision of the RateLimit middleware.
func NewContextWithRateLimitDecision(ctx context.Context, decision *ratelimit.Decision) context.Context {
	return context.WithValue(ctx, ctxKeyRateLimitDecision, decision)
}

// GetRateLimitDecisionFromContext extracts the decision of the RateLimit middleware from the context.
// Nil is returned if the request has not passed through the middleware.
func GetRateLimitDecisionFromContext(ctx context.Context) *ratelimit.Decision {
	decision, _ := ctx.Value(ctxKeyRateLimitDecision).(*ratelimit.Decision)
	return decision
}

// NewContextWithLoggingParams creates a new context with logging params.
func NewContextWithLoggingParams(ctx context.Context, lp *LoggingParams) context.Context {
	return context.WithValue(ctx, ctxKeyLoggingParams, lp)
}

// GetLoggingParamsFromContext extracts logging params from the context.
func GetLoggingParamsFromContext(ctx context.Context) *LoggingParams {
	lp, _ := ctx.Value(ctxKeyLoggingParams).(*LoggingParams)
	return lp
}
