/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-ratelimiter/log"
	"github.com/acronis/go-ratelimiter/log/logtest"
	"github.com/acronis/go-ratelimiter/ratelimit"
)

func TestContext(t *testing.T) {
	ctx := context.Background()
	require.Empty(t, GetRequestIDFromContext(ctx))
	require.Nil(t, GetLoggerFromContext(ctx))
	require.Nil(t, GetRateLimitDecisionFromContext(ctx))
	require.Nil(t, GetLoggingParamsFromContext(ctx))
	require.NotNil(t, getLoggerFromContextOrDisabled(ctx))

	ctx = NewContextWithRequestID(ctx, "req-1")
	require.Equal(t, "req-1", GetRequestIDFromContext(ctx))

	logger := logtest.NewRecorder()
	ctx = NewContextWithLogger(ctx, logger)
	require.Equal(t, log.FieldLogger(logger), GetLoggerFromContext(ctx))
	require.Equal(t, log.FieldLogger(logger), getLoggerFromContextOrDisabled(ctx))

	decision := &ratelimit.Decision{Rule: "api", Key: "ip:1"}
	ctx = NewContextWithRateLimitDecision(ctx, decision)
	require.Same(t, decision, GetRateLimitDecisionFromContext(ctx))

	lp := &LoggingParams{}
	ctx = NewContextWithLoggingParams(ctx, lp)
	require.Same(t, lp, GetLoggingParamsFromContext(ctx))
}
