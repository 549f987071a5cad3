/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/acronis/go-ratelimiter/log"
	"github.com/acronis/go-ratelimiter/ratelimit"
	"github.com/acronis/go-ratelimiter/restapi"
)

// Response headers set by the RateLimit middleware.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// DefaultRateLimitMessage is used in the rejection payload when the rule has no message.
const DefaultRateLimitMessage = "Rate limit exceeded, please retry later."

// RateLimitUnavailableMessage is used in the rejection payload when the request is rejected
// because the limiter is unavailable (fail-closed) or the deferred request was not admitted in time.
const RateLimitUnavailableMessage = "Service is temporarily unavailable, please retry later."

// RateLimitRejection is the JSON payload of a rejected request.
type RateLimitRejection struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	// RetryAfter is the number of seconds the client should wait before retrying.
	RetryAfter int64 `json:"retryAfter"`
	Limit      int64 `json:"limit"`
	Remaining  int64 `json:"remaining"`
	// Reset is the unix time (in seconds) the limit is restored.
	Reset int64 `json:"reset"`
}

// RateLimitParams contains data that relates to the rate limiting procedure
// and could be used for rejecting or handling an occurred error.
type RateLimitParams struct {
	Rule               ratelimit.Rule
	Decision           ratelimit.Decision
	ResponseStatusCode int
	ErrDomain          string
	// Deferred is true if the request waited in the deferral queue.
	Deferred bool
	// DeferErr explains why the deferred request was not admitted.
	DeferErr error
}

// RateLimitCostCalculator returns the number of units the request consumes. Non-positive value means the rule cost.
type RateLimitCostCalculator func(r *http.Request, rlCtx *ratelimit.Context) int64

// RateLimitPriorityFunc returns the priority of the request in the deferral queue (higher is served first).
type RateLimitPriorityFunc func(r *http.Request, rlCtx *ratelimit.Context, rule ratelimit.Rule) int

// RateLimitOnRejectFunc is a function that is called for rejecting HTTP request when the rate limit is exceeded.
type RateLimitOnRejectFunc func(rw http.ResponseWriter, r *http.Request, params RateLimitParams, logger log.FieldLogger)

// RateLimitOnErrorFunc is a function that is called when the limiter returns an error.
type RateLimitOnErrorFunc func(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, err error, next http.Handler, logger log.FieldLogger)

// RateLimitOpts represents an options for the RateLimit middleware.
type RateLimitOpts struct {
	ContextExtractor RateLimitContextExtractor
	CostCalculator   RateLimitCostCalculator
	// SignalsExtractor supplies the signals for adaptive rules. Adaptive rules use their base limit if nil.
	SignalsExtractor RateLimitSignalsExtractor

	// RejectionStatusCode is used when the rate limit is exceeded. Default is 429.
	RejectionStatusCode int
	// UnavailableStatusCode is used when the limiter fails closed or the deferred request is not admitted. Default is 503.
	UnavailableStatusCode int
	// ExcludeHeaders disables X-RateLimit-* response headers.
	ExcludeHeaders bool
	ErrDomain      string

	// Deferral enables deferred admission for rules with the Defer flag.
	Deferral     *RateLimitDeferral
	DeferTimeout time.Duration
	PriorityFunc RateLimitPriorityFunc

	OnReject RateLimitOnRejectFunc
	OnError  RateLimitOnErrorFunc
}

type rateLimitHandler struct {
	next    http.Handler
	limiter *ratelimit.Limiter
	rule    ratelimit.Rule
	opts    RateLimitOpts
}

// RateLimit is a middleware that limits the rate of HTTP requests with the named rule of the limiter.
func RateLimit(limiter *ratelimit.Limiter, ruleName string, opts RateLimitOpts) (func(next http.Handler) http.Handler, error) {
	rule, ok := limiter.Rule(ruleName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ratelimit.ErrRuleNotFound, ruleName)
	}
	if opts.ContextExtractor == nil {
		opts.ContextExtractor = DefaultRateLimitContextExtractor
	}
	if opts.RejectionStatusCode == 0 {
		opts.RejectionStatusCode = http.StatusTooManyRequests
	}
	if opts.UnavailableStatusCode == 0 {
		opts.UnavailableStatusCode = http.StatusServiceUnavailable
	}
	if opts.PriorityFunc == nil {
		opts.PriorityFunc = DefaultRateLimitPriority
	}
	if opts.OnReject == nil {
		opts.OnReject = DefaultRateLimitOnReject
	}
	if opts.OnError == nil {
		opts.OnError = DefaultRateLimitOnError
	}
	return func(next http.Handler) http.Handler {
		return &rateLimitHandler{next: next, limiter: limiter, rule: rule, opts: opts}
	}, nil
}

// MustRateLimit is a version of RateLimit that panics if an error occurs.
func MustRateLimit(limiter *ratelimit.Limiter, ruleName string, opts RateLimitOpts) func(next http.Handler) http.Handler {
	mw, err := RateLimit(limiter, ruleName, opts)
	if err != nil {
		panic(err)
	}
	return mw
}

func (h *rateLimitHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := getLoggerFromContextOrDisabled(ctx)
	params := RateLimitParams{Rule: h.rule, ErrDomain: h.opts.ErrDomain, ResponseStatusCode: h.opts.RejectionStatusCode}

	rlCtx := h.opts.ContextExtractor(r)
	var cost int64
	if h.opts.CostCalculator != nil {
		cost = h.opts.CostCalculator(r, rlCtx)
	}
	if h.opts.SignalsExtractor != nil {
		if sig, ok := h.opts.SignalsExtractor(r); ok {
			ctx = ratelimit.NewContextWithSignals(ctx, sig)
		}
	}

	decision, err := h.limiter.Consume(ctx, h.rule.Name, rlCtx, cost)
	if err != nil {
		h.opts.OnError(rw, r, params, fmt.Errorf("rate limit: %w", err), h.next, logger)
		return
	}

	if !decision.Allowed && !decision.FailedClosed && h.rule.Defer && h.opts.Deferral != nil {
		params.Deferred = true
		deferredDecision, deferErr := h.opts.Deferral.Wait(ctx, h.rule.Name, rlCtx, decision.Key,
			cost, h.opts.PriorityFunc(r, rlCtx, h.rule), h.opts.DeferTimeout)
		switch {
		case deferErr == nil:
			decision = deferredDecision
		case errors.Is(deferErr, ErrRateLimitDeferTimeout), errors.Is(deferErr, ErrRateLimitDeferQueueFull):
			params.DeferErr = deferErr
			params.ResponseStatusCode = h.opts.UnavailableStatusCode
		case ctx.Err() != nil:
			logger.Debug("client gone while waiting in the rate limit deferral queue", log.Rule(h.rule.Name))
			return
		default:
			h.opts.OnError(rw, r, params, fmt.Errorf("deferred rate limit: %w", deferErr), h.next, logger)
			return
		}
	}

	params.Decision = decision
	if lp := GetLoggingParamsFromContext(ctx); lp != nil {
		lp.ExtendFields(rateLimitDecisionLogFields(&decision)...)
	}
	if !decision.Skipped && !decision.FailedOpen && !h.opts.ExcludeHeaders {
		setRateLimitHeaders(rw, decision.Result)
	}

	if decision.FailedClosed {
		params.ResponseStatusCode = h.opts.UnavailableStatusCode
	}
	if !decision.Allowed {
		h.opts.OnReject(rw, r, params, logger.With(log.Rule(h.rule.Name), log.Key(decision.Key)))
		return
	}
	h.next.ServeHTTP(rw, r.WithContext(NewContextWithRateLimitDecision(ctx, &decision)))
}

func setRateLimitHeaders(rw http.ResponseWriter, res ratelimit.Result) {
	rw.Header().Set(HeaderRateLimitLimit, strconv.FormatInt(res.Limit, 10))
	rw.Header().Set(HeaderRateLimitRemaining, strconv.FormatInt(max(res.Remaining, 0), 10))
	rw.Header().Set(HeaderRateLimitReset, strconv.FormatInt(unixSecondsCeil(res.Reset), 10))
}

func rateLimitDecisionLogFields(decision *ratelimit.Decision) []log.Field {
	fields := []log.Field{
		log.Rule(decision.Rule),
		log.Bool("rate_limit_allowed", decision.Allowed),
		log.Int64("rate_limit_remaining", decision.Remaining),
	}
	switch {
	case decision.Skipped:
		fields = append(fields, log.Bool("rate_limit_skipped", true))
	case decision.FailedOpen:
		fields = append(fields, log.Bool("rate_limit_failed_open", true))
	case decision.FailedClosed:
		fields = append(fields, log.Bool("rate_limit_failed_closed", true))
	case decision.Fallback:
		fields = append(fields, log.Bool("rate_limit_fallback", true))
	}
	return fields
}

// DefaultRateLimitPriority returns the priority of the rule.
func DefaultRateLimitPriority(_ *http.Request, _ *ratelimit.Context, rule ratelimit.Rule) int {
	return rule.Priority
}

// NewRateLimitRejection builds the rejection payload for the params.
func NewRateLimitRejection(params RateLimitParams) RateLimitRejection {
	res := params.Decision.Result
	message := params.Rule.Message
	if message == "" {
		message = DefaultRateLimitMessage
	}
	if params.ResponseStatusCode == http.StatusServiceUnavailable {
		message = RateLimitUnavailableMessage
	}
	return RateLimitRejection{
		Error:      http.StatusText(params.ResponseStatusCode),
		Message:    message,
		RetryAfter: retryAfterSeconds(params),
		Limit:      res.Limit,
		Remaining:  max(res.Remaining, 0),
		Reset:      unixSecondsCeil(res.Reset),
	}
}

// DefaultRateLimitOnReject responds with the rejection payload and the Retry-After header.
func DefaultRateLimitOnReject(rw http.ResponseWriter, r *http.Request, params RateLimitParams, logger log.FieldLogger) {
	rejection := NewRateLimitRejection(params)
	logger.Info("request is rejected by rate limit",
		log.Int("status", params.ResponseStatusCode),
		log.Int64("retry_after_sec", rejection.RetryAfter),
		log.String(userAgentLogFieldKey, r.UserAgent()),
	)
	rw.Header().Set(HeaderRetryAfter, strconv.FormatInt(rejection.RetryAfter, 10))
	restapi.RespondCodeAndJSON(rw, params.ResponseStatusCode, rejection, logger)
}

// DefaultRateLimitOnError logs the error and passes the request through.
// Store failures never get here, they are handled by the failure policy of the limiter.
func DefaultRateLimitOnError(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, err error, next http.Handler, logger log.FieldLogger,
) {
	if r.Context().Err() != nil {
		return
	}
	logger.Error("rate limiting failed, request is passed through", log.Rule(params.Rule.Name), log.Error(err))
	next.ServeHTTP(rw, r)
}

func retryAfterSeconds(params RateLimitParams) int64 {
	retryAfter := params.Decision.RetryAfter
	if params.DeferErr != nil && retryAfter == 0 {
		retryAfter = time.Until(params.Decision.Reset)
	}
	return max(int64(math.Ceil(retryAfter.Seconds())), 1)
}

func unixSecondsCeil(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	ms := t.UnixMilli()
	return (ms + 999) / 1000
}
