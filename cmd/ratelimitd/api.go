/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cast"

	"github.com/acronis/go-ratelimiter/httpserver/middleware"
	"github.com/acronis/go-ratelimiter/log"
	"github.com/acronis/go-ratelimiter/ratelimit"
	"github.com/acronis/go-ratelimiter/restapi"
)

// Request headers recognized by the API in addition to the identity headers of the rate limiting context.
const (
	headerOriginalURI       = "X-Original-URI"
	headerOriginalMethod    = "X-Original-Method"
	headerRateLimitCost     = "X-RateLimit-Cost"
	headerRateLimitPriority = "X-RateLimit-Priority"
)

const urlParamRule = "rule"

const errMessageRuleNotFound = "Rate limiting rule not found."

type ruleResponse struct {
	Name       string   `json:"name"`
	Algorithm  string   `json:"algorithm"`
	Limit      int64    `json:"limit"`
	Window     string   `json:"window"`
	BurstLimit int64    `json:"burstLimit,omitempty"`
	Scopes     []string `json:"scopes"`
	Cost       int64    `json:"cost"`
	Priority   int      `json:"priority"`
	Defer      bool     `json:"defer"`
	Message    string   `json:"message,omitempty"`
}

type decisionResponse struct {
	Rule      string `json:"rule"`
	Allowed   bool   `json:"allowed"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
	Current   int64  `json:"current"`
	// Reset is the unix time in milliseconds.
	Reset        int64 `json:"reset"`
	RetryAfterMs int64 `json:"retryAfterMs"`
	Skipped      bool  `json:"skipped,omitempty"`
	FailedOpen   bool  `json:"failedOpen,omitempty"`
	FailedClosed bool  `json:"failedClosed,omitempty"`
	Fallback     bool  `json:"fallback,omitempty"`
}

type adaptiveStatsResponse struct {
	Requests       int64      `json:"requests"`
	Errors         int64      `json:"errors"`
	LastAdjustment *time.Time `json:"lastAdjustment,omitempty"`
}

type deferralStatsResponse struct {
	Size      int   `json:"size"`
	Enqueued  int64 `json:"enqueued"`
	Rejected  int64 `json:"rejected"`
	TimedOut  int64 `json:"timedOut"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

func newRuleResponse(rule ratelimit.Rule) ruleResponse {
	scopes := make([]string, 0, len(rule.Scopes))
	for _, scope := range rule.Scopes {
		scopes = append(scopes, string(scope))
	}
	return ruleResponse{
		Name:       rule.Name,
		Algorithm:  string(rule.AlgorithmType()),
		Limit:      rule.Limit,
		Window:     rule.Window.String(),
		BurstLimit: rule.BurstLimit,
		Scopes:     scopes,
		Cost:       rule.DefaultCost(),
		Priority:   rule.Priority,
		Defer:      rule.Defer,
		Message:    rule.Message,
	}
}

func newDecisionResponse(d *ratelimit.Decision) decisionResponse {
	resp := decisionResponse{
		Rule:         d.Rule,
		Allowed:      d.Allowed,
		Limit:        d.Limit,
		Remaining:    max(d.Remaining, 0),
		Current:      d.Current,
		RetryAfterMs: d.RetryAfter.Milliseconds(),
		Skipped:      d.Skipped,
		FailedOpen:   d.FailedOpen,
		FailedClosed: d.FailedClosed,
		Fallback:     d.Fallback,
	}
	if !d.Reset.IsZero() {
		resp.Reset = d.Reset.UnixMilli()
	}
	return resp
}

// extractRateLimitContext builds the rate limiting context of the request.
// When the service is used as an external authorization endpoint of a proxy,
// the endpoint and the method of the original request come from X-Original-URI and X-Original-Method.
func extractRateLimitContext(r *http.Request) *ratelimit.Context {
	rlCtx := middleware.DefaultRateLimitContextExtractor(r)
	if uri := strings.TrimSpace(r.Header.Get(headerOriginalURI)); uri != "" {
		path, _, _ := strings.Cut(uri, "?")
		rlCtx.Endpoint = path
	}
	if method := strings.TrimSpace(r.Header.Get(headerOriginalMethod)); method != "" {
		rlCtx.Method = strings.ToUpper(method)
	}
	return rlCtx
}

// contextWithSignals returns the request context carrying the adaptive signals of the request, if any.
func contextWithSignals(r *http.Request) context.Context {
	if sig, ok := middleware.DefaultRateLimitSignalsExtractor(r); ok {
		return ratelimit.NewContextWithSignals(r.Context(), sig)
	}
	return r.Context()
}

func rateLimitCostFromHeader(r *http.Request, _ *ratelimit.Context) int64 {
	cost, err := cast.ToInt64E(r.Header.Get(headerRateLimitCost))
	if err != nil {
		return 0
	}
	return cost
}

func rateLimitPriorityFromHeader(r *http.Request, _ *ratelimit.Context, rule ratelimit.Rule) int {
	if value := r.Header.Get(headerRateLimitPriority); value != "" {
		if priority, err := cast.ToIntE(value); err == nil {
			return priority
		}
	}
	return rule.Priority
}

// originalRequestRoute returns the path and the method of the request proxied to the dispatching endpoint.
func originalRequestRoute(r *http.Request) (string, string) {
	urlPath, method := r.URL.Path, r.Method
	if uri := strings.TrimSpace(r.Header.Get(headerOriginalURI)); uri != "" {
		urlPath, _, _ = strings.Cut(uri, "?")
	}
	if m := strings.TrimSpace(r.Header.Get(headerOriginalMethod)); m != "" {
		method = m
	}
	return urlPath, method
}

func (a *app) rateLimitOpts() middleware.RateLimitOpts {
	return middleware.RateLimitOpts{
		ContextExtractor: extractRateLimitContext,
		CostCalculator:   rateLimitCostFromHeader,
		SignalsExtractor: middleware.DefaultRateLimitSignalsExtractor,
		ErrDomain:        a.errDomain,
		Deferral:         a.deferral,
		DeferTimeout:     a.deferTimeout,
		PriorityFunc:     rateLimitPriorityFromHeader,
	}
}

func (a *app) apiRoutes(router chi.Router) {
	admitHandlers := make(map[string]http.Handler)
	for _, rule := range a.limiter.Rules() {
		mw := middleware.MustRateLimit(a.limiter, rule.Name, a.rateLimitOpts())
		admitHandlers[rule.Name] = mw(http.HandlerFunc(a.respondAdmitted))
	}

	router.Get("/rules", a.listRules)
	router.Route("/rules/{"+urlParamRule+"}", func(r chi.Router) {
		r.Get("/", a.getRule)
		r.Get("/status", a.getRuleStatus)
		r.Delete("/counters", a.resetRuleCounters)
		r.Post("/outcomes", a.recordRuleOutcome)
		r.Get("/stats", a.getAdaptiveStats)
	})
	router.Handle("/admit", a.dispatch(http.HandlerFunc(a.respondDispatched)))
	router.HandleFunc("/admit/{"+urlParamRule+"}", func(rw http.ResponseWriter, r *http.Request) {
		handler, ok := admitHandlers[chi.URLParam(r, urlParamRule)]
		if !ok {
			a.respondRuleNotFound(rw, r)
			return
		}
		handler.ServeHTTP(rw, r)
	})
	router.Get("/deferral", a.getDeferralStats)
}

func (a *app) listRules(rw http.ResponseWriter, r *http.Request) {
	rules := a.limiter.Rules()
	resp := make([]ruleResponse, 0, len(rules))
	for _, rule := range rules {
		resp = append(resp, newRuleResponse(rule))
	}
	restapi.RespondJSON(rw, resp, a.requestLogger(r))
}

func (a *app) getRule(rw http.ResponseWriter, r *http.Request) {
	rule, ok := a.limiter.Rule(chi.URLParam(r, urlParamRule))
	if !ok {
		a.respondRuleNotFound(rw, r)
		return
	}
	restapi.RespondJSON(rw, newRuleResponse(rule), a.requestLogger(r))
}

func (a *app) getRuleStatus(rw http.ResponseWriter, r *http.Request) {
	decision, err := a.limiter.Check(contextWithSignals(r), chi.URLParam(r, urlParamRule), extractRateLimitContext(r))
	if err != nil {
		a.respondLimiterError(rw, r, err)
		return
	}
	restapi.RespondJSON(rw, newDecisionResponse(&decision), a.requestLogger(r))
}

func (a *app) resetRuleCounters(rw http.ResponseWriter, r *http.Request) {
	ruleName := chi.URLParam(r, urlParamRule)
	if err := a.limiter.Reset(r.Context(), ruleName, extractRateLimitContext(r)); err != nil {
		a.respondLimiterError(rw, r, err)
		return
	}
	a.requestLogger(r).Info("rate limit counters are reset", log.Rule(ruleName))
	rw.WriteHeader(http.StatusNoContent)
}

func (a *app) recordRuleOutcome(rw http.ResponseWriter, r *http.Request) {
	var failed bool
	var err error
	if value := r.URL.Query().Get("failed"); value != "" {
		failed, err = cast.ToBoolE(value)
	}
	if err != nil {
		restapi.RespondError(rw, http.StatusBadRequest,
			restapi.NewErrorForStatus(a.errDomain, http.StatusBadRequest, "Query parameter \"failed\" should be a boolean."),
			a.requestLogger(r))
		return
	}
	if err = a.limiter.RecordOutcome(r.Context(), chi.URLParam(r, urlParamRule), extractRateLimitContext(r), failed); err != nil {
		a.respondLimiterError(rw, r, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (a *app) getAdaptiveStats(rw http.ResponseWriter, r *http.Request) {
	stats, err := a.limiter.AdaptiveStats(r.Context(), chi.URLParam(r, urlParamRule), extractRateLimitContext(r))
	if err != nil {
		a.respondLimiterError(rw, r, err)
		return
	}
	resp := adaptiveStatsResponse{Requests: stats.Requests, Errors: stats.Errors}
	if !stats.LastAdjustment.IsZero() {
		resp.LastAdjustment = &stats.LastAdjustment
	}
	restapi.RespondJSON(rw, resp, a.requestLogger(r))
}

func (a *app) getDeferralStats(rw http.ResponseWriter, r *http.Request) {
	stats := a.deferral.Queue().Stats()
	restapi.RespondJSON(rw, deferralStatsResponse{
		Size:      stats.Size,
		Enqueued:  stats.Enqueued,
		Rejected:  stats.Rejected,
		TimedOut:  stats.TimedOut,
		Processed: stats.Processed,
		Failed:    stats.Failed,
	}, a.requestLogger(r))
}

func (a *app) respondAdmitted(rw http.ResponseWriter, r *http.Request) {
	decision := middleware.GetRateLimitDecisionFromContext(r.Context())
	if decision == nil {
		restapi.RespondInternalError(rw, a.errDomain, a.requestLogger(r))
		return
	}
	restapi.RespondJSON(rw, newDecisionResponse(decision), a.requestLogger(r))
}

// respondDispatched responds with the decision of the last rate limit applied by the throttling dispatcher.
// Requests that match no throttling rule are admitted.
func (a *app) respondDispatched(rw http.ResponseWriter, r *http.Request) {
	decision := middleware.GetRateLimitDecisionFromContext(r.Context())
	if decision == nil {
		restapi.RespondJSON(rw, decisionResponse{Allowed: true, Skipped: true}, a.requestLogger(r))
		return
	}
	restapi.RespondJSON(rw, newDecisionResponse(decision), a.requestLogger(r))
}

func (a *app) respondRuleNotFound(rw http.ResponseWriter, r *http.Request) {
	restapi.RespondError(rw, http.StatusNotFound,
		restapi.NewError(a.errDomain, restapi.ErrCodeNotFound, errMessageRuleNotFound), a.requestLogger(r))
}

func (a *app) respondLimiterError(rw http.ResponseWriter, r *http.Request, err error) {
	logger := a.requestLogger(r)
	var cfgErr *ratelimit.ConfigurationError
	switch {
	case errors.Is(err, ratelimit.ErrRuleNotFound):
		a.respondRuleNotFound(rw, r)
	case errors.As(err, &cfgErr):
		restapi.RespondError(rw, http.StatusBadRequest,
			restapi.NewErrorForStatus(a.errDomain, http.StatusBadRequest, cfgErr.Error()), logger)
	default:
		logger.Error("rate limiting store operation failed", log.Error(err))
		restapi.RespondError(rw, http.StatusServiceUnavailable,
			restapi.NewErrorForStatus(a.errDomain, http.StatusServiceUnavailable, "Rate limiting store is unavailable."), logger)
	}
}

func (a *app) requestLogger(r *http.Request) log.FieldLogger {
	if logger := middleware.GetLoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	return a.logger
}
