/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package throttle

import (
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/vasayxtx/go-glob"

	"github.com/acronis/go-ratelimiter/httpserver/middleware"
	"github.com/acronis/go-ratelimiter/log"
	"github.com/acronis/go-ratelimiter/ratelimit"
)

// RuleLogFieldName is a logged field that contains the name of the throttling rule.
const RuleLogFieldName = "throttle_rule"

// RequestRouteGetter returns the URL path and the HTTP method the routes are matched against.
type RequestRouteGetter func(r *http.Request) (urlPath string, method string)

// MiddlewareOpts represents an options for Middleware.
type MiddlewareOpts struct {
	// RateLimitOpts are used for every rate limiter rule applied by the dispatcher.
	// OnReject is wrapped for counting rejections and for the dry-run mode.
	RateLimitOpts middleware.RateLimitOpts

	// GetRequestRoute returns the path and the method of the request. URL path and method are used if nil.
	GetRequestRoute RequestRouteGetter

	// Tags is a list of tags for filtering throttling rules from the config. If it's empty, all rules can be applied.
	Tags []string
}

// Middleware is a middleware that dispatches incoming HTTP requests to the rules of the rate limiter
// based on the passed configuration.
func Middleware(limiter *ratelimit.Limiter, cfg *Config, mc MetricsCollector) (func(next http.Handler) http.Handler, error) {
	return MiddlewareWithOpts(limiter, cfg, mc, MiddlewareOpts{})
}

// MiddlewareWithOpts is a more configurable version of Middleware.
func MiddlewareWithOpts(
	limiter *ratelimit.Limiter, cfg *Config, mc MetricsCollector, opts MiddlewareOpts,
) (func(next http.Handler) http.Handler, error) {
	if mc == nil {
		mc = disabledMetrics{}
	}
	if opts.GetRequestRoute == nil {
		opts.GetRequestRoute = getURLRoute
	}
	rules, err := makeRules(limiter, cfg, opts.Tags)
	if err != nil {
		return nil, err
	}
	return func(next http.Handler) http.Handler {
		h := &handler{next: next, getRequestRoute: opts.GetRequestRoute, mc: mc, rules: make([]boundRule, 0, len(rules))}
		for i := range rules {
			h.rules = append(h.rules, boundRule{
				dispatchRule: rules[i],
				handler:      rules[i].makeHandler(limiter, next, mc, opts.RateLimitOpts),
			})
		}
		return h
	}, nil
}

type handler struct {
	next            http.Handler
	getRequestRoute RequestRouteGetter
	mc              MetricsCollector
	rules           []boundRule
}

func (h *handler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	urlPath, method := h.getRequestRoute(r)
	urlPath, method = normalizeURLPath(urlPath), strings.ToUpper(method)
	for i := range h.rules {
		if matchRoutes(h.rules[i].excludedRoutes, urlPath, method) {
			h.next.ServeHTTP(rw, r)
			return
		}
	}
	for i := range h.rules {
		if matchRoutes(h.rules[i].routes, urlPath, method) {
			h.mc.IncRequests(h.rules[i].name)
			h.rules[i].handler.ServeHTTP(rw, r)
			return
		}
	}
	h.next.ServeHTTP(rw, r)
}

type route struct {
	match   func(s string) bool
	methods []string
}

func (rt *route) matches(urlPath, method string) bool {
	if !rt.match(urlPath) {
		return false
	}
	if len(rt.methods) == 0 {
		return true
	}
	for i := range rt.methods {
		if rt.methods[i] == method {
			return true
		}
	}
	return false
}

func makeRoutes(cfgs []RouteConfig) []route {
	routes := make([]route, 0, len(cfgs))
	for i := range cfgs {
		routes = append(routes, route{
			match:   glob.Compile(normalizeURLPath(strings.TrimSpace(cfgs[i].Path))),
			methods: cfgs[i].MethodsInUpperCase(),
		})
	}
	return routes
}

func matchRoutes(routes []route, urlPath, method string) bool {
	for i := range routes {
		if routes[i].matches(urlPath, method) {
			return true
		}
	}
	return false
}

type dispatchRule struct {
	name           string
	routes         []route
	excludedRoutes []route
	rateLimits     []string
	dryRun         bool
}

type boundRule struct {
	dispatchRule
	handler http.Handler
}

func makeRules(limiter *ratelimit.Limiter, cfg *Config, tags []string) ([]dispatchRule, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rules := make([]dispatchRule, 0, len(cfg.Rules))
	for i := range cfg.Rules {
		ruleCfg := &cfg.Rules[i]
		if len(tags) != 0 && !checkStringSlicesIntersect(tags, ruleCfg.Tags) {
			continue
		}
		rateLimits := make([]string, 0, len(ruleCfg.RateLimits))
		for _, name := range ruleCfg.RateLimits {
			resolved, err := resolveRateLimitRule(limiter, name)
			if err != nil {
				return nil, fmt.Errorf("throttling rule %q: %w", ruleCfg.Name(), err)
			}
			rateLimits = append(rateLimits, resolved)
		}
		rules = append(rules, dispatchRule{
			name:           ruleCfg.Name(),
			routes:         makeRoutes(ruleCfg.Routes),
			excludedRoutes: makeRoutes(ruleCfg.ExcludedRoutes),
			rateLimits:     rateLimits,
			dryRun:         ruleCfg.DryRun,
		})
	}
	return rules, nil
}

// resolveRateLimitRule returns the name of the limiter rule. Rules loaded from the configuration have lower-case names.
func resolveRateLimitRule(limiter *ratelimit.Limiter, name string) (string, error) {
	name = strings.TrimSpace(name)
	if _, ok := limiter.Rule(name); ok {
		return name, nil
	}
	if lower := strings.ToLower(name); lower != name {
		if _, ok := limiter.Rule(lower); ok {
			return lower, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ratelimit.ErrRuleNotFound, name)
}

// makeHandler chains the rate limiting middlewares of the rule. A request is served only if all limits admit it.
func (dr *dispatchRule) makeHandler(
	limiter *ratelimit.Limiter, next http.Handler, mc MetricsCollector, baseOpts middleware.RateLimitOpts,
) http.Handler {
	ruleName, dryRun := dr.name, dr.dryRun
	onReject := baseOpts.OnReject
	if onReject == nil {
		onReject = middleware.DefaultRateLimitOnReject
	}
	h := next
	for i := len(dr.rateLimits) - 1; i >= 0; i-- {
		inner := h
		rateLimitRule := dr.rateLimits[i]
		limitOpts := baseOpts
		if dryRun {
			limitOpts.Deferral = nil
		}
		limitOpts.OnReject = func(
			rw http.ResponseWriter, r *http.Request, params middleware.RateLimitParams, logger log.FieldLogger,
		) {
			mc.IncRateLimitRejects(ruleName, rateLimitRule, dryRun)
			logger = logger.With(log.String(RuleLogFieldName, ruleName))
			if dryRun {
				logger.Warn("rate limit is exceeded, request is passed in dry-run mode",
					log.Int("status", params.ResponseStatusCode))
				inner.ServeHTTP(rw, r)
				return
			}
			onReject(rw, r, params, logger)
		}
		h = middleware.MustRateLimit(limiter, rateLimitRule, limitOpts)(inner)
	}
	return h
}

func getURLRoute(r *http.Request) (string, string) {
	return r.URL.Path, r.Method
}

// normalizeURLPath normalizes URL path (i.e. for example, it converts /foo///bar/.. to /foo).
func normalizeURLPath(urlPath string) string {
	res := path.Clean("/" + urlPath)
	if strings.HasSuffix(urlPath, "/") && res != "/" {
		res += "/"
	}
	return res
}

func checkStringSlicesIntersect(slice1, slice2 []string) bool {
	for i := range slice1 {
		for j := range slice2 {
			if strings.TrimSpace(slice1[i]) == strings.TrimSpace(slice2[j]) {
				return true
			}
		}
	}
	return false
}
