/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/acronis/go-ratelimiter/ratelimit"
)

const (
	headerForwardedFor  = "X-Forwarded-For"
	headerRealIP        = "X-Real-IP"
	headerAuthorization = "Authorization"

	authorizationAPIKeyScheme = "ApiKey"
)

// RoutePatternGetterFunc is a function for getting route pattern from the request.
type RoutePatternGetterFunc func(r *http.Request) string

// GetChiRoutePattern returns the pattern of the matched chi route (e.g. "/api/v1/users/{id}").
// Empty string is returned when the request is not routed by chi.
func GetChiRoutePattern(r *http.Request) string {
	chiCtx := chi.RouteContext(r.Context())
	if chiCtx == nil {
		return ""
	}
	return chiCtx.RoutePattern()
}

// RateLimitHeaders contains names of the request headers the rate limiting context is extracted from.
type RateLimitHeaders struct {
	UserID   string
	TenantID string
	APIKey   string
	Tier     string
	Internal string
}

// DefaultRateLimitHeaders are the header names used by DefaultRateLimitContextExtractor.
var DefaultRateLimitHeaders = RateLimitHeaders{
	UserID:   "X-User-ID",
	TenantID: "X-Tenant-ID",
	APIKey:   "X-API-Key",
	Tier:     "X-Plan-Tier",
	Internal: "X-Internal-Request",
}

// RateLimitContextExtractor builds the rate limiting context of the request.
type RateLimitContextExtractor func(r *http.Request) *ratelimit.Context

// DefaultRateLimitContextExtractor extracts the context using DefaultRateLimitHeaders and chi route patterns.
var DefaultRateLimitContextExtractor = NewRateLimitContextExtractor(DefaultRateLimitHeaders, GetChiRoutePattern)

// NewRateLimitContextExtractor creates an extractor that reads identity from the given headers.
// The network origin is the first address of X-Forwarded-For, X-Real-IP or the peer address.
// The API key is read from its header or from "Authorization: ApiKey <key>".
// The endpoint is the route pattern, or the URL path if no pattern is known.
func NewRateLimitContextExtractor(headers RateLimitHeaders, getRoutePattern RoutePatternGetterFunc) RateLimitContextExtractor {
	return func(r *http.Request) *ratelimit.Context {
		endpoint := ""
		if getRoutePattern != nil {
			endpoint = getRoutePattern(r)
		}
		if endpoint == "" {
			endpoint = r.URL.Path
		}
		return &ratelimit.Context{
			NetworkOrigin: GetNetworkOrigin(r),
			UserID:        headerValue(r, headers.UserID),
			TenantID:      headerValue(r, headers.TenantID),
			APIKey:        getAPIKey(r, headers.APIKey),
			Tier:          headerValue(r, headers.Tier),
			Endpoint:      endpoint,
			Method:        r.Method,
			IsInternal:    strings.EqualFold(headerValue(r, headers.Internal), "true"),
		}
	}
}

// GetNetworkOrigin returns the client address of the request.
func GetNetworkOrigin(r *http.Request) string {
	if forwardedFor := r.Header.Get(headerForwardedFor); forwardedFor != "" {
		first, _, _ := strings.Cut(forwardedFor, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get(headerRealIP)); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func headerValue(r *http.Request, name string) string {
	if name == "" {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(name))
}

func getAPIKey(r *http.Request, headerName string) string {
	if apiKey := headerValue(r, headerName); apiKey != "" {
		return apiKey
	}
	scheme, credentials, found := strings.Cut(r.Header.Get(headerAuthorization), " ")
	if found && strings.EqualFold(scheme, authorizationAPIKeyScheme) {
		return strings.TrimSpace(credentials)
	}
	return ""
}
