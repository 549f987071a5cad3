/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-ratelimiter/config"
	"github.com/acronis/go-ratelimiter/httpserver"
	"github.com/acronis/go-ratelimiter/httpserver/middleware"
	"github.com/acronis/go-ratelimiter/log"
	"github.com/acronis/go-ratelimiter/log/logtest"
	"github.com/acronis/go-ratelimiter/profserver"
	"github.com/acronis/go-ratelimiter/restapi"
	"github.com/acronis/go-ratelimiter/store"
	"github.com/acronis/go-ratelimiter/store/memstore"
	"github.com/acronis/go-ratelimiter/testutil"
)

const testAppConfig = `
rateLimit:
  rules:
    api:
      limit: 2
      window: 1m
      algorithm: fixed_window
      scope: [ip, endpoint]
      message: Too many API calls.
    feedback:
      limit: 10
      window: 1m
      algorithm: adaptive
      scope: user
    queued:
      limit: 1
      window: 200ms
      algorithm: sliding_window
      scope: global
      defer: true
deferral:
  timeout: 3s
  processInterval: 20ms
throttle:
  rules:
    - alias: public-api
      routes:
        - path: /v1/*
      excludedRoutes:
        - path: /v1/health
          methods: GET
      rateLimits: [api]
`

const testAPIPrefix = "/api/ratelimit/v1"

func loadTestAppConfig(t *testing.T, cfgData string) (*AppConfig, error) {
	t.Helper()
	cfg := NewAppConfig()
	all := cfg.all()
	err := config.NewLoader(config.NewViperAdapter()).LoadFromReader(
		bytes.NewBufferString(cfgData), config.DataTypeYAML, all[0], all[1:]...)
	return cfg, err
}

type testApp struct {
	*app
	server *httptest.Server
}

func startTestApp(t *testing.T) *testApp {
	t.Helper()
	cfg, err := loadTestAppConfig(t, testAppConfig)
	require.NoError(t, err)

	st := memstore.New(memstore.Opts{})
	t.Cleanup(func() { _ = st.Close() })

	a, err := newApp(st, cfg, log.NewDisabledLogger())
	require.NoError(t, err)

	router := httpserver.NewRouter(a.logger, httpserver.RouterOpts{
		ServiceNameInURL: defaultServiceNameInURL,
		APIRoutes:        map[httpserver.APIVersion]httpserver.APIRoute{1: a.apiRoutes},
		ErrorDomain:      a.errDomain,
		HealthCheck:      httpserver.NewStoreHealthCheck(st),
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &testApp{app: a, server: server}
}

func (ta *testApp) do(t *testing.T, method, path string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ta.server.URL+testAPIPrefix+path, http.NoBody)
	require.NoError(t, err)
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeJSONResponse[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var res T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return res
}

func TestAPI_Rules(t *testing.T) {
	ta := startTestApp(t)

	t.Run("list", func(t *testing.T) {
		resp := ta.do(t, http.MethodGet, "/rules", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		rules := decodeJSONResponse[[]ruleResponse](t, resp)
		require.Len(t, rules, 3)
		require.Equal(t, "api", rules[0].Name)
		require.Equal(t, "feedback", rules[1].Name)
		require.Equal(t, "queued", rules[2].Name)
		require.Equal(t, ruleResponse{
			Name:      "api",
			Algorithm: "fixed_window",
			Limit:     2,
			Window:    "1m0s",
			Scopes:    []string{"ip", "endpoint"},
			Cost:      1,
			Message:   "Too many API calls.",
		}, rules[0])
		require.True(t, rules[2].Defer)
	})

	t.Run("get", func(t *testing.T) {
		resp := ta.do(t, http.MethodGet, "/rules/feedback", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		rule := decodeJSONResponse[ruleResponse](t, resp)
		require.Equal(t, "adaptive", rule.Algorithm)
		require.Equal(t, []string{"user"}, rule.Scopes)
	})

	t.Run("not found", func(t *testing.T) {
		testutil.RequireErrorInResponse(t, ta.do(t, http.MethodGet, "/rules/unknown", nil),
			http.StatusNotFound, defaultErrorDomain, restapi.ErrCodeNotFound)
		testutil.RequireErrorInResponse(t, ta.do(t, http.MethodGet, "/rules/unknown/status", nil),
			http.StatusNotFound, defaultErrorDomain, restapi.ErrCodeNotFound)
		testutil.RequireErrorInResponse(t, ta.do(t, http.MethodPost, "/admit/unknown", nil),
			http.StatusNotFound, defaultErrorDomain, restapi.ErrCodeNotFound)
	})
}

func TestAPI_Admit(t *testing.T) {
	ta := startTestApp(t)
	ordersHeaders := map[string]string{headerOriginalURI: "/orders?page=2", headerOriginalMethod: "get"}

	for i, wantRemaining := range []string{"1", "0"} {
		resp := ta.do(t, http.MethodPost, "/admit/api", ordersHeaders)
		require.Equal(t, http.StatusOK, resp.StatusCode, "request #%d", i+1)
		require.Equal(t, "2", resp.Header.Get(middleware.HeaderRateLimitLimit))
		require.Equal(t, wantRemaining, resp.Header.Get(middleware.HeaderRateLimitRemaining))
		decision := decodeJSONResponse[decisionResponse](t, resp)
		require.True(t, decision.Allowed)
		require.Equal(t, "api", decision.Rule)
		require.Equal(t, int64(i+1), decision.Current)
	}

	resp := ta.do(t, http.MethodPost, "/admit/api", ordersHeaders)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(middleware.HeaderRetryAfter))
	rejection := decodeJSONResponse[middleware.RateLimitRejection](t, resp)
	require.Equal(t, "Too many API calls.", rejection.Message)
	require.Equal(t, int64(2), rejection.Limit)
	require.Equal(t, int64(0), rejection.Remaining)

	// The endpoint is a part of the key, so another endpoint has its own counter.
	resp = ta.do(t, http.MethodPost, "/admit/api", map[string]string{headerOriginalURI: "/invoices"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "1", resp.Header.Get(middleware.HeaderRateLimitRemaining))

	t.Run("cost from header", func(t *testing.T) {
		headers := map[string]string{headerOriginalURI: "/payments", headerRateLimitCost: "2"}
		resp := ta.do(t, http.MethodPost, "/admit/api", headers)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "0", resp.Header.Get(middleware.HeaderRateLimitRemaining))
	})

	t.Run("invalid cost header falls back to the rule cost", func(t *testing.T) {
		headers := map[string]string{headerOriginalURI: "/refunds", headerRateLimitCost: "a lot"}
		resp := ta.do(t, http.MethodPost, "/admit/api", headers)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "1", resp.Header.Get(middleware.HeaderRateLimitRemaining))
	})
}

func TestAPI_StatusAndReset(t *testing.T) {
	ta := startTestApp(t)
	headers := map[string]string{headerOriginalURI: "/orders"}

	resp := ta.do(t, http.MethodGet, "/rules/api/status", headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decodeJSONResponse[decisionResponse](t, resp)
	require.True(t, status.Allowed)
	require.Equal(t, int64(2), status.Remaining)

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, ta.do(t, http.MethodPost, "/admit/api", headers).StatusCode)
	}

	// Status does not consume the limit.
	for i := 0; i < 2; i++ {
		resp = ta.do(t, http.MethodGet, "/rules/api/status", headers)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		status = decodeJSONResponse[decisionResponse](t, resp)
		require.Equal(t, int64(0), status.Remaining)
		require.Equal(t, int64(2), status.Current)
	}
	require.Equal(t, http.StatusTooManyRequests, ta.do(t, http.MethodPost, "/admit/api", headers).StatusCode)

	resp = ta.do(t, http.MethodDelete, "/rules/api/counters", headers)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ta.do(t, http.MethodPost, "/admit/api", headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "1", resp.Header.Get(middleware.HeaderRateLimitRemaining))
}

func TestAPI_OutcomesAndAdaptiveStats(t *testing.T) {
	ta := startTestApp(t)
	headers := map[string]string{middleware.DefaultRateLimitHeaders.UserID: "user-1"}

	resp := ta.do(t, http.MethodGet, "/rules/feedback/stats", headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, adaptiveStatsResponse{}, decodeJSONResponse[adaptiveStatsResponse](t, resp))

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, ta.do(t, http.MethodPost, "/admit/feedback", headers).StatusCode)
	}
	require.Equal(t, http.StatusNoContent, ta.do(t, http.MethodPost, "/rules/feedback/outcomes?failed=true", headers).StatusCode)
	require.Equal(t, http.StatusNoContent, ta.do(t, http.MethodPost, "/rules/feedback/outcomes?failed=false", headers).StatusCode)
	require.Equal(t, http.StatusNoContent, ta.do(t, http.MethodPost, "/rules/feedback/outcomes", headers).StatusCode)

	resp = ta.do(t, http.MethodGet, "/rules/feedback/stats", headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decodeJSONResponse[adaptiveStatsResponse](t, resp)
	require.Equal(t, int64(3), stats.Requests)
	require.Equal(t, int64(1), stats.Errors)

	// Counters are kept per user.
	resp = ta.do(t, http.MethodGet, "/rules/feedback/stats", map[string]string{middleware.DefaultRateLimitHeaders.UserID: "user-2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, adaptiveStatsResponse{}, decodeJSONResponse[adaptiveStatsResponse](t, resp))

	t.Run("stats of non-adaptive rule", func(t *testing.T) {
		testutil.RequireErrorInResponse(t, ta.do(t, http.MethodGet, "/rules/api/stats", nil),
			http.StatusBadRequest, defaultErrorDomain, "badRequest")
	})

	t.Run("outcome of non-adaptive rule is ignored", func(t *testing.T) {
		require.Equal(t, http.StatusNoContent, ta.do(t, http.MethodPost, "/rules/api/outcomes?failed=true", nil).StatusCode)
	})

	t.Run("invalid failed parameter", func(t *testing.T) {
		testutil.RequireErrorInResponse(t, ta.do(t, http.MethodPost, "/rules/feedback/outcomes?failed=maybe", headers),
			http.StatusBadRequest, defaultErrorDomain, "badRequest")
	})
}

func TestAPI_AdaptiveSignals(t *testing.T) {
	ta := startTestApp(t)
	signalHeaders := middleware.DefaultRateLimitSignalsHeaders
	overloaded := map[string]string{
		middleware.DefaultRateLimitHeaders.UserID: "user-1",
		signalHeaders.ServerLoad:                  "0.95",
		signalHeaders.ErrorRate:                   "0",
		signalHeaders.AvgResponseTime:             "50",
	}

	resp := ta.do(t, http.MethodPost, "/admit/feedback", overloaded)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "5", resp.Header.Get(middleware.HeaderRateLimitLimit))
	decision := decodeJSONResponse[decisionResponse](t, resp)
	require.Equal(t, int64(5), decision.Limit)
	require.Equal(t, int64(4), decision.Remaining)

	resp = ta.do(t, http.MethodGet, "/rules/feedback/status", overloaded)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int64(5), decodeJSONResponse[decisionResponse](t, resp).Limit)

	resp = ta.do(t, http.MethodPost, "/admit/feedback", map[string]string{middleware.DefaultRateLimitHeaders.UserID: "user-2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int64(10), decodeJSONResponse[decisionResponse](t, resp).Limit)
}

func TestAPI_Dispatch(t *testing.T) {
	ta := startTestApp(t)
	itemsHeaders := map[string]string{headerOriginalURI: "/v1/items?page=2", headerOriginalMethod: "post"}

	for i := 0; i < 2; i++ {
		resp := ta.do(t, http.MethodGet, "/admit", itemsHeaders)
		require.Equal(t, http.StatusOK, resp.StatusCode, "request #%d", i+1)
		decision := decodeJSONResponse[decisionResponse](t, resp)
		require.True(t, decision.Allowed)
		require.Equal(t, "api", decision.Rule)
		require.Equal(t, int64(2), decision.Limit)
	}
	resp := ta.do(t, http.MethodGet, "/admit", itemsHeaders)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "Too many API calls.", decodeJSONResponse[middleware.RateLimitRejection](t, resp).Message)

	for _, headers := range []map[string]string{
		{headerOriginalURI: "/v1/health", headerOriginalMethod: http.MethodGet},
		{headerOriginalURI: "/internal/items"},
		nil,
	} {
		resp = ta.do(t, http.MethodGet, "/admit", headers)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Empty(t, resp.Header.Get(middleware.HeaderRateLimitLimit))
		require.Equal(t, decisionResponse{Allowed: true, Skipped: true}, decodeJSONResponse[decisionResponse](t, resp))
	}

	// The excluded route matches only GET requests.
	resp = ta.do(t, http.MethodGet, "/admit", map[string]string{headerOriginalURI: "/v1/health", headerOriginalMethod: "DELETE"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "api", decodeJSONResponse[decisionResponse](t, resp).Rule)
}

func TestNewApp_UnknownThrottleRateLimit(t *testing.T) {
	cfg, err := loadTestAppConfig(t, testAppConfig)
	require.NoError(t, err)
	cfg.Throttle.Rules[0].RateLimits = []string{"unknown"}

	st := memstore.New(memstore.Opts{})
	defer func() { _ = st.Close() }()
	_, err = newApp(st, cfg, log.NewDisabledLogger())
	require.ErrorContains(t, err, `create throttling dispatcher: throttling rule "public-api"`)
}

func TestAPI_Deferral(t *testing.T) {
	ta := startTestApp(t)

	unit := ta.deferral.NewProcessingUnit(nil)
	fatalErr := make(chan error, 1)
	unit.Start(fatalErr)
	defer func() { require.NoError(t, unit.Stop(true)) }()

	const requestsNum = 3
	statuses := make([]int, requestsNum)
	var wg sync.WaitGroup
	for i := 0; i < requestsNum; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodPost, ta.server.URL+testAPIPrefix+"/admit/queued", http.NoBody)
			if err != nil {
				return
			}
			req.Header.Set(headerRateLimitPriority, "5")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return
			}
			_ = resp.Body.Close()
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()
	testutil.RequireNoErrorInChannel(t, fatalErr)

	for i, status := range statuses {
		require.Equal(t, http.StatusOK, status, "request #%d", i+1)
	}

	resp := ta.do(t, http.MethodGet, "/deferral", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decodeJSONResponse[deferralStatsResponse](t, resp)
	require.Equal(t, 0, stats.Size)
	require.GreaterOrEqual(t, stats.Enqueued, int64(requestsNum-1))
	require.Zero(t, stats.TimedOut)
}

func TestAPI_HealthCheck(t *testing.T) {
	ta := startTestApp(t)
	resp, err := http.Get(ta.server.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoadAppConfig(t *testing.T) {
	writeConfig := func(t *testing.T, data string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "config.yml")
		require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
		return path
	}

	t.Run("defaults", func(t *testing.T) {
		cfg, err := loadAppConfig(writeConfig(t, `
server:
  address: 127.0.0.1:8080
rateLimit:
  rules:
    api: {rate: 10/s, scope: ip}
`), "RATELIMITD_TEST_DEFAULTS")
		require.NoError(t, err)
		require.Equal(t, StoreTypeMemory, cfg.Store.Type)
		require.Equal(t, defaultStoreHealthCheckInterval, cfg.Store.HealthCheckInterval)
		require.Equal(t, &DeferralConfig{
			MaxSize:         defaultDeferralMaxSize,
			BatchSize:       defaultDeferralBatchSize,
			ProcessInterval: defaultDeferralProcessInterval,
			Timeout:         defaultDeferralTimeout,
			SnapshotTTL:     defaultDeferralSnapshotTTL,
		}, cfg.Deferral)
		require.Equal(t, "127.0.0.1:8080", cfg.Server.Address)
		require.Len(t, cfg.RateLimit.Rules, 1)
	})

	t.Run("environment variables override file values", func(t *testing.T) {
		t.Setenv("RATELIMITD_TEST_ENV_STORE_TYPE", "redis")
		cfg, err := loadAppConfig(writeConfig(t, `
store:
  type: memory
  healthCheckInterval: 1s
`), "RATELIMITD_TEST_ENV")
		require.NoError(t, err)
		require.Equal(t, StoreTypeRedis, cfg.Store.Type)
		require.Equal(t, time.Second, cfg.Store.HealthCheckInterval)
	})

	t.Run("errors", func(t *testing.T) {
		tests := []struct {
			name    string
			cfgData string
			wantErr string
		}{
			{
				name:    "unknown store type",
				cfgData: "store:\n  type: etcd\n",
				wantErr: "store.type",
			},
			{
				name:    "non-positive health check interval",
				cfgData: "store:\n  healthCheckInterval: 0s\n",
				wantErr: "store.healthCheckInterval: should be positive",
			},
			{
				name:    "non-positive deferral max size",
				cfgData: "deferral:\n  maxSize: 0\n",
				wantErr: "deferral.maxSize: should be positive",
			},
			{
				name:    "non-positive deferral timeout",
				cfgData: "deferral:\n  timeout: -1s\n",
				wantErr: "deferral.timeout: should be positive",
			},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := loadTestAppConfig(t, tt.cfgData)
				require.ErrorContains(t, err, tt.wantErr)
			})
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadAppConfig(filepath.Join(t.TempDir(), "missing.yml"), defaultEnvVarsPrefix)
		require.Error(t, err)
	})
}

func TestApp_ServiceUnits(t *testing.T) {
	for _, profEnabled := range []bool{false, true} {
		cfg, err := loadTestAppConfig(t, testAppConfig)
		require.NoError(t, err)
		cfg.ProfServer.Enabled = profEnabled

		st := memstore.New(memstore.Opts{})
		a, err := newApp(st, cfg, log.NewDisabledLogger())
		require.NoError(t, err)
		units, err := a.serviceUnits(cfg)
		require.NoError(t, err)
		if profEnabled {
			require.Len(t, units, 4)
			require.IsType(t, &profserver.ProfServer{}, units[3])
		} else {
			require.Len(t, units, 3)
		}
		require.IsType(t, &httpserver.HTTPServer{}, units[0])
		require.NoError(t, st.Close())
	}
}

type switchableHealthStore struct {
	store.Store
	healthy bool
}

func (s *switchableHealthStore) IsHealthy(context.Context) bool {
	return s.healthy
}

func TestStoreHealthMonitor(t *testing.T) {
	st := &switchableHealthStore{Store: memstore.New(memstore.Opts{}), healthy: true}
	defer func() { _ = st.Close() }()
	logRecorder := logtest.NewRecorder()
	monitor := newStoreHealthMonitor(st, logRecorder)

	require.NoError(t, monitor.Run(context.Background()))
	require.Empty(t, logRecorder.Entries())

	st.healthy = false
	require.NoError(t, monitor.Run(context.Background()))
	require.NoError(t, monitor.Run(context.Background()))
	unhealthyEntries := logRecorder.FindAllEntries(func(entry logtest.RecordedEntry) bool {
		return entry.Text == "rate limiting store is unhealthy, failure policy is applied to requests"
	})
	require.Len(t, unhealthyEntries, 1)
	require.Equal(t, log.LevelWarn, unhealthyEntries[0].Level)

	st.healthy = true
	require.NoError(t, monitor.Run(context.Background()))
	_, found := logRecorder.FindEntry("rate limiting store is healthy again")
	require.True(t, found)
	require.Len(t, logRecorder.Entries(), 2)
}
