/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-ratelimiter/httpserver/middleware"
	"github.com/acronis/go-ratelimiter/log"
	"github.com/acronis/go-ratelimiter/restapi"
	"github.com/acronis/go-ratelimiter/store"
	"github.com/acronis/go-ratelimiter/store/memstore"
)

type unhealthyStore struct {
	store.Store
}

func (unhealthyStore) IsHealthy(context.Context) bool {
	return false
}

func TestHealthCheckHandler_ServeHTTP(t *testing.T) {
	makeRequest := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		return req.WithContext(middleware.NewContextWithLogger(req.Context(), log.NewDisabledLogger()))
	}

	t.Run("health-check returns error", func(t *testing.T) {
		h := NewHealthCheckHandler(func(_ context.Context) (HealthCheckResult, error) {
			return nil, fmt.Errorf("internal error")
		})
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, makeRequest())
		require.Equal(t, http.StatusInternalServerError, resp.Code)
	})

	t.Run("health-check returns unhealthy components", func(t *testing.T) {
		h := NewHealthCheckHandler(func(_ context.Context) (HealthCheckResult, error) {
			return HealthCheckResult{"db": HealthCheckStatusOK, "store": HealthCheckStatusFail}, nil
		})
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, makeRequest())

		require.Equal(t, http.StatusServiceUnavailable, resp.Code)
		require.Equal(t, restapi.ContentTypeAppJSON, resp.Header().Get("Content-Type"))
		var gotRespData healthCheckResponseData
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&gotRespData))
		require.Equal(t, healthCheckResponseData{Components: map[string]bool{"db": true, "store": false}}, gotRespData)
	})

	t.Run("default health-check", func(t *testing.T) {
		resp := httptest.NewRecorder()
		NewHealthCheckHandler(nil).ServeHTTP(resp, makeRequest())
		require.Equal(t, http.StatusOK, resp.Code)
		require.JSONEq(t, `{"components":{}}`, resp.Body.String())
	})

	t.Run("default health-check responds error on client cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
		resp := httptest.NewRecorder()
		NewHealthCheckHandler(nil).ServeHTTP(resp, req)
		require.Equal(t, StatusClientClosedRequest, resp.Code)
	})
}

func TestNewStoreHealthCheck(t *testing.T) {
	st := memstore.New(memstore.Opts{CleanupInterval: -1})
	defer func() { require.NoError(t, st.Close()) }()

	res, err := NewStoreHealthCheck(st)(context.Background())
	require.NoError(t, err)
	require.Equal(t, HealthCheckResult{HealthCheckComponentStore: HealthCheckStatusOK}, res)

	resp := httptest.NewRecorder()
	NewHealthCheckHandler(NewStoreHealthCheck(unhealthyStore{st})).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
	require.JSONEq(t, `{"components":{"store":false}}`, resp.Body.String())
}
