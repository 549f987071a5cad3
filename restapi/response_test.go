/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-ratelimiter/log"
	"github.com/acronis/go-ratelimiter/log/logtest"
)

func TestRespondCodeAndJSON(t *testing.T) {
	t.Run("json body", func(t *testing.T) {
		resp := httptest.NewRecorder()
		RespondCodeAndJSON(resp, http.StatusTooManyRequests, map[string]string{"message": "<retry later>"}, nil)
		require.Equal(t, http.StatusTooManyRequests, resp.Code)
		require.Equal(t, ContentTypeAppJSON, resp.Header().Get("Content-Type"))
		require.Equal(t, `{"message":"<retry later>"}`, resp.Body.String())
	})

	t.Run("nil body", func(t *testing.T) {
		resp := httptest.NewRecorder()
		RespondCodeAndJSON(resp, http.StatusNoContent, nil, nil)
		require.Equal(t, http.StatusNoContent, resp.Code)
		require.Empty(t, resp.Body.String())
	})

	t.Run("marshaling error", func(t *testing.T) {
		logger := logtest.NewRecorder()
		resp := httptest.NewRecorder()
		RespondJSON(resp, map[string]interface{}{"ch": make(chan int)}, logger)
		require.Equal(t, http.StatusInternalServerError, resp.Code)
		_, found := logger.FindEntry("error while marshaling json for response body")
		require.True(t, found)
	})
}

func TestRespondError(t *testing.T) {
	logger := logtest.NewRecorder()
	resp := httptest.NewRecorder()
	apiErr := NewErrorForStatus("RateLimiter", http.StatusServiceUnavailable, "Store is unavailable.").
		AddContext("rule", "api")
	RespondError(resp, http.StatusServiceUnavailable, apiErr, logger)

	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
	var respData ErrorResponseData
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &respData))
	require.Equal(t, "RateLimiter", respData.Err.Domain)
	require.Equal(t, ErrCodeServiceUnavailable, respData.Err.Code)
	require.Equal(t, "Store is unavailable.", respData.Err.Message)
	require.Equal(t, "api", respData.Err.Context["rule"])

	entry, found := logger.FindEntry("error in response")
	require.True(t, found)
	require.Equal(t, log.LevelError, entry.Level)
	field, found := entry.FindField("error_code")
	require.True(t, found)
	require.Equal(t, ErrCodeServiceUnavailable, string(field.Bytes))
}

func TestRespondInternalError(t *testing.T) {
	resp := httptest.NewRecorder()
	RespondInternalError(resp, "RateLimiter", nil)
	require.Equal(t, http.StatusInternalServerError, resp.Code)
	require.JSONEq(t, `{"error":{"domain":"RateLimiter","code":"internalError","message":"Internal error."}}`, resp.Body.String())
}
