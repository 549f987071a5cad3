/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-ratelimiter/log"
	"github.com/acronis/go-ratelimiter/log/logtest"
	"github.com/acronis/go-ratelimiter/restapi"
)

func TestRecovery(t *testing.T) {
	const errDomain = "RateLimiter"

	t.Run("panic is recovered", func(t *testing.T) {
		logRecorder := logtest.NewRecorder()
		handler := Recovery(errDomain)(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			panic("boom")
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(NewContextWithLogger(req.Context(), logRecorder))
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)

		require.Equal(t, http.StatusInternalServerError, resp.Code)
		var respData restapi.ErrorResponseData
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &respData))
		require.Equal(t, errDomain, respData.Err.Domain)
		require.Equal(t, restapi.ErrCodeInternal, respData.Err.Code)

		entry, found := logRecorder.FindEntry("Panic: boom")
		require.True(t, found)
		require.Equal(t, log.LevelError, entry.Level)
		_, found = entry.FindField("stack")
		require.True(t, found)
	})

	t.Run("aborted handler is re-panicked", func(t *testing.T) {
		handler := Recovery(errDomain)(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			panic(http.ErrAbortHandler)
		}))
		require.PanicsWithError(t, http.ErrAbortHandler.Error(), func() {
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		})
	})

	t.Run("no panic", func(t *testing.T) {
		handler := Recovery(errDomain)(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(http.StatusNoContent)
		}))
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusNoContent, resp.Code)
	})

}
