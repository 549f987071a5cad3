/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/xid"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-ratelimiter/log/logtest"
)

type mockRequestIDNextHandler struct {
	requestID string
	hasLogger bool
}

func (h *mockRequestIDNextHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	h.requestID = GetRequestIDFromContext(r.Context())
	if logger := GetLoggerFromContext(r.Context()); logger != nil {
		h.hasLogger = true
		logger.Info("handled")
	}
}

func TestRequestID(t *testing.T) {
	t.Run("request id is generated", func(t *testing.T) {
		next := &mockRequestIDNextHandler{}
		resp := httptest.NewRecorder()
		RequestID(nil)(next).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))

		require.NotEmpty(t, next.requestID)
		_, err := xid.FromString(next.requestID)
		require.NoError(t, err)
		require.Equal(t, next.requestID, resp.Header().Get("X-Request-ID"))
		require.False(t, next.hasLogger)
	})

	t.Run("request id is taken from header", func(t *testing.T) {
		next := &mockRequestIDNextHandler{}
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "external-id")
		resp := httptest.NewRecorder()
		RequestID(nil)(next).ServeHTTP(resp, req)

		require.Equal(t, "external-id", next.requestID)
		require.Equal(t, "external-id", resp.Header().Get("X-Request-ID"))
	})

	t.Run("custom generator and logger", func(t *testing.T) {
		logRecorder := logtest.NewRecorder()
		next := &mockRequestIDNextHandler{}
		mw := RequestIDWithOpts(RequestIDOpts{GenerateID: func() string { return "generated" }, Logger: logRecorder})
		mw(next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

		require.Equal(t, "generated", next.requestID)
		require.True(t, next.hasLogger)
		entry, found := logRecorder.FindEntry("handled")
		require.True(t, found)
		field, found := entry.FindField("request_id")
		require.True(t, found)
		require.Equal(t, "generated", string(field.Bytes))
	})
}
