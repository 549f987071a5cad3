/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-ratelimiter/log"
	"github.com/acronis/go-ratelimiter/log/logtest"
)

func TestLogging(t *testing.T) {
	t.Run("response is logged", func(t *testing.T) {
		logRecorder := logtest.NewRecorder()
		handler := RequestID(nil)(Logging(logRecorder)(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			GetLoggingParamsFromContext(r.Context()).ExtendFields(log.String("custom", "value"))
			GetLoggerFromContext(r.Context()).Info("inside handler")
			rw.WriteHeader(http.StatusCreated)
			_, _ = rw.Write([]byte("hello"))
		})))
		req := httptest.NewRequest(http.MethodPost, "/api/items?x=1", nil)
		req.Header.Set("User-Agent", "test-agent")
		req.Header.Set("X-Request-ID", "req-42")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		entries := logRecorder.Entries()
		require.Len(t, entries, 2)
		require.Equal(t, "inside handler", entries[0].Text)
		requireStringField(t, entries[0], "request_id", "req-42")

		entry := entries[1]
		require.True(t, strings.HasPrefix(entry.Text, "response completed in "))
		require.Equal(t, log.LevelInfo, entry.Level)
		requireStringField(t, entry, "request_id", "req-42")
		requireStringField(t, entry, "method", http.MethodPost)
		requireStringField(t, entry, "uri", "/api/items?x=1")
		requireStringField(t, entry, "user_agent", "test-agent")
		requireStringField(t, entry, "custom", "value")
		status, found := entry.FindField("status")
		require.True(t, found)
		require.Equal(t, int64(http.StatusCreated), status.Int)
		bytesSent, found := entry.FindField("bytes_sent")
		require.True(t, found)
		require.Equal(t, int64(5), bytesSent.Int)
	})

	t.Run("excluded endpoints", func(t *testing.T) {
		logRecorder := logtest.NewRecorder()
		status := http.StatusOK
		handler := LoggingWithOpts(logRecorder, LoggingOpts{ExcludedEndpoints: []string{"/healthz", "/metrics*"}})(
			http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) { rw.WriteHeader(status) }))

		for _, path := range []string{"/healthz", "/metrics", "/metrics/extra"} {
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
		}
		require.Empty(t, logRecorder.Entries())

		status = http.StatusServiceUnavailable
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Len(t, logRecorder.Entries(), 1)

		status = http.StatusOK
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api", nil))
		require.Len(t, logRecorder.Entries(), 2)
	})
}

func requireStringField(t *testing.T, entry logtest.RecordedEntry, key, want string) {
	t.Helper()
	field, found := entry.FindField(key)
	require.True(t, found, "field %q not found", key)
	require.Equal(t, want, string(field.Bytes))
}
