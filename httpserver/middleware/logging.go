/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/vasayxtx/go-glob"

	"github.com/acronis/go-ratelimiter/log"
)

const userAgentLogFieldKey = "user_agent"

// LoggingOpts represents an options for Logging middleware.
type LoggingOpts struct {
	// ExcludedEndpoints contains glob patterns of URL paths that are logged only on errors (e.g. "/healthz", "/metrics*").
	ExcludedEndpoints []string
}

type loggingHandler struct {
	next     http.Handler
	logger   log.FieldLogger
	excluded []func(string) bool
}

// Logging is a middleware that logs info about HTTP request and response.
// Also, it puts logger (with request id in fields) and LoggingParams into request's context.
func Logging(logger log.FieldLogger) func(next http.Handler) http.Handler {
	return LoggingWithOpts(logger, LoggingOpts{})
}

// LoggingWithOpts is a more configurable version of Logging middleware.
func LoggingWithOpts(logger log.FieldLogger, opts LoggingOpts) func(next http.Handler) http.Handler {
	excluded := make([]func(string) bool, 0, len(opts.ExcludedEndpoints))
	for _, pattern := range opts.ExcludedEndpoints {
		excluded = append(excluded, glob.Compile(pattern))
	}
	return func(next http.Handler) http.Handler {
		return &loggingHandler{next: next, logger: logger, excluded: excluded}
	}
}

func (h *loggingHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	logger := h.logger.With(log.String("request_id", GetRequestIDFromContext(ctx)))
	lp := &LoggingParams{}
	r = r.WithContext(NewContextWithLoggingParams(NewContextWithLogger(ctx, logger), lp))

	wrw := chimw.NewWrapResponseWriter(rw, r.ProtoMajor)
	h.next.ServeHTTP(wrw, r)

	status := wrw.Status()
	if status == 0 {
		status = http.StatusOK
	}
	if h.isExcluded(r.URL.Path) && status < http.StatusBadRequest {
		return
	}
	duration := time.Since(startTime)
	logger.Info(fmt.Sprintf("response completed in %.3fs", duration.Seconds()), append([]log.Field{
		log.String("method", r.Method),
		log.String("uri", r.RequestURI),
		log.String("remote_addr", r.RemoteAddr),
		log.String(userAgentLogFieldKey, r.UserAgent()),
		log.Int64("duration_ms", duration.Milliseconds()),
		log.Int("status", status),
		log.Int("bytes_sent", wrw.BytesWritten()),
	}, lp.Fields()...)...)
}

// LoggingParams collects fields that inner middlewares and handlers add to the response log message.
type LoggingParams struct {
	mu     sync.Mutex
	fields []log.Field
}

// ExtendFields adds fields to the response log message.
func (lp *LoggingParams) ExtendFields(fields ...log.Field) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.fields = append(lp.fields, fields...)
}

// Fields returns a copy of the collected fields.
func (lp *LoggingParams) Fields() []log.Field {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return append([]log.Field(nil), lp.fields...)
}

func (h *loggingHandler) isExcluded(path string) bool {
	for _, match := range h.excluded {
		if match(path) {
			return true
		}
	}
	return false
}
