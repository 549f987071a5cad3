/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"

	"github.com/rs/xid"

	"github.com/acronis/go-ratelimiter/log"
)

const headerRequestID = "X-Request-ID"

// RequestIDOpts represents an options for RequestID middleware.
type RequestIDOpts struct {
	GenerateID func() string
	// Logger, if set, is put into the request context enriched with the request id.
	Logger log.FieldLogger
}

type requestIDHandler struct {
	next http.Handler
	opts RequestIDOpts
}

// RequestID is a middleware that reads X-Request-ID request header and generates a new id (xid) if it's empty.
// The id is put into the request context and returned in the X-Request-ID response header.
func RequestID(logger log.FieldLogger) func(next http.Handler) http.Handler {
	return RequestIDWithOpts(RequestIDOpts{Logger: logger})
}

// RequestIDWithOpts is a more configurable version of RequestID middleware.
func RequestIDWithOpts(opts RequestIDOpts) func(next http.Handler) http.Handler {
	if opts.GenerateID == nil {
		opts.GenerateID = func() string { return xid.New().String() }
	}
	return func(next http.Handler) http.Handler {
		return &requestIDHandler{next: next, opts: opts}
	}
}

func (h *requestIDHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(headerRequestID)
	if requestID == "" {
		requestID = h.opts.GenerateID()
	}
	rw.Header().Set(headerRequestID, requestID)

	ctx := NewContextWithRequestID(r.Context(), requestID)
	if h.opts.Logger != nil {
		ctx = NewContextWithLogger(ctx, h.opts.Logger.With(log.String("request_id", requestID)))
	}
	h.next.ServeHTTP(rw, r.WithContext(ctx))
}
