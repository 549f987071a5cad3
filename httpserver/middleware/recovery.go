/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/acronis/go-ratelimiter/log"
	"github.com/acronis/go-ratelimiter/restapi"
)

// RecoveryDefaultStackSize defines the default size of stack part which will be logged.
const RecoveryDefaultStackSize = 8192

type recoveryHandler struct {
	next      http.Handler
	errDomain string
	stackSize int
}

// Recovery is a middleware that recovers from panics, logs the panic value with a stacktrace
// and responds with 500 HTTP status code.
func Recovery(errDomain string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return &recoveryHandler{next: next, errDomain: errDomain, stackSize: RecoveryDefaultStackSize}
	}
}

func (h *recoveryHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		logger := getLoggerFromContextOrDisabled(r.Context())
		if err, ok := p.(error); ok && errors.Is(err, http.ErrAbortHandler) {
			logger.Warn("request has been aborted", log.Error(http.ErrAbortHandler))
			panic(p)
		}
		stack := make([]byte, h.stackSize)
		stack = stack[:runtime.Stack(stack, false)]
		logger.Error(fmt.Sprintf("Panic: %+v", p), log.Bytes("stack", stack))
		restapi.RespondError(rw, http.StatusInternalServerError, restapi.NewInternalError(h.errDomain), logger)
	}()
	h.next.ServeHTTP(rw, r)
}
