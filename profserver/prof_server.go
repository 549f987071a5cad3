/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package profserver provides the HTTP server exposing pprof profiles of the running service.
package profserver

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/atomic"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/acronis/go-ratelimiter/httpserver/middleware"
	"github.com/acronis/go-ratelimiter/log"
	"github.com/acronis/go-ratelimiter/service"
)

const readHeaderTimeout = 5 * time.Second

// ProfServer represents HTTP server for profiling. pprof is used under the hood.
// Profiles are available under the /debug/pprof/ path.
type ProfServer struct {
	HTTPServer *http.Server
	Logger     log.FieldLogger

	listener net.Listener
	started  atomic.Bool
	done     chan struct{}
}

var _ service.Unit = (*ProfServer)(nil)

// New creates a new profiling server.
func New(cfg *Config, logger log.FieldLogger) *ProfServer {
	router := chi.NewRouter()
	router.Use(
		middleware.RequestID(logger),
		middleware.Logging(logger),
	)
	router.Mount("/debug", chimiddleware.Profiler())

	return &ProfServer{
		HTTPServer: &http.Server{Addr: cfg.Address, Handler: router, ReadHeaderTimeout: readHeaderTimeout},
		Logger:     logger.With(log.String("address", cfg.Address)),
		done:       make(chan struct{}),
	}
}

// Listen binds the listening socket. Start calls it if it was not called before.
func (s *ProfServer) Listen() error {
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.HTTPServer.Addr)
	if err != nil {
		return fmt.Errorf("listen profiling HTTP server: %w", err)
	}
	s.listener = ln
	return nil
}

// Addr returns the address the server listens on. It is empty until the server starts listening.
func (s *ProfServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start starts the profiling server in a blocking way.
// If a fatal error occurs, it's sent into the passed fatalError channel.
func (s *ProfServer) Start(fatalError chan<- error) {
	s.started.Store(true)
	defer close(s.done)

	if err := s.Listen(); err != nil {
		s.Logger.Error("failed to start profiling HTTP server", log.Error(err))
		fatalError <- err
		return
	}

	s.Logger.Info("starting profiling HTTP server...")
	if err := s.HTTPServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.Logger.Error("profiling HTTP server error", log.Error(err))
		fatalError <- err
		return
	}
	s.Logger.Info("profiling HTTP server closed")
}

// Stop stops the profiling server. Profiles are never waited for, so the stop is never graceful.
func (s *ProfServer) Stop(bool) error {
	s.Logger.Info("closing profiling HTTP server...")
	if err := s.HTTPServer.Close(); err != nil {
		s.Logger.Error("profiling HTTP server closing error", log.Error(err))
		return err
	}
	switch {
	case s.started.Load():
		<-s.done
	case s.listener != nil:
		return s.listener.Close()
	}
	return nil
}
