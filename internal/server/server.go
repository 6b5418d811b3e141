// Package server runs the HTTP server with graceful shutdown and ordered
// teardown of the service's background components.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Server wraps http.Server with signal handling and cleanup hooks.
type Server struct {
	httpServer *http.Server
	timeout    time.Duration

	mu       sync.Mutex
	cleanups []func(ctx context.Context) error
}

// New creates a server listening on addr.
func New(addr string, handler http.Handler, readTimeout, writeTimeout, shutdownTimeout time.Duration) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
		timeout: shutdownTimeout,
	}
}

// OnShutdown registers a teardown hook. Hooks run after in-flight requests
// drain, in reverse registration order, so dependencies outlive their
// dependents.
func (s *Server) OnShutdown(cleanup func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, cleanup)
}

// Run serves until SIGTERM/SIGINT or a listener error, then shuts down
// gracefully. It returns the first error encountered.
func (s *Server) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		return s.Shutdown()
	}
}

// Shutdown drains in-flight requests and runs the cleanup hooks.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		s.httpServer.Close()
	}

	s.mu.Lock()
	cleanups := make([]func(ctx context.Context) error, len(s.cleanups))
	copy(cleanups, s.cleanups)
	s.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		if cErr := cleanups[i](ctx); cErr != nil && err == nil {
			err = cErr
		}
	}
	return err
}
