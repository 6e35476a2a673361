// Package microservice hosts the fetch engine behind a small HTTP surface.
package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ReadinessCheck reports why the server should not receive traffic, or nil.
type ReadinessCheck func() error

// BaseServer owns the listener and mux of an image service. /healthz answers
// 200 while every readiness check passes and 503 otherwise.
type BaseServer struct {
	logger     zerolog.Logger
	listenAddr string
	mux        *http.ServeMux
	srv        *http.Server
	checks     []ReadinessCheck

	mu        sync.RWMutex
	boundAddr string
}

// NewBaseServer creates a server that will listen on listenAddr.
func NewBaseServer(logger zerolog.Logger, listenAddr string, checks ...ReadinessCheck) *BaseServer {
	s := &BaseServer{
		logger:     logger.With().Str("component", "BaseServer").Logger(),
		listenAddr: listenAddr,
		mux:        http.NewServeMux(),
		checks:     checks,
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.srv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the listener under ctx and serves in the background. The bound
// address is known once Start returns.
func (s *BaseServer) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}

	s.mu.Lock()
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()
	s.logger.Info().Str("address", ln.Addr().String()).Msg("Image service listening.")

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// expires.
func (s *BaseServer) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info().Msg("HTTP server stopped.")
	return nil
}

// Port returns ":<port>" of the bound listener, or the configured address
// before Start.
func (s *BaseServer) Port() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, port, err := net.SplitHostPort(s.boundAddr); err == nil {
		return ":" + port
	}
	return s.listenAddr
}

// Mux returns the router handlers are registered on.
func (s *BaseServer) Mux() *http.ServeMux {
	return s.mux
}

func (s *BaseServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	for _, check := range s.checks {
		if err := check(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "reason": err.Error()})
			return
		}
	}
	_, _ = w.Write([]byte("OK"))
}
