// Package server runs the optional admin HTTP endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prestonvasquez/topology-listener/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server serves the admin handler and Prometheus metrics.
type Server struct {
	config     config.ServerConfig
	logger     *zap.Logger
	router     *mux.Router
	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
}

// New creates a server. gatherer may be nil to skip /metrics.
func New(cfg config.ServerConfig, handler *Handler, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	return &Server{
		config: cfg,
		logger: logger.Named("server"),
		router: router,
	}
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}

	s.listener = lis
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server error", zap.Error(err))
		}
	}()

	s.logger.Info("admin server started", zap.String("addr", lis.Addr().String()))

	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()

	s.logger.Info("admin server stopped")

	return err
}
