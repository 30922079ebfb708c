// Package server exposes the admin HTTP API: queue inspection, job
// control, worker liveness, metrics, and the live event stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bobmcallan/drover/internal/common"
	"github.com/bobmcallan/drover/internal/interfaces"
	"github.com/bobmcallan/drover/internal/services/queue"
	"github.com/bobmcallan/drover/internal/services/worker"
	"github.com/prometheus/client_golang/prometheus"
)

// Server wraps the HTTP admin API.
type Server struct {
	config     *common.Config
	logger     *common.Logger
	store      interfaces.Store
	controller *queue.Controller
	hub        *worker.EventHub
	registry   prometheus.Gatherer
	server     *http.Server
}

// NewServer creates the admin API server. hub and registry may be nil
// when the deployment runs without events or metrics.
func NewServer(config *common.Config, logger *common.Logger, store interfaces.Store, controller *queue.Controller, hub *worker.EventHub, registry prometheus.Gatherer) *Server {
	s := &Server{
		config:     config,
		logger:     logger,
		store:      store,
		controller: controller,
		hub:        hub,
		registry:   registry,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	handler := applyMiddleware(mux, logger, config)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server (blocking).
func (s *Server) Start() error {
	s.logger.Info().
		Str("addr", s.server.Addr).
		Msg("Starting admin API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
