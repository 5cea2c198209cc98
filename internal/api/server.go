// Package api serves the HTTP surface of the backend: the JSON query and control endpoints,
// the dashboard page, health and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/sensor-monitor/internal/command"
	"procodus.dev/sensor-monitor/internal/query"
	"procodus.dev/sensor-monitor/internal/store"
	"procodus.dev/sensor-monitor/pkg/metrics"
)

// DefaultPort is the HTTP port used when none is configured.
const DefaultPort = 5000

// Querier answers the read endpoints.
type Querier interface {
	Readings(ctx context.Context, req query.Request) ([]store.Reading, error)
	Events(ctx context.Context, req query.Request) ([]store.Event, error)
	Stats(ctx context.Context) (*store.Stats, error)
}

// Commander dispatches control commands.
type Commander interface {
	Send(ctx context.Context, nodeID, cmd string) (*command.Ack, error)
}

// Config holds the configuration for the Server.
type Config struct {
	Logger     *slog.Logger
	Query      Querier
	Dispatcher Commander
	Metrics    *metrics.HTTPMetrics // Optional metrics
	// Gatherer backs /metrics. Defaults to metrics.Registry.
	Gatherer prometheus.Gatherer
	// Ready reports readiness for /health. Nil means always ready.
	Ready func(ctx context.Context) error

	// CORSOrigins lists allowed origins. Empty allows all.
	CORSOrigins []string
	// Topics are shown on the dashboard.
	Topics []string
	Port   int
}

// Server is the HTTP API server.
type Server struct {
	logger     *slog.Logger
	query      Querier
	dispatcher Commander
	metrics    *metrics.HTTPMetrics
	ready      func(ctx context.Context) error
	engine     *gin.Engine
	httpServer *http.Server
	topics     []string
}

// NewServer creates a new Server instance.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("api config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Query == nil {
		return nil, errors.New("query service cannot be nil")
	}

	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher cannot be nil")
	}

	if cfg.Port < 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = metrics.Registry
	}

	s := &Server{
		logger:     cfg.Logger,
		query:      cfg.Query,
		dispatcher: cfg.Dispatcher,
		metrics:    cfg.Metrics,
		ready:      cfg.Ready,
		topics:     cfg.Topics,
	}
	s.engine = s.setupRoutes(cfg.CORSOrigins, gatherer)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s, nil
}

// Handler returns the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Run serves HTTP until ctx is canceled, then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)

	httpErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(httpErr)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-httpErr:
		if ok && err != nil {
			s.logger.Error("HTTP server error", "error", err)
			return err
		}
	}

	return s.Shutdown()
}

// Shutdown stops the HTTP server, waiting up to 10 seconds for in-flight requests.
func (s *Server) Shutdown() error {
	s.logger.Info("stopping HTTP server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("failed to shutdown HTTP server", "error", err)
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(origins []string, gatherer prometheus.Gatherer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.logRequests(), s.observe())

	corsConfig := cors.DefaultConfig()
	if len(origins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	router.Use(cors.New(corsConfig))

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.HandlerFor(gatherer)))

	api := router.Group("/api")
	{
		api.GET("/data", s.handleReadings)
		api.GET("/readings", s.handleReadings)
		api.GET("/events", s.handleEvents)
		api.GET("/stats", s.handleStats)
		api.POST("/control", s.handleControl)
	}

	router.GET("/", s.handleIndex)

	return router
}
