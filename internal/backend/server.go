// Package backend wires the store, the transport, the ingestion pipeline and the HTTP and gRPC
// servers into one process and manages their lifecycle.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"procodus.dev/sensor-monitor/internal/api"
	"procodus.dev/sensor-monitor/internal/command"
	"procodus.dev/sensor-monitor/internal/decoder"
	"procodus.dev/sensor-monitor/internal/ingest"
	"procodus.dev/sensor-monitor/internal/query"
	"procodus.dev/sensor-monitor/internal/store"
	"procodus.dev/sensor-monitor/pkg/logger"
	"procodus.dev/sensor-monitor/pkg/metrics"
	"procodus.dev/sensor-monitor/pkg/transport"
)

// DefaultGRPCPort is the port of the gRPC health endpoint.
const DefaultGRPCPort = 9090

// Server represents the backend process.
type Server struct {
	logger     *slog.Logger
	config     *ServerConfig
	store      store.Store
	transport  transport.Transport
	pipeline   *ingest.Pipeline
	api        *api.Server
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	Store     *store.Config
	Transport *transport.Config
	// Dial builds the transport. Defaults to transport.New.
	Dial func(cfg *transport.Config) (transport.Transport, error)

	// Registry receives every metric. Defaults to metrics.Registry.
	Registry *prometheus.Registry

	Topics       decoder.Topics
	ControlTopic string
	CORSOrigins  []string

	HTTPPort int
	GRPCPort int
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store config cannot be nil")
	}

	if cfg.Transport == nil {
		return nil, errors.New("transport config cannot be nil")
	}

	if cfg.HTTPPort < 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	if cfg.GRPCPort < 0 {
		return nil, errors.New("gRPC port must be positive")
	}

	c := *cfg
	if c.Topics == (decoder.Topics{}) {
		c.Topics = decoder.DefaultTopics()
	}
	if c.ControlTopic == "" {
		c.ControlTopic = command.DefaultTopic
	}
	if c.GRPCPort == 0 {
		c.GRPCPort = DefaultGRPCPort
	}
	if c.Dial == nil {
		c.Dial = transport.New
	}
	if c.Registry == nil {
		c.Registry = metrics.Registry
	}

	return &Server{
		logger: cfg.Logger,
		config: &c,
	}, nil
}

// Run starts the backend server and blocks until shutdown.
// A store that cannot be opened or initialized stops Run before anything is served.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting backend server")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	if err := s.setup(ctx); err != nil {
		return errors.Join(err, s.Shutdown())
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case sig := <-sigChan:
			s.logger.Info("received shutdown signal", "signal", sig.String())
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		return s.api.Run(gctx)
	})

	g.Go(func() error {
		return s.serveGRPC(gctx)
	})

	g.Go(func() error {
		return s.startIngest(gctx)
	})

	s.logger.Info("backend server started successfully")

	runErr := g.Wait()
	if runErr != nil {
		s.logger.Error("backend server stopped", "error", runErr)
	}
	return errors.Join(runErr, s.Shutdown())
}

// setup opens the store and builds every component. Nothing is served yet.
func (s *Server) setup(ctx context.Context) error {
	backendMetrics := metrics.NewBackendMetrics(s.config.Registry, metrics.Namespace)
	transportMetrics := metrics.NewTransportMetrics(s.config.Registry, metrics.Namespace)
	httpMetrics := metrics.NewHTTPMetrics(s.config.Registry, metrics.Namespace)

	storeCfg := *s.config.Store
	storeCfg.Logger = logger.WithComponent(s.logger, "store")
	storeCfg.Metrics = backendMetrics

	st, err := store.Open(ctx, &storeCfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.store = st

	if err := st.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	s.logger.Info("store initialized", "driver", string(storeCfg.Driver))

	transportCfg := *s.config.Transport
	transportCfg.Logger = logger.WithComponent(s.logger, "transport")
	transportCfg.Metrics = transportMetrics

	tr, err := s.config.Dial(&transportCfg)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	s.transport = tr

	dec, err := decoder.New(&decoder.Config{Topics: s.config.Topics})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	s.pipeline, err = ingest.NewPipeline(&ingest.Config{
		Logger:    logger.WithComponent(s.logger, "ingest"),
		Transport: tr,
		Store:     st,
		Decoder:   dec,
		Metrics:   backendMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	queries, err := query.NewService(&query.Config{
		Logger: logger.WithComponent(s.logger, "query"),
		Store:  st,
	})
	if err != nil {
		return fmt.Errorf("failed to create query service: %w", err)
	}

	dispatcher, err := command.NewDispatcher(&command.Config{
		Logger:    logger.WithComponent(s.logger, "command"),
		Publisher: tr,
		Metrics:   backendMetrics,
		Topic:     s.config.ControlTopic,
	})
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	s.api, err = api.NewServer(&api.Config{
		Logger:      logger.WithComponent(s.logger, "api"),
		Query:       queries,
		Dispatcher:  dispatcher,
		Metrics:     httpMetrics,
		Gatherer:    s.config.Registry,
		Ready:       st.Ping,
		CORSOrigins: s.config.CORSOrigins,
		Topics:      []string{s.config.Topics.Data, s.config.Topics.Events, s.config.ControlTopic},
		Port:        s.config.HTTPPort,
	})
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}

	s.health = health.NewServer()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	grpcAddr := fmt.Sprintf(":%d", s.config.GRPCPort)
	s.listener, err = net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}

	return nil
}

// startIngest connects the transport and subscribes the pipeline.
// The transport keeps reconnecting by its own policy afterwards.
func (s *Server) startIngest(ctx context.Context) error {
	if err := s.transport.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to connect transport: %w", err)
	}

	if err := s.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return nil
}

func (s *Server) serveGRPC(ctx context.Context) error {
	s.logger.Info("starting gRPC server", "address", s.listener.Addr().String())

	grpcErr := make(chan error, 1)
	go func() {
		grpcErr <- s.grpcServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		return nil
	case err := <-grpcErr:
		if err != nil {
			return fmt.Errorf("gRPC server error: %w", err)
		}
		return nil
	}
}

// Shutdown releases every component in reverse start order. It is safe after a partial setup.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down backend server")

	var shutdownErr error
	record := func(what string, err error) {
		s.logger.Error("failed to stop "+what, "error", err)
		if shutdownErr != nil {
			shutdownErr = fmt.Errorf("%w; %s shutdown error: %w", shutdownErr, what, err)
		} else {
			shutdownErr = fmt.Errorf("%s shutdown error: %w", what, err)
		}
	}

	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.listener != nil {
		// Already closed when the gRPC server was serving.
		_ = s.listener.Close()
	}

	if s.pipeline != nil {
		if err := s.pipeline.Stop(); err != nil {
			record("pipeline", err)
		}
	}

	if s.transport != nil {
		s.logger.Info("closing transport")
		if err := s.transport.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
			record("transport", err)
		}
	}

	if s.store != nil {
		s.logger.Info("closing store")
		if err := s.store.Close(); err != nil {
			record("store", err)
		}
	}

	if shutdownErr != nil {
		s.logger.Error("backend server shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	s.logger.Info("backend server shutdown completed successfully")
	return nil
}
