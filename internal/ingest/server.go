package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"

	"procodus.dev/iot-cloud/internal/historian"
	"procodus.dev/iot-cloud/internal/metadata"
	"procodus.dev/iot-cloud/internal/pulse"
	"procodus.dev/iot-cloud/internal/stats"
	"procodus.dev/iot-cloud/pkg/metrics"
	"procodus.dev/iot-cloud/pkg/mq"
	"procodus.dev/iot-cloud/pkg/naming"
)

// healthInterval is how often consumer liveness is reported to the health service.
const healthInterval = 5 * time.Second

// Queues are the historian queues a server consumes by default.
var Queues = []string{
	naming.HistorianCommandQueue,
	naming.HistorianObservationQueue,
	naming.HistorianPulseQueue,
	naming.HistorianNotificationQueue,
}

// Server runs the historian consumers with their storage, a gRPC health
// endpoint and the metrics endpoint.
type Server struct {
	logger      *slog.Logger
	config      *ServerConfig
	db          *gorm.DB
	redis       *redis.Client
	writer      *historian.Writer
	consumers   []*Consumer
	grpcServer  *grpc.Server
	health      *health.Server
	metricsHTTP *http.Server
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Database configuration
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBPort     int

	// RabbitMQ configuration
	RabbitMQURL string
	// Queues to consume. Defaults to Queues. Run each queue in one instance
	// only: bucket and period state is owned by a single consumer.
	Queues []string

	// Redis configuration
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// WriterShards defaults to historian.DefaultShards.
	WriterShards int

	GRPCPort int
	// MetricsPort disables the metrics endpoint when zero.
	MetricsPort int

	// Metrics are optional.
	Metrics   *metrics.IngestMetrics
	MQMetrics *metrics.MQMetrics
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}

	if cfg.DBHost == "" {
		return nil, errors.New("database host cannot be empty")
	}

	if cfg.DBPort <= 0 {
		return nil, errors.New("database port must be positive")
	}

	if cfg.DBUser == "" {
		return nil, errors.New("database user cannot be empty")
	}

	if cfg.DBName == "" {
		return nil, errors.New("database name cannot be empty")
	}

	if cfg.RedisAddr == "" {
		return nil, errors.New("redis address cannot be empty")
	}

	if cfg.GRPCPort <= 0 {
		return nil, errors.New("gRPC port must be positive")
	}

	if cfg.MetricsPort < 0 {
		return nil, errors.New("metrics port cannot be negative")
	}

	if len(cfg.Queues) == 0 {
		cfg.Queues = Queues
	}
	for _, q := range cfg.Queues {
		if !knownQueue(q) {
			return nil, fmt.Errorf("unknown historian queue %q", q)
		}
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

func knownQueue(q string) bool {
	for _, k := range Queues {
		if k == q {
			return true
		}
	}
	return false
}

// Run starts the historian and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting historian server")

	// Create context with cancellation
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	router, err := s.setupStorage(ctx)
	if err != nil {
		_ = s.Shutdown()
		return err
	}

	if err := s.startConsumers(ctx, router); err != nil {
		_ = s.Shutdown()
		return err
	}

	serveErr := make(chan error, 2)
	if err := s.startGRPC(serveErr); err != nil {
		_ = s.Shutdown()
		return err
	}
	s.startMetrics(serveErr)
	go s.watchConsumers(ctx)

	s.logger.Info("historian server started successfully", "queues", s.config.Queues)

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-serveErr:
		s.logger.Error("server error", "error", err)
		cancel()
		_ = s.Shutdown()
		return err
	}

	// Shutdown
	return s.Shutdown()
}

// setupStorage connects postgres and redis and builds the handlers.
func (s *Server) setupStorage(ctx context.Context) (*Router, error) {
	db, err := historian.NewDB(&historian.DBConfig{
		Logger:   s.logger,
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
		Models:   metadata.Models(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db
	s.logger.Info("database initialized successfully")

	rdb, err := historian.NewRedisClient(ctx, &historian.RedisConfig{
		Addr:     s.config.RedisAddr,
		Password: s.config.RedisPassword,
		DB:       s.config.RedisDB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}
	s.redis = rdb

	writer, err := historian.NewWriter(&historian.WriterConfig{Logger: s.logger, Shards: s.config.WriterShards})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize writer: %w", err)
	}
	s.writer = writer

	repo, err := historian.NewRepository(&historian.RepositoryConfig{
		Logger:  s.logger,
		DB:      db,
		Writer:  writer,
		Metrics: s.config.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}

	gormDir, err := metadata.NewGormDirectory(db)
	if err != nil {
		return nil, err
	}
	dir, err := metadata.NewCachedDirectory(gormDir)
	if err != nil {
		return nil, err
	}

	aggregator, err := stats.NewAggregator(&stats.AggregatorConfig{
		Logger:  s.logger.With("component", "statistics"),
		Sink:    repo,
		Metrics: s.config.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize aggregator: %w", err)
	}

	tracker, err := pulse.NewTracker(&pulse.TrackerConfig{
		Logger:  s.logger.With("component", "pulse"),
		Cache:   historian.NewPulseCache(rdb),
		History: repo,
		Metrics: s.config.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize pulse tracker: %w", err)
	}

	handlers, err := NewHandlers(&HandlersConfig{
		Logger:        s.logger,
		Directory:     dir,
		Commands:      repo,
		CurrentValues: historian.NewCurrentValueCache(rdb),
		Statistics:    aggregator,
		Pulses:        tracker,
		Invalidator:   dir,
	})
	if err != nil {
		return nil, err
	}
	return handlers.Router(), nil
}

// startConsumers starts one consumer per configured queue.
func (s *Server) startConsumers(ctx context.Context, router *Router) error {
	for _, queue := range s.config.Queues {
		client := mq.New(queue, s.config.RabbitMQURL, s.logger.With("queue", queue))
		if s.config.MQMetrics != nil {
			client.SetMetrics(s.config.MQMetrics)
		}

		consumer, err := NewConsumer(&ConsumerConfig{
			Logger:  s.logger,
			Client:  client,
			Router:  router,
			Queue:   queue,
			Metrics: s.config.Metrics,
		})
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to initialize consumer of %s: %w", queue, err)
		}
		if err := consumer.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to start consumer of %s: %w", queue, err)
		}
		s.consumers = append(s.consumers, consumer)
	}
	return nil
}

func (s *Server) startGRPC(serveErr chan<- error) error {
	s.grpcServer = grpc.NewServer()
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.reportHealth()

	grpcAddr := fmt.Sprintf(":%d", s.config.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}

	s.logger.Info("starting gRPC server", "address", grpcAddr)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			serveErr <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()
	return nil
}

func (s *Server) startMetrics(serveErr chan<- error) {
	if s.config.MetricsPort == 0 {
		return
	}

	s.metricsHTTP = metrics.NewServer(s.config.MetricsPort)

	s.logger.Info("starting metrics server", "address", s.metricsHTTP.Addr)
	go func() {
		if err := s.metricsHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("metrics server error: %w", err)
		}
	}()
}

// reportHealth publishes the serving status of every consumer, and of the
// server as a whole under the empty service name.
func (s *Server) reportHealth() {
	overall := healthpb.HealthCheckResponse_SERVING
	for _, c := range s.consumers {
		status := healthpb.HealthCheckResponse_SERVING
		if !c.Running() {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = status
		}
		s.health.SetServingStatus(c.Queue(), status)
	}
	s.health.SetServingStatus("", overall)
}

func (s *Server) watchConsumers(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reportHealth()
		}
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down historian server")

	var errs []error

	if s.health != nil {
		s.health.Shutdown()
	}

	// Stop gRPC server
	if s.grpcServer != nil {
		s.logger.Info("stopping gRPC server")
		s.grpcServer.GracefulStop()
		s.grpcServer = nil
	}

	if s.metricsHTTP != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.metricsHTTP.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown error: %w", err))
		}
		cancel()
		s.metricsHTTP = nil
	}

	// Stop consumers before the storage they write to
	for _, c := range s.consumers {
		if err := c.Stop(); err != nil {
			s.logger.Error("failed to stop consumer", "queue", c.Queue(), "error", err)
			errs = append(errs, fmt.Errorf("consumer %s shutdown error: %w", c.Queue(), err))
		}
	}
	s.consumers = nil

	if s.writer != nil {
		s.writer.Close()
		s.writer = nil
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
		s.redis = nil
	}

	// Close database
	if s.db != nil {
		if err := historian.CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			errs = append(errs, fmt.Errorf("database close error: %w", err))
		}
		s.db = nil
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("historian server shutdown completed with errors", "error", err)
		return err
	}

	s.logger.Info("historian server shutdown completed successfully")
	return nil
}
