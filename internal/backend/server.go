package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"

	"agrisense.dev/soil-monitor/internal/gateway"
	"agrisense.dev/soil-monitor/internal/summary"
	"agrisense.dev/soil-monitor/internal/timeseries"
	"agrisense.dev/soil-monitor/internal/transport"
	"agrisense.dev/soil-monitor/pkg/metrics"
	"agrisense.dev/soil-monitor/pkg/mq"
)

// Channel transports.
const (
	TransportAMQP = "amqp"
	TransportMQTT = "mqtt"
)

// Reading sources for the daily aggregate.
const (
	SourcePostgres = "postgres"
	SourceInflux   = "influx"
)

const (
	metricsNamespace = "backend"
	shutdownTimeout  = 10 * time.Second
)

// Server owns the backend components and their lifecycle.
type Server struct {
	logger     *slog.Logger
	config     *ServerConfig
	db         *gorm.DB
	consumer   *Consumer
	notifyMQ   *mq.Client
	mqttSender *transport.MQTTSender
	influx     *timeseries.Store
	httpServer *http.Server
	grpcServer *grpc.Server
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

	// RabbitMQ configuration. QueueName carries incoming readings;
	// Exchange carries notifications routed by group key.
	RabbitMQURL string
	QueueName   string
	Exchange    string

	HTTPPort int
	GRPCPort int

	// Transport selects the notification channel: amqp or mqtt.
	Transport       string
	MQTTBroker      string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string

	// InfluxDB mirror, enabled when InfluxURL is set.
	InfluxURL         string
	InfluxToken       string
	InfluxOrg         string
	InfluxBucket      string
	InfluxMeasurement string
	// ReadingsSource selects where the daily aggregate reads from.
	ReadingsSource string

	// JWTSecret enables the WebSocket session gateway.
	JWTSecret string

	// Daily summary schedule
	Location           *time.Location
	SummaryHour        int
	SummaryMinute      int
	SummaryConcurrency int
	SendTimeout        time.Duration

	// MetricsNamespace prefixes the server's metrics. Defaults to "backend".
	MetricsNamespace string
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

	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
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

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	if cfg.GRPCPort <= 0 {
		return nil, errors.New("gRPC port must be positive")
	}

	switch cfg.Transport {
	case "", TransportAMQP:
		if cfg.Exchange == "" {
			return nil, errors.New("exchange cannot be empty for the amqp transport")
		}
	case TransportMQTT:
		if cfg.MQTTBroker == "" {
			return nil, errors.New("mqtt broker cannot be empty for the mqtt transport")
		}
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	switch cfg.ReadingsSource {
	case "", SourcePostgres:
	case SourceInflux:
		if cfg.InfluxURL == "" {
			return nil, errors.New("influx URL cannot be empty when reading from influx")
		}
	default:
		return nil, fmt.Errorf("unknown readings source %q", cfg.ReadingsSource)
	}

	if cfg.SummaryHour < 0 || cfg.SummaryHour > 23 {
		return nil, errors.New("summary hour must be between 0 and 23")
	}

	if cfg.SummaryMinute < 0 || cfg.SummaryMinute > 59 {
		return nil, errors.New("summary minute must be between 0 and 59")
	}

	if cfg.SendTimeout < 0 {
		return nil, errors.New("send timeout cannot be negative")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run starts the backend server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting backend server")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	namespace := s.config.MetricsNamespace
	if namespace == "" {
		namespace = metricsNamespace
	}
	backendMetrics := metrics.NewBackendMetrics(namespace)
	summaryMetrics := metrics.NewSummaryMetrics(namespace)
	mqMetrics := metrics.NewMQMetrics(namespace)

	// Until startup completes, any early return releases what was opened.
	started := false
	defer func() {
		if !started {
			cancel()
			_ = s.Shutdown()
		}
	}()

	readings, subscribers, err := s.openStores(backendMetrics)
	if err != nil {
		return err
	}

	var mirror ReadingMirror
	if s.influx != nil {
		mirror = s.influx
	}

	ingestor, err := NewIngestor(s.logger, readings, mirror)
	if err != nil {
		return err
	}

	ingestMQ := mq.New(s.config.QueueName, s.config.RabbitMQURL, s.logger)
	ingestMQ.SetMetrics(mqMetrics)

	s.consumer, err = NewConsumer(&ConsumerConfig{
		Logger:    s.logger,
		Ingestor:  ingestor,
		MQClient:  ingestMQ,
		QueueName: s.config.QueueName,
		Metrics:   backendMetrics,
	})
	if err != nil {
		_ = ingestMQ.Close()
		return fmt.Errorf("failed to initialize consumer: %w", err)
	}

	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	job, err := s.newJob(ctx, readings, subscribers, summaryMetrics, mqMetrics)
	if err != nil {
		return err
	}

	scheduler, err := summary.NewScheduler(&summary.SchedulerConfig{
		Logger:   s.logger.With("component", "scheduler"),
		Hour:     s.config.SummaryHour,
		Minute:   s.config.SummaryMinute,
		Location: job.Location(),
		Run:      job.RunScheduled,
	})
	if err != nil {
		return err
	}
	go func() {
		_ = scheduler.Run(ctx)
	}()

	extra := map[string]http.Handler{"/metrics": metrics.Handler()}
	if gw, err := s.newGateway(backendMetrics); err != nil {
		return fmt.Errorf("failed to initialize notification gateway: %w", err)
	} else if gw != nil {
		extra["/ws/notifications"] = gw
	}

	api, err := NewAPI(&APIConfig{
		Logger:   s.logger,
		Ingestor: ingestor,
		Rows:     readings,
		Job:      job,
		Metrics:  backendMetrics,
		Extra:    extra,
	})
	if err != nil {
		return err
	}

	health, err := NewHealthReporter(&HealthReporterConfig{
		Logger: s.logger,
		Checks: s.healthChecks(ingestMQ),
	})
	if err != nil {
		return err
	}
	go health.Run(ctx)

	errCh := make(chan error, 2)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	grpcAddr := fmt.Sprintf(":%d", s.config.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}
	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, health.Server())
	go func() {
		s.logger.Info("starting gRPC health server", "address", grpcAddr)
		if err := s.grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	started = true
	s.logger.Info("backend server started successfully",
		"transport", s.transport(),
		"readings_source", s.readingsSource(),
		"timezone", job.Location().String(),
	)

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		cancel()
		_ = s.Shutdown()
		return err
	}

	cancel()
	return s.Shutdown()
}

func (s *Server) transport() string {
	if s.config.Transport == "" {
		return TransportAMQP
	}
	return s.config.Transport
}

func (s *Server) readingsSource() string {
	if s.config.ReadingsSource == "" {
		return SourcePostgres
	}
	return s.config.ReadingsSource
}

// openStores connects to PostgreSQL and, when configured, the InfluxDB
// mirror.
func (s *Server) openStores(m *metrics.BackendMetrics) (*ReadingStore, *SubscriberStore, error) {
	db, err := NewDB(&DBConfig{
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
		Logger:   s.logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	readings, err := NewReadingStore(db, m)
	if err != nil {
		return nil, nil, err
	}
	subscribers, err := NewSubscriberStore(db, m)
	if err != nil {
		return nil, nil, err
	}

	if s.config.InfluxURL != "" {
		s.influx, err = timeseries.New(&timeseries.Config{
			Logger:      s.logger,
			URL:         s.config.InfluxURL,
			Token:       s.config.InfluxToken,
			Org:         s.config.InfluxOrg,
			Bucket:      s.config.InfluxBucket,
			Measurement: s.config.InfluxMeasurement,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize influx mirror: %w", err)
		}
	}

	return readings, subscribers, nil
}

// newJob wires the notification transport, the notifier and the daily
// summary job.
func (s *Server) newJob(
	ctx context.Context,
	readings *ReadingStore,
	subscribers *SubscriberStore,
	sm *metrics.SummaryMetrics,
	mqm *metrics.MQMetrics,
) (*summary.Job, error) {
	var source summary.ReadingSource = readings
	if s.readingsSource() == SourceInflux && s.influx != nil {
		source = s.influx
	}

	if s.config.Exchange != "" {
		s.notifyMQ = mq.NewExchange(s.config.Exchange, s.config.RabbitMQURL, s.logger)
		s.notifyMQ.SetMetrics(mqm)
	}

	sender, err := s.newSender(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s transport: %w", s.transport(), err)
	}

	notifier, err := summary.NewNotifier(&summary.NotifierConfig{
		Logger:      s.logger.With("component", "notifier"),
		Sender:      sender,
		Concurrency: s.config.SummaryConcurrency,
		SendTimeout: s.config.SendTimeout,
		Metrics:     sm,
	})
	if err != nil {
		return nil, err
	}

	return summary.NewJob(&summary.JobConfig{
		Logger:      s.logger.With("component", "daily_summary"),
		Readings:    source,
		Subscribers: subscribers,
		Notifier:    notifier,
		Location:    s.config.Location,
		Metrics:     sm,
	})
}

// RunOnce computes and broadcasts a single daily summary outside the
// schedule, then releases every connection. A zero day selects the day that
// ended most recently.
func (s *Server) RunOnce(ctx context.Context, day time.Time) (*summary.Report, error) {
	defer func() { _ = s.Shutdown() }()

	readings, subscribers, err := s.openStores(nil)
	if err != nil {
		return nil, err
	}

	job, err := s.newJob(ctx, readings, subscribers, nil, nil)
	if err != nil {
		return nil, err
	}

	if s.notifyMQ != nil && s.transport() == TransportAMQP {
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := s.notifyMQ.WaitReady(waitCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("notification exchange not ready: %w", err)
		}
	}

	if day.IsZero() {
		day = job.TargetDay(time.Now())
	}
	return job.ComputeAndNotify(ctx, day)
}

func (s *Server) newSender(ctx context.Context) (summary.Sender, error) {
	if s.transport() == TransportMQTT {
		sender, err := transport.DialMQTT(ctx, &transport.MQTTConfig{
			Logger:      s.logger,
			Broker:      s.config.MQTTBroker,
			ClientID:    s.config.MQTTClientID,
			Username:    s.config.MQTTUsername,
			Password:    s.config.MQTTPassword,
			TopicPrefix: s.config.MQTTTopicPrefix,
		})
		if err != nil {
			return nil, err
		}
		s.mqttSender = sender
		return sender, nil
	}

	return transport.NewAMQPSender(s.notifyMQ)
}

// newGateway returns nil when sessions are disabled. Sessions subscribe on
// the notification exchange, so they require it.
func (s *Server) newGateway(m *metrics.BackendMetrics) (*gateway.Gateway, error) {
	if s.config.JWTSecret == "" || s.notifyMQ == nil {
		s.logger.Warn("notification gateway disabled",
			"jwt_secret_set", s.config.JWTSecret != "",
			"exchange", s.config.Exchange,
		)
		return nil, nil
	}

	verifier, err := gateway.NewVerifier(s.config.JWTSecret)
	if err != nil {
		return nil, err
	}

	return gateway.New(&gateway.Config{
		Logger:     s.logger,
		Verifier:   verifier,
		Subscriber: s.notifyMQ,
		Metrics:    m,
	})
}

func (s *Server) healthChecks(ingest interface{ IsReady() bool }) map[string]HealthCheck {
	checks := map[string]HealthCheck{
		"database": func(ctx context.Context) error { return PingDB(ctx, s.db) },
		"ingest_queue": func(context.Context) error {
			if !ingest.IsReady() {
				return mq.ErrNotConnected
			}
			return nil
		},
	}
	if s.notifyMQ != nil {
		checks["notify_exchange"] = func(context.Context) error {
			if !s.notifyMQ.IsReady() {
				return mq.ErrNotConnected
			}
			return nil
		}
	}
	return checks
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down backend server")

	var errs []string

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, "http: "+err.Error())
		}
		cancel()
		s.httpServer = nil
	}

	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
		s.grpcServer = nil
	}

	if s.consumer != nil {
		if err := s.consumer.Stop(); err != nil {
			errs = append(errs, "consumer: "+err.Error())
		}
		s.consumer = nil
	}

	if s.notifyMQ != nil {
		if err := s.notifyMQ.Close(); err != nil {
			s.logger.Debug("notification exchange client close", "error", err)
		}
		s.notifyMQ = nil
	}

	if s.mqttSender != nil {
		s.mqttSender.Close()
		s.mqttSender = nil
	}

	if s.influx != nil {
		s.influx.Close()
		s.influx = nil
	}

	if s.db != nil {
		if err := CloseDB(s.db, s.logger); err != nil {
			errs = append(errs, "database: "+err.Error())
		}
		s.db = nil
	}

	if len(errs) > 0 {
		err := errors.New(strings.Join(errs, "; "))
		s.logger.Error("backend server shutdown completed with errors", "error", err)
		return err
	}

	s.logger.Info("backend server shutdown completed successfully")
	return nil
}
