package backend

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is the service name reported by the gRPC health server
// in addition to the overall "" entry.
const HealthServiceName = "agrisense.SoilMonitor"

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// HealthReporter keeps the gRPC health status in line with the backend's
// dependencies.
type HealthReporter struct {
	logger   *slog.Logger
	server   *health.Server
	checks   map[string]HealthCheck
	interval time.Duration
	timeout  time.Duration
}

// HealthReporterConfig holds the configuration for the HealthReporter.
type HealthReporterConfig struct {
	Logger   *slog.Logger
	Checks   map[string]HealthCheck
	Interval time.Duration
	Timeout  time.Duration
}

// NewHealthReporter creates a new HealthReporter instance.
func NewHealthReporter(cfg *HealthReporterConfig) (*HealthReporter, error) {
	if cfg == nil {
		return nil, errors.New("health reporter config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	h := &HealthReporter{
		logger:   cfg.Logger.With("component", "health"),
		server:   health.NewServer(),
		checks:   cfg.Checks,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
	}
	if h.interval <= 0 {
		h.interval = 15 * time.Second
	}
	if h.timeout <= 0 {
		h.timeout = 3 * time.Second
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h, nil
}

// Server returns the gRPC health service implementation.
func (h *HealthReporter) Server() healthpb.HealthServer {
	return h.server
}

// Check runs every probe once and updates the serving status. It returns
// the first failure.
func (h *HealthReporter) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var firstErr error
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("health check failed", "check", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr != nil {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	} else {
		h.set(healthpb.HealthCheckResponse_SERVING)
	}
	return firstErr
}

// Run probes at every interval until ctx is done, then marks the service
// as shutting down.
func (h *HealthReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	_ = h.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
			_ = h.Check(ctx)
		}
	}
}

func (h *HealthReporter) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(HealthServiceName, status)
}
