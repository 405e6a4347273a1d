package handler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// DependencyCheck is one backing store the service cannot work without.
type DependencyCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// GRPCHealth serves grpc.health.v1 and flips the status with the
// reachability of MySQL and Redis.
type GRPCHealth struct {
	server      *health.Server
	serviceName string
	checks      []DependencyCheck
	interval    time.Duration
	timeout     time.Duration
	logger      *zap.Logger
}

func NewGRPCHealth(serviceName string, interval time.Duration, logger *zap.Logger, checks ...DependencyCheck) *GRPCHealth {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &GRPCHealth{
		server:      health.NewServer(),
		serviceName: serviceName,
		checks:      checks,
		interval:    interval,
		timeout:     2 * time.Second,
		logger:      logger,
	}
	h.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *GRPCHealth) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
	reflection.Register(s)
}

// CheckOnce pings every dependency and reports whether all answered.
func (h *GRPCHealth) CheckOnce(ctx context.Context) bool {
	healthy := true
	for _, check := range h.checks {
		pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
		err := check.Ping(pingCtx)
		cancel()
		if err != nil {
			healthy = false
			h.logger.Warn("dependency unhealthy", zap.String("dependency", check.Name), zap.Error(err))
		}
	}

	if healthy {
		h.setStatus(healthpb.HealthCheckResponse_SERVING)
	} else {
		h.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return healthy
}

func (h *GRPCHealth) Run(ctx context.Context) error {
	h.CheckOnce(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return nil
		case <-ticker.C:
			h.CheckOnce(ctx)
		}
	}
}

func (h *GRPCHealth) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(h.serviceName, status)
}
