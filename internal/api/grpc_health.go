package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the agent.
const ServiceName = "folio.agent"

// GRPCHealth serves grpc.health.v1.Health and mirrors the HTTP health checks
// into it on an interval.
type GRPCHealth struct {
	checker  *HealthHandler
	server   *grpc.Server
	health   *health.Server
	interval time.Duration
	logger   *slog.Logger
}

// NewGRPCHealth creates the gRPC health server.
func NewGRPCHealth(checker *HealthHandler, interval time.Duration, logger *slog.Logger) *GRPCHealth {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &GRPCHealth{checker: checker, server: srv, health: hs, interval: interval, logger: logger}
}

// Refresh runs the checks once and updates the serving status.
func (g *GRPCHealth) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if report := g.checker.Check(ctx); !report.Healthy() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(ServiceName, status)
	return status
}

// Serve listens on lis until ctx is cancelled.
func (g *GRPCHealth) Serve(ctx context.Context, lis net.Listener) error {
	g.Refresh(ctx)
	go func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				g.health.Shutdown()
				g.server.GracefulStop()
				return
			case <-ticker.C:
				if status := g.Refresh(ctx); status != healthpb.HealthCheckResponse_SERVING {
					g.logger.Warn("[Health] gRPC health not serving")
				}
			}
		}
	}()
	g.logger.Info("gRPC health listening", "addr", lis.Addr().String())
	if err := g.server.Serve(lis); err != nil {
		return fmt.Errorf("grpc health serve: %w", err)
	}
	return nil
}
