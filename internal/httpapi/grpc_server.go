package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"campusgate.org/internal/obs"
)

// HealthServer answers the standard gRPC health protocol from the same readiness
// probe as /readyz. The empty service name and serviceName are known.
type HealthServer struct {
	healthpb.UnimplementedHealthServer

	readiness readinessChecker
}

func NewHealthServer(r readinessChecker) *HealthServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &HealthServer{readiness: r}
}

func (s *HealthServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if svc := req.GetService(); svc != "" && svc != serviceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", svc)
	}
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		obs.FromContext(ctx).Warn("grpc readiness check failed", zap.Error(err))
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

// NewGRPCServer builds a server with the health service registered and one log
// line per call.
func NewGRPCServer(r readinessChecker, log *zap.Logger) *grpc.Server {
	if log == nil {
		log = obs.Logger()
	}
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(unaryLogging(log)))
	healthpb.RegisterHealthServer(srv, NewHealthServer(r))
	return srv
}

func unaryLogging(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		ctx = obs.WithLogger(ctx, log.With(zap.String("grpc_method", info.FullMethod)))
		resp, err := handler(ctx, req)
		obs.FromContext(ctx).Debug("grpc call",
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
		)
		return resp, err
	}
}
