// Package grpcapi exposes the standard gRPC health service, answering from
// the same readiness check as /readyz.
package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"codecanvas.io/internal/apierr"
	"codecanvas.io/internal/obs"
)

// ServiceName is the name health clients may ask about. The empty name
// means the whole server.
const ServiceName = "codecanvas.api"

// Readiness reports whether the backing stores answer.
type Readiness interface {
	Check(ctx context.Context) error
}

// HealthServer implements grpc.health.v1.Health.
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer

	readiness Readiness
}

func NewHealthServer(r Readiness) *HealthServer {
	return &HealthServer{readiness: r}
}

// Check evaluates readiness. A failed check is NOT_SERVING, not an error.
func (s *HealthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if svc := req.GetService(); svc != "" && svc != ServiceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", svc)
	}
	if s.readiness != nil {
		if err := s.readiness.Check(ctx); err != nil {
			obs.SetReady(false)
			logger := obs.Logger()
			logger.Warn().Err(err).Msg("grpc health: not ready")
			return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING}, nil
		}
	}
	obs.SetReady(true)
	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
}

// NewServer builds a gRPC server with the health service registered and
// engine errors translated to status codes.
func NewServer(r Readiness, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(UnaryErrorInterceptor))
	srv := grpc.NewServer(opts...)
	grpc_health_v1.RegisterHealthServer(srv, NewHealthServer(r))
	return srv
}

// UnaryErrorInterceptor maps engine errors through apierr so gRPC callers
// see the same classification as HTTP callers. Status errors pass through.
func UnaryErrorInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err == nil {
		return resp, nil
	}
	if _, ok := status.FromError(err); ok {
		return resp, err
	}
	code, msg := apierr.Classify(err)
	if code == apierr.CodeInternal || code == apierr.CodeUnavailable {
		logger := obs.Logger()
		logger.Error().Err(err).Str("method", info.FullMethod).Msg("grpc call failed")
	}
	return nil, status.Error(code.GRPCCode(), msg)
}
