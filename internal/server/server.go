// Package server runs the gRPC side of the service: the standard health
// protocol behind logging and recovery interceptors.
package server

import (
	"context"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the name the ledger answers health checks for. The empty
// name asks about the server as a whole.
const ServiceName = "bankledger"

type Config struct {
	// Probe reports whether the ledger store is reachable, nil means always
	Probe  func(ctx context.Context) error
	Logger *zap.Logger
}

type healthServer struct {
	healthpb.UnimplementedHealthServer
	*Config
	logger *zap.Logger
}

var _ healthpb.HealthServer = (*healthServer)(nil)

func NewGRPCServer(config *Config, opts ...grpc.ServerOption) (*grpc.Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("grpc")

	unary := []grpc.UnaryServerInterceptor{
		grpc_ctxtags.UnaryServerInterceptor(),
		grpc_zap.UnaryServerInterceptor(logger),
		grpc_recovery.UnaryServerInterceptor(),
	}
	stream := []grpc.StreamServerInterceptor{
		grpc_ctxtags.StreamServerInterceptor(),
		grpc_zap.StreamServerInterceptor(logger),
		grpc_recovery.StreamServerInterceptor(),
	}
	opts = append(opts,
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(unary...)),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(stream...)),
	)
	srv := grpc.NewServer(opts...)

	healthpb.RegisterHealthServer(srv, &healthServer{Config: config, logger: logger})
	return srv, nil
}

func (s *healthServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if req.GetService() != "" && req.GetService() != ServiceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}

	serving := healthpb.HealthCheckResponse_SERVING
	if s.Probe != nil {
		if err := s.Probe(ctx); err != nil {
			s.logger.Warn("ledger store unreachable", zap.Error(err))
			serving = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	return &healthpb.HealthCheckResponse{Status: serving}, nil
}
