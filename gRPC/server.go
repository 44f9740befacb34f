package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"RayRelay/logger"
	"RayRelay/monitor"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const healthInterval = time.Second

// Server implements ControlServer over callbacks supplied by the process wiring.
type Server struct {
	stats    func() map[string]any
	shutdown func()
	once     sync.Once
}

func NewServer(stats func() map[string]any, shutdown func()) *Server {
	return &Server{stats: stats, shutdown: shutdown}
}

func (s *Server) Stats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(s.stats())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode stats: %v", err)
	}
	return out, nil
}

// Shutdown requests a graceful stop of the whole process. Repeated calls are no-ops.
func (s *Server) Shutdown(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.once.Do(func() {
		logger.Log().Warn("shutdown requested over gRPC")
		go s.shutdown()
	})
	return &emptypb.Empty{}, nil
}

func countRequests(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	monitor.Requests.WithLabelValues("rpc").Inc()
	resp, err := handler(ctx, req)
	if err != nil {
		logger.Log().Warn("rpc failed", zap.String("method", info.FullMethod), zap.Error(err))
	}
	return resp, err
}

// NewGRPCServer registers the control and health services.
func NewGRPCServer(srv *Server, hs *health.Server) *grpc.Server {
	s := grpc.NewServer(grpc.UnaryInterceptor(countRequests))
	RegisterControlServer(s, srv)
	healthpb.RegisterHealthServer(s, hs)
	return s
}

func StartGRPCServer(port int, srv *Server, hs *health.Server) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	s := NewGRPCServer(srv, hs)
	go func() {
		logger.Log().Info("gRPC server listening", zap.Int("port", port))
		if err := s.Serve(lis); err != nil {
			logger.Log().Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return s, nil
}

// WatchHealth mirrors each probe into hs until ctx ends. The overall ("")
// status is serving only while every probe is.
func WatchHealth(ctx context.Context, hs *health.Server, probes map[string]func() bool) {
	update := func() {
		all := healthpb.HealthCheckResponse_SERVING
		for name, healthy := range probes {
			st := healthpb.HealthCheckResponse_NOT_SERVING
			if healthy() {
				st = healthpb.HealthCheckResponse_SERVING
			} else {
				all = healthpb.HealthCheckResponse_NOT_SERVING
			}
			hs.SetServingStatus(name, st)
		}
		hs.SetServingStatus("", all)
	}
	update()
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			update()
		}
	}
}
