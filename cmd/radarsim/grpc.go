package main

import (
	"context"
	"crypto/subtle"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"driftpursuit/radarcore/internal/logging"
)

const sharedSecretMetadataKey = "x-radar-shared-secret"

// radarServiceName is the health service name reported alongside the overall server status.
const radarServiceName = "radarcore.Radar"

// newGRPCServer builds the health-only gRPC server. An empty secret leaves it unauthenticated.
func newGRPCServer(secret string, logger *logging.Logger) (*grpc.Server, *health.Server) {
	var opts []grpc.ServerOption
	if normalized := strings.TrimSpace(secret); normalized != "" {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(newSharedSecretUnaryInterceptor(normalized)),
			grpc.ChainStreamInterceptor(newSharedSecretStreamInterceptor(normalized)),
		)
		logger.Info("gRPC shared-secret authentication enabled")
	}
	server := grpc.NewServer(opts...)
	checker := health.NewServer()
	//1.- Start NOT_SERVING so probes only pass once the tick loop is running.
	checker.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	checker.SetServingStatus(radarServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, checker)
	return server, checker
}

func setServing(checker *health.Server, serving bool) {
	state := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		state = healthpb.HealthCheckResponse_SERVING
	}
	checker.SetServingStatus("", state)
	checker.SetServingStatus(radarServiceName, state)
}

func newSharedSecretUnaryInterceptor(secret string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := checkSharedSecret(ctx, secret); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func newSharedSecretStreamInterceptor(secret string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := checkSharedSecret(ss.Context(), secret); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func checkSharedSecret(ctx context.Context, secret string) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	candidate := extractSharedSecret(md)
	if candidate == "" {
		return status.Error(codes.Unauthenticated, "missing shared secret")
	}
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(secret)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid shared secret")
	}
	return nil
}

func extractSharedSecret(md metadata.MD) string {
	for _, value := range md.Get(sharedSecretMetadataKey) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	for _, value := range md.Get("authorization") {
		if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
			if token := strings.TrimSpace(value[7:]); token != "" {
				return token
			}
		}
	}
	return ""
}
