package server

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthServiceName is the service label reported over gRPC health checks.
const HealthServiceName = "chatak.jobs.v1.JobService"

// NewGRPCServer builds the gRPC endpoint: standard health checks plus
// reflection. Orchestrators probe this port; the job API itself is HTTP.
func NewGRPCServer() (*grpc.Server, *health.Server) {
	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)
	return grpcServer, healthSrv
}
