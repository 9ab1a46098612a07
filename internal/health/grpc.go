package health

import (
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServicePrefix names per-component services on the gRPC health endpoint,
// e.g. "facegate.vector_store". The empty service name reports overall health.
const ServicePrefix = "facegate."

// GRPCReporter mirrors monitor state onto a standard gRPC health server.
type GRPCReporter struct {
	server  *health.Server
	monitor *Monitor
}

// NewGRPCReporter publishes the current state and subscribes to changes.
func NewGRPCReporter(m *Monitor) *GRPCReporter {
	r := &GRPCReporter{server: health.NewServer(), monitor: m}
	r.sync()
	m.OnStateChange(func(Transition) { r.sync() })
	return r
}

// Server returns the health server to register on a grpc.Server.
func (r *GRPCReporter) Server() *health.Server { return r.server }

func (r *GRPCReporter) sync() {
	for _, c := range Components {
		r.server.SetServingStatus(ServicePrefix+string(c), servingStatus(r.monitor.Status(c) == StatusHealthy))
	}
	r.server.SetServingStatus("", servingStatus(r.monitor.Healthy()))
}

// Shutdown marks every service NOT_SERVING.
func (r *GRPCReporter) Shutdown() {
	r.server.Shutdown()
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
