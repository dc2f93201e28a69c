// Package health exposes the shipper's liveness over HTTP and gRPC.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Source is what the probes inspect. *shipper.Shipper implements it.
type Source interface {
	Running() bool
	QueueLen() int
}

type Status struct {
	OK         bool   `json:"ok"`
	Message    string `json:"message,omitempty"`
	Running    bool   `json:"running"`
	QueueDepth int    `json:"queue_depth"`
}

// Check reports the status of src.
func Check(src Source) Status {
	st := Status{OK: true, Message: "ok", Running: src.Running(), QueueDepth: src.QueueLen()}
	if !st.Running {
		st.OK = false
		st.Message = "shipper not running"
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Check(src)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// ServiceName is the gRPC health service name reported besides the overall "".
const ServiceName = "logship.Shipper"

// Sync mirrors src onto a gRPC health server every interval until ctx is
// done, then marks everything NOT_SERVING.
func Sync(ctx context.Context, src Source, srv *health.Server, interval time.Duration) {
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if !Check(src).OK {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		srv.SetServingStatus("", status)
		srv.SetServingStatus(ServiceName, status)
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			srv.Shutdown()
			return
		case <-ticker.C:
			update()
		}
	}
}

// NewGRPCServer returns a gRPC server carrying only the standard health
// service. Every RPC is traced.
func NewGRPCServer(opts ...otelgrpc.Option) (*grpc.Server, *health.Server) {
	gs := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler(opts...)))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}
