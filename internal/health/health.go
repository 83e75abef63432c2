// Package health publishes the softphone state over the standard gRPC
// health checking protocol.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sebas/softphone/internal/phone"
)

// RegistrationService is reported SERVING only while the phone is registered.
const RegistrationService = "softphone.Registration"

// Reporter maps controller state onto a gRPC health server.
type Reporter struct {
	srv *health.Server
	log *slog.Logger
}

// NewReporter returns a reporter with the overall service SERVING and the
// registration service NOT_SERVING.
func NewReporter(logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	srv := health.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	srv.SetServingStatus(RegistrationService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Reporter{srv: srv, log: logger}
}

// Server returns the underlying health server.
func (r *Reporter) Server() healthpb.HealthServer {
	return r.srv
}

// RegistrationStatus returns the serving status for a controller state.
func RegistrationStatus(s phone.State) healthpb.HealthCheckResponse_ServingStatus {
	if s.Connection == phone.ConnectionConnected {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Watch updates the registration status from states until the channel is
// closed or ctx is done.
func (r *Reporter) Watch(ctx context.Context, states <-chan phone.State) {
	last := healthpb.HealthCheckResponse_NOT_SERVING
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			status := RegistrationStatus(s)
			if status == last {
				continue
			}
			last = status
			r.srv.SetServingStatus(RegistrationService, status)
			r.log.Debug("[Health] Registration status changed", "status", status.String())
		}
	}
}

// Shutdown reports every service NOT_SERVING.
func (r *Reporter) Shutdown() {
	r.srv.Shutdown()
}

// Serve runs a gRPC server exposing the health service on addr until ctx is
// done.
func (r *Reporter) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return r.ServeListener(ctx, lis)
}

// ServeListener is Serve on an existing listener.
func (r *Reporter) ServeListener(ctx context.Context, lis net.Listener) error {
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, r.srv)

	r.log.Info("[Health] gRPC server listening", "address", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("grpc server: %w", err)
	case <-ctx.Done():
	}

	r.Shutdown()
	grpcServer.GracefulStop()
	<-errCh
	return nil
}
