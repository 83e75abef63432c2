package health

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/testing/protocmp"

	"github.com/sebas/softphone/internal/phone"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func check(t *testing.T, hs healthpb.HealthServer, service string) *healthpb.HealthCheckResponse {
	t.Helper()
	resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q) error = %v", service, err)
	}
	return resp
}

func TestNewReporter(t *testing.T) {
	r := NewReporter(discardLogger())

	tests := []struct {
		service string
		want    *healthpb.HealthCheckResponse
	}{
		{"", &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}},
		{RegistrationService, &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, check(t, r.Server(), tt.service), protocmp.Transform()); diff != "" {
			t.Errorf("Check(%q) mismatch (-want +got):\n%s", tt.service, diff)
		}
	}
}

func TestRegistrationStatus(t *testing.T) {
	tests := []struct {
		state phone.State
		want  healthpb.HealthCheckResponse_ServingStatus
	}{
		{phone.State{Connection: phone.ConnectionDisconnected}, healthpb.HealthCheckResponse_NOT_SERVING},
		{phone.State{Connection: phone.ConnectionConnecting}, healthpb.HealthCheckResponse_NOT_SERVING},
		{phone.State{Connection: phone.ConnectionError}, healthpb.HealthCheckResponse_NOT_SERVING},
		{phone.State{Connection: phone.ConnectionConnected, Call: phone.CallConnected}, healthpb.HealthCheckResponse_SERVING},
	}
	for _, tt := range tests {
		if got := RegistrationStatus(tt.state); got != tt.want {
			t.Errorf("RegistrationStatus(%v) = %v, want %v", tt.state.Connection, got, tt.want)
		}
	}
}

func waitStatus(t *testing.T, hs healthpb.HealthServer, want healthpb.HealthCheckResponse_ServingStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := check(t, hs, RegistrationService).GetStatus()
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("registration status = %v, want %v", got, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWatchTracksRegistration(t *testing.T) {
	r := NewReporter(discardLogger())
	states := make(chan phone.State)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Watch(context.Background(), states)
	}()

	states <- phone.State{Connection: phone.ConnectionConnecting}
	states <- phone.State{Connection: phone.ConnectionConnected}
	waitStatus(t, r.Server(), healthpb.HealthCheckResponse_SERVING)

	states <- phone.State{Connection: phone.ConnectionDisconnected}
	waitStatus(t, r.Server(), healthpb.HealthCheckResponse_NOT_SERVING)

	close(states)
	<-done
}

func TestServeListener(t *testing.T) {
	r := NewReporter(discardLogger())
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.ServeListener(ctx, lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer conn.Close()

	rpcCtx, rpcCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer rpcCancel()
	resp, err := healthpb.NewHealthClient(conn).Check(rpcCtx, &healthpb.HealthCheckRequest{Service: RegistrationService})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	want := &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}
	if diff := cmp.Diff(want, resp, protocmp.Transform()); diff != "" {
		t.Errorf("Check() mismatch (-want +got):\n%s", diff)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("ServeListener() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ServeListener() did not return after cancel")
	}
}
