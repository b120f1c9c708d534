package grpcclient

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func startHealthServer(t *testing.T) (string, *health.Server) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String(), hs
}

func TestCheckHealth(t *testing.T) {
	addr, hs := startHealthServer(t)
	hs.SetServingStatus("feed", healthpb.HealthCheckResponse_SERVING)

	conn, err := NewClient(ClientConfig{Target: addr, RequestTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer conn.Close()

	got, err := CheckHealth(context.Background(), conn, "feed")
	if err != nil || got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("CheckHealth() = %v, %v", got, err)
	}

	_, err = CheckHealth(context.Background(), conn, "unknown")
	if status.Code(err) != codes.NotFound {
		t.Errorf("unknown service err = %v, want NotFound", err)
	}
}

func TestUnaryInterceptor_Retries(t *testing.T) {
	calls := 0
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		calls++
		if calls < 3 {
			return status.Error(codes.Unavailable, "down")
		}
		return nil
	}
	ic := unaryClientInterceptor(ClientConfig{MaxRetries: 2, RetryDelay: time.Millisecond})
	if err := ic(context.Background(), "/svc/M", nil, nil, nil, invoker); err != nil {
		t.Fatalf("err = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestUnaryInterceptor_NoRetryOnPermanentError(t *testing.T) {
	calls := 0
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		calls++
		return status.Error(codes.InvalidArgument, "bad")
	}
	ic := unaryClientInterceptor(ClientConfig{MaxRetries: 5, RetryDelay: time.Millisecond})
	if err := ic(context.Background(), "/svc/M", nil, nil, nil, invoker); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
