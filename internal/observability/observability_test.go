package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"speech-relay-service/internal/observability/metrics"
)

func TestServerEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	m.RecordSessionStart("single")

	var ready atomic.Bool
	srv := httptest.NewServer(NewServer(":0", reg, ready.Load).Handler())
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	if code, _ := get("/healthz"); code != http.StatusOK {
		t.Errorf("/healthz = %d", code)
	}
	if code, _ := get("/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("/readyz before ready = %d", code)
	}
	ready.Store(true)
	if code, _ := get("/readyz"); code != http.StatusOK {
		t.Errorf("/readyz after ready = %d", code)
	}

	code, body := get("/metrics")
	if code != http.StatusOK {
		t.Fatalf("/metrics = %d", code)
	}
	if !strings.Contains(body, `speech_relay_sessions_total{mode="single"} 1`) {
		t.Errorf("expected sessions_total in metrics output, got:\n%s", body)
	}
}

func TestUnaryServerInterceptor(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	intercept := UnaryServerInterceptor(m)
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, _ = intercept(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return "ok", nil
	})
	_, err := intercept(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})
	if status.Code(err) != codes.NotFound {
		t.Errorf("expected handler error to pass through, got %v", err)
	}

	if got := testutil.ToFloat64(m.GRPCCalls.WithLabelValues(info.FullMethod, "OK")); got != 1 {
		t.Errorf("expected 1 OK call, got %v", got)
	}
	if got := testutil.ToFloat64(m.GRPCCalls.WithLabelValues(info.FullMethod, "NotFound")); got != 1 {
		t.Errorf("expected 1 NotFound call, got %v", got)
	}
}

func TestStreamServerInterceptor(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	intercept := StreamServerInterceptor(m)
	info := &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch"}

	err := intercept(nil, nil, info, func(any, grpc.ServerStream) error {
		return errors.New("stream broke")
	})
	if err == nil {
		t.Fatal("expected handler error")
	}
	if got := testutil.ToFloat64(m.GRPCCalls.WithLabelValues(info.FullMethod, "Unknown")); got != 1 {
		t.Errorf("expected 1 Unknown call, got %v", got)
	}
}
