package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/linkflow/funcrt/internal/observability/metrics"
	"github.com/linkflow/funcrt/internal/runner"
)

type fakeSource struct {
	healthy atomic.Bool
	status  runner.Status
}

func newFakeSource() *fakeSource {
	s := &fakeSource{status: runner.Status{Identity: "test", FailureBudget: 3, RemainingBudget: 3}}
	s.healthy.Store(true)
	return s
}

func (f *fakeSource) Status() runner.Status { return f.status }
func (f *fakeSource) Healthy() bool         { return f.healthy.Load() }

func TestHealth(t *testing.T) {
	src := newFakeSource()
	router := NewServer(Config{Source: src, Gatherer: prometheus.NewRegistry()}).Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	src.healthy.Store(false)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatus(t *testing.T) {
	router := NewServer(Config{Source: newFakeSource(), Gatherer: prometheus.NewRegistry()}).Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "test", got["identity"])
	assert.EqualValues(t, 3, got["remaining_budget"])
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.SetBudgetRemaining(2)

	router := NewServer(Config{Source: newFakeSource(), Gatherer: reg}).Router()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "funcrt_failure_budget_remaining 2")
}

func TestMethodNotAllowed(t *testing.T) {
	router := NewServer(Config{Source: newFakeSource(), Gatherer: prometheus.NewRegistry()}).Router()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthServer(t *testing.T) {
	src := newFakeSource()
	hs := NewHealthServer(src, nil)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hs.Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	src.healthy.Store(false)
	hs.Sync()

	resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}
