package feed

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow/funcrt/internal/function"
	"github.com/linkflow/funcrt/internal/handlers/monitoring"
	"github.com/linkflow/funcrt/internal/store"
)

func TestBuildSnapshot(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 500000000, time.UTC)
	vm := &mem.VirtualMemoryStat{Total: 1000, Buffers: 100, Cached: 300}
	counters := []psnet.IOCountersStat{
		{Name: "lo", BytesSent: 9, BytesRecv: 9},
		{Name: "eth0", BytesSent: 250, BytesRecv: 750},
	}

	snap, err := buildSnapshot([]float64{12.5, 50, 0}, vm, counters, "eth0", at)
	require.NoError(t, err)

	assert.Equal(t, "2024-03-01T12:00:00.500000", snap["timestamp"])
	assert.Equal(t, json.Number("12.5"), snap["cpu_percent-0"])
	assert.Equal(t, json.Number("50.0"), snap["cpu_percent-1"])
	assert.Equal(t, json.Number("0.0"), snap["cpu_percent-2"])
	assert.Equal(t, json.Number("0.0"), snap["virtual_memory-percent"])
	assert.Equal(t, uint64(250), snap["net_io_counters_eth0-bytes_sent"])

	// The published layout is what the monitoring handlers consume.
	data, err := function.EncodeSnapshot(snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"cpu_percent-2":0.0`)
	assert.Contains(t, string(data), `"cpu_percent-1":50.0`)
	decoded, err := function.DecodeSnapshot(data)
	require.NoError(t, err)

	res, err := monitoring.Handler(context.Background(), decoded, function.NewContext(function.ContextConfig{}))
	require.NoError(t, err)
	assert.InDelta(t, 25.0, res["percentage_outgoing_bytes"], 1e-9)
	assert.InDelta(t, 40.0, res["percentage_memory_caching"], 1e-9)
	assert.InDelta(t, 12.5, res["moving_average_cpu_percent-0"], 1e-9)
}

func TestDecimal(t *testing.T) {
	tests := []struct {
		in   float64
		want json.Number
	}{
		{0, "0.0"},
		{100, "100.0"},
		{12.5, "12.5"},
		{0.1, "0.1"},
		{1e-7, "0.0000001"},
	}
	for _, tt := range tests {
		got, err := decimal(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := decimal(math.NaN())
	assert.ErrorIs(t, err, function.ErrNonFiniteValue)
}

func TestBuildSnapshot_MissingInterface(t *testing.T) {
	_, err := buildSnapshot(nil, &mem.VirtualMemoryStat{}, nil, "eth0", time.Now())
	assert.ErrorIs(t, err, ErrInterfaceNotFound)
}

type stubSampler struct {
	calls atomic.Int64
	err   error
}

func (s *stubSampler) Sample(context.Context) (function.Snapshot, error) {
	n := s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return function.Snapshot{"n": n}, nil
}

func TestPublisher_PublishOnce(t *testing.T) {
	gw := store.NewMemoryGateway()
	p := NewPublisher(Config{Gateway: gw, Key: "metrics", Sampler: &stubSampler{}})

	require.NoError(t, p.PublishOnce(context.Background()))

	data, err := gw.Get(context.Background(), "metrics")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n": 1}`, string(data))
}

func TestPublisher_RunKeepsGoingOnError(t *testing.T) {
	gw := store.NewMemoryGateway()
	s := &stubSampler{err: errors.New("sensor offline")}
	p := NewPublisher(Config{
		Gateway:  gw,
		Key:      "metrics",
		Sampler:  s,
		Interval: time.Hour,
		Backoff:  Backoff{InitialInterval: time.Millisecond, BackoffCoefficient: 1, MaximumInterval: time.Millisecond},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return s.calls.Load() >= 3 }, 5*time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)

	_, err := gw.Get(context.Background(), "metrics")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{InitialInterval: 100 * time.Millisecond, BackoffCoefficient: 2, MaximumInterval: time.Second}

	assert.Equal(t, 100*time.Millisecond, b.Delay(0))

	d := b.Delay(3)
	assert.GreaterOrEqual(t, d, 320*time.Millisecond)
	assert.LessOrEqual(t, d, 480*time.Millisecond)

	assert.Equal(t, time.Second, b.Delay(10))
}
