package monitoring

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow/funcrt/internal/function"
	"github.com/linkflow/funcrt/internal/function/provider"
)

func cpuSnapshot(percent float64, at time.Time) function.Snapshot {
	return function.Snapshot{
		"cpu_percent-0": json.Number(jsonFloat(percent)),
		KeyTimestamp:    at.Format("2006-01-02T15:04:05"),
	}
}

func jsonFloat(f float64) string {
	data, _ := json.Marshal(f)
	return string(data)
}

func TestMovingAverageCPU_Window(t *testing.T) {
	fc := function.NewContext(function.ContextConfig{})
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	steps := []struct {
		percent float64
		at      time.Time
		want    float64
	}{
		{10, t0, 10},
		{20, t0.Add(30 * time.Second), 15},
		{90, t0.Add(90 * time.Second), 90},
	}

	for _, step := range steps {
		res, err := MovingAverage(context.Background(), cpuSnapshot(step.percent, step.at), fc)
		require.NoError(t, err)
		assert.InDelta(t, step.want, res["moving_average_cpu_percent-0"], 1e-9, "at %s", step.at)
	}

	window, ok := fc.Env["cpu_percent-0"].([]Sample)
	require.True(t, ok)
	assert.Len(t, window, 1)
}

func TestMovingAverageCPU_MultipleCPUs(t *testing.T) {
	fc := function.NewContext(function.ContextConfig{})
	snap := function.Snapshot{
		"cpu_percent-0": json.Number("10.0"),
		"cpu_percent-1": json.Number("30.0"),
		"cpu_percent-3": json.Number("99.0"),
		KeyTimestamp:    "2024-03-01T12:00:00",
	}

	res, err := MovingAverage(context.Background(), snap, fc)
	require.NoError(t, err)
	assert.Equal(t, function.Result{
		"moving_average_cpu_percent-0": 10,
		"moving_average_cpu_percent-1": 30,
	}, res, "scanning stops at the first missing cpu index")
}

func TestMovingAverageCPU_MissingTimestamp(t *testing.T) {
	fc := function.NewContext(function.ContextConfig{})
	_, err := MovingAverage(context.Background(), function.Snapshot{"cpu_percent-0": json.Number("1.0")}, fc)
	assert.ErrorIs(t, err, function.ErrMissingField)
}

func TestStateless(t *testing.T) {
	snap := function.Snapshot{
		KeyBytesSent:     json.Number("250"),
		KeyBytesReceived: json.Number("750"),
		KeyMemBuffers:    json.Number("100"),
		KeyMemCached:     json.Number("300"),
		KeyMemTotal:      json.Number("1000"),
	}

	res, err := Stateless(context.Background(), snap, function.NewContext(function.ContextConfig{}))
	require.NoError(t, err)
	assert.InDelta(t, 25.0, res["percentage_outgoing_bytes"], 1e-9)
	assert.InDelta(t, 40.0, res["percentage_memory_caching"], 1e-9)
}

func TestStateless_Errors(t *testing.T) {
	tests := []struct {
		name string
		snap function.Snapshot
	}{
		{"missing sent", function.Snapshot{KeyBytesReceived: json.Number("1")}},
		{"float counter", function.Snapshot{KeyBytesSent: json.Number("1.5"), KeyBytesReceived: json.Number("1")}},
		{"no traffic", function.Snapshot{KeyBytesSent: json.Number("0"), KeyBytesReceived: json.Number("0")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Stateless(context.Background(), tt.snap, function.NewContext(function.ContextConfig{}))
			assert.Error(t, err)
		})
	}
}

func TestHandler_FullSnapshot(t *testing.T) {
	payload := []byte(`{
		"timestamp": "2024-03-01T12:00:00.123456",
		"cpu_percent-0": 12.5,
		"cpu_percent-1": 37.5,
		"net_io_counters_eth0-bytes_sent": 100,
		"net_io_counters_eth0-bytes_recv": 300,
		"virtual_memory-buffers": 10,
		"virtual_memory-cached": 40,
		"virtual_memory-total": 200
	}`)
	snap, err := function.DecodeSnapshot(payload)
	require.NoError(t, err)

	res, err := Handler(context.Background(), snap, function.NewContext(function.ContextConfig{}))
	require.NoError(t, err)
	assert.InDelta(t, 25.0, res["percentage_outgoing_bytes"], 1e-9)
	assert.InDelta(t, 25.0, res["percentage_memory_caching"], 1e-9)
	assert.InDelta(t, 12.5, res["moving_average_cpu_percent-0"], 1e-9)
	assert.InDelta(t, 37.5, res["moving_average_cpu_percent-1"], 1e-9)
}

func TestRegister(t *testing.T) {
	reg := provider.NewRegistry()
	require.NoError(t, Register(reg))
	assert.Equal(t, []string{"handler", "moving_average", "stateless"}, reg.Entries(Module))

	resolved, err := provider.Resolve(context.Background(), provider.Options{
		Source:   provider.BuiltinScheme + Module,
		Entry:    "moving_average",
		Registry: reg,
	})
	require.NoError(t, err)
	assert.Equal(t, "builtin:monitoring#moving_average", resolved.Name)
}

func TestDefaultRegistry(t *testing.T) {
	assert.Contains(t, provider.DefaultRegistry.Modules(), Module)
	assert.Error(t, Register(provider.DefaultRegistry))

	resolved, err := provider.Resolve(context.Background(), provider.Options{Source: provider.BuiltinScheme + Module})
	require.NoError(t, err)
	assert.Equal(t, "builtin:monitoring#handler", resolved.Name)
}
