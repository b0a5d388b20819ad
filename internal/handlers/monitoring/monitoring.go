// Package monitoring holds the reference handlers that derive metrics from
// host monitoring snapshots. Importing the package registers them in
// provider.DefaultRegistry as the "monitoring" builtin module.
package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/linkflow/funcrt/internal/function"
	"github.com/linkflow/funcrt/internal/function/provider"
)

const (
	Module = "monitoring"

	KeyTimestamp     = "timestamp"
	KeyBytesSent     = "net_io_counters_eth0-bytes_sent"
	KeyBytesReceived = "net_io_counters_eth0-bytes_recv"
	KeyMemBuffers    = "virtual_memory-buffers"
	KeyMemCached     = "virtual_memory-cached"
	KeyMemTotal      = "virtual_memory-total"
	CPUKeyPrefix     = "cpu_percent-"

	// MovingAverageWindow is how far back CPU samples are kept.
	MovingAverageWindow = time.Minute

	maxCPUs = 8192
)

func init() {
	if err := Register(provider.DefaultRegistry); err != nil {
		panic(err)
	}
}

// Register adds the monitoring module to reg with entry points "handler"
// (all metrics), "stateless" and "moving_average".
func Register(reg *provider.Registry) error {
	return reg.Register(Module, Entries())
}

// Entries returns the module's entry points by name.
func Entries() map[string]function.Handler {
	return map[string]function.Handler{
		"handler":        function.HandlerFunc(Handler),
		"stateless":      function.HandlerFunc(Stateless),
		"moving_average": function.HandlerFunc(MovingAverage),
	}
}

// Handler computes every reference metric.
func Handler(_ context.Context, snap function.Snapshot, fc *function.Context) (function.Result, error) {
	result := function.Result{}
	if err := PercentageOutgoingBytes(snap, result); err != nil {
		return nil, err
	}
	if err := PercentageMemoryCaching(snap, result); err != nil {
		return nil, err
	}
	if err := MovingAverageCPU(snap, fc, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Stateless computes the metrics that need no env.
func Stateless(_ context.Context, snap function.Snapshot, _ *function.Context) (function.Result, error) {
	result := function.Result{}
	if err := PercentageOutgoingBytes(snap, result); err != nil {
		return nil, err
	}
	if err := PercentageMemoryCaching(snap, result); err != nil {
		return nil, err
	}
	return result, nil
}

// MovingAverage computes only the per-CPU moving averages.
func MovingAverage(_ context.Context, snap function.Snapshot, fc *function.Context) (function.Result, error) {
	result := function.Result{}
	if err := MovingAverageCPU(snap, fc, result); err != nil {
		return nil, err
	}
	return result, nil
}

// PercentageOutgoingBytes sets percentage_outgoing_bytes, the share of eth0
// traffic that was sent.
func PercentageOutgoingBytes(snap function.Snapshot, result function.Result) error {
	sent, err := snap.Int(KeyBytesSent)
	if err != nil {
		return err
	}
	received, err := snap.Int(KeyBytesReceived)
	if err != nil {
		return err
	}
	total := sent + received
	if total == 0 {
		return fmt.Errorf("no traffic on eth0: %s and %s are both zero", KeyBytesSent, KeyBytesReceived)
	}
	result["percentage_outgoing_bytes"] = float64(sent) * 100.0 / float64(total)
	return nil
}

// PercentageMemoryCaching sets percentage_memory_caching, the share of
// memory holding buffers and page cache.
func PercentageMemoryCaching(snap function.Snapshot, result function.Result) error {
	buffers, err := snap.Int(KeyMemBuffers)
	if err != nil {
		return err
	}
	cached, err := snap.Int(KeyMemCached)
	if err != nil {
		return err
	}
	total, err := snap.Int(KeyMemTotal)
	if err != nil {
		return err
	}
	if total == 0 {
		return fmt.Errorf("%s is zero", KeyMemTotal)
	}
	result["percentage_memory_caching"] = float64(buffers+cached) * 100.0 / float64(total)
	return nil
}

// Sample is one CPU reading kept in env.
type Sample struct {
	Percent float64
	At      time.Time
}

// MovingAverageCPU sets moving_average_cpu_percent-N for each CPU present in
// the snapshot, averaging readings taken within MovingAverageWindow of the
// snapshot timestamp. Readings are kept in fc.Env under the CPU key.
func MovingAverageCPU(snap function.Snapshot, fc *function.Context, result function.Result) error {
	now, err := snap.Time(KeyTimestamp)
	if err != nil {
		return err
	}
	cutoff := now.Add(-MovingAverageWindow)

	for i := 0; i < maxCPUs; i++ {
		key := fmt.Sprintf("%s%d", CPUKeyPrefix, i)
		if !snap.Has(key) {
			break
		}
		percent, err := snap.Float(key)
		if err != nil {
			return err
		}

		previous, _ := fc.Env[key].([]Sample)
		window := make([]Sample, 0, len(previous)+1)
		for _, s := range previous {
			if s.At.After(cutoff) {
				window = append(window, s)
			}
		}
		window = append(window, Sample{Percent: percent, At: now})
		fc.Env[key] = window

		var sum float64
		for _, s := range window {
			sum += s.Percent
		}
		result["moving_average_"+key] = sum / float64(len(window))
	}
	return nil
}
