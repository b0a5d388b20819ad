// Package feed samples host metrics and publishes them as snapshots to the
// input key, in the layout the monitoring handlers read.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/linkflow/funcrt/internal/function"
	"github.com/linkflow/funcrt/internal/store"
)

// TimestampLayout is the snapshot timestamp format, always UTC.
const TimestampLayout = "2006-01-02T15:04:05.000000"

const DefaultInterface = "eth0"

var ErrInterfaceNotFound = errors.New("network interface not found")

// Sampler produces one snapshot.
type Sampler interface {
	Sample(ctx context.Context) (function.Snapshot, error)
}

// HostSampler reads CPU, memory and network counters with gopsutil.
type HostSampler struct {
	// Interface is the NIC whose counters are reported. Defaults to eth0.
	Interface string
	Now       func() time.Time
}

func (s *HostSampler) Sample(ctx context.Context) (function.Snapshot, error) {
	iface := s.Interface
	if iface == "" {
		iface = DefaultInterface
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	percents, err := cpu.PercentWithContext(ctx, 0, true)
	if err != nil {
		return nil, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory usage: %w", err)
	}
	counters, err := psnet.IOCountersWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to read network counters: %w", err)
	}

	return buildSnapshot(percents, vm, counters, iface, now())
}

// decimal renders a percentage so it always decodes as a float, 0 included.
func decimal(f float64) (json.Number, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("%w: %v", function.ErrNonFiniteValue, f)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return json.Number(s), nil
}

func buildSnapshot(percents []float64, vm *mem.VirtualMemoryStat, counters []psnet.IOCountersStat, iface string, at time.Time) (function.Snapshot, error) {
	snap := function.Snapshot{
		"timestamp": at.UTC().Format(TimestampLayout),
	}

	for i, p := range percents {
		v, err := decimal(p)
		if err != nil {
			return nil, fmt.Errorf("cpu %d: %w", i, err)
		}
		snap[fmt.Sprintf("cpu_percent-%d", i)] = v
	}
	usedPercent, err := decimal(vm.UsedPercent)
	if err != nil {
		return nil, fmt.Errorf("memory percent: %w", err)
	}

	snap["virtual_memory-total"] = vm.Total
	snap["virtual_memory-available"] = vm.Available
	snap["virtual_memory-percent"] = usedPercent
	snap["virtual_memory-used"] = vm.Used
	snap["virtual_memory-free"] = vm.Free
	snap["virtual_memory-buffers"] = vm.Buffers
	snap["virtual_memory-cached"] = vm.Cached

	var found bool
	for _, c := range counters {
		if c.Name != iface {
			continue
		}
		found = true
		prefix := "net_io_counters_" + iface + "-"
		snap[prefix+"bytes_sent"] = c.BytesSent
		snap[prefix+"bytes_recv"] = c.BytesRecv
		snap[prefix+"packets_sent"] = c.PacketsSent
		snap[prefix+"packets_recv"] = c.PacketsRecv
		snap[prefix+"errin"] = c.Errin
		snap[prefix+"errout"] = c.Errout
		snap[prefix+"dropin"] = c.Dropin
		snap[prefix+"dropout"] = c.Dropout
		break
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrInterfaceNotFound, iface)
	}
	return snap, nil
}

type Config struct {
	Gateway  store.Gateway
	Key      string
	Sampler  Sampler
	Interval time.Duration
	// Backoff applies after a failed publish. The default caps at Interval.
	Backoff Backoff
	Logger  *slog.Logger
}

// Publisher writes a fresh snapshot to Key on every interval.
type Publisher struct {
	gateway  store.Gateway
	key      string
	sampler  Sampler
	interval time.Duration
	backoff  Backoff
	logger   *slog.Logger
}

func NewPublisher(cfg Config) *Publisher {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Sampler == nil {
		cfg.Sampler = &HostSampler{}
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
		cfg.Backoff.MaximumInterval = cfg.Interval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Publisher{
		gateway:  cfg.Gateway,
		key:      cfg.Key,
		sampler:  cfg.Sampler,
		interval: cfg.Interval,
		backoff:  cfg.Backoff,
		logger:   cfg.Logger,
	}
}

// PublishOnce samples and writes one snapshot.
func (p *Publisher) PublishOnce(ctx context.Context) error {
	snap, err := p.sampler.Sample(ctx)
	if err != nil {
		return err
	}
	data, err := function.EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := p.gateway.Set(ctx, p.key, data); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	p.logger.Debug("snapshot published", slog.String("key", p.key), slog.Int("fields", len(snap)))
	return nil
}

// Run publishes until ctx is done. Failures are logged and retried with
// backoff; they never stop the loop.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("feed started",
		slog.String("key", p.key),
		slog.Duration("interval", p.interval),
	)

	failures := 0
	for {
		wait := p.interval
		if err := p.PublishOnce(ctx); err != nil && ctx.Err() == nil {
			failures++
			wait = p.backoff.Delay(failures)
			p.logger.Error("failed to publish snapshot",
				slog.String("error", err.Error()),
				slog.Int("failures", failures),
				slog.Duration("retry_in", wait),
			)
		} else {
			failures = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.logger.Info("feed stopped")
			return nil
		case <-timer.C:
		}
	}
}
