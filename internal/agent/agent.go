// Package agent runs the sampling cycle: refresh the process table,
// resolve CPU and memory accounting, read GPU telemetry, assemble one
// snapshot and hand it to the output boundary.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/jobscope/jobscope-agent/internal/account"
	"github.com/jobscope/jobscope-agent/internal/config"
	"github.com/jobscope/jobscope-agent/internal/gpu"
	"github.com/jobscope/jobscope-agent/internal/metrics"
	"github.com/jobscope/jobscope-agent/internal/proc"
)

// warmupDelay precedes the first real measurement: CPU usage comes from
// deltas between two counter readings, and the first reading alone is
// meaningless.
const warmupDelay = 200 * time.Millisecond

// Agent owns one sampling pipeline. Cycles run strictly one at a time;
// the process table and the CPU tracker are the only state carried
// between them.
type Agent struct {
	cfg        config.Config
	logger     *slog.Logger
	accountant *account.Accountant
	table      *proc.Table
	devices    []gpu.Device
	hostname   string

	mu     sync.RWMutex
	latest *metrics.Snapshot
	cycles uint64
}

// New builds an agent. devices is the enumerated GPU capability; an
// empty slice means GPU accounting is permanently off.
func New(cfg config.Config, logger *slog.Logger, devices []gpu.Device) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}

	return &Agent{
		cfg:        cfg,
		logger:     logger.With("component", "agent"),
		accountant: account.New(cfg.Mode, cfg.ProcRoot, cfg.CgroupRoot),
		table:      proc.NewTable(cfg.ProcRoot, uint32(os.Getuid())),
		devices:    devices,
		hostname:   hostname,
	}, nil
}

// Run executes the sampling loop until the context is cancelled. In
// one-shot mode a single snapshot is taken after the warm-up delay.
// The loop is a plain sleep-then-sample sequence; wall-clock drift
// accumulates with cycle count and is not corrected.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent started", "mode", a.cfg.Mode, "period", a.cfg.SamplePeriod, "output_dir", a.cfg.OutputDir)

	// Prime the delta-based counters, then wait out the warm-up.
	a.prime(time.Now())
	if err := sleep(ctx, warmupDelay); err != nil {
		return nil
	}

	if !a.cfg.Continuous {
		return a.cycle(time.Now())
	}

	for {
		if err := sleep(ctx, a.cfg.SamplePeriod); err != nil {
			a.logger.Info("agent stopping", "reason", ctx.Err())
			return nil
		}
		if err := a.cycle(time.Now()); err != nil {
			// One failed hand-off must not end sampling.
			a.logger.Warn("snapshot cycle failed", "err", err)
		}
	}
}

// prime takes the throwaway first counter readings.
func (a *Agent) prime(now time.Time) {
	a.table.Refresh(now)
	a.accountant.Collect(a.table.TotalRSS())
}

// cycle performs one full measurement and hands the snapshot off.
func (a *Agent) cycle(now time.Time) error {
	snapshot := a.sample(now)

	a.mu.Lock()
	a.latest = &snapshot
	a.cycles++
	a.mu.Unlock()

	path, err := a.write(snapshot)
	if err != nil {
		return err
	}
	a.logger.Debug("snapshot saved", "path", path, "processes", len(snapshot.Processes))
	return nil
}

// sample runs the measurement steps of one cycle in order: process
// refresh, CPU/memory accounting, GPU inventory and attribution, then
// assembly.
func (a *Agent) sample(now time.Time) metrics.Snapshot {
	a.table.Refresh(now)
	report := a.accountant.Collect(a.table.TotalRSS())
	devices := gpu.Inventory(a.devices)
	attribution := gpu.Attribute(a.devices)

	return assemble(now, report, devices, attribution, a.table.Facts())
}

// Latest returns the most recently assembled snapshot.
func (a *Agent) Latest() (metrics.Snapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.latest == nil {
		return metrics.Snapshot{}, false
	}
	return *a.latest, true
}

// Cycles reports how many snapshots have been assembled.
func (a *Agent) Cycles() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cycles
}

// Ready reports whether at least one snapshot exists.
func (a *Agent) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest != nil
}

// assemble joins per-process CPU facts with GPU attribution and filters
// out processes that carried no signal this cycle.
func assemble(now time.Time, report account.Report, devices []metrics.GPURecord, attribution map[uint32]gpu.Attribution, facts []proc.Facts) metrics.Snapshot {
	processes := make([]metrics.ProcessRecord, 0, len(facts))
	for _, fact := range facts {
		attributed := attribution[uint32(fact.PID)]

		record := metrics.ProcessRecord{
			PID:             fact.PID,
			Name:            fact.Name,
			CPUUsagePercent: fact.CPUUsagePercent,
			CPUMemoryBytes:  fact.RSSBytes,
			GPUUsagePercent: attributed.UsagePercent,
			GPUMemoryBytes:  attributed.MemoryBytes,
			CPUIndices:      []int{},
			GPUIndices:      []int{},
		}
		if len(attributed.Devices) > 0 {
			record.GPUIndices = attributed.Devices
		}
		// No per-core affinity data exists for tracked processes, so a
		// busy process is reported against every resolved CPU index.
		// This is a coarse approximation, not measured affinity.
		if record.CPUUsagePercent > 0 {
			record.CPUIndices = report.Indices
		}

		if record.Active() {
			processes = append(processes, record)
		}
	}

	sort.Slice(processes, func(i, j int) bool { return processes[i].PID < processes[j].PID })

	// Consumers expect arrays, not null, for empty sections.
	cpu := report.Section
	if cpu.Cores == nil {
		cpu.Cores = []metrics.CPURecord{}
	}
	if devices == nil {
		devices = []metrics.GPURecord{}
	}

	return metrics.Snapshot{
		Timestamp: now.Unix(),
		CPU:       cpu,
		GPU:       metrics.GPUSection{Devices: devices},
		Processes: processes,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
