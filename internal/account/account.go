// Package account resolves the CPU set and memory load available to the
// job from multiple partial sources. No single source is trustworthy on
// its own: cgroup files may be absent in unprivileged containers, the
// Slurm environment may be unset, and per-process summation undercounts
// shared pages. The accountant consults them in a fixed priority order
// and takes conservative bounds where two sources disagree.
package account

import (
	"github.com/jobscope/jobscope-agent/internal/cgroup"
	"github.com/jobscope/jobscope-agent/internal/config"
	"github.com/jobscope/jobscope-agent/internal/metrics"
	"github.com/jobscope/jobscope-agent/internal/slurm"
	"github.com/jobscope/jobscope-agent/internal/sysstat"
)

const mib = uint64(1024 * 1024)

// Report is the accountant's per-cycle output: the CPU section of the
// snapshot plus the resolved CPU set the assembler attributes to busy
// processes.
type Report struct {
	Section metrics.CPUSection
	Indices []int
}

// Accountant combines cpuset, Slurm environment, cgroup and raw host
// readings into one CPU set and one memory load per cycle.
type Accountant struct {
	mode       config.Mode
	procRoot   string
	cgroupRoot string
	tracker    *sysstat.CPUTracker
	cpuName    string
}

// New builds an accountant for the given mode reading under the given
// filesystem roots.
func New(mode config.Mode, procRoot, cgroupRoot string) *Accountant {
	return &Accountant{
		mode:       mode,
		procRoot:   procRoot,
		cgroupRoot: cgroupRoot,
		tracker:    sysstat.NewCPUTracker(procRoot),
		cpuName:    sysstat.ModelName(procRoot),
	}
}

// Collect resolves the cycle's CPU set and memory load. trackedRSS is
// the summed resident memory of the processes currently tracked by the
// enumerator; it participates in the used-memory cross-check.
func (a *Accountant) Collect(trackedRSS uint64) Report {
	samples, _ := a.tracker.Sample()

	allowed, allocCount := a.resolveCPUSet(samples)
	included := make(map[int]bool, len(allowed))
	for _, index := range allowed {
		included[index] = true
	}

	cores := make([]metrics.CPURecord, 0, len(allowed))
	for _, sample := range samples {
		if !included[sample.Index] {
			continue
		}
		cores = append(cores, metrics.CPURecord{
			Index:        sample.Index,
			Name:         a.cpuName,
			UsagePercent: sample.UsagePercent,
		})
	}

	return Report{
		Section: metrics.CPUSection{
			Cores:  cores,
			Memory: a.memory(allocCount, trackedRSS),
		},
		Indices: allowed,
	}
}

// resolveCPUSet determines which CPU ordinals belong to the job and how
// many CPUs the allocation grants (the multiplier for per-CPU memory).
// Local mode includes every host CPU. Slurm mode prefers the explicit
// cpuset, then the allocated-CPU-count environment value, then all host
// CPUs.
func (a *Accountant) resolveCPUSet(samples []sysstat.CPUSample) (allowed []int, allocCount int) {
	hostCount := len(samples)
	all := make([]int, 0, hostCount)
	for _, sample := range samples {
		all = append(all, sample.Index)
	}

	if a.mode != config.ModeSlurm {
		return all, hostCount
	}

	if cpus, ok := slurm.AllowedCPUs(a.procRoot); ok {
		return cpus, len(cpus)
	}
	if count, ok := slurm.CPUsOnNode(); ok {
		if count > hostCount {
			count = hostCount
		}
		return all[:count], count
	}
	return all, hostCount
}

// memory resolves the cycle's memory load for the active mode.
func (a *Accountant) memory(allocCount int, trackedRSS uint64) metrics.MemoryLoad {
	hostUsed, hostTotal, hostOK := sysstat.Memory(a.procRoot)

	if a.mode != config.ModeSlurm {
		if !hostOK {
			return metrics.MemoryLoad{}
		}
		return metrics.MemoryLoad{UsedBytes: hostUsed, TotalBytes: hostTotal}.Clamped()
	}

	location, haveCgroup := cgroup.Locate(a.procRoot, a.cgroupRoot)

	var cgroupLimit uint64
	haveLimit := false
	if haveCgroup {
		cgroupLimit, haveLimit = location.MemoryLimit()
	}

	envTotal, haveEnv := firstUint(
		slurm.MemTotalOverrideMiB,
		func() (uint64, bool) {
			perCPU, ok := slurm.MemPerCPUMiB()
			if !ok || allocCount <= 0 {
				return 0, false
			}
			return perCPU * uint64(allocCount), true
		},
		slurm.MemPerNodeMiB,
	)

	// The environment states what the allocation requested and the
	// cgroup what the kernel enforces; the job can exceed neither.
	var total uint64
	switch {
	case haveEnv && haveLimit:
		total = min(envTotal*mib, cgroupLimit)
	case haveEnv:
		total = envTotal * mib
	case haveLimit:
		total = cgroupLimit
	default:
		total = hostTotal
	}

	var used uint64
	var peak *uint64
	haveUsage := false
	if haveCgroup {
		var current uint64
		if current, peak, haveUsage = location.MemoryUsage(); haveUsage {
			used = current
		}
	}
	if trackedRSS > used {
		used = trackedRSS
	}
	if !haveUsage && trackedRSS == 0 {
		used = hostUsed
	}

	return metrics.MemoryLoad{UsedBytes: used, TotalBytes: total, PeakBytes: peak}.Clamped()
}

// firstUint returns the first candidate that reports a value. Candidates
// encode the source priority order; adding a source means adding a
// candidate, not another conditional.
func firstUint(candidates ...func() (uint64, bool)) (uint64, bool) {
	for _, candidate := range candidates {
		if value, ok := candidate(); ok {
			return value, true
		}
	}
	return 0, false
}
