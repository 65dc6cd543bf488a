// Package metrics defines the snapshot value types emitted once per
// sampling cycle. A Snapshot is immutable after assembly; the boundary
// layer serializes it and discards it.
package metrics

// Snapshot is the complete result of one sampling cycle.
type Snapshot struct {
	Timestamp int64           `json:"timestamp"`
	CPU       CPUSection      `json:"cpu"`
	GPU       GPUSection      `json:"gpu"`
	Processes []ProcessRecord `json:"processes"`
}

// CPUSection carries per-core usage and the job's memory load.
type CPUSection struct {
	Cores  []CPURecord `json:"cores"`
	Memory MemoryLoad  `json:"memory"`
}

// GPUSection carries per-device telemetry.
type GPUSection struct {
	Devices []GPURecord `json:"devices"`
}

// MemoryLoad describes memory consumption against a ceiling.
// PeakBytes, when present, is a lifetime high-water mark independent of
// the current cycle's UsedBytes.
type MemoryLoad struct {
	UsedBytes  uint64  `json:"used_bytes"`
	TotalBytes uint64  `json:"total_bytes"`
	PeakBytes  *uint64 `json:"peak_bytes,omitempty"`
}

// Clamped returns a copy with UsedBytes bounded by TotalBytes.
func (m MemoryLoad) Clamped() MemoryLoad {
	if m.TotalBytes > 0 && m.UsedBytes > m.TotalBytes {
		m.UsedBytes = m.TotalBytes
	}
	return m
}

// CPURecord describes one CPU core included in the resolved CPU set.
type CPURecord struct {
	Index        int     `json:"index"`
	Name         string  `json:"name,omitempty"`
	UsagePercent float64 `json:"usage_percent"`
}

// GPURecord describes one GPU device.
type GPURecord struct {
	Index        int        `json:"index"`
	Name         string     `json:"name,omitempty"`
	UsagePercent float64    `json:"usage_percent"`
	Memory       MemoryLoad `json:"memory"`
}

// ProcessRecord describes one owned process that showed activity during
// the cycle. GPU figures are estimates attributed from device-level
// counters, not exact per-process measurements.
type ProcessRecord struct {
	PID             int32   `json:"pid"`
	Name            string  `json:"name,omitempty"`
	CPUUsagePercent float64 `json:"cpu_usage_percent"`
	CPUMemoryBytes  uint64  `json:"cpu_memory_bytes"`
	GPUUsagePercent float64 `json:"gpu_usage_percent"`
	GPUMemoryBytes  uint64  `json:"gpu_memory_bytes"`
	CPUIndices      []int   `json:"cpu_indices"`
	GPUIndices      []int   `json:"gpu_indices"`
}

// Active reports whether the process carried any signal this cycle.
// Fully idle processes are dropped from snapshots.
func (p ProcessRecord) Active() bool {
	return p.CPUUsagePercent > 0 || p.GPUUsagePercent > 0 || p.CPUMemoryBytes > 0
}
