package httpserver

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// snapshotCollector exports the latest snapshot as Prometheus metrics.
// Values are read straight off the cached snapshot on scrape; no extra
// sampling happens.
type snapshotCollector struct {
	source SnapshotSource

	cpuUsage    *prometheus.Desc
	memUsed     *prometheus.Desc
	memTotal    *prometheus.Desc
	gpuUsage    *prometheus.Desc
	gpuMemUsed  *prometheus.Desc
	gpuMemTotal *prometheus.Desc
	processes   *prometheus.Desc
	timestamp   *prometheus.Desc
}

func newSnapshotCollector(source SnapshotSource) prometheus.Collector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName("jobscope", subsystem, name),
			help,
			labels,
			nil,
		)
	}

	return &snapshotCollector{
		source:      source,
		cpuUsage:    desc("cpu", "core_usage_percent", "Per-core CPU usage percentage over the last sampling interval.", "core"),
		memUsed:     desc("memory", "used_bytes", "Memory charged to the tracked scope, in bytes."),
		memTotal:    desc("memory", "total_bytes", "Effective memory budget of the tracked scope, in bytes."),
		gpuUsage:    desc("gpu", "usage_percent", "Device-level GPU utilization percentage.", "gpu"),
		gpuMemUsed:  desc("gpu", "memory_used_bytes", "GPU memory in use, in bytes.", "gpu"),
		gpuMemTotal: desc("gpu", "memory_total_bytes", "GPU memory capacity, in bytes.", "gpu"),
		processes:   desc("agent", "tracked_processes", "Processes with activity in the latest snapshot."),
		timestamp:   desc("agent", "snapshot_timestamp_seconds", "Unix timestamp of the latest snapshot."),
	}
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpuUsage
	ch <- c.memUsed
	ch <- c.memTotal
	ch <- c.gpuUsage
	ch <- c.gpuMemUsed
	ch <- c.gpuMemTotal
	ch <- c.processes
	ch <- c.timestamp
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot, ok := c.source.Latest()
	if !ok {
		return
	}

	gauge := func(desc *prometheus.Desc, value float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value, labels...)
	}

	for _, core := range snapshot.CPU.Cores {
		gauge(c.cpuUsage, core.UsagePercent, strconv.Itoa(core.Index))
	}
	gauge(c.memUsed, float64(snapshot.CPU.Memory.UsedBytes))
	gauge(c.memTotal, float64(snapshot.CPU.Memory.TotalBytes))

	for _, device := range snapshot.GPU.Devices {
		label := strconv.Itoa(device.Index)
		gauge(c.gpuUsage, device.UsagePercent, label)
		gauge(c.gpuMemUsed, float64(device.Memory.UsedBytes), label)
		gauge(c.gpuMemTotal, float64(device.Memory.TotalBytes), label)
	}

	gauge(c.processes, float64(len(snapshot.Processes)))
	gauge(c.timestamp, float64(snapshot.Timestamp))
}

var _ prometheus.Collector = (*snapshotCollector)(nil)
