// Package sysstat reads raw host-level CPU and memory counters from
// procfs. Per-CPU usage is a delta between two readings, so the tracker
// keeps the previous counters; the first sample after startup reports
// zero usage for every CPU.
package sysstat

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// CPUSample is one CPU core's usage over the last tracking interval.
type CPUSample struct {
	Index        int
	UsagePercent float64
}

type cpuTimes struct {
	busy  uint64
	total uint64
}

// CPUTracker computes per-CPU usage percentages from consecutive
// /proc/stat readings.
type CPUTracker struct {
	procRoot string
	prev     map[int]cpuTimes
}

// NewCPUTracker builds a tracker reading counters under procRoot.
func NewCPUTracker(procRoot string) *CPUTracker {
	return &CPUTracker{
		procRoot: procRoot,
		prev:     make(map[int]cpuTimes),
	}
}

// Sample reads the current counters and reports usage for every host
// CPU, ordered by index. CPUs without a previous reading report zero.
func (t *CPUTracker) Sample() ([]CPUSample, bool) {
	current, ok := t.read()
	if !ok {
		return nil, false
	}

	samples := make([]CPUSample, 0, len(current))
	for index := 0; index < len(current); index++ {
		times := current[index]
		sample := CPUSample{Index: index}
		if prev, seen := t.prev[index]; seen && times.total > prev.total {
			busyDelta := float64(times.busy - prev.busy)
			totalDelta := float64(times.total - prev.total)
			sample.UsagePercent = busyDelta / totalDelta * 100
		}
		samples = append(samples, sample)
		t.prev[index] = times
	}
	return samples, true
}

// read parses the per-cpu lines of /proc/stat into busy/total jiffies,
// keyed by CPU ordinal.
func (t *CPUTracker) read() (map[int]cpuTimes, bool) {
	data, err := os.ReadFile(filepath.Join(t.procRoot, "stat"))
	if err != nil {
		return nil, false
	}

	result := make(map[int]cpuTimes)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 8 || !strings.HasPrefix(fields[0], "cpu") || fields[0] == "cpu" {
			continue
		}
		index, err := strconv.Atoi(fields[0][3:])
		if err != nil {
			continue
		}

		var times cpuTimes
		for i, field := range fields[1:] {
			value, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				break
			}
			times.total += value
			// idle (field 4) and iowait (field 5) do not count as busy.
			if i != 3 && i != 4 {
				times.busy += value
			}
		}
		result[index] = times
	}
	if len(result) == 0 {
		return nil, false
	}
	return result, true
}

// ModelName reports the host CPU model from /proc/cpuinfo, if readable.
func ModelName(procRoot string) string {
	data, err := os.ReadFile(filepath.Join(procRoot, "cpuinfo"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "model name") {
			if _, value, found := strings.Cut(line, ":"); found {
				return strings.TrimSpace(value)
			}
		}
	}
	return ""
}

// Memory reports host used and total memory in bytes. It prefers
// /proc/meminfo (MemAvailable-based used calculation) and falls back to
// the sysinfo syscall when procfs is unreadable.
func Memory(procRoot string) (used, total uint64, ok bool) {
	if used, total, ok = memoryFromMeminfo(procRoot); ok {
		return used, total, true
	}
	return memoryFromSysinfo()
}

func memoryFromMeminfo(procRoot string) (used, total uint64, ok bool) {
	data, err := os.ReadFile(filepath.Join(procRoot, "meminfo"))
	if err != nil {
		return 0, 0, false
	}

	info := make(map[string]uint64)
	for _, line := range strings.Split(string(data), "\n") {
		key, rest, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		value, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		info[key] = value * 1024
	}

	total = info["MemTotal"]
	if total == 0 {
		return 0, 0, false
	}
	if available, present := info["MemAvailable"]; present && available <= total {
		return total - available, total, true
	}
	free := info["MemFree"] + info["Buffers"] + info["Cached"] + info["SReclaimable"]
	if free > total {
		free = total
	}
	return total - free, total, true
}

func memoryFromSysinfo() (used, total uint64, ok bool) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0, false
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	total = uint64(info.Totalram) * unit
	free := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	if free > total {
		free = total
	}
	return total - free, total, true
}
