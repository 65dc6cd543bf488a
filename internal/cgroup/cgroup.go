// Package cgroup reads memory accounting for the cgroup the agent runs
// in. All readers are best-effort: a missing file, an unparsable value or
// an "unlimited" sentinel reports absence, never an error.
package cgroup

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Version identifies the cgroup hierarchy layout in use.
type Version int

const (
	// V1 is the legacy per-controller hierarchy.
	V1 Version = 1
	// V2 is the unified hierarchy.
	V2 Version = 2
)

// v1 setups sometimes report an effectively-unlimited limit as a huge
// number rather than a dedicated sentinel; treat anything this large as
// "no limit".
const v1UnlimitedThreshold = uint64(1) << 60

// Location points at the version-specific accounting directory for the
// agent's own cgroup.
type Location struct {
	Path    string
	Version Version
}

// Locate resolves the agent's cgroup memory accounting directory from
// the membership file under procRoot. The first usable membership line
// wins: the unified (v2) hierarchy, or the v1 hierarchy that carries the
// memory controller.
func Locate(procRoot, cgroupRoot string) (Location, bool) {
	data, err := os.ReadFile(filepath.Join(procRoot, "self", "cgroup"))
	if err != nil {
		return Location{}, false
	}
	return parseMembership(string(data), cgroupRoot)
}

// parseMembership scans membership records of the form
// "hierarchy:controllers:path". An empty controllers field denotes the
// unified hierarchy; a controllers field containing "memory" denotes the
// v1 memory hierarchy.
func parseMembership(data, cgroupRoot string) (Location, bool) {
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		controllers, path := parts[1], parts[2]

		if controllers == "" {
			return Location{Path: cgroupRoot + path, Version: V2}, true
		}
		for _, controller := range strings.Split(controllers, ",") {
			if controller == "memory" {
				return Location{Path: filepath.Join(cgroupRoot, "memory") + path, Version: V1}, true
			}
		}
	}
	return Location{}, false
}

// MemoryLimit reports the memory ceiling imposed on the cgroup, if any.
// The v2 "max" sentinel and v1 effectively-unlimited values read as
// absent so callers fall through to the next total-memory source.
func (l Location) MemoryLimit() (uint64, bool) {
	switch l.Version {
	case V2:
		data, err := os.ReadFile(filepath.Join(l.Path, "memory.max"))
		if err != nil {
			return 0, false
		}
		raw := strings.TrimSpace(string(data))
		if raw == "max" {
			return 0, false
		}
		limit, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, false
		}
		return limit, true
	case V1:
		limit, ok := readUint(filepath.Join(l.Path, "memory.limit_in_bytes"))
		if !ok || limit >= v1UnlimitedThreshold {
			return 0, false
		}
		return limit, true
	}
	return 0, false
}

// MemoryUsage reports the cgroup's current memory usage and, when the
// kernel exposes one, its lifetime peak.
func (l Location) MemoryUsage() (current uint64, peak *uint64, ok bool) {
	var currentFile, peakFile string
	switch l.Version {
	case V2:
		currentFile, peakFile = "memory.current", "memory.peak"
	case V1:
		currentFile, peakFile = "memory.usage_in_bytes", "memory.max_usage_in_bytes"
	default:
		return 0, nil, false
	}

	current, ok = readUint(filepath.Join(l.Path, currentFile))
	if !ok {
		return 0, nil, false
	}
	if value, ok := readUint(filepath.Join(l.Path, peakFile)); ok {
		peak = &value
	}
	return current, peak, true
}

func readUint(path string) (uint64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	value, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}
