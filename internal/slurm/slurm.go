// Package slurm reads the allocation facts a Slurm job exposes to the
// processes it runs: the scheduling-affinity cpuset and the SLURM_*
// environment. Readers report absence instead of failing; the accountant
// decides which source wins.
package slurm

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ParseCPUList expands a kernel cpuset list ("0-2,4") into the ordered
// set of CPU ordinals it names. Malformed fragments are skipped.
func ParseCPUList(list string) []int {
	var cpus []int
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if start, end, found := strings.Cut(part, "-"); found {
			lo, err1 := strconv.Atoi(start)
			hi, err2 := strconv.Atoi(end)
			if err1 != nil || err2 != nil {
				continue
			}
			for i := lo; i <= hi; i++ {
				cpus = append(cpus, i)
			}
			continue
		}
		if i, err := strconv.Atoi(part); err == nil {
			cpus = append(cpus, i)
		}
	}
	return cpus
}

// AllowedCPUs reads the agent's own scheduling-affinity cpuset from the
// Cpus_allowed_list line of the status file under procRoot.
func AllowedCPUs(procRoot string) ([]int, bool) {
	data, err := os.ReadFile(filepath.Join(procRoot, "self", "status"))
	if err != nil {
		return nil, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if rest, found := strings.CutPrefix(line, "Cpus_allowed_list:"); found {
			cpus := ParseCPUList(strings.TrimSpace(rest))
			if len(cpus) == 0 {
				return nil, false
			}
			return cpus, true
		}
	}
	return nil, false
}

// CPUsOnNode reports the allocated CPU count from SLURM_CPUS_ON_NODE.
func CPUsOnNode() (int, bool) {
	raw := strings.TrimSpace(os.Getenv("SLURM_CPUS_ON_NODE"))
	if raw == "" {
		return 0, false
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count <= 0 {
		return 0, false
	}
	return count, true
}

// MemPerCPUMiB reports the per-CPU memory grant from SLURM_MEM_PER_CPU.
func MemPerCPUMiB() (uint64, bool) {
	return parseMemMiB(os.Getenv("SLURM_MEM_PER_CPU"))
}

// MemPerNodeMiB reports the per-node memory grant from SLURM_MEM_PER_NODE.
func MemPerNodeMiB() (uint64, bool) {
	return parseMemMiB(os.Getenv("SLURM_MEM_PER_NODE"))
}

// MemTotalOverrideMiB reports the launcher-computed total memory for the
// job from JOBSCOPE_MEM_TOTAL_MIB. The launcher derives it from
// scontrol's ReqMem arithmetic; the agent itself never shells out.
func MemTotalOverrideMiB() (uint64, bool) {
	return parseMemMiB(os.Getenv("JOBSCOPE_MEM_TOTAL_MIB"))
}

// parseMemMiB parses Slurm memory values: a number in MiB with an
// optional K/M/G/T/P suffix. Empty, zero and malformed values read as
// absent.
func parseMemMiB(raw string) (uint64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" {
		return 0, false
	}

	factor := 1.0
	switch last := raw[len(raw)-1]; last {
	case 'K', 'k':
		factor, raw = 1.0/1024.0, raw[:len(raw)-1]
	case 'M', 'm':
		factor, raw = 1.0, raw[:len(raw)-1]
	case 'G', 'g':
		factor, raw = 1024.0, raw[:len(raw)-1]
	case 'T', 't':
		factor, raw = 1024.0*1024.0, raw[:len(raw)-1]
	case 'P', 'p':
		factor, raw = 1024.0*1024.0*1024.0, raw[:len(raw)-1]
	}

	num, err := strconv.ParseFloat(raw, 64)
	if err != nil || num <= 0 {
		return 0, false
	}
	mib := uint64(num * factor)
	if mib == 0 {
		return 0, false
	}
	return mib, true
}
