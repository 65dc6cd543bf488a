package account

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/jobscope/jobscope-agent/internal/config"
)

const fourCPUStat = `cpu  400 0 400 3200 0 0 0 0 0 0
cpu0 100 0 100 800 0 0 0 0 0 0
cpu1 100 0 100 800 0 0 0 0 0 0
cpu2 100 0 100 800 0 0 0 0 0 0
cpu3 100 0 100 800 0 0 0 0 0 0
`

const hostMeminfo = "MemTotal: 16777216 kB\nMemFree: 8388608 kB\nMemAvailable: 8388608 kB\n"

type fixture struct {
	procRoot   string
	cgroupRoot string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{procRoot: t.TempDir(), cgroupRoot: t.TempDir()}
	mustMkdir(t, filepath.Join(f.procRoot, "self"))
	writeFile(t, filepath.Join(f.procRoot, "stat"), fourCPUStat)
	writeFile(t, filepath.Join(f.procRoot, "meminfo"), hostMeminfo)
	return f
}

func (f fixture) setCpuset(t *testing.T, list string) {
	t.Helper()
	writeFile(t, filepath.Join(f.procRoot, "self", "status"), "Cpus_allowed_list:\t"+list+"\n")
}

func (f fixture) setCgroup(t *testing.T, files map[string]string) {
	t.Helper()
	dir := filepath.Join(f.cgroupRoot, "job")
	mustMkdir(t, dir)
	writeFile(t, filepath.Join(f.procRoot, "self", "cgroup"), "0::/job\n")
	for name, content := range files {
		writeFile(t, filepath.Join(dir, name), content)
	}
}

func clearSlurmEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"SLURM_CPUS_ON_NODE", "SLURM_MEM_PER_CPU", "SLURM_MEM_PER_NODE", "JOBSCOPE_MEM_TOTAL_MIB"} {
		t.Setenv(key, "")
	}
}

func TestLocalModeIncludesAllCPUs(t *testing.T) {
	clearSlurmEnv(t)
	f := newFixture(t)

	report := New(config.ModeLocal, f.procRoot, f.cgroupRoot).Collect(0)
	if !reflect.DeepEqual(report.Indices, []int{0, 1, 2, 3}) {
		t.Fatalf("unexpected indices %v", report.Indices)
	}
	if len(report.Section.Cores) != 4 {
		t.Fatalf("expected 4 cores, got %d", len(report.Section.Cores))
	}
	if report.Section.Memory.TotalBytes != 16777216*1024 {
		t.Fatalf("unexpected total %d", report.Section.Memory.TotalBytes)
	}
	if report.Section.Memory.PeakBytes != nil {
		t.Fatalf("local mode must not report a peak")
	}
}

func TestSlurmCPUSetPrefersCpuset(t *testing.T) {
	clearSlurmEnv(t)
	f := newFixture(t)
	f.setCpuset(t, "0-1,3")
	t.Setenv("SLURM_CPUS_ON_NODE", "2")

	report := New(config.ModeSlurm, f.procRoot, f.cgroupRoot).Collect(0)
	if !reflect.DeepEqual(report.Indices, []int{0, 1, 3}) {
		t.Fatalf("unexpected indices %v", report.Indices)
	}
	indices := make([]int, 0, len(report.Section.Cores))
	for _, core := range report.Section.Cores {
		indices = append(indices, core.Index)
	}
	if !reflect.DeepEqual(indices, []int{0, 1, 3}) {
		t.Fatalf("unexpected core indices %v", indices)
	}
}

func TestSlurmCPUSetFallsBackToEnvCount(t *testing.T) {
	clearSlurmEnv(t)
	f := newFixture(t)
	t.Setenv("SLURM_CPUS_ON_NODE", "2")

	report := New(config.ModeSlurm, f.procRoot, f.cgroupRoot).Collect(0)
	if !reflect.DeepEqual(report.Indices, []int{0, 1}) {
		t.Fatalf("unexpected indices %v", report.Indices)
	}
}

func TestSlurmCPUSetFallsBackToAllCPUs(t *testing.T) {
	clearSlurmEnv(t)
	f := newFixture(t)

	report := New(config.ModeSlurm, f.procRoot, f.cgroupRoot).Collect(0)
	if !reflect.DeepEqual(report.Indices, []int{0, 1, 2, 3}) {
		t.Fatalf("unexpected indices %v", report.Indices)
	}
}

func TestMemoryTotalPerCPUTimesAllocatedCount(t *testing.T) {
	clearSlurmEnv(t)
	f := newFixture(t)
	f.setCpuset(t, "0-3")
	t.Setenv("SLURM_MEM_PER_CPU", "1024")

	report := New(config.ModeSlurm, f.procRoot, f.cgroupRoot).Collect(0)
	if got := report.Section.Memory.TotalBytes; got != 4096*1024*1024 {
		t.Fatalf("expected 4096 MiB, got %d", got)
	}
}

func TestMemoryTotalMinOfEnvAndCgroup(t *testing.T) {
	clearSlurmEnv(t)
	f := newFixture(t)
	f.setCpuset(t, "0-3")
	t.Setenv("SLURM_MEM_PER_CPU", "1024")
	f.setCgroup(t, map[string]string{
		"memory.max":     "2147483648\n",
		"memory.current": "1048576\n",
	})

	report := New(config.ModeSlurm, f.procRoot, f.cgroupRoot).Collect(0)
	if got := report.Section.Memory.TotalBytes; got != 2048*1024*1024 {
		t.Fatalf("expected min(4096, 2048) MiB, got %d", got)
	}
}

func TestMemoryTotalOverrideWins(t *testing.T) {
	clearSlurmEnv(t)
	f := newFixture(t)
	f.setCpuset(t, "0-3")
	t.Setenv("JOBSCOPE_MEM_TOTAL_MIB", "512")
	t.Setenv("SLURM_MEM_PER_CPU", "1024")
	t.Setenv("SLURM_MEM_PER_NODE", "8192")

	report := New(config.ModeSlurm, f.procRoot, f.cgroupRoot).Collect(0)
	if got := report.Section.Memory.TotalBytes; got != 512*1024*1024 {
		t.Fatalf("expected the override to win, got %d", got)
	}
}

func TestMemoryTotalCgroupSentinelFallsThrough(t *testing.T) {
	clearSlurmEnv(t)
	f := newFixture(t)
	f.setCgroup(t, map[string]string{
		"memory.max":     "max\n",
		"memory.current": "1048576\n",
	})

	report := New(config.ModeSlurm, f.procRoot, f.cgroupRoot).Collect(0)
	if got := report.Section.Memory.TotalBytes; got != 16777216*1024 {
		t.Fatalf("expected host total after the sentinel, got %d", got)
	}
}

func TestMemoryUsedMaxOfCgroupAndRSS(t *testing.T) {
	clearSlurmEnv(t)
	f := newFixture(t)
	f.setCgroup(t, map[string]string{
		"memory.max":     "8589934592\n",
		"memory.current": "1073741824\n",
		"memory.peak":    "2147483648\n",
	})

	acct := New(config.ModeSlurm, f.procRoot, f.cgroupRoot)

	report := acct.Collect(512 * 1024 * 1024)
	if got := report.Section.Memory.UsedBytes; got != 1073741824 {
		t.Fatalf("cgroup usage must win when larger, got %d", got)
	}
	if peak := report.Section.Memory.PeakBytes; peak == nil || *peak != 2147483648 {
		t.Fatalf("unexpected peak %v", peak)
	}

	report = acct.Collect(3 * 1024 * 1024 * 1024)
	if got := report.Section.Memory.UsedBytes; got != 3*1024*1024*1024 {
		t.Fatalf("tracked RSS must win when larger, got %d", got)
	}
}

func TestMemoryUsedFallsBackToHost(t *testing.T) {
	clearSlurmEnv(t)
	f := newFixture(t)

	report := New(config.ModeSlurm, f.procRoot, f.cgroupRoot).Collect(0)
	if got := report.Section.Memory.UsedBytes; got != 8388608*1024 {
		t.Fatalf("expected host used memory, got %d", got)
	}
}

func TestMemoryUsedClampedToTotal(t *testing.T) {
	clearSlurmEnv(t)
	f := newFixture(t)
	t.Setenv("JOBSCOPE_MEM_TOTAL_MIB", "1024")

	report := New(config.ModeSlurm, f.procRoot, f.cgroupRoot).Collect(8 * 1024 * 1024 * 1024)
	memory := report.Section.Memory
	if memory.UsedBytes > memory.TotalBytes {
		t.Fatalf("used %d exceeds total %d", memory.UsedBytes, memory.TotalBytes)
	}
	if memory.UsedBytes != 1024*1024*1024 {
		t.Fatalf("expected clamp to total, got %d", memory.UsedBytes)
	}
}

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
