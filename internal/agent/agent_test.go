package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jobscope/jobscope-agent/internal/account"
	"github.com/jobscope/jobscope-agent/internal/config"
	"github.com/jobscope/jobscope-agent/internal/gpu"
	"github.com/jobscope/jobscope-agent/internal/metrics"
	"github.com/jobscope/jobscope-agent/internal/proc"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestAssembleFiltersIdleProcesses(t *testing.T) {
	report := account.Report{
		Section: metrics.CPUSection{Memory: metrics.MemoryLoad{UsedBytes: 1, TotalBytes: 2}},
		Indices: []int{0, 1},
	}
	facts := []proc.Facts{
		{PID: 10, Name: "busy", CPUUsagePercent: 12.5, RSSBytes: 4096},
		{PID: 11, Name: "idle", CPUUsagePercent: 0, RSSBytes: 0},
		{PID: 12, Name: "resident", CPUUsagePercent: 0, RSSBytes: 8192},
	}

	snap := assemble(time.Unix(1700000000, 0), report, nil, nil, facts)

	if snap.Timestamp != 1700000000 {
		t.Fatalf("timestamp = %d, want 1700000000", snap.Timestamp)
	}
	if len(snap.Processes) != 2 {
		t.Fatalf("got %d processes, want 2 (idle one dropped)", len(snap.Processes))
	}
	if snap.Processes[0].PID != 10 || snap.Processes[1].PID != 12 {
		t.Fatalf("unexpected pids: %d, %d", snap.Processes[0].PID, snap.Processes[1].PID)
	}
}

func TestAssembleGPUOnlyProcessKept(t *testing.T) {
	attribution := map[uint32]gpu.Attribution{
		20: {UsagePercent: 30, MemoryBytes: 1 << 20, Devices: []int{1}},
	}
	facts := []proc.Facts{{PID: 20, Name: "render", CPUUsagePercent: 0, RSSBytes: 0}}

	snap := assemble(time.Now(), account.Report{Indices: []int{0}}, nil, attribution, facts)

	if len(snap.Processes) != 1 {
		t.Fatalf("got %d processes, want 1", len(snap.Processes))
	}
	p := snap.Processes[0]
	if p.GPUUsagePercent != 30 || p.GPUMemoryBytes != 1<<20 {
		t.Fatalf("gpu attribution lost: %+v", p)
	}
	if len(p.GPUIndices) != 1 || p.GPUIndices[0] != 1 {
		t.Fatalf("gpu indices = %v, want [1]", p.GPUIndices)
	}
	if len(p.CPUIndices) != 0 {
		t.Fatalf("cpu indices = %v, want empty for zero cpu usage", p.CPUIndices)
	}
}

func TestAssembleCPUIndicesForBusyProcess(t *testing.T) {
	report := account.Report{Indices: []int{0, 1, 2, 3}}
	facts := []proc.Facts{{PID: 30, Name: "worker", CPUUsagePercent: 50}}

	snap := assemble(time.Now(), report, nil, nil, facts)

	if len(snap.Processes) != 1 {
		t.Fatalf("got %d processes, want 1", len(snap.Processes))
	}
	got := snap.Processes[0].CPUIndices
	if len(got) != 4 {
		t.Fatalf("cpu indices = %v, want all four resolved indices", got)
	}
}

func TestAssembleEmptySlicesNotNull(t *testing.T) {
	facts := []proc.Facts{{PID: 40, Name: "holder", RSSBytes: 100}}

	snap := assemble(time.Now(), account.Report{Indices: []int{0}}, nil, nil, facts)

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "null") {
		t.Fatalf("snapshot JSON contains null: %s", data)
	}
}

func TestWriteSnapshotFile(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{Mode: config.ModeLocal, OutputDir: dir, ProcRoot: "/proc", CgroupRoot: "/sys/fs/cgroup"}

	a, err := New(cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.hostname = "node01"

	snapshot := metrics.Snapshot{
		Timestamp: 1700000042,
		Processes: []metrics.ProcessRecord{},
	}
	path, err := a.write(snapshot)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if filepath.Base(path) != "snapshot_node01_1700000042.json" {
		t.Fatalf("unexpected file name %q", filepath.Base(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var decoded metrics.Snapshot
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Timestamp != snapshot.Timestamp {
		t.Fatalf("timestamp = %d, want %d", decoded.Timestamp, snapshot.Timestamp)
	}
}

func TestRunOneShot(t *testing.T) {
	procRoot := t.TempDir()
	mustWrite(t, filepath.Join(procRoot, "stat"),
		"cpu  100 0 100 800 0 0 0 0 0 0\ncpu0 100 0 100 800 0 0 0 0 0 0\n")
	mustWrite(t, filepath.Join(procRoot, "meminfo"),
		"MemTotal:       16777216 kB\nMemFree:        8388608 kB\nMemAvailable:   8388608 kB\n")
	mustWrite(t, filepath.Join(procRoot, "cpuinfo"), "model name\t: test cpu\n")

	out := t.TempDir()
	cfg := config.Config{
		Mode:       config.ModeLocal,
		OutputDir:  out,
		ProcRoot:   procRoot,
		CgroupRoot: t.TempDir(),
		Continuous: false,
	}

	a, err := New(cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if a.Ready() {
		t.Fatal("agent ready before any cycle")
	}
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !a.Ready() {
		t.Fatal("agent not ready after one-shot run")
	}
	if a.Cycles() != 1 {
		t.Fatalf("cycles = %d, want 1", a.Cycles())
	}

	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatalf("read output dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d output files, want 1", len(entries))
	}
	if !strings.HasPrefix(entries[0].Name(), "snapshot_") {
		t.Fatalf("unexpected file name %q", entries[0].Name())
	}

	latest, ok := a.Latest()
	if !ok {
		t.Fatal("Latest returned no snapshot")
	}
	if latest.CPU.Memory.TotalBytes == 0 {
		t.Fatal("host memory total not resolved")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	procRoot := t.TempDir()
	mustWrite(t, filepath.Join(procRoot, "stat"), "cpu  1 0 1 8 0 0 0 0 0 0\ncpu0 1 0 1 8 0 0 0 0 0 0\n")
	mustWrite(t, filepath.Join(procRoot, "meminfo"), "MemTotal: 1024 kB\nMemFree: 512 kB\nMemAvailable: 512 kB\n")

	cfg := config.Config{
		Mode:         config.ModeLocal,
		OutputDir:    t.TempDir(),
		ProcRoot:     procRoot,
		CgroupRoot:   t.TempDir(),
		Continuous:   true,
		SamplePeriod: time.Hour,
	}
	a, err := New(cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
