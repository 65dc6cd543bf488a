// Package proc discovers and tracks the processes owned by the job's
// user. The table is the only state carried across sampling cycles: it
// is mutated exclusively here, via insert on first sight, update on
// refresh and prune when a pid stops being readable.
package proc

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

// userHz is the kernel jiffy rate /proc/<pid>/stat counters tick at.
const userHz = 100

// Facts are the per-process values refreshed every cycle.
type Facts struct {
	PID             int32
	Name            string
	CPUUsagePercent float64
	RSSBytes        uint64
}

type entry struct {
	name         string
	cpuTicks     uint64
	rssBytes     uint64
	usagePercent float64
}

// Table tracks the owned process set across cycles.
type Table struct {
	procRoot    string
	uid         uint32
	pageSize    uint64
	entries     map[int32]*entry
	lastRefresh time.Time
}

// NewTable builds a table scanning under procRoot for processes owned
// by uid.
func NewTable(procRoot string, uid uint32) *Table {
	return &Table{
		procRoot: procRoot,
		uid:      uid,
		pageSize: uint64(os.Getpagesize()),
		entries:  make(map[int32]*entry),
	}
}

// Refresh rescans the process directory and updates the table. The
// candidate set is the union of currently visible owned pids and every
// pid already tracked, so a process that exited or went idle since the
// last cycle is still visited and observed as gone. Only that set is
// read, never the whole system process table.
func (t *Table) Refresh(now time.Time) {
	candidates := t.discoverOwned()
	for pid := range t.entries {
		candidates[pid] = true
	}

	elapsed := now.Sub(t.lastRefresh).Seconds()
	firstCycle := t.lastRefresh.IsZero()

	for pid := range candidates {
		name, cpuTicks, rssPages, ok := t.readStat(pid)
		if !ok {
			delete(t.entries, pid)
			continue
		}

		current, tracked := t.entries[pid]
		if !tracked {
			current = &entry{}
			t.entries[pid] = current
		}

		current.usagePercent = 0
		if tracked && !firstCycle && elapsed > 0 && cpuTicks >= current.cpuTicks {
			deltaSeconds := float64(cpuTicks-current.cpuTicks) / userHz
			current.usagePercent = deltaSeconds / elapsed * 100
		}
		current.name = name
		current.cpuTicks = cpuTicks
		current.rssBytes = rssPages * t.pageSize
	}

	t.lastRefresh = now
}

// Facts returns the refreshed per-process values.
func (t *Table) Facts() []Facts {
	facts := make([]Facts, 0, len(t.entries))
	for pid, e := range t.entries {
		facts = append(facts, Facts{
			PID:             pid,
			Name:            e.name,
			CPUUsagePercent: e.usagePercent,
			RSSBytes:        e.rssBytes,
		})
	}
	return facts
}

// TotalRSS sums resident memory across all tracked processes.
func (t *Table) TotalRSS() uint64 {
	var total uint64
	for _, e := range t.entries {
		total += e.rssBytes
	}
	return total
}

// discoverOwned lists the pids under procRoot whose directory is owned
// by the table's uid. Other tenants' processes never enter the table.
func (t *Table) discoverOwned() map[int32]bool {
	owned := make(map[int32]bool)
	entries, err := os.ReadDir(t.procRoot)
	if err != nil {
		return owned
	}
	for _, dirEntry := range entries {
		if !dirEntry.IsDir() {
			continue
		}
		pid, err := strconv.ParseInt(dirEntry.Name(), 10, 32)
		if err != nil || pid <= 0 {
			continue
		}
		info, err := os.Stat(filepath.Join(t.procRoot, dirEntry.Name()))
		if err != nil {
			continue
		}
		stat, ok := info.Sys().(*syscall.Stat_t)
		if !ok || stat.Uid != t.uid {
			continue
		}
		owned[int32(pid)] = true
	}
	return owned
}

// readStat parses name, cumulative CPU ticks (utime+stime) and resident
// pages from /proc/<pid>/stat. The comm field is parenthesized and may
// itself contain spaces, so fields are split after the closing paren.
func (t *Table) readStat(pid int32) (name string, cpuTicks, rssPages uint64, ok bool) {
	data, err := os.ReadFile(filepath.Join(t.procRoot, strconv.FormatInt(int64(pid), 10), "stat"))
	if err != nil {
		return "", 0, 0, false
	}

	start := bytes.IndexByte(data, '(')
	end := bytes.LastIndexByte(data, ')')
	if start == -1 || end == -1 || end <= start {
		return "", 0, 0, false
	}
	name = string(data[start+1 : end])

	fields := bytes.Fields(data[end+1:])
	// After comm: utime is field 11, stime 12, rss 21.
	if len(fields) < 22 {
		return "", 0, 0, false
	}
	utime, err1 := strconv.ParseUint(string(fields[11]), 10, 64)
	stime, err2 := strconv.ParseUint(string(fields[12]), 10, 64)
	rss, err3 := strconv.ParseUint(string(fields[21]), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return "", 0, 0, false
	}
	return name, utime + stime, rss, true
}
