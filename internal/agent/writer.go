package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jobscope/jobscope-agent/internal/metrics"
)

// write serializes one snapshot to its own file in the output
// directory. Files are never overwritten within a run because the
// epoch-second timestamp is part of the name.
func (a *Agent) write(snapshot metrics.Snapshot) (string, error) {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}

	name := fmt.Sprintf("snapshot_%s_%d.json", a.hostname, snapshot.Timestamp)
	path := filepath.Join(a.cfg.OutputDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}
