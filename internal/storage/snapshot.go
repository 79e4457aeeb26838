package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"matchcore/internal/book"
)

// Snapshot is a point-in-time capture of every pair's visible depth,
// written periodically for post-mortem inspection and cold-start
// display.
type Snapshot struct {
	Seq    uint64                        `json:"seq"`
	TsUnix int64                         `json:"ts"`
	Books  map[string]book.DepthSnapshot `json:"books"`
}

// SnapshotManager handles saving and loading snapshots.
type SnapshotManager struct {
	dir string
}

// NewSnapshotManager creates a manager writing under dir.
func NewSnapshotManager(dir string) *SnapshotManager {
	return &SnapshotManager{dir: dir}
}

// Save writes a snapshot to disk.
func (sm *SnapshotManager) Save(snap *Snapshot) error {
	if err := os.MkdirAll(sm.dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	filename := fmt.Sprintf("snapshot_%d_%d.json", snap.Seq, snap.TsUnix)
	path := filepath.Join(sm.dir, filename)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	slog.Info("SNAPSHOT_SAVED",
		slog.Uint64("seq", snap.Seq),
		slog.String("path", path))
	return nil
}

// LoadLatest loads the most recent snapshot. Returns nil when none
// exists.
func (sm *SnapshotManager) LoadLatest() (*Snapshot, error) {
	entries, err := os.ReadDir(sm.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot dir: %w", err)
	}

	names := snapshotNames(entries)
	if len(names) == 0 {
		return nil, nil
	}

	path := filepath.Join(sm.dir, names[len(names)-1])
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot %s: %w", path, err)
	}
	return &snap, nil
}

// Prune keeps the newest keep snapshots and removes the rest.
func (sm *SnapshotManager) Prune(keep int) error {
	entries, err := os.ReadDir(sm.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	names := snapshotNames(entries)
	if len(names) <= keep {
		return nil
	}

	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(sm.dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// snapshotNames returns snapshot files sorted oldest first by the seq
// embedded in the name.
func snapshotNames(entries []os.DirEntry) []string {
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "snapshot_") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return snapshotSeq(names[i]) < snapshotSeq(names[j])
	})
	return names
}

func snapshotSeq(name string) uint64 {
	parts := strings.Split(strings.TrimSuffix(name, ".json"), "_")
	if len(parts) < 2 {
		return 0
	}
	seq, _ := strconv.ParseUint(parts[1], 10, 64)
	return seq
}
