package persistance

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// RunSet owns every run on disk plus the manifest that lists them. Lookups
// scan runs newest first, so a key flushed twice resolves to its latest
// persisted state.
type RunSet struct {
	mu       sync.RWMutex
	dataDir  string
	runs     []*Run // oldest first
	manifest *Manifest

	bloomFPRate float64
}

func NewRunSet(dataDir string, bloomFPRate float64) *RunSet {
	return &RunSet{
		dataDir:     dataDir,
		manifest:    NewManifest(dataDir),
		bloomFPRate: bloomFPRate,
	}
}

// Open loads the manifest and reopens every run it lists. A run file that
// fails to open is skipped with a warning rather than blocking startup;
// its records are still recoverable from the log.
func (rs *RunSet) Open() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if err := os.MkdirAll(rs.dataDir, 0750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := rs.manifest.Load(); err != nil {
		return err
	}

	for _, info := range rs.manifest.Runs() {
		run, err := OpenRun(info.FilePath)
		if err != nil {
			slog.Warn("failed to open run, skipping", "path", info.FilePath, "error", err)
			continue
		}
		rs.runs = append(rs.runs, run)
	}

	return nil
}

// WriteAndAdd persists items as a new run, registers it in the manifest
// and makes it visible to lookups.
func (rs *RunSet) WriteAndAdd(items []Item) error {
	if len(items) == 0 {
		return nil
	}

	id := rs.manifest.NextRunID()
	path := filepath.Join(rs.dataDir, fmt.Sprintf("%06d.sst", id))

	if err := WriteRun(path, items, rs.bloomFPRate); err != nil {
		return err
	}
	run, err := OpenRun(path)
	if err != nil {
		return err
	}

	if err := rs.manifest.AddRun(RunInfo{
		ID:       id,
		FilePath: path,
		Size:     run.Size(),
		NumKeys:  run.Len(),
	}); err != nil {
		run.Close()
		return err
	}

	rs.mu.Lock()
	rs.runs = append(rs.runs, run)
	rs.mu.Unlock()

	return nil
}

// Get returns the newest persisted record for key. The bool result reports
// whether any run contains the key; a tombstone is still returned.
func (rs *RunSet) Get(key []byte) (*Item, bool, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	for i := len(rs.runs) - 1; i >= 0; i-- {
		item, found, err := rs.runs[i].Get(key)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read run %s: %w", rs.runs[i].FilePath(), err)
		}
		if found {
			return item, true, nil
		}
	}

	return nil, false, nil
}

func (rs *RunSet) Manifest() *Manifest { return rs.manifest }

func (rs *RunSet) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.runs)
}

func (rs *RunSet) Close() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var firstErr error
	for _, run := range rs.runs {
		if err := run.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	rs.runs = nil
	return firstErr
}
