package persistance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/coretrusts/amdb/pkg/types"
)

// Manifest records which runs exist, the sequence number up to which the
// log has been applied to durable storage, and the commitment root taken
// at the last flush. It is rewritten atomically on every change.
type Manifest struct {
	mu       sync.RWMutex
	filePath string
	metadata ManifestData
}

type ManifestData struct {
	Version      int        `json:"version"`
	NextRunID    uint64     `json:"next_run_id"`
	Runs         []RunInfo  `json:"runs"`
	PersistedSeq types.SeqN `json:"persisted_seq"`
	MerkleRoot   string     `json:"merkle_root,omitempty"`
}

// RunInfo describes one run file. Runs are listed oldest first.
type RunInfo struct {
	ID       uint64 `json:"id"`
	FilePath string `json:"file_path"`
	Size     int64  `json:"size"`
	NumKeys  int    `json:"num_keys"`
}

func NewManifest(dataDir string) *Manifest {
	return &Manifest{
		filePath: filepath.Join(dataDir, "MANIFEST"),
		metadata: ManifestData{
			Version:   1,
			NextRunID: 1,
		},
	}
}

// Load reads the manifest from disk, creating a fresh one if none exists.
func (m *Manifest) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.filePath); os.IsNotExist(err) {
		return m.save()
	}

	data, err := os.ReadFile(m.filePath)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m.metadata); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}

	return nil
}

func (m *Manifest) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.save()
}

// save writes the manifest to a temp file and renames it into place, so a
// crash mid-write leaves the previous manifest intact.
func (m *Manifest) save() error {
	dir := filepath.Dir(m.filePath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	data, err := json.MarshalIndent(m.metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tmpPath := m.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmpPath, m.filePath); err != nil {
		return fmt.Errorf("failed to replace manifest: %w", err)
	}

	return nil
}

// NextRunID hands out the next run identifier and advances the counter in
// memory. The counter reaches disk with the next Save.
func (m *Manifest) NextRunID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.metadata.NextRunID
	m.metadata.NextRunID++
	return id
}

// AddRun appends run info and persists the manifest.
func (m *Manifest) AddRun(info RunInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metadata.Runs = append(m.metadata.Runs, info)
	if info.ID >= m.metadata.NextRunID {
		m.metadata.NextRunID = info.ID + 1
	}
	return m.save()
}

// Runs returns a copy of the run list, oldest first.
func (m *Manifest) Runs() []RunInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]RunInfo, len(m.metadata.Runs))
	copy(out, m.metadata.Runs)
	return out
}

func (m *Manifest) PersistedSeq() types.SeqN {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadata.PersistedSeq
}

// SetPersistedSeq records the durability watermark together with the
// commitment root taken at the same flush, then persists the manifest.
func (m *Manifest) SetPersistedSeq(seq types.SeqN, merkleRoot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metadata.PersistedSeq = seq
	m.metadata.MerkleRoot = merkleRoot
	return m.save()
}

func (m *Manifest) MerkleRoot() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadata.MerkleRoot
}
