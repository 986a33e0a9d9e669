package version

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/coretrusts/amdb/pkg/dberrors"
)

var snapshotMagic = []byte("VER\x00")

const snapshotFormatVersion uint16 = 1

// SaveSnapshot writes every chain to path so a restart reconstructs an
// identical Manager. coveredSeq is the newest log sequence number whose
// write is contained in the snapshot; a restart must not re-mint records
// at or below it. Layout: magic, format version, covered seq, key count,
// then per key the current version and its full record list, all
// length-prefixed little-endian, with a SHA-256 checksum trailer over
// everything before it.
func (m *Manager) SaveSnapshot(path string, coveredSeq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create version snapshot: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	w := bufio.NewWriter(io.MultiWriter(file, hash))

	if _, err := w.Write(snapshotMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, snapshotFormatVersion); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, coveredSeq); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(m.chains))); err != nil {
		return err
	}

	// Deterministic key order keeps the file byte-stable for a given state.
	keys := make([]string, 0, len(m.chains))
	for k := range m.chains {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := writeBytes(w, []byte(k)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, m.current[k]); err != nil {
			return err
		}
		chain := m.chains[k]
		if err := binary.Write(w, binary.LittleEndian, uint32(len(chain))); err != nil {
			return err
		}
		for _, rec := range chain {
			if err := writeRecord(w, rec); err != nil {
				return err
			}
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush version snapshot: %w", err)
	}
	if _, err := file.Write(hash.Sum(nil)); err != nil {
		return fmt.Errorf("failed to write snapshot checksum: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync version snapshot: %w", err)
	}

	return nil
}

// LoadSnapshot replaces the manager's state with the snapshot at path and
// returns the sequence number the snapshot covers. A missing file leaves the
// manager empty and covers nothing; a corrupt one is an integrity error.
func (m *Manager) LoadSnapshot(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read version snapshot: %w", err)
	}

	if len(data) < len(snapshotMagic)+2+8+8+sha256.Size {
		return 0, fmt.Errorf("%w: version snapshot truncated", dberrors.ErrIntegrity)
	}

	body, trailer := data[:len(data)-sha256.Size], data[len(data)-sha256.Size:]
	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:], trailer) {
		return 0, fmt.Errorf("%w: version snapshot checksum mismatch", dberrors.ErrIntegrity)
	}

	r := bytes.NewReader(body)

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil || !bytes.Equal(magic, snapshotMagic) {
		return 0, fmt.Errorf("%w: not a version snapshot", dberrors.ErrIntegrity)
	}
	var formatVersion uint16
	if err := binary.Read(r, binary.LittleEndian, &formatVersion); err != nil {
		return 0, err
	}
	if formatVersion != snapshotFormatVersion {
		return 0, fmt.Errorf("%w: unsupported version snapshot format %d",
			dberrors.ErrIntegrity, formatVersion)
	}

	var coveredSeq uint64
	if err := binary.Read(r, binary.LittleEndian, &coveredSeq); err != nil {
		return 0, err
	}

	var keyCount uint64
	if err := binary.Read(r, binary.LittleEndian, &keyCount); err != nil {
		return 0, err
	}

	chains := make(map[string][]*Record, keyCount)
	current := make(map[string]uint64, keyCount)

	for i := uint64(0); i < keyCount; i++ {
		key, err := readBytes(r)
		if err != nil {
			return 0, fmt.Errorf("failed to read snapshot key: %w", err)
		}
		var cur uint64
		if err := binary.Read(r, binary.LittleEndian, &cur); err != nil {
			return 0, err
		}
		var recCount uint32
		if err := binary.Read(r, binary.LittleEndian, &recCount); err != nil {
			return 0, err
		}

		chain := make([]*Record, 0, recCount)
		for j := uint32(0); j < recCount; j++ {
			rec, err := readRecord(r)
			if err != nil {
				return 0, fmt.Errorf("failed to read snapshot record: %w", err)
			}
			chain = append(chain, rec)
		}

		chains[string(key)] = chain
		current[string(key)] = cur
	}

	m.mu.Lock()
	m.chains = chains
	m.current = current
	m.mu.Unlock()

	return coveredSeq, nil
}

func writeRecord(w io.Writer, rec *Record) error {
	if err := binary.Write(w, binary.LittleEndian, rec.Version); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, rec.Timestamp); err != nil {
		return err
	}
	tomb := uint8(0)
	if rec.Tombstone {
		tomb = 1
	}
	if err := binary.Write(w, binary.LittleEndian, tomb); err != nil {
		return err
	}
	if err := writeBytes(w, rec.Value); err != nil {
		return err
	}
	return writeBytes(w, rec.PrevHash)
}

func readRecord(r io.Reader) (*Record, error) {
	rec := &Record{}
	if err := binary.Read(r, binary.LittleEndian, &rec.Version); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &rec.Timestamp); err != nil {
		return nil, err
	}
	var tomb uint8
	if err := binary.Read(r, binary.LittleEndian, &tomb); err != nil {
		return nil, err
	}
	rec.Tombstone = tomb == 1

	value, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	rec.Value = value

	prevHash, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	if len(prevHash) > 0 {
		rec.PrevHash = prevHash
	}
	return rec, nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
