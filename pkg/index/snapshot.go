package index

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/coretrusts/amdb/pkg/dberrors"
)

var snapshotMagic = []byte("IDX\x00")

const snapshotFormatVersion uint16 = 1

// Save writes the full index to path: magic, format version, entry count,
// then per key its latest version, timestamp and tombstone flag, with a
// SHA-256 checksum trailer.
func (ix *Index) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create index snapshot: %w", err)
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
	if err := binary.Write(w, binary.LittleEndian, uint64(ix.m.Len())); err != nil {
		return err
	}

	var writeErr error
	ix.m.Range(func(key []byte, e Entry) bool {
		if writeErr = writeEntry(w, key, e); writeErr != nil {
			return false
		}
		return true
	})
	if writeErr != nil {
		return fmt.Errorf("failed to write index entry: %w", writeErr)
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush index snapshot: %w", err)
	}
	if _, err := file.Write(hash.Sum(nil)); err != nil {
		return fmt.Errorf("failed to write snapshot checksum: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync index snapshot: %w", err)
	}

	return nil
}

// Load merges the snapshot at path into the index. A missing file is not
// an error; a corrupt one is an integrity error.
func (ix *Index) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read index snapshot: %w", err)
	}

	if len(data) < len(snapshotMagic)+2+8+sha256.Size {
		return fmt.Errorf("%w: index snapshot truncated", dberrors.ErrIntegrity)
	}

	body, trailer := data[:len(data)-sha256.Size], data[len(data)-sha256.Size:]
	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:], trailer) {
		return fmt.Errorf("%w: index snapshot checksum mismatch", dberrors.ErrIntegrity)
	}

	r := bytes.NewReader(body)

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil || !bytes.Equal(magic, snapshotMagic) {
		return fmt.Errorf("%w: not an index snapshot", dberrors.ErrIntegrity)
	}
	var formatVersion uint16
	if err := binary.Read(r, binary.LittleEndian, &formatVersion); err != nil {
		return err
	}
	if formatVersion != snapshotFormatVersion {
		return fmt.Errorf("%w: unsupported index snapshot format %d",
			dberrors.ErrIntegrity, formatVersion)
	}

	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return err
	}

	for i := uint64(0); i < count; i++ {
		key, entry, err := readEntry(r)
		if err != nil {
			return fmt.Errorf("failed to read index entry: %w", err)
		}
		ix.m.Store(key, entry)
	}

	return nil
}

func writeEntry(w io.Writer, key []byte, e Entry) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(key))); err != nil {
		return err
	}
	if _, err := w.Write(key); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, e.Version); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, e.Timestamp); err != nil {
		return err
	}
	tomb := uint8(0)
	if e.Tombstone {
		tomb = 1
	}
	return binary.Write(w, binary.LittleEndian, tomb)
}

func readEntry(r io.Reader) ([]byte, Entry, error) {
	var e Entry

	var keyLen uint32
	if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
		return nil, e, err
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, e, err
	}

	if err := binary.Read(r, binary.LittleEndian, &e.Version); err != nil {
		return nil, e, err
	}
	if err := binary.Read(r, binary.LittleEndian, &e.Timestamp); err != nil {
		return nil, e, err
	}
	var tomb uint8
	if err := binary.Read(r, binary.LittleEndian, &tomb); err != nil {
		return nil, e, err
	}
	e.Tombstone = tomb == 1

	return key, e, nil
}
