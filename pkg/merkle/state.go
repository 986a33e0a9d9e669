package merkle

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

var stateMagic = []byte("MPT\x00")

const stateFormatVersion uint16 = 1

// SaveState persists the committed root and the live key set so a restart
// reconstructs an identical commitment.
func (t *Tree) SaveState(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create merkle state directory: %w", err)
	}

	keys := t.Keys()
	root := t.Root()

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create merkle state file: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	w := bufio.NewWriter(io.MultiWriter(file, hash))

	if _, err := w.Write(stateMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, stateFormatVersion); err != nil {
		return err
	}
	if _, err := w.Write(root); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(keys))); err != nil {
		return err
	}
	for _, k := range keys {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(k))); err != nil {
			return err
		}
		if _, err := w.Write(k); err != nil {
			return err
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush merkle state: %w", err)
	}
	if _, err := file.Write(hash.Sum(nil)); err != nil {
		return fmt.Errorf("failed to write merkle state checksum: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync merkle state: %w", err)
	}

	return nil
}

// LoadState restores the key set from path and recomputes the tree. A stored
// root that disagrees with the recomputed one is an integrity error, not a
// silent repair.
func (t *Tree) LoadState(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read merkle state: %w", err)
	}

	if len(data) < len(stateMagic)+2+sha256.Size*2+8 {
		return fmt.Errorf("%w: merkle state truncated", dberrors.ErrIntegrity)
	}

	body, trailer := data[:len(data)-sha256.Size], data[len(data)-sha256.Size:]
	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:], trailer) {
		return fmt.Errorf("%w: merkle state checksum mismatch", dberrors.ErrIntegrity)
	}

	r := bytes.NewReader(body)

	magic := make([]byte, len(stateMagic))
	if _, err := io.ReadFull(r, magic); err != nil || !bytes.Equal(magic, stateMagic) {
		return fmt.Errorf("%w: not a merkle state file", dberrors.ErrIntegrity)
	}
	var formatVersion uint16
	if err := binary.Read(r, binary.LittleEndian, &formatVersion); err != nil {
		return err
	}
	if formatVersion != stateFormatVersion {
		return fmt.Errorf("%w: unsupported merkle state format %d",
			dberrors.ErrIntegrity, formatVersion)
	}

	storedRoot := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, storedRoot); err != nil {
		return err
	}

	var keyCount uint64
	if err := binary.Read(r, binary.LittleEndian, &keyCount); err != nil {
		return err
	}
	for i := uint64(0); i < keyCount; i++ {
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return err
		}
		k := make([]byte, n)
		if _, err := io.ReadFull(r, k); err != nil {
			return err
		}
		t.keys.Add(k)
	}

	root, err := t.Recompute()
	if err != nil {
		return fmt.Errorf("failed to recompute merkle root on load: %w", err)
	}
	if !bytes.Equal(root, storedRoot) {
		return fmt.Errorf("%w: merkle root mismatch after reload", dberrors.ErrIntegrity)
	}

	return nil
}
