package persistance

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

var runMagic = []byte("SST\x00")

const runFormatVersion uint16 = 1

// Item is one record of a sorted run.
type Item struct {
	Key       []byte
	Value     []byte
	Version   uint64
	Timestamp int64
	Tombstone bool
}

type runIndexEntry struct {
	key    []byte
	offset int64
}

// Run is an immutable sorted table on disk. Records are laid out in key
// order, followed by a serialized bloom filter and a footer that locates
// it. Runs are written once at flush time and never rewritten.
type Run struct {
	mu       sync.RWMutex
	filePath string
	file     *os.File

	filter *bloom.BloomFilter
	index  []runIndexEntry

	numKeys int
	size    int64
}

// WriteRun persists items (which must already be sorted by key) as a new
// run at path. The bloom filter is sized for the item count at the given
// false-positive rate.
func WriteRun(path string, items []Item, fpRate float64) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create run file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)

	if _, err := writer.Write(runMagic); err != nil {
		return fmt.Errorf("failed to write run header: %w", err)
	}
	if err := binary.Write(writer, binary.LittleEndian, runFormatVersion); err != nil {
		return fmt.Errorf("failed to write run header: %w", err)
	}

	n := uint(len(items))
	if n == 0 {
		n = 1
	}
	filter := bloom.NewWithEstimates(n, fpRate)

	offset := int64(len(runMagic) + 2)
	for _, item := range items {
		filter.Add(item.Key)
		written, err := writeItem(writer, item)
		if err != nil {
			return fmt.Errorf("failed to write run record: %w", err)
		}
		offset += written
	}

	bloomOffset := offset
	if _, err := filter.WriteTo(writer); err != nil {
		return fmt.Errorf("failed to write bloom filter: %w", err)
	}

	if err := binary.Write(writer, binary.LittleEndian, bloomOffset); err != nil {
		return fmt.Errorf("failed to write run footer: %w", err)
	}
	if err := binary.Write(writer, binary.LittleEndian, uint64(len(items))); err != nil {
		return fmt.Errorf("failed to write run footer: %w", err)
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush run file: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync run file: %w", err)
	}

	return nil
}

// OpenRun opens an existing run, loads its bloom filter and builds the
// in-memory key index by scanning the record region once.
func OpenRun(path string) (*Run, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run file: %w", err)
	}

	r := &Run{filePath: path, file: file}
	if err := r.load(); err != nil {
		file.Close()
		return nil, err
	}

	return r, nil
}

func (r *Run) load() error {
	info, err := r.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat run file: %w", err)
	}
	r.size = info.Size()

	footer := make([]byte, 16)
	if _, err := r.file.ReadAt(footer, r.size-16); err != nil {
		return fmt.Errorf("failed to read run footer: %w", err)
	}
	bloomOffset := int64(binary.LittleEndian.Uint64(footer[:8]))
	numKeys := binary.LittleEndian.Uint64(footer[8:])
	if numKeys > math.MaxInt32 {
		return fmt.Errorf("run key count out of range: %d", numKeys)
	}
	r.numKeys = int(numKeys)

	header := make([]byte, len(runMagic)+2)
	if _, err := r.file.ReadAt(header, 0); err != nil {
		return fmt.Errorf("failed to read run header: %w", err)
	}
	if !bytes.Equal(header[:len(runMagic)], runMagic) {
		return fmt.Errorf("not a run file: %s", r.filePath)
	}
	if v := binary.LittleEndian.Uint16(header[len(runMagic):]); v != runFormatVersion {
		return fmt.Errorf("unsupported run format version: %d", v)
	}

	r.filter = &bloom.BloomFilter{}
	bloomReader := io.NewSectionReader(r.file, bloomOffset, r.size-16-bloomOffset)
	if _, err := r.filter.ReadFrom(bloomReader); err != nil {
		return fmt.Errorf("failed to read bloom filter: %w", err)
	}

	return r.buildIndex(int64(len(header)), bloomOffset)
}

func (r *Run) buildIndex(start, end int64) error {
	section := io.NewSectionReader(r.file, start, end-start)
	reader := bufio.NewReader(section)

	r.index = make([]runIndexEntry, 0, r.numKeys)
	offset := start
	for offset < end {
		item, consumed, err := readItem(reader)
		if err != nil {
			return fmt.Errorf("failed to index run record: %w", err)
		}
		r.index = append(r.index, runIndexEntry{key: item.Key, offset: offset})
		offset += consumed
	}

	return nil
}

// Get looks key up in this run. The bool result reports whether the run
// contains the key at all; a found tombstone is still returned.
func (r *Run) Get(key []byte) (*Item, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.file == nil {
		return nil, false, fmt.Errorf("run is closed")
	}
	if !r.filter.Test(key) {
		return nil, false, nil
	}

	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].key, key) >= 0
	})
	if i >= len(r.index) || !bytes.Equal(r.index[i].key, key) {
		return nil, false, nil
	}

	section := io.NewSectionReader(r.file, r.index[i].offset, r.size-r.index[i].offset)
	item, _, err := readItem(bufio.NewReader(section))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read run record: %w", err)
	}

	return &item, true, nil
}

// Ascend calls fn for every record in key order. Returning false stops
// the scan.
func (r *Run) Ascend(fn func(Item) bool) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.file == nil {
		return fmt.Errorf("run is closed")
	}
	for _, ent := range r.index {
		section := io.NewSectionReader(r.file, ent.offset, r.size-ent.offset)
		item, _, err := readItem(bufio.NewReader(section))
		if err != nil {
			return fmt.Errorf("failed to read run record: %w", err)
		}
		if !fn(item) {
			return nil
		}
	}
	return nil
}

func (r *Run) Len() int { return r.numKeys }

func (r *Run) Size() int64 { return r.size }

func (r *Run) FilePath() string { return r.filePath }

func (r *Run) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// writeItem lays out one record: key len (4) | key | value len (4) | value |
// version (8) | timestamp (8) | tombstone (1), little-endian.
func writeItem(w io.Writer, item Item) (int64, error) {
	if len(item.Key) > math.MaxUint32 {
		return 0, fmt.Errorf("key too large: %d", len(item.Key))
	}
	if len(item.Value) > math.MaxUint32 {
		return 0, fmt.Errorf("value too large: %d", len(item.Value))
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(item.Key))); err != nil {
		return 0, err
	}
	if _, err := w.Write(item.Key); err != nil {
		return 0, err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(item.Value))); err != nil {
		return 0, err
	}
	if _, err := w.Write(item.Value); err != nil {
		return 0, err
	}
	if err := binary.Write(w, binary.LittleEndian, item.Version); err != nil {
		return 0, err
	}
	if err := binary.Write(w, binary.LittleEndian, item.Timestamp); err != nil {
		return 0, err
	}
	tomb := uint8(0)
	if item.Tombstone {
		tomb = 1
	}
	if err := binary.Write(w, binary.LittleEndian, tomb); err != nil {
		return 0, err
	}

	return int64(4 + len(item.Key) + 4 + len(item.Value) + 8 + 8 + 1), nil
}

func readItem(r io.Reader) (Item, int64, error) {
	var item Item

	var keyLen uint32
	if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
		return item, 0, err
	}
	item.Key = make([]byte, keyLen)
	if _, err := io.ReadFull(r, item.Key); err != nil {
		return item, 0, err
	}

	var valueLen uint32
	if err := binary.Read(r, binary.LittleEndian, &valueLen); err != nil {
		return item, 0, err
	}
	item.Value = make([]byte, valueLen)
	if _, err := io.ReadFull(r, item.Value); err != nil {
		return item, 0, err
	}

	if err := binary.Read(r, binary.LittleEndian, &item.Version); err != nil {
		return item, 0, err
	}
	if err := binary.Read(r, binary.LittleEndian, &item.Timestamp); err != nil {
		return item, 0, err
	}
	var tomb uint8
	if err := binary.Read(r, binary.LittleEndian, &tomb); err != nil {
		return item, 0, err
	}
	item.Tombstone = tomb == 1

	consumed := int64(4 + keyLen + 4 + valueLen + 8 + 8 + 1)
	return item, consumed, nil
}
