// Package index maintains the live-state view of the store: for every key
// ever written, the latest version, its timestamp and whether that version
// is a tombstone. It answers point lookups and ordered scans without
// touching version chains.
package index

import (
	"bytes"

	"github.com/zhangyunhao116/skipmap"
)

// Entry is the latest known state of one key.
type Entry struct {
	Version   uint64
	Timestamp int64
	Tombstone bool
}

type orderedMap = skipmap.FuncMap[[]byte, Entry]

// Index is safe for concurrent use; ordering is byte-lexicographic.
type Index struct {
	m *orderedMap
}

func New() *Index {
	return &Index{
		m: skipmap.NewFunc[[]byte, Entry](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

// Put records that key now has version ver. A later Put for the same key
// overwrites the entry.
func (ix *Index) Put(key []byte, ver uint64, ts int64) {
	k := make([]byte, len(key))
	copy(k, key)
	ix.m.Store(k, Entry{Version: ver, Timestamp: ts})
}

// Delete records a tombstone version for key. The key stays in the index;
// callers distinguish deleted from never-written through the entry.
func (ix *Index) Delete(key []byte, ver uint64, ts int64) {
	k := make([]byte, len(key))
	copy(k, key)
	ix.m.Store(k, Entry{Version: ver, Timestamp: ts, Tombstone: true})
}

func (ix *Index) Get(key []byte) (Entry, bool) {
	return ix.m.Load(key)
}

// Ascend visits every entry in key order. Returning false stops the scan.
func (ix *Index) Ascend(fn func(key []byte, e Entry) bool) {
	ix.m.Range(fn)
}

// LiveKeys returns all keys whose latest version is not a tombstone, in
// key order.
func (ix *Index) LiveKeys() [][]byte {
	var keys [][]byte
	ix.m.Range(func(key []byte, e Entry) bool {
		if !e.Tombstone {
			keys = append(keys, key)
		}
		return true
	})
	return keys
}

func (ix *Index) Len() int {
	return ix.m.Len()
}
