package memtable

import "bytes"

// entryOverhead is the fixed per-entry cost charged against the buffer
// ceiling on top of key and value bytes: version (8) + timestamp (8) +
// tombstone flag (1).
const entryOverhead = 17

// Entry is one buffered write. A key has exactly one live Entry; newer
// writes supersede it in place.
type Entry struct {
	Key       []byte
	Value     []byte
	Version   uint64
	Timestamp int64
	Tombstone bool
}

// Size is the number of bytes this entry charges against the ceiling.
func (e *Entry) Size() int64 {
	return int64(len(e.Key)) + int64(len(e.Value)) + entryOverhead
}

func (e *Entry) Less(than *Entry) bool {
	return bytes.Compare(e.Key, than.Key) < 0
}
