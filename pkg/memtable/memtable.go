package memtable

import (
	"bytes"
	"sort"
	"sync"

	"github.com/coretrusts/amdb/pkg/config"
)

// Memtable is the engine-facing write buffer. It owns an active skip list
// plus the immutable snapshots currently being persisted: a flush swaps the
// active list out under a short lock so new writes proceed against a fresh
// buffer while the old one is durably written (double buffering).
type Memtable struct {
	cfg config.MemtableConfig

	mu     sync.RWMutex
	active *SkipList
	// imm holds swapped-out generations, oldest first, readable until the
	// flusher confirms durability and releases them.
	imm []*Snapshot
}

// Snapshot is an immutable, sorted view of one swapped-out buffer generation.
type Snapshot struct {
	entries []Entry
}

// Entries returns the snapshot's entries in ascending key order.
func (s *Snapshot) Entries() []Entry { return s.entries }

func (s *Snapshot) Len() int { return len(s.entries) }

func (s *Snapshot) get(key []byte) (Entry, bool) {
	i := sort.Search(len(s.entries), func(i int) bool {
		return bytes.Compare(s.entries[i].Key, key) >= 0
	})
	if i < len(s.entries) && bytes.Equal(s.entries[i].Key, key) {
		return s.entries[i], true
	}
	return Entry{}, false
}

func New(cfg config.MemtableConfig) *Memtable {
	return &Memtable{
		cfg:    cfg,
		active: NewSkipList(cfg.MaxBytes, cfg.MaxLevel),
	}
}

// Upsert stores one entry in the active buffer.
func (mt *Memtable) Upsert(e Entry) error {
	mt.mu.RLock()
	active := mt.active
	mt.mu.RUnlock()
	return active.InsertOrUpdate(e)
}

// UpsertBatch applies entries under one size-budget check and reports how
// many were stored before the ceiling stopped the batch.
func (mt *Memtable) UpsertBatch(entries []Entry) (int, error) {
	mt.mu.RLock()
	active := mt.active
	mt.mu.RUnlock()
	return active.InsertBatch(entries)
}

// Get returns the live entry for key from the active buffer or, failing
// that, the newest swapped-out generation still awaiting durability.
func (mt *Memtable) Get(key []byte) (Entry, bool) {
	mt.mu.RLock()
	active := mt.active
	imm := mt.imm
	mt.mu.RUnlock()

	if e, ok := active.Get(key); ok {
		return e, true
	}
	for i := len(imm) - 1; i >= 0; i-- {
		if e, ok := imm[i].get(key); ok {
			return e, true
		}
	}
	return Entry{}, false
}

// GetAt returns the buffered entry for key only if its version does not
// exceed maxVersion; older versions live in the version chain, not here.
func (mt *Memtable) GetAt(key []byte, maxVersion uint64) (Entry, bool) {
	e, ok := mt.Get(key)
	if !ok || e.Version > maxVersion {
		return Entry{}, false
	}
	return e, true
}

// Swap freezes the active buffer into an immutable snapshot and installs a
// fresh one. Returns nil when there is nothing to flush.
func (mt *Memtable) Swap() *Snapshot {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if mt.active.Len() == 0 {
		return nil
	}

	snap := &Snapshot{entries: mt.active.Sorted()}
	mt.active = NewSkipList(mt.cfg.MaxBytes, mt.cfg.MaxLevel)
	mt.imm = append(mt.imm, snap)
	return snap
}

// Release drops a snapshot once its entries are durable in sorted storage.
func (mt *Memtable) Release(snap *Snapshot) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	for i, s := range mt.imm {
		if s == snap {
			mt.imm = append(mt.imm[:i], mt.imm[i+1:]...)
			return
		}
	}
}

// Ascend walks the active buffer in key order.
func (mt *Memtable) Ascend(fn func(Entry) bool) {
	mt.mu.RLock()
	active := mt.active
	mt.mu.RUnlock()
	active.Ascend(fn)
}

// Size reports active buffered bytes.
func (mt *Memtable) Size() int64 {
	mt.mu.RLock()
	active := mt.active
	mt.mu.RUnlock()
	return active.Size()
}

func (mt *Memtable) Len() int {
	mt.mu.RLock()
	active := mt.active
	mt.mu.RUnlock()
	return active.Len()
}
