package memtable

import (
	"bytes"
	"sync"

	"github.com/zhangyunhao116/fastrand"

	"github.com/coretrusts/amdb/pkg/dberrors"
)

// DefaultMaxLevel caps skip-list tower height when the config leaves it zero.
const DefaultMaxLevel = 16

// skipListNode carries one Entry plus a forward-pointer tower. The tower
// height is drawn once, when the key is first inserted, and never redrawn
// on update.
type skipListNode struct {
	entry   Entry
	forward []*skipListNode
}

// SkipList is the ordered write buffer: a multi-level linked list with
// expected O(log n) search and insert, ordered by byte-lexicographic key
// comparison at every level. Mutations hold the write lock for the whole
// structural update; reads share a read lock, since partially linked nodes
// have no visibility guarantee without it.
type SkipList struct {
	mu       sync.RWMutex
	head     *skipListNode
	maxLevel int
	level    int
	maxBytes int64
	size     int64
	count    int
}

func NewSkipList(maxBytes int64, maxLevel int) *SkipList {
	if maxLevel <= 0 {
		maxLevel = DefaultMaxLevel
	}
	return &SkipList{
		head:     &skipListNode{forward: make([]*skipListNode, maxLevel)},
		maxLevel: maxLevel,
		level:    1,
		maxBytes: maxBytes,
	}
}

// randomLevel draws a tower height from a geometric distribution with
// promotion probability 1/2 per level, capped at maxLevel.
func (s *SkipList) randomLevel() int {
	level := 1
	for level < s.maxLevel && fastrand.Uint32n(2) == 1 {
		level++
	}
	return level
}

// InsertOrUpdate stores e, reusing the existing node when the key is already
// present. Returns dberrors.ErrCapacity when the write would push buffered
// bytes past the ceiling; the buffer is left untouched in that case.
func (s *SkipList) InsertOrUpdate(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(e)
}

// InsertBatch applies entries in order under a single lock acquisition and a
// single running size-budget check. The first entry that would overflow the
// ceiling stops the batch; the exact number of applied entries is returned
// together with ErrCapacity.
func (s *SkipList) InsertBatch(entries []Entry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range entries {
		if err := s.insertLocked(e); err != nil {
			return i, err
		}
	}
	return len(entries), nil
}

func (s *SkipList) insertLocked(e Entry) error {
	update := make([]*skipListNode, s.maxLevel)
	current := s.head

	for i := s.level - 1; i >= 0; i-- {
		for current.forward[i] != nil && bytes.Compare(current.forward[i].entry.Key, e.Key) < 0 {
			current = current.forward[i]
		}
		update[i] = current
	}

	current = current.forward[0]

	// Existing key: supersede in place, keep the original tower.
	if current != nil && bytes.Equal(current.entry.Key, e.Key) {
		delta := e.Size() - current.entry.Size()
		if s.size+delta > s.maxBytes {
			return dberrors.ErrCapacity
		}
		current.entry = e
		s.size += delta
		return nil
	}

	if s.size+e.Size() > s.maxBytes {
		return dberrors.ErrCapacity
	}

	level := s.randomLevel()
	if level > s.level {
		for i := s.level; i < level; i++ {
			update[i] = s.head
		}
		s.level = level
	}

	node := &skipListNode{
		entry:   e,
		forward: make([]*skipListNode, level),
	}
	for i := 0; i < level; i++ {
		node.forward[i] = update[i].forward[i]
		update[i].forward[i] = node
	}

	s.size += e.Size()
	s.count++
	return nil
}

// Get returns the live entry for key, tombstones included.
func (s *SkipList) Get(key []byte) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.head
	for i := s.level - 1; i >= 0; i-- {
		for current.forward[i] != nil && bytes.Compare(current.forward[i].entry.Key, key) < 0 {
			current = current.forward[i]
		}
	}

	current = current.forward[0]
	if current != nil && bytes.Equal(current.entry.Key, key) {
		return current.entry, true
	}
	return Entry{}, false
}

// Ascend walks entries in key order until fn returns false.
func (s *SkipList) Ascend(fn func(Entry) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for node := s.head.forward[0]; node != nil; node = node.forward[0] {
		if !fn(node.entry) {
			return
		}
	}
}

// Sorted returns a copy of all entries in ascending key order.
func (s *SkipList) Sorted() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, s.count)
	for node := s.head.forward[0]; node != nil; node = node.forward[0] {
		out = append(out, node.entry)
	}
	return out
}

// Size reports buffered bytes under the incremental accounting.
func (s *SkipList) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *SkipList) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}
