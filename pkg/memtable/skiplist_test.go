package memtable

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coretrusts/amdb/pkg/dberrors"
)

func TestSkipListOrdering(t *testing.T) {
	s := NewSkipList(1<<20, DefaultMaxLevel)

	// Insert out of order, expect ascending byte order back.
	keys := []string{"pear", "apple", "zebra", "banana", "apple2", "a"}
	for _, k := range keys {
		err := s.InsertOrUpdate(Entry{Key: []byte(k), Value: []byte("v"), Version: 1})
		require.NoError(t, err)
	}

	var got [][]byte
	s.Ascend(func(e Entry) bool {
		got = append(got, e.Key)
		return true
	})

	require.Len(t, got, len(keys))
	for i := 1; i < len(got); i++ {
		require.Negative(t, bytes.Compare(got[i-1], got[i]),
			"keys must be strictly increasing, got %q before %q", got[i-1], got[i])
	}
}

func TestSkipListUpdateInPlace(t *testing.T) {
	s := NewSkipList(1<<20, DefaultMaxLevel)

	require.NoError(t, s.InsertOrUpdate(Entry{Key: []byte("k"), Value: []byte("old"), Version: 1}))
	require.NoError(t, s.InsertOrUpdate(Entry{Key: []byte("k"), Value: []byte("newer"), Version: 2}))

	require.Equal(t, 1, s.Len())
	e, ok := s.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("newer"), e.Value)
	require.Equal(t, uint64(2), e.Version)

	// Size reflects the replacement, not both generations.
	want := (&Entry{Key: []byte("k"), Value: []byte("newer")}).Size()
	require.Equal(t, want, s.Size())
}

func TestSkipListCapacityCeiling(t *testing.T) {
	entry := func(i int) Entry {
		return Entry{Key: []byte(fmt.Sprintf("k%02d", i)), Value: []byte("0123456789")}
	}
	e0 := entry(0)
	perEntry := e0.Size()

	// Room for exactly three entries.
	s := NewSkipList(3*perEntry, DefaultMaxLevel)

	var batch []Entry
	for i := 0; i < 5; i++ {
		batch = append(batch, entry(i))
	}

	applied, err := s.InsertBatch(batch)
	require.ErrorIs(t, err, dberrors.ErrCapacity)
	require.Equal(t, 3, applied)
	require.Equal(t, 3, s.Len())
	require.LessOrEqual(t, s.Size(), 3*perEntry)

	// The boundary entry was rejected entirely, not partially applied.
	_, ok := s.Get(entry(3).Key)
	require.False(t, ok)
}

func TestSkipListSingleInsertOverCeiling(t *testing.T) {
	s := NewSkipList(10, DefaultMaxLevel)

	err := s.InsertOrUpdate(Entry{Key: []byte("key"), Value: []byte("far too large")})
	if !errors.Is(err, dberrors.ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("rejected insert must leave the list empty, got %d entries", s.Len())
	}
}

func TestSkipListSorted(t *testing.T) {
	s := NewSkipList(1<<20, 4)

	for i := 9; i >= 0; i-- {
		err := s.InsertOrUpdate(Entry{Key: []byte(fmt.Sprintf("k%d", i)), Value: []byte("v")})
		require.NoError(t, err)
	}

	sorted := s.Sorted()
	require.Len(t, sorted, 10)
	for i, e := range sorted {
		require.Equal(t, fmt.Sprintf("k%d", i), string(e.Key))
	}
}
