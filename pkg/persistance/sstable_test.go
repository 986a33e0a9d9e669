package persistance

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
)

func testItems(n int) []Item {
	items := make([]Item, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, Item{
			Key:       []byte(fmt.Sprintf("key-%03d", i)),
			Value:     []byte(fmt.Sprintf("value-%d", i)),
			Version:   uint64(i + 1),
			Timestamp: int64(1000 + i),
		})
	}
	sort.Slice(items, func(i, j int) bool {
		return bytes.Compare(items[i].Key, items[j].Key) < 0
	})
	return items
}

func TestRunRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.sst")
	items := testItems(20)

	if err := WriteRun(path, items, 0.01); err != nil {
		t.Fatalf("WriteRun failed: %v", err)
	}
	run, err := OpenRun(path)
	if err != nil {
		t.Fatalf("OpenRun failed: %v", err)
	}
	defer run.Close()

	if run.Len() != len(items) {
		t.Fatalf("expected %d keys, got %d", len(items), run.Len())
	}

	for _, want := range items {
		got, found, err := run.Get(want.Key)
		if err != nil {
			t.Fatalf("Get %q failed: %v", want.Key, err)
		}
		if !found {
			t.Fatalf("key %q not found", want.Key)
		}
		if !bytes.Equal(got.Value, want.Value) || got.Version != want.Version ||
			got.Timestamp != want.Timestamp || got.Tombstone != want.Tombstone {
			t.Fatalf("record mismatch for %q: want %+v, got %+v", want.Key, want, got)
		}
	}
}

func TestRunAbsentKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.sst")
	if err := WriteRun(path, testItems(10), 0.01); err != nil {
		t.Fatalf("WriteRun failed: %v", err)
	}
	run, err := OpenRun(path)
	if err != nil {
		t.Fatalf("OpenRun failed: %v", err)
	}
	defer run.Close()

	_, found, err := run.Get([]byte("no-such-key"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Fatal("absent key reported as found")
	}
}

func TestRunTombstonePersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.sst")
	items := []Item{{Key: []byte("dead"), Version: 3, Timestamp: 7, Tombstone: true}}

	if err := WriteRun(path, items, 0.01); err != nil {
		t.Fatalf("WriteRun failed: %v", err)
	}
	run, err := OpenRun(path)
	if err != nil {
		t.Fatalf("OpenRun failed: %v", err)
	}
	defer run.Close()

	got, found, err := run.Get([]byte("dead"))
	if err != nil || !found {
		t.Fatalf("tombstone not found: found=%v err=%v", found, err)
	}
	if !got.Tombstone || got.Version != 3 {
		t.Fatalf("tombstone record mismatch: %+v", got)
	}
}

func TestRunAscendOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.sst")
	items := testItems(15)
	if err := WriteRun(path, items, 0.01); err != nil {
		t.Fatalf("WriteRun failed: %v", err)
	}
	run, err := OpenRun(path)
	if err != nil {
		t.Fatalf("OpenRun failed: %v", err)
	}
	defer run.Close()

	var prev []byte
	count := 0
	err = run.Ascend(func(it Item) bool {
		if prev != nil && bytes.Compare(prev, it.Key) >= 0 {
			t.Fatalf("scan out of order: %q then %q", prev, it.Key)
		}
		prev = it.Key
		count++
		return true
	})
	if err != nil {
		t.Fatalf("Ascend failed: %v", err)
	}
	if count != len(items) {
		t.Fatalf("expected %d scanned records, got %d", len(items), count)
	}
}

func TestRunSetNewestWins(t *testing.T) {
	rs := NewRunSet(t.TempDir(), 0.01)
	if err := rs.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer rs.Close()

	if err := rs.WriteAndAdd([]Item{{Key: []byte("k"), Value: []byte("old"), Version: 1}}); err != nil {
		t.Fatalf("first WriteAndAdd failed: %v", err)
	}
	if err := rs.WriteAndAdd([]Item{{Key: []byte("k"), Value: []byte("new"), Version: 2}}); err != nil {
		t.Fatalf("second WriteAndAdd failed: %v", err)
	}

	item, found, err := rs.Get([]byte("k"))
	if err != nil || !found {
		t.Fatalf("Get failed: found=%v err=%v", found, err)
	}
	if string(item.Value) != "new" || item.Version != 2 {
		t.Fatalf("expected the newest run's record, got %+v", item)
	}
}

func TestRunSetReopen(t *testing.T) {
	dir := t.TempDir()

	rs := NewRunSet(dir, 0.01)
	if err := rs.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := rs.WriteAndAdd(testItems(5)); err != nil {
		t.Fatalf("WriteAndAdd failed: %v", err)
	}
	if err := rs.Manifest().SetPersistedSeq(5, "abcd"); err != nil {
		t.Fatalf("SetPersistedSeq failed: %v", err)
	}
	if err := rs.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := NewRunSet(dir, 0.01)
	if err := reopened.Open(); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if reopened.Len() != 1 {
		t.Fatalf("expected 1 run after reopen, got %d", reopened.Len())
	}
	if seq := reopened.Manifest().PersistedSeq(); seq != 5 {
		t.Fatalf("expected persisted seq 5, got %d", seq)
	}
	if root := reopened.Manifest().MerkleRoot(); root != "abcd" {
		t.Fatalf("expected merkle root abcd, got %q", root)
	}

	item, found, err := reopened.Get([]byte("key-003"))
	if err != nil || !found {
		t.Fatalf("Get after reopen failed: found=%v err=%v", found, err)
	}
	if item.Version != 4 {
		t.Fatalf("unexpected version after reopen: %d", item.Version)
	}
}

func TestWriteRunEmpty(t *testing.T) {
	rs := NewRunSet(t.TempDir(), 0.01)
	if err := rs.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer rs.Close()

	if err := rs.WriteAndAdd(nil); err != nil {
		t.Fatalf("empty WriteAndAdd must be a no-op, got %v", err)
	}
	if rs.Len() != 0 {
		t.Fatalf("no run expected, got %d", rs.Len())
	}
}
