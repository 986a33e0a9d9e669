package memtable

import (
	"fmt"
	"testing"

	"github.com/coretrusts/amdb/pkg/config"
)

func testConfig() config.MemtableConfig {
	return config.MemtableConfig{MaxBytes: 1 << 20, MaxLevel: DefaultMaxLevel}
}

func TestMemtableSwapAndLookup(t *testing.T) {
	mt := New(testConfig())

	for i := 0; i < 4; i++ {
		err := mt.Upsert(Entry{
			Key:     []byte(fmt.Sprintf("k%d", i)),
			Value:   []byte(fmt.Sprintf("v%d", i)),
			Version: uint64(i + 1),
		})
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	snap := mt.Swap()
	if snap == nil {
		t.Fatal("Swap returned nil for a non-empty buffer")
	}
	if snap.Len() != 4 {
		t.Fatalf("expected 4 snapshot entries, got %d", snap.Len())
	}
	if mt.Len() != 0 {
		t.Fatalf("active buffer must be empty after swap, got %d entries", mt.Len())
	}

	// Swapped-out entries stay readable until released.
	if _, ok := mt.Get([]byte("k2")); !ok {
		t.Fatal("key k2 unreadable while its snapshot awaits durability")
	}

	mt.Release(snap)
	if _, ok := mt.Get([]byte("k2")); ok {
		t.Fatal("key k2 still readable after its snapshot was released")
	}
}

func TestMemtableSwapEmpty(t *testing.T) {
	mt := New(testConfig())
	if snap := mt.Swap(); snap != nil {
		t.Fatalf("Swap of an empty buffer must return nil, got %d entries", snap.Len())
	}
}

func TestMemtableNewestGenerationWins(t *testing.T) {
	mt := New(testConfig())

	if err := mt.Upsert(Entry{Key: []byte("k"), Value: []byte("gen1"), Version: 1}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	first := mt.Swap()

	if err := mt.Upsert(Entry{Key: []byte("k"), Value: []byte("gen2"), Version: 2}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	second := mt.Swap()

	e, ok := mt.Get([]byte("k"))
	if !ok {
		t.Fatal("key k not found across generations")
	}
	if string(e.Value) != "gen2" {
		t.Fatalf("expected newest generation value gen2, got %q", e.Value)
	}

	mt.Release(second)
	e, ok = mt.Get([]byte("k"))
	if !ok || string(e.Value) != "gen1" {
		t.Fatalf("expected older generation value gen1, got %q (found=%v)", e.Value, ok)
	}
	mt.Release(first)
}

func TestMemtableGetAt(t *testing.T) {
	mt := New(testConfig())

	if err := mt.Upsert(Entry{Key: []byte("k"), Value: []byte("v"), Version: 7}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if _, ok := mt.GetAt([]byte("k"), 3); ok {
		t.Fatal("entry with version 7 must be invisible at max version 3")
	}
	if e, ok := mt.GetAt([]byte("k"), 7); !ok || e.Version != 7 {
		t.Fatalf("entry must be visible at max version 7, got found=%v version=%d", ok, e.Version)
	}
}

func TestMemtableUpsertBatchPartial(t *testing.T) {
	entry := func(i int) Entry {
		return Entry{Key: []byte(fmt.Sprintf("k%02d", i)), Value: []byte("0123456789")}
	}
	e0 := entry(0)
	cfg := config.MemtableConfig{MaxBytes: 2 * e0.Size(), MaxLevel: DefaultMaxLevel}
	mt := New(cfg)

	applied, err := mt.UpsertBatch([]Entry{entry(0), entry(1), entry(2)})
	if err == nil {
		t.Fatal("expected capacity error")
	}
	if applied != 2 {
		t.Fatalf("expected 2 applied entries, got %d", applied)
	}
}
