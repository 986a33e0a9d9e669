package version

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/coretrusts/amdb/pkg/dberrors"
)

func TestVersionNumbering(t *testing.T) {
	m := NewManager()

	r1 := m.Create([]byte("k"), []byte("v1"), false)
	r2 := m.Create([]byte("k"), []byte("v2"), false)
	other := m.Create([]byte("other"), []byte("x"), false)

	if r1.Version != 1 || r2.Version != 2 {
		t.Fatalf("expected versions 1,2 for k, got %d,%d", r1.Version, r2.Version)
	}
	if other.Version != 1 {
		t.Fatalf("independent key must start at version 1, got %d", other.Version)
	}
	if m.CurrentVersion([]byte("k")) != 2 {
		t.Fatalf("current version mismatch: %d", m.CurrentVersion([]byte("k")))
	}
}

func TestChainLinkage(t *testing.T) {
	m := NewManager()

	r1 := m.Create([]byte("k"), []byte("v1"), false)
	r2 := m.Create([]byte("k"), []byte("v2"), false)

	if r1.PrevHash != nil {
		t.Fatal("first record must not carry a prev hash")
	}
	if !bytes.Equal(r2.PrevHash, r1.Digest()) {
		t.Fatal("second record's prev hash must equal the first record's digest")
	}
	if err := m.VerifyChain([]byte("k")); err != nil {
		t.Fatalf("VerifyChain failed on an intact chain: %v", err)
	}
}

func TestChainTamperDetected(t *testing.T) {
	m := NewManager()
	m.Create([]byte("k"), []byte("v1"), false)
	m.Create([]byte("k"), []byte("v2"), false)

	m.mu.Lock()
	m.chains["k"][0].Value = []byte("forged")
	m.mu.Unlock()

	err := m.VerifyChain([]byte("k"))
	if !errors.Is(err, dberrors.ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity after tampering, got %v", err)
	}
}

func TestCreateBatchRepeatedKeys(t *testing.T) {
	m := NewManager()

	records := m.CreateBatch([]Item{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("a"), Value: []byte("2")},
		{Key: []byte("b"), Value: []byte("3")},
		{Key: []byte("a"), Value: []byte("4")},
	})

	wantVersions := []uint64{1, 2, 1, 3}
	for i, rec := range records {
		if rec.Version != wantVersions[i] {
			t.Fatalf("record %d: expected version %d, got %d", i, wantVersions[i], rec.Version)
		}
	}
	if err := m.VerifyChain([]byte("a")); err != nil {
		t.Fatalf("VerifyChain failed after batch: %v", err)
	}
}

func TestHistoryBounds(t *testing.T) {
	m := NewManager()
	for i := 1; i <= 5; i++ {
		m.Create([]byte("k"), []byte(fmt.Sprintf("v%d", i)), false)
	}

	all := m.History([]byte("k"), 0, 0)
	if len(all) != 5 {
		t.Fatalf("open-bounded history: expected 5 records, got %d", len(all))
	}

	mid := m.History([]byte("k"), 2, 4)
	if len(mid) != 3 || mid[0].Version != 2 || mid[2].Version != 4 {
		t.Fatalf("bounded history [2,4] wrong: %d records", len(mid))
	}
}

func TestAtAndAtTime(t *testing.T) {
	m := NewManager()
	r1 := m.CreateAt([]byte("k"), []byte("v1"), false, 100)
	m.CreateAt([]byte("k"), []byte("v2"), false, 200)

	rec, ok := m.At([]byte("k"), 1)
	if !ok || !bytes.Equal(rec.Value, r1.Value) {
		t.Fatal("At(1) must return the first record")
	}
	if _, ok := m.At([]byte("k"), 9); ok {
		t.Fatal("At must miss an unminted version")
	}

	rec, ok = m.AtTime([]byte("k"), 150)
	if !ok || rec.Version != 1 {
		t.Fatal("AtTime(150) must resolve to version 1")
	}
	if _, ok := m.AtTime([]byte("k"), 50); ok {
		t.Fatal("AtTime before the first write must miss")
	}
}

func TestTombstoneAdvancesVersion(t *testing.T) {
	m := NewManager()
	m.Create([]byte("k"), []byte("v1"), false)
	dead := m.Create([]byte("k"), nil, true)

	if dead.Version != 2 || !dead.Tombstone {
		t.Fatalf("tombstone must be version 2, got %d (tombstone=%v)", dead.Version, dead.Tombstone)
	}
	if err := m.VerifyChain([]byte("k")); err != nil {
		t.Fatalf("VerifyChain failed across a tombstone: %v", err)
	}
}

func TestSnapshotRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "versions.ver")

	m := NewManager()
	m.Create([]byte("a"), []byte("1"), false)
	m.Create([]byte("a"), []byte("2"), false)
	m.Create([]byte("b"), nil, true)
	if err := m.SaveSnapshot(path, 3); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	restored := NewManager()
	coveredSeq, err := restored.LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if coveredSeq != 3 {
		t.Fatalf("expected covered seq 3, got %d", coveredSeq)
	}

	for _, key := range [][]byte{[]byte("a"), []byte("b")} {
		if err := restored.VerifyChain(key); err != nil {
			t.Fatalf("restored chain for %q broken: %v", key, err)
		}
	}

	orig, _ := m.Latest([]byte("a"))
	got, ok := restored.Latest([]byte("a"))
	if !ok || !bytes.Equal(got.Value, orig.Value) || got.Version != orig.Version {
		t.Fatal("restored latest record for a does not match")
	}
	if !bytes.Equal(got.Digest(), orig.Digest()) {
		t.Fatal("restored record digest diverged")
	}

	dead, ok := restored.Latest([]byte("b"))
	if !ok || !dead.Tombstone {
		t.Fatal("restored tombstone for b lost")
	}

	// Chains survive further writes after a reload.
	restored.Create([]byte("a"), []byte("3"), false)
	if err := restored.VerifyChain([]byte("a")); err != nil {
		t.Fatalf("chain broken after post-reload write: %v", err)
	}
}

func TestSnapshotMissingFile(t *testing.T) {
	m := NewManager()
	coveredSeq, err := m.LoadSnapshot(filepath.Join(t.TempDir(), "absent.ver"))
	if err != nil {
		t.Fatalf("missing snapshot must not be an error, got %v", err)
	}
	if coveredSeq != 0 {
		t.Fatalf("missing snapshot covers nothing, got seq %d", coveredSeq)
	}
	if len(m.Keys()) != 0 {
		t.Fatal("manager must stay empty without a snapshot")
	}
}

func TestRecordDigestIsLazy(t *testing.T) {
	m := NewManager()
	rec := m.Create([]byte("k"), []byte("v"), false)

	if _, ok := rec.CachedDigest(); ok {
		t.Fatal("a fresh record must not have a computed digest")
	}

	d := rec.Digest()
	if len(d) == 0 {
		t.Fatal("Digest returned nothing")
	}
	cached, ok := rec.CachedDigest()
	if !ok || !bytes.Equal(cached, d) {
		t.Fatal("digest must be cached after first computation")
	}

	// The successor's PrevHash forces the predecessor's digest.
	next := m.Create([]byte("k"), []byte("v2"), false)
	if !bytes.Equal(next.PrevHash, d) {
		t.Fatal("successor must link to the cached digest")
	}
}

func TestConcurrentWritersNumberSequentially(t *testing.T) {
	m := NewManager()
	keys := [][]byte{[]byte("x"), []byte("y"), []byte("z")}

	const writers = 8
	const perWriter = 20

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				items := make([]Item, 0, len(keys))
				for _, k := range keys {
					items = append(items, Item{Key: k, Value: []byte("v")})
				}
				m.CreateBatch(items)
			}
		}()
	}
	wg.Wait()

	want := uint64(writers * perWriter)
	for _, k := range keys {
		hist := m.History(k, 0, 0)
		if uint64(len(hist)) != want {
			t.Fatalf("key %q: expected %d records, got %d", k, want, len(hist))
		}
		for i, rec := range hist {
			if rec.Version != uint64(i+1) {
				t.Fatalf("key %q: version %d at position %d", k, rec.Version, i)
			}
		}
		if err := m.VerifyChain(k); err != nil {
			t.Fatalf("key %q chain broken under concurrency: %v", k, err)
		}
	}
}

func TestDigestCallerCannotCorruptChain(t *testing.T) {
	m := NewManager()
	m.Create([]byte("k"), []byte("1"), false)
	m.Create([]byte("k"), []byte("2"), false)

	rec, _ := m.At([]byte("k"), 1)
	d := rec.Digest()
	for i := range d {
		d[i] = 0
	}
	if bytes.Equal(d, rec.Digest()) {
		t.Fatal("mutating a returned digest must not reach the cache")
	}

	cached, ok := rec.CachedDigest()
	if !ok {
		t.Fatal("digest must be cached after first computation")
	}
	cached[0] ^= 0xFF
	if err := m.VerifyChain([]byte("k")); err != nil {
		t.Fatalf("chain verification failed after caller-side mutation: %v", err)
	}
}
