package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coretrusts/amdb/pkg/clock"
	"github.com/coretrusts/amdb/pkg/config"
	"github.com/coretrusts/amdb/pkg/dberrors"
	"github.com/coretrusts/amdb/pkg/index"
	"github.com/coretrusts/amdb/pkg/memtable"
	"github.com/coretrusts/amdb/pkg/merkle"
	"github.com/coretrusts/amdb/pkg/metrics"
	"github.com/coretrusts/amdb/pkg/persistance"
	"github.com/coretrusts/amdb/pkg/types"
	"github.com/coretrusts/amdb/pkg/version"
	"github.com/coretrusts/amdb/pkg/wal"
)

const (
	versionsFile = "versions.ver"
	merkleFile   = "merkle.mpt"
	indexFile    = "index.idx"
	walDir       = "wal"
)

// Item is one write of a batch.
type Item struct {
	Key   types.Key
	Value types.Value
}

// Result is one resolved read.
type Result struct {
	Value     types.Value
	Version   types.Version
	Timestamp types.TimestampMs
}

// VersionInfo is one entry of a key's history.
type VersionInfo struct {
	Version   types.Version
	Timestamp types.TimestampMs
	Value     types.Value
	Tombstone bool
	Digest    types.Digest
}

// Store is one engine instance. All state hangs off this struct, so
// independent instances coexist in a process without sharing anything.
//
// Writes follow a fixed pipeline: log to the journal and wait for the
// fsync acknowledgement, mint the version and link its hash chain, buffer
// the entry, update the commitment tree and the live-state index. writeMu
// serializes the pipeline so versions land in the buffer in mint order.
type Store struct {
	cfg     config.Config
	log     *slog.Logger
	metrics metrics.Collector

	seqN    *clock.AtomicClock
	journal *wal.WAL
	mem     *memtable.Memtable
	vers    *version.Manager
	tree    *merkle.Tree
	idx     *index.Index
	runs    *persistance.RunSet
	flusher *Flusher

	writeMu sync.Mutex
	// unflushed holds swapped-out buffer generations whose run write
	// failed; the next pass retries them before the fresh snapshot.
	unflushed   []*memtable.Snapshot
	unflushedMu sync.Mutex

	closed atomic.Bool
}

type Option func(*Store)

func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

func WithMetrics(c metrics.Collector) Option {
	return func(s *Store) { s.metrics = c }
}

// New opens (or creates) the store under cfg.DataDir: it loads the
// manifest and runs, restores the version, commitment and index
// snapshots, then replays the journal from the persisted watermark.
func New(cfg config.Config, opts ...Option) (*Store, error) {
	s := &Store{
		cfg:     cfg,
		log:     slog.Default(),
		metrics: metrics.Nop{},
		mem:     memtable.New(cfg.Memtable),
		vers:    version.NewManager(),
		tree:    merkle.NewTree(),
		idx:     index.New(),
		runs:    persistance.NewRunSet(cfg.DataDir, cfg.Persistence.BloomFPRate),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.runs.Open(); err != nil {
		return nil, fmt.Errorf("failed to open run set: %w", err)
	}
	chainSeq, err := s.vers.LoadSnapshot(filepath.Join(cfg.DataDir, versionsFile))
	if err != nil {
		return nil, err
	}
	if err := s.tree.LoadState(filepath.Join(cfg.DataDir, merkleFile)); err != nil {
		return nil, err
	}
	if err := s.idx.Load(filepath.Join(cfg.DataDir, indexFile)); err != nil {
		return nil, err
	}

	journal, err := wal.New(filepath.Join(cfg.DataDir, walDir))
	if err != nil {
		return nil, err
	}
	s.journal = journal
	s.journal.Start(context.Background())

	// A crash between the snapshot writes and the manifest advance leaves
	// the chain snapshot ahead of the watermark. Replay starts past
	// whichever is newer, so snapshotted writes are never re-minted.
	start := s.runs.Manifest().PersistedSeq()
	if chainSeq > start {
		start = chainSeq
	}
	s.seqN = clock.NewAtomic(start)
	if err := s.restoreFromJournal(); err != nil {
		s.journal.Stop()
		s.journal.Close()
		return nil, err
	}

	s.flusher = NewFlusher(cfg.Flush, s.flushPass)

	s.log.Info("store opened",
		"data_dir", cfg.DataDir,
		"runs", s.runs.Len(),
		"keys", s.idx.Len(),
		"seq", s.seqN.Val(),
	)

	return s, nil
}

// restoreFromJournal reapplies every logged write past the persisted
// watermark. Reusing the logged timestamps reproduces the exact version
// digests minted before the restart.
func (s *Store) restoreFromJournal() error {
	replayed := 0
	err := s.journal.Replay(s.seqN.Val()+1, func(entry wal.Entry) error {
		s.seqN.Observe(entry.SeqN)

		tombstone := entry.Op == types.OpDelete
		rec := s.vers.CreateAt(entry.Key, entry.Value, tombstone, entry.Timestamp)
		if err := s.mem.Upsert(memtable.Entry{
			Key:       entry.Key,
			Value:     entry.Value,
			Version:   rec.Version,
			Timestamp: rec.Timestamp,
			Tombstone: tombstone,
		}); err != nil {
			return fmt.Errorf("failed to rebuffer entry %d: %w", entry.SeqN, err)
		}
		s.commit(entry.Key, rec, tombstone)
		replayed++
		return nil
	})
	if err != nil {
		return err
	}

	s.reconcileLiveState()

	if _, err := s.tree.Recompute(); err != nil {
		return err
	}
	if replayed > 0 {
		s.log.Info("journal replayed", "entries", replayed, "seq", s.seqN.Val())
	}
	return nil
}

// reconcileLiveState realigns the index and the commitment key set with the
// version chains. The chains are authoritative: a crash can leave the chain
// snapshot ahead of an index or commitment snapshot whose write failed, and
// replay starts past the chain snapshot, so those writes would otherwise
// stay missing from the derived state.
func (s *Store) reconcileLiveState() {
	fixed := 0
	for _, key := range s.vers.Keys() {
		rec, ok := s.vers.Latest(key)
		if !ok {
			continue
		}
		if e, ok := s.idx.Get(key); ok && e.Version >= rec.Version {
			continue
		}
		s.commit(key, rec, rec.Tombstone)
		fixed++
	}
	if fixed > 0 {
		s.log.Warn("live state realigned with version chains", "keys", fixed)
	}
}

// Put writes value under key and returns the commitment root reflecting
// the write.
func (s *Store) Put(key types.Key, value types.Value) (types.Digest, error) {
	if err := s.validateKey(key); err != nil {
		return nil, err
	}
	if value == nil {
		return nil, dberrors.ErrInvalidValue
	}
	if s.closed.Load() {
		return nil, dberrors.ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	entrySize := (&memtable.Entry{Key: key, Value: value}).Size()
	if !s.fits(key, entrySize) {
		s.RequestFlush()
		return nil, dberrors.ErrCapacity
	}

	rec, err := s.logAndMint(key, value, false)
	if err != nil {
		return nil, err
	}
	if err := s.buffer(key, value, rec, false); err != nil {
		return nil, err
	}
	s.commit(key, rec, false)
	root, err := s.tree.Recompute()
	if err != nil {
		return nil, err
	}

	s.metrics.IncCounter("store_puts", 1)
	return root, nil
}

// BatchPut applies items in order and reports how many were applied plus
// the commitment root after the applied prefix. When the buffer ceiling
// stops the batch, the prefix that fit stays applied and the error is
// ErrCapacity; nothing past the boundary is written.
func (s *Store) BatchPut(items []Item) (int, types.Digest, error) {
	if s.closed.Load() {
		return 0, nil, dberrors.ErrClosed
	}
	for _, it := range items {
		if err := s.validateKey(it.Key); err != nil {
			return 0, nil, err
		}
		if it.Value == nil {
			return 0, nil, dberrors.ErrInvalidValue
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	fit := s.fittingPrefix(items)

	var applyErr error
	applied := 0
	for _, it := range items[:fit] {
		rec, err := s.logAndMint(it.Key, it.Value, false)
		if err != nil {
			applyErr = err
			break
		}
		if err := s.buffer(it.Key, it.Value, rec, false); err != nil {
			applyErr = err
			break
		}
		s.commit(it.Key, rec, false)
		applied++
	}

	root := s.tree.Root()
	if applied > 0 {
		newRoot, err := s.tree.Recompute()
		if err != nil && applyErr == nil {
			applyErr = err
		}
		if err == nil {
			root = newRoot
		}
	}

	s.metrics.IncCounter("store_puts", uint64(applied))
	if applyErr != nil {
		return applied, root, applyErr
	}
	if fit < len(items) {
		s.RequestFlush()
		return applied, root, dberrors.ErrCapacity
	}
	return applied, root, nil
}

// Delete writes a tombstone version for key. Deleting a key that does not
// exist (or is already deleted) is a no-op reporting false.
func (s *Store) Delete(key types.Key) (bool, error) {
	if err := s.validateKey(key); err != nil {
		return false, err
	}
	if s.closed.Load() {
		return false, dberrors.ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if e, ok := s.idx.Get(key); !ok || e.Tombstone {
		return false, nil
	}

	entrySize := (&memtable.Entry{Key: key}).Size()
	if !s.fits(key, entrySize) {
		s.RequestFlush()
		return false, dberrors.ErrCapacity
	}

	rec, err := s.logAndMint(key, nil, true)
	if err != nil {
		return false, err
	}
	if err := s.buffer(key, nil, rec, true); err != nil {
		return false, err
	}
	s.commit(key, rec, true)
	if _, err := s.tree.Recompute(); err != nil {
		return false, err
	}

	s.metrics.IncCounter("store_deletes", 1)
	return true, nil
}

// Get returns the latest live value for key. A tombstoned key reads as
// absent even though its history is retained.
func (s *Store) Get(key types.Key) (Result, bool, error) {
	if err := s.validateKey(key); err != nil {
		return Result{}, false, err
	}

	e, ok := s.idx.Get(key)
	if !ok || e.Tombstone {
		return Result{}, false, nil
	}

	if ent, ok := s.mem.Get(key); ok {
		if ent.Tombstone {
			return Result{}, false, nil
		}
		return Result{Value: ent.Value, Version: ent.Version, Timestamp: ent.Timestamp}, true, nil
	}

	item, found, err := s.runs.Get(key)
	if err != nil {
		return Result{}, false, err
	}
	if found && item.Version == e.Version {
		if item.Tombstone {
			return Result{}, false, nil
		}
		return Result{Value: item.Value, Version: item.Version, Timestamp: item.Timestamp}, true, nil
	}

	// The version chain is the authoritative fallback.
	rec, ok := s.vers.Latest(key)
	if !ok || rec.Tombstone {
		return Result{}, false, nil
	}
	return Result{Value: rec.Value, Version: rec.Version, Timestamp: rec.Timestamp}, true, nil
}

// GetVersion returns the record written as exactly the given version of
// key. A tombstone version reads as absent.
func (s *Store) GetVersion(key types.Key, ver types.Version) (Result, bool, error) {
	if err := s.validateKey(key); err != nil {
		return Result{}, false, err
	}

	rec, ok := s.vers.At(key, ver)
	if !ok || rec.Tombstone {
		return Result{}, false, nil
	}
	return Result{Value: rec.Value, Version: rec.Version, Timestamp: rec.Timestamp}, true, nil
}

// GetAt returns the value key held at timestamp ts.
func (s *Store) GetAt(key types.Key, ts types.TimestampMs) (Result, bool, error) {
	if err := s.validateKey(key); err != nil {
		return Result{}, false, err
	}

	rec, ok := s.vers.AtTime(key, ts)
	if !ok || rec.Tombstone {
		return Result{}, false, nil
	}
	return Result{Value: rec.Value, Version: rec.Version, Timestamp: rec.Timestamp}, true, nil
}

// History returns key's ordered version records with from <= version <= to;
// zero for either bound leaves that end open. Tombstones are included.
func (s *Store) History(key types.Key, from, to types.Version) ([]VersionInfo, error) {
	if err := s.validateKey(key); err != nil {
		return nil, err
	}

	records := s.vers.History(key, from, to)
	out := make([]VersionInfo, 0, len(records))
	for _, rec := range records {
		out = append(out, VersionInfo{
			Version:   rec.Version,
			Timestamp: rec.Timestamp,
			Value:     rec.Value,
			Tombstone: rec.Tombstone,
			Digest:    rec.Digest(),
		})
	}
	return out, nil
}

// RootHash returns the current commitment root.
func (s *Store) RootHash() types.Digest {
	return s.tree.Root()
}

// Proof returns an inclusion proof for key against the current root.
func (s *Store) Proof(key types.Key) ([]merkle.ProofNode, error) {
	if err := s.validateKey(key); err != nil {
		return nil, err
	}
	return s.tree.Proof(key)
}

// VerifyProof checks an inclusion proof against a root, without touching
// store state.
func (s *Store) VerifyProof(key types.Key, proof []merkle.ProofNode, root types.Digest) bool {
	if len(root) != types.DigestSize {
		return false
	}
	return merkle.Verify(key, proof, root)
}

// VerifyKey re-derives key's full hash chain and checks every link.
func (s *Store) VerifyKey(key types.Key) error {
	if err := s.validateKey(key); err != nil {
		return err
	}
	return s.vers.VerifyChain(key)
}

// Flush runs the flush protocol with the given options. Debounced requests
// inside the cooldown window coalesce into one deferred pass and report
// success immediately; synchronous callers wait for their serving pass.
func (s *Store) Flush(opts FlushOptions) (FlushStatus, error) {
	if s.closed.Load() {
		return FlushStatus{}, dberrors.ErrClosed
	}
	return s.flusher.Flush(opts)
}

// RequestFlush schedules a full flush without waiting.
func (s *Store) RequestFlush() {
	s.flusher.Flush(FlushOptions{ForceSync: true, Debounce: true})
}

// Close flushes once, then shuts the flusher and journal down. Operations
// after Close return ErrClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return dberrors.ErrClosed
	}

	if status, err := s.flusher.Flush(FlushOptions{Synchronous: true, ForceSync: true}); err != nil {
		s.log.Error("final flush failed", "pass_id", status.PassID, "error", err)
	}
	s.flusher.Close()

	s.journal.Stop()
	if err := s.journal.Close(); err != nil {
		return err
	}
	return s.runs.Close()
}

func (s *Store) validateKey(key types.Key) error {
	if len(key) == 0 {
		return dberrors.ErrInvalidKey
	}
	return nil
}

// fits reports whether one more entry of entrySize (minus any bytes it
// supersedes in place) stays under the buffer ceiling. Callers hold writeMu.
func (s *Store) fits(key []byte, entrySize int64) bool {
	var old int64
	if cur, ok := s.mem.Get(key); ok {
		old = cur.Size()
	}
	return s.mem.Size()+entrySize-old <= s.cfg.Memtable.MaxBytes
}

// fittingPrefix simulates items against the ceiling and returns how many
// fit, crediting in-place supersedes both against the buffer and within
// the batch itself. Callers hold writeMu.
func (s *Store) fittingPrefix(items []Item) int {
	size := s.mem.Size()
	inBatch := make(map[string]int64, len(items))

	for i, it := range items {
		e := memtable.Entry{Key: it.Key, Value: it.Value}
		newSize := e.Size()

		var old int64
		if prev, ok := inBatch[string(it.Key)]; ok {
			old = prev
		} else if cur, ok := s.mem.Get(it.Key); ok {
			old = cur.Size()
		}

		if size+newSize-old > s.cfg.Memtable.MaxBytes {
			return i
		}
		size += newSize - old
		inBatch[string(it.Key)] = newSize
	}
	return len(items)
}

// logAndMint journals the write, waits for the fsync acknowledgement, then
// mints the version. Under strict durability a failed sync aborts the write
// before any state changes; relaxed mode logs and proceeds.
func (s *Store) logAndMint(key, value []byte, tombstone bool) (*version.Record, error) {
	op := types.OpPut
	if tombstone {
		op = types.OpDelete
	}

	seq := s.seqN.Next()
	ts := time.Now().UnixMilli()

	done := s.journal.Append(wal.Entry{
		SeqN:      seq,
		Op:        op,
		Timestamp: ts,
		Key:       key,
		Value:     value,
	})
	if err := <-done; err != nil {
		if s.cfg.WAL.StrictSync {
			// The chain is not touched for a write that was never durable.
			return nil, fmt.Errorf("%w: %v", dberrors.ErrDurability, err)
		}
		s.log.Warn("journal append failed, continuing under relaxed durability",
			"seq", seq, "error", err)
	}

	return s.vers.CreateAt(key, value, tombstone, ts), nil
}

func (s *Store) buffer(key, value []byte, rec *version.Record, tombstone bool) error {
	return s.mem.Upsert(memtable.Entry{
		Key:       key,
		Value:     value,
		Version:   rec.Version,
		Timestamp: rec.Timestamp,
		Tombstone: tombstone,
	})
}

// commit updates the commitment key set and the live-state index for one
// minted record. The tree root is recomputed by the caller once per
// operation, not per record.
func (s *Store) commit(key []byte, rec *version.Record, tombstone bool) {
	if tombstone && !s.cfg.Merkle.IncludeTombstones {
		s.tree.Drop(key)
	} else {
		s.tree.Touch(key)
	}

	if tombstone {
		s.idx.Delete(key, rec.Version, rec.Timestamp)
	} else {
		s.idx.Put(key, rec.Version, rec.Timestamp)
	}
}

// flushPass is one physical flush. Sub-steps run in a fixed order and are
// individually isolated; the watermark only advances on a force pass whose
// durability steps all succeeded.
func (s *Store) flushPass(passID string, force bool) FlushStatus {
	status := FlushStatus{}
	log := s.log.With("pass_id", passID)

	// The swap, the watermark capture and the state snapshots happen with
	// the write pipeline quiesced, so the persisted watermark exactly
	// separates snapshotted writes from ones only the journal holds.
	s.writeMu.Lock()
	watermark := s.seqN.Val()
	root := s.tree.Root()

	if snap := s.mem.Swap(); snap != nil {
		s.unflushedMu.Lock()
		s.unflushed = append(s.unflushed, snap)
		s.unflushedMu.Unlock()
	}
	status.record("memtable_swap", nil)

	if force {
		status.record("version_snapshot",
			s.vers.SaveSnapshot(filepath.Join(s.cfg.DataDir, versionsFile), watermark))
		status.record("merkle_snapshot",
			s.tree.SaveState(filepath.Join(s.cfg.DataDir, merkleFile)))
		status.record("index_snapshot",
			s.idx.Save(filepath.Join(s.cfg.DataDir, indexFile)))
	}
	s.writeMu.Unlock()

	status.record("run_write", s.writeRuns())
	// The journal is forced on every pass; it is the durability backstop.
	status.record("wal_sync", s.journal.Sync())

	// Advance the watermark only when the writes at or below it are fully
	// durable outside the journal, snapshots included.
	if force {
		if status.Err == nil {
			status.record("manifest",
				s.runs.Manifest().SetPersistedSeq(watermark, hex.EncodeToString(root)))
		} else {
			log.Warn("watermark not advanced", "error", status.Err)
		}
	}

	s.metrics.IncCounter("store_flush_passes", 1)
	if status.Err != nil {
		s.metrics.IncCounter("store_flush_failures", 1)
		log.Error("flush pass finished with failures", "error", status.Err)
	} else {
		log.Debug("flush pass complete", "seq", watermark)
	}
	return status
}

// writeRuns persists every swapped-out buffer generation, oldest first.
// A generation whose run write fails stays queued for the next pass.
func (s *Store) writeRuns() error {
	s.unflushedMu.Lock()
	snaps := s.unflushed
	s.unflushedMu.Unlock()

	written := 0
	for _, snap := range snaps {
		items := make([]persistance.Item, 0, snap.Len())
		for _, e := range snap.Entries() {
			items = append(items, persistance.Item{
				Key:       e.Key,
				Value:     e.Value,
				Version:   e.Version,
				Timestamp: e.Timestamp,
				Tombstone: e.Tombstone,
			})
		}
		if err := s.runs.WriteAndAdd(items); err != nil {
			s.dropUnflushed(written)
			return err
		}
		s.mem.Release(snap)
		written++
	}

	s.dropUnflushed(written)
	return nil
}

func (s *Store) dropUnflushed(n int) {
	if n == 0 {
		return
	}
	s.unflushedMu.Lock()
	s.unflushed = s.unflushed[n:]
	s.unflushedMu.Unlock()
}
