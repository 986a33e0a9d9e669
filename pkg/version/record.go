package version

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
)

// prevHashSentinel stands in for the predecessor digest of a chain's first
// record inside the canonical digest input.
var prevHashSentinel = make([]byte, sha256.Size)

// Record is one link in a per-key hash chain. PrevHash is the digest of the
// predecessor record (nil for version 1) and is never recomputed once set.
type Record struct {
	Version   uint64
	Timestamp int64
	Value     []byte
	Tombstone bool
	PrevHash  []byte

	// digest is lazy: Pending until first queried or persisted, then
	// Computed and cached for the record's lifetime.
	digestOnce sync.Once
	digest     []byte
}

// Digest returns the record's SHA-256 digest, computing and caching it on
// first use. The canonical input is fixed and is a compatibility surface:
//
//	version (8 bytes, big-endian) ||
//	timestamp unix-milli (8 bytes, big-endian) ||
//	value bytes ||
//	prevHash, or 32 zero bytes for a chain's first record
func (r *Record) Digest() []byte {
	r.digestOnce.Do(func() {
		var hdr [16]byte
		binary.BigEndian.PutUint64(hdr[0:8], r.Version)
		binary.BigEndian.PutUint64(hdr[8:16], uint64(r.Timestamp))

		h := sha256.New()
		h.Write(hdr[:])
		h.Write(r.Value)
		if r.PrevHash != nil {
			h.Write(r.PrevHash)
		} else {
			h.Write(prevHashSentinel)
		}
		r.digest = h.Sum(nil)
	})
	// Callers get their own copy; successor records link against the
	// cached bytes, which must stay frozen.
	out := make([]byte, len(r.digest))
	copy(out, r.digest)
	return out
}

// CachedDigest reports the digest without forcing computation: ok is false
// while the digest is still pending.
func (r *Record) CachedDigest() ([]byte, bool) {
	if r.digest == nil {
		return nil, false
	}
	out := make([]byte, len(r.digest))
	copy(out, r.digest)
	return out, true
}
