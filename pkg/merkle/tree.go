package merkle

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"sync"

	"github.com/zhangyunhao116/skipset"
)

// The commitment covers the sorted set of live KEYS only. Value history is
// integrity-covered by the per-key version chains, so including values here
// would commit to the same bytes twice while making every value rewrite a
// structural change. Proofs therefore attest key membership in a root.

var (
	leafPrefix = []byte("leaf:")

	// emptyRoot is the fixed sentinel digest of the empty key set.
	emptyRoot = sha256.Sum256([]byte("amdb:merkle:empty"))

	ErrNoProof = errors.New("amdb: key not covered by commitment")
)

// EmptyRoot returns the sentinel root of an empty store.
func EmptyRoot() []byte {
	out := make([]byte, sha256.Size)
	copy(out, emptyRoot[:])
	return out
}

// ProofNode is one sibling digest on the path from a leaf to the root.
// Left reports whether the sibling sits to the left of the running hash.
type ProofNode struct {
	Hash []byte
	Left bool
}

// Tree maintains the commitment over the live key set. Keys are tracked in a
// concurrent sorted set; the digest tree itself is rebuilt by Recompute and
// cached, so Root is O(1) and readers never observe a torn root.
type Tree struct {
	keys *skipset.FuncSet[[]byte]

	mu     sync.RWMutex
	root   []byte
	levels [][][]byte
}

func NewTree() *Tree {
	return &Tree{
		keys: skipset.NewFunc[[]byte](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
		root: EmptyRoot(),
	}
}

// Touch adds key to the live set. Reports whether membership changed, which
// is what decides if a recompute is due.
func (t *Tree) Touch(key []byte) bool {
	k := make([]byte, len(key))
	copy(k, key)
	return t.keys.Add(k)
}

// Drop removes key from the live set.
func (t *Tree) Drop(key []byte) bool {
	return t.keys.Remove(key)
}

// Contains reports key's membership in the live set.
func (t *Tree) Contains(key []byte) bool {
	return t.keys.Contains(key)
}

// Len reports the live key count.
func (t *Tree) Len() int {
	return t.keys.Len()
}

// Keys returns the live keys in sorted order.
func (t *Tree) Keys() [][]byte {
	out := make([][]byte, 0, t.keys.Len())
	t.keys.Range(func(k []byte) bool {
		out = append(out, k)
		return true
	})
	return out
}

// Recompute rebuilds the digest tree from the current live key set and
// installs the new root atomically. On failure the previous root stays in
// place and the error is returned.
func (t *Tree) Recompute() ([]byte, error) {
	root, levels, err := buildLevels(t.Keys())
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.root = root
	t.levels = levels
	t.mu.Unlock()

	out := make([]byte, len(root))
	copy(out, root)
	return out, nil
}

// Root returns the last computed root. It is a pure function of the key set
// as of the last Recompute.
func (t *Tree) Root() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]byte, len(t.root))
	copy(out, t.root)
	return out
}

// Proof returns the sibling-digest path for key against the last computed
// root, or ErrNoProof when the key was absent from it.
func (t *Tree) Proof(key []byte) ([]ProofNode, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.levels) == 0 {
		return nil, ErrNoProof
	}

	leaves := t.levels[0]
	target := leafDigest(key)
	pos := -1
	for i, leaf := range leaves {
		if bytes.Equal(leaf, target) {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, ErrNoProof
	}

	var proof []ProofNode
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := pos ^ 1
		if sibling < len(level) {
			h := make([]byte, len(level[sibling]))
			copy(h, level[sibling])
			proof = append(proof, ProofNode{Hash: h, Left: sibling < pos})
		}
		// An unpaired last node is promoted untouched; no sibling to record.
		pos /= 2
	}
	return proof, nil
}

// Verify replays proof from key's leaf digest and compares against root.
// It is stateless so external consumers can check proofs without a Tree.
func Verify(key []byte, proof []ProofNode, root []byte) bool {
	h := leafDigest(key)
	for _, node := range proof {
		if node.Left {
			h = innerDigest(node.Hash, h)
		} else {
			h = innerDigest(h, node.Hash)
		}
	}
	return bytes.Equal(h, root)
}

// buildLevels constructs the full tree bottom-up over the sorted key set:
// leaf = sha256("leaf:" || key), inner = sha256(left || right), and an
// unpaired node is promoted to the next level unchanged.
func buildLevels(keys [][]byte) ([]byte, [][][]byte, error) {
	if len(keys) == 0 {
		return EmptyRoot(), nil, nil
	}

	leaves := make([][]byte, len(keys))
	for i, k := range keys {
		leaves[i] = leafDigest(k)
	}

	levels := [][][]byte{leaves}
	current := leaves
	for len(current) > 1 {
		next := make([][]byte, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			if i+1 < len(current) {
				next = append(next, innerDigest(current[i], current[i+1]))
			} else {
				next = append(next, current[i])
			}
		}
		levels = append(levels, next)
		current = next
	}

	return current[0], levels, nil
}

func leafDigest(key []byte) []byte {
	h := sha256.New()
	h.Write(leafPrefix)
	h.Write(key)
	return h.Sum(nil)
}

func innerDigest(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}
