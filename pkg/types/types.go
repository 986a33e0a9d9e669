package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// Version is a per-key monotonically increasing version number.
// The first write to a key gets version 1.
type Version = uint64

// SeqN is the global WAL sequence number.
type SeqN = uint64

// TimestampMs is a millisecond-precision wall-clock timestamp.
type TimestampMs = int64

// Digest is a SHA-256 digest.
type Digest = []byte

// DigestSize is the length in bytes of every digest the engine produces.
const DigestSize = 32

// Op identifies a logged mutation.
type Op uint8

const (
	OpPut Op = iota
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}
