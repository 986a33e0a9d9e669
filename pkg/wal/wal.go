package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coretrusts/amdb/pkg/dberrors"
	"github.com/coretrusts/amdb/pkg/listener"
	"github.com/coretrusts/amdb/pkg/types"
)

var _ listener.Job = (*WAL)(nil)

var fileMagic = []byte("WAL\x00")

const fileFormatVersion uint16 = 1

// Entry is a single logged mutation. The timestamp travels with the entry
// so replay reconstructs the exact record digests minted before a crash.
type Entry struct {
	SeqN      uint64
	Op        types.Op
	Timestamp int64
	Key       []byte
	Value     []byte
}

type appendReq struct {
	entry Entry
	done  chan error
}

// WAL is the append-only durability log. Appends are handed to a background
// listener that writes, flushes and fsyncs before acknowledging, so an
// acknowledged entry is on stable storage. Replay feeds entries back in
// append order at startup.
type WAL struct {
	*listener.Listener[appendReq]

	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string

	inputCh chan appendReq

	// closeMu guards stopped: Append holds the read side across the
	// channel send, so a send never races the listener shutting down.
	closeMu sync.RWMutex
	stopped bool
}

// New opens (or creates) the log under dir.
func New(dir string) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(dir, "wal.log")
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}

	w := &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: filePath,
		inputCh:  make(chan appendReq, 8),
	}

	if info.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
	}

	w.Listener = listener.New(w.inputCh, w.handleAppend,
		listener.WithStopHandler[appendReq](w.refuseAppends),
	)

	return w, nil
}

// Append logs one entry and returns a channel that delivers exactly one
// result once the entry has been forced to stable storage (or has failed).
// The acknowledgement arrives only after fsync; durability policy on a
// failed sync belongs to the caller. After Stop the acknowledgement is
// ErrClosed.
func (w *WAL) Append(entry Entry) <-chan error {
	done := make(chan error, 1)

	w.closeMu.RLock()
	defer w.closeMu.RUnlock()
	if w.stopped {
		done <- dberrors.ErrClosed
		return done
	}
	w.inputCh <- appendReq{entry: entry, done: done}
	return done
}

// refuseAppends runs once the listener has stopped. It flips the stopped
// flag, then fails anything still queued so no writer is left waiting on
// an acknowledgement that will never come.
func (w *WAL) refuseAppends() {
	w.closeMu.Lock()
	w.stopped = true
	w.closeMu.Unlock()

	for {
		select {
		case req := <-w.inputCh:
			req.done <- dberrors.ErrClosed
		default:
			return
		}
	}
}

func (w *WAL) handleAppend(req appendReq) error {
	err := w.writeAndSync(req.entry)
	req.done <- err
	if err != nil {
		return fmt.Errorf("failed to append WAL entry %d: %w", req.entry.SeqN, err)
	}
	return nil
}

func (w *WAL) writeAndSync(entry Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return errors.New("WAL is closed")
	}
	if err := writeEntry(w.writer, entry); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// Sync forces buffered log data to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// Replay feeds every entry with SeqN >= start to callback, in append order.
func (w *WAL) Replay(start types.SeqN, callback func(Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL before replay: %w", err)
		}
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	if err := readHeader(reader); err != nil {
		return err
	}

	for {
		entry, err := readEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to read WAL entry: %w", err)
		}
		if entry.SeqN < start {
			continue
		}
		if err := callback(entry); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
	}

	return nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}
	return nil
}

func (w *WAL) writeHeader() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.writer.Write(fileMagic); err != nil {
		return fmt.Errorf("failed to write WAL header: %w", err)
	}
	if err := binary.Write(w.writer, binary.LittleEndian, fileFormatVersion); err != nil {
		return fmt.Errorf("failed to write WAL header: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL header: %w", err)
	}
	return w.file.Sync()
}

func readHeader(r *bufio.Reader) error {
	magic := make([]byte, len(fileMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return fmt.Errorf("failed to read WAL header: %w", err)
	}
	if !bytes.Equal(magic, fileMagic) {
		return fmt.Errorf("not a WAL file")
	}
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("failed to read WAL format version: %w", err)
	}
	if version != fileFormatVersion {
		return fmt.Errorf("unsupported WAL format version: %d", version)
	}
	return nil
}

// writeEntry lays out one record: seq (8) | op (1) | timestamp (8) |
// key len (4) | key | value len (4) | value, little-endian.
func writeEntry(w io.Writer, entry Entry) error {
	if err := binary.Write(w, binary.LittleEndian, entry.SeqN); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(entry.Op)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, entry.Timestamp); err != nil {
		return err
	}

	if len(entry.Key) > math.MaxUint32 {
		return fmt.Errorf("key too large: %d", len(entry.Key))
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(entry.Key))); err != nil {
		return err
	}
	if _, err := w.Write(entry.Key); err != nil {
		return err
	}

	if len(entry.Value) > math.MaxUint32 {
		return fmt.Errorf("value too large: %d", len(entry.Value))
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(entry.Value))); err != nil {
		return err
	}
	if _, err := w.Write(entry.Value); err != nil {
		return err
	}

	return nil
}

func readEntry(r *bufio.Reader) (Entry, error) {
	var entry Entry

	if err := binary.Read(r, binary.LittleEndian, &entry.SeqN); err != nil {
		return entry, err
	}
	var op uint8
	if err := binary.Read(r, binary.LittleEndian, &op); err != nil {
		return entry, err
	}
	entry.Op = types.Op(op)

	if err := binary.Read(r, binary.LittleEndian, &entry.Timestamp); err != nil {
		return entry, err
	}

	var keyLen uint32
	if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
		return entry, err
	}
	entry.Key = make([]byte, keyLen)
	if _, err := io.ReadFull(r, entry.Key); err != nil {
		return entry, err
	}

	var valueLen uint32
	if err := binary.Read(r, binary.LittleEndian, &valueLen); err != nil {
		return entry, err
	}
	entry.Value = make([]byte, valueLen)
	if _, err := io.ReadFull(r, entry.Value); err != nil {
		return entry, err
	}

	return entry, nil
}
