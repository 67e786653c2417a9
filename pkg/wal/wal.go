package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"raftmap/pkg/listener"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const fileName = "wal.log"

var ErrClosed = errors.New("wal: closed")

type recordType uint8

const (
	recordEntry recordType = iota + 1
	recordState
)

type record struct {
	typ  recordType
	data []byte
}

// batch is written and synced as a unit
type batch struct {
	records []record
	done    chan error
}

// State is what a replay recovers.
type State struct {
	HardState raftpb.HardState
	Entries   []raftpb.Entry
}

// WAL persists raft hard state and log entries before they are acknowledged.
type WAL struct {
	*listener.Listener[batch]

	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string

	inputCh chan batch
	closed  chan struct{}
}

// New opens (or creates) the log in dir.
func New(dir string) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(dir, fileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	w := &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: filePath,
		inputCh:  make(chan batch, 3),
		closed:   make(chan struct{}),
	}
	w.Listener = listener.New(w.inputCh, w.writeBatch, w.stop).Named("wal")

	return w, nil
}

// Save durably appends the hard state (if set) and entries. It blocks until
// the batch is synced to disk, so the listener must be started.
func (w *WAL) Save(hs raftpb.HardState, entries []raftpb.Entry) error {
	b := batch{done: make(chan error, 1)}

	for i := range entries {
		data, err := entries[i].Marshal()
		if err != nil {
			return fmt.Errorf("marshal entry %d: %w", entries[i].Index, err)
		}
		b.records = append(b.records, record{typ: recordEntry, data: data})
	}
	if !raft.IsEmptyHardState(hs) {
		data, err := hs.Marshal()
		if err != nil {
			return fmt.Errorf("marshal hard state: %w", err)
		}
		b.records = append(b.records, record{typ: recordState, data: data})
	}
	if len(b.records) == 0 {
		return nil
	}

	select {
	case w.inputCh <- b:
	case <-w.closed:
		return ErrClosed
	}
	select {
	case err := <-b.done:
		return err
	case <-w.closed:
		return ErrClosed
	}
}

func (w *WAL) stop() {
	close(w.closed)
}

// will be called async by WAL.listener on input in WAL.inputCh
func (w *WAL) writeBatch(b batch) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	err := w.writeRecords(b.records)
	b.done <- err
	if err != nil {
		slog.Error("failed to write WAL batch", "records", len(b.records), "error", err)
	}
	return err
}

func (w *WAL) writeRecords(records []record) error {
	if w.writer == nil {
		return ErrClosed
	}
	for _, r := range records {
		if err := writeRecord(w.writer, r); err != nil {
			return fmt.Errorf("failed to write WAL record: %w", err)
		}
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// ReadAll replays the whole log. Entries rewritten by a later record (a new
// leader overwriting an uncommitted suffix) replace the earlier ones.
func (w *WAL) ReadAll() (State, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return State{}, ErrClosed
	}
	if err := w.writer.Flush(); err != nil {
		return State{}, fmt.Errorf("failed to flush WAL before replay: %w", err)
	}
	st, valid, torn, err := readFile(w.filePath)
	if err != nil {
		return st, err
	}
	if torn {
		if err := w.file.Truncate(valid); err != nil {
			return st, fmt.Errorf("failed to truncate torn WAL tail: %w", err)
		}
	}
	return st, nil
}

// readFile returns the replayed state, the size of the intact prefix and
// whether a partial record follows it.
func readFile(path string) (st State, valid int64, torn bool, err error) {
	file, err := os.Open(path)
	if err != nil {
		return st, 0, false, fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	for {
		r, err := readRecord(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			// torn tail from a crash mid-write; the batch was never acknowledged
			slog.Warn("WAL ends with a partial record, ignoring it", "path", path, "offset", valid)
			torn = true
			break
		}
		if err != nil {
			return st, valid, false, fmt.Errorf("failed to read WAL record: %w", err)
		}
		valid += int64(1 + 4 + len(r.data))

		switch r.typ {
		case recordEntry:
			var e raftpb.Entry
			if err := e.Unmarshal(r.data); err != nil {
				return st, valid, false, fmt.Errorf("unmarshal WAL entry: %w", err)
			}
			st.Entries = appendEntry(st.Entries, e)
		case recordState:
			if err := st.HardState.Unmarshal(r.data); err != nil {
				return st, valid, false, fmt.Errorf("unmarshal WAL hard state: %w", err)
			}
		default:
			return st, valid, false, fmt.Errorf("unknown WAL record type %d", r.typ)
		}
	}

	return st, valid, torn, nil
}

func appendEntry(entries []raftpb.Entry, e raftpb.Entry) []raftpb.Entry {
	if n := len(entries); n > 0 {
		first := entries[0].Index
		switch {
		case e.Index < first:
			entries = entries[:0]
		case e.Index <= entries[n-1].Index:
			entries = entries[:e.Index-first]
		}
	}
	return append(entries, e)
}

// Compact drops every entry at or below index by rewriting the log. The
// latest hard state is kept.
func (w *WAL) Compact(index uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return ErrClosed
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL before compaction: %w", err)
	}

	st, _, _, err := readFile(w.filePath)
	if err != nil {
		return err
	}

	records := make([]record, 0, len(st.Entries)+1)
	for i := range st.Entries {
		if st.Entries[i].Index <= index {
			continue
		}
		data, err := st.Entries[i].Marshal()
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		records = append(records, record{typ: recordEntry, data: data})
	}
	if !raft.IsEmptyHardState(st.HardState) {
		data, err := st.HardState.Marshal()
		if err != nil {
			return fmt.Errorf("marshal hard state: %w", err)
		}
		records = append(records, record{typ: recordState, data: data})
	}

	tmpPath := w.filePath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create compacted WAL: %w", err)
	}
	tw := bufio.NewWriter(tmp)
	for _, r := range records {
		if err := writeRecord(tw, r); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to write compacted WAL: %w", err)
		}
	}
	if err := tw.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to flush compacted WAL: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync compacted WAL: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close compacted WAL: %w", err)
	}

	if err := w.file.Close(); err != nil {
		slog.Warn("failed to close WAL file before swap", "error", err)
	}
	if err := os.Rename(tmpPath, w.filePath); err != nil {
		return fmt.Errorf("failed to replace WAL: %w", err)
	}

	file, err := os.OpenFile(w.filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		w.file, w.writer = nil, nil
		return fmt.Errorf("failed to reopen WAL: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)

	slog.Debug("WAL compacted", "index", index, "kept_records", len(records))
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

// writeRecord writes type (1 byte), length (4 bytes) and payload
func writeRecord(wr *bufio.Writer, r record) error {
	if len(r.data) > math.MaxUint32 {
		return fmt.Errorf("record too large: %d", len(r.data))
	}
	if err := wr.WriteByte(byte(r.typ)); err != nil {
		return err
	}
	if err := binary.Write(wr, binary.LittleEndian, uint32(len(r.data))); err != nil {
		return err
	}
	_, err := wr.Write(r.data)
	return err
}

func readRecord(reader *bufio.Reader) (record, error) {
	var r record

	typ, err := reader.ReadByte()
	if err != nil {
		return r, err
	}
	r.typ = recordType(typ)

	var length uint32
	if err := binary.Read(reader, binary.LittleEndian, &length); err != nil {
		return r, io.ErrUnexpectedEOF
	}

	r.data = make([]byte, length)
	if _, err := io.ReadFull(reader, r.data); err != nil {
		return r, io.ErrUnexpectedEOF
	}
	return r, nil
}
