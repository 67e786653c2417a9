package snapshot

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"raftmap/pkg/compression"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	fileExt = ".snap"
	magic   = "RMS1"
)

var (
	ErrNoSnapshot = errors.New("snapshot: no snapshot available")
	ErrCorrupt    = errors.New("snapshot: checksum mismatch")
)

// Store keeps raft snapshots on disk. Each file is
//
//	magic (4) | sha256 of body (32) | body = zstd(raftpb.Snapshot)
//
// and is named after the term and index it covers.
type Store struct {
	mu     sync.Mutex
	dir    string
	retain int
}

func NewStore(dir string, retain int) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty snapshot dir")
	}
	if retain < 1 {
		retain = 1
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &Store{dir: dir, retain: retain}, nil
}

func fileName(term, index uint64) string {
	return fmt.Sprintf("%016x-%016x%s", term, index, fileExt)
}

// Save writes snap atomically (temp file + rename) and prunes old files.
func (s *Store) Save(snap raftpb.Snapshot) error {
	raw, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	body, err := compression.Zstd(raw)
	if err != nil {
		return fmt.Errorf("compress snapshot: %w", err)
	}
	sum := sha256.Sum256(body)

	s.mu.Lock()
	defer s.mu.Unlock()

	finalPath := filepath.Join(s.dir, fileName(snap.Metadata.Term, snap.Metadata.Index))
	tempPath := finalPath + ".tmp"

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	for _, chunk := range [][]byte{[]byte(magic), sum[:], body} {
		if _, err := f.Write(chunk); err != nil {
			_ = f.Close()
			_ = os.Remove(tempPath)
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename snapshot file: %w", err)
	}

	slog.Info("snapshot saved",
		"term", snap.Metadata.Term,
		"index", snap.Metadata.Index,
		"raw_bytes", len(raw),
		"stored_bytes", len(body)+len(magic)+len(sum))

	if err := s.prune(); err != nil {
		slog.Warn("failed to prune old snapshots", "error", err)
	}
	return nil
}

// Latest returns the newest snapshot that passes its checksum. Corrupt files
// are skipped.
func (s *Store) Latest() (raftpb.Snapshot, error) {
	return s.LatestMatching(nil)
}

// LatestMatching is Latest restricted to snapshots accepted by usable. A nil
// usable accepts everything.
func (s *Store) LatestMatching(usable func(raftpb.SnapshotMetadata) error) (raftpb.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.list()
	if err != nil {
		return raftpb.Snapshot{}, err
	}
	for i := len(names) - 1; i >= 0; i-- {
		snap, err := s.read(names[i])
		if err != nil {
			slog.Warn("skipping unreadable snapshot", "file", names[i], "error", err)
			continue
		}
		if usable != nil {
			if err := usable(snap.Metadata); err != nil {
				slog.Warn("skipping unusable snapshot", "file", names[i], "error", err)
				continue
			}
		}
		return snap, nil
	}
	return raftpb.Snapshot{}, ErrNoSnapshot
}

// OldestIndex is the index of the oldest retained snapshot file. The durable
// log must keep every entry after it: Latest falls back to older files when
// newer ones are corrupt.
func (s *Store) OldestIndex() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.list()
	if err != nil {
		return 0, false
	}
	for _, name := range names {
		var term, index uint64
		if _, err := fmt.Sscanf(name, "%016x-%016x"+fileExt, &term, &index); err == nil {
			return index, true
		}
	}
	return 0, false
}

func (s *Store) read(name string) (raftpb.Snapshot, error) {
	var snap raftpb.Snapshot

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return snap, err
	}
	header := len(magic) + sha256.Size
	if len(data) < header || string(data[:len(magic)]) != magic {
		return snap, fmt.Errorf("%w: bad header", ErrCorrupt)
	}
	body := data[header:]
	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:], data[len(magic):header]) {
		return snap, ErrCorrupt
	}

	raw, err := compression.Unzstd(body)
	if err != nil {
		return snap, fmt.Errorf("decompress snapshot: %w", err)
	}
	if err := snap.Unmarshal(raw); err != nil {
		return snap, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// list returns snapshot file names, oldest first. The zero-padded hex names
// sort by term, then index.
func (s *Store) list() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) prune() error {
	names, err := s.list()
	if err != nil {
		return err
	}
	for len(names) > s.retain {
		if err := os.Remove(filepath.Join(s.dir, names[0])); err != nil {
			return err
		}
		names = names[1:]
	}
	return nil
}

func (s *Store) Dir() string {
	return s.dir
}
