// Package snapshot decides when the replicated state is captured, persists
// the captures and releases the log prefix they cover.
package snapshot

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"raftmap/pkg/listener"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

// Policy says when to snapshot.
type Policy struct {
	// Entries applied since the last snapshot that force a new one.
	Entries uint64
	// Interval after which any new applied entry forces a snapshot. 0 disables.
	Interval time.Duration
	// CatchUpEntries stay in the in-memory log after compaction so slow
	// followers can catch up without a full snapshot transfer.
	CatchUpEntries uint64
}

// Log is the in-memory raft log (raft.MemoryStorage).
type Log interface {
	CreateSnapshot(i uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error)
	Compact(compactIndex uint64) error
}

// Journal is the durable log (wal.WAL).
type Journal interface {
	Compact(index uint64) error
}

// Capture serializes the replicated state as of the last applied entry.
type Capture func() ([]byte, error)

type job struct {
	index uint64
	conf  raftpb.ConfState
	data  []byte
}

type Coordinator struct {
	*listener.Listener[job]

	policy  Policy
	store   *Store
	log     Log
	journal Journal
	capture Capture

	jobs     chan job
	inFlight atomic.Bool

	mu        sync.Mutex
	lastIndex uint64
	lastTime  time.Time

	snapIndex atomic.Uint64
	taken     atomic.Uint64
}

func NewCoordinator(policy Policy, store *Store, log Log, journal Journal, capture Capture) *Coordinator {
	c := &Coordinator{
		policy:   policy,
		store:    store,
		log:      log,
		journal:  journal,
		capture:  capture,
		jobs:     make(chan job, 1),
		lastTime: time.Now(),
	}
	c.Listener = listener.New(c.jobs, c.persist).Named("snapshot")
	return c
}

// Reset records a snapshot that was installed rather than taken, so the
// policy counts from it.
func (c *Coordinator) Reset(index uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastIndex = index
	c.lastTime = time.Now()
	c.snapIndex.Store(index)
}

// MaybeSnapshot is called by the apply loop after each batch. When the policy
// fires, the state is captured right here, on the caller's goroutine, so it
// matches applied exactly; writing and compaction happen in the background.
// A tombstone applied in the batch forces a snapshot: everything before it
// is dead.
func (c *Coordinator) MaybeSnapshot(applied uint64, conf raftpb.ConfState, tombstone bool) bool {
	c.mu.Lock()
	due := applied > c.lastIndex && c.due(applied, tombstone)
	c.mu.Unlock()
	if !due {
		return false
	}

	if !c.inFlight.CompareAndSwap(false, true) {
		return false
	}

	data, err := c.capture()
	if err != nil {
		c.inFlight.Store(false)
		slog.Error("snapshot capture failed", "index", applied, "error", err)
		return false
	}

	c.mu.Lock()
	c.lastIndex = applied
	c.lastTime = time.Now()
	c.mu.Unlock()

	c.jobs <- job{index: applied, conf: conf, data: data}
	return true
}

func (c *Coordinator) due(applied uint64, tombstone bool) bool {
	switch {
	case tombstone:
		return true
	case c.policy.Entries > 0 && applied-c.lastIndex >= c.policy.Entries:
		return true
	case c.policy.Interval > 0 && time.Since(c.lastTime) >= c.policy.Interval:
		return true
	}
	return false
}

// will be called async by Coordinator.listener
func (c *Coordinator) persist(j job) error {
	defer c.inFlight.Store(false)

	snap, err := c.log.CreateSnapshot(j.index, &j.conf, j.data)
	if errors.Is(err, raft.ErrSnapOutOfDate) {
		// a newer snapshot was installed from the leader meanwhile
		slog.Debug("snapshot out of date, skipping", "index", j.index)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create snapshot at %d: %w", j.index, err)
	}

	if err := c.store.Save(snap); err != nil {
		return fmt.Errorf("save snapshot at %d: %w", j.index, err)
	}
	c.snapIndex.Store(j.index)

	if j.index > c.policy.CatchUpEntries {
		compactAt := j.index - c.policy.CatchUpEntries
		if err := c.log.Compact(compactAt); err != nil && !errors.Is(err, raft.ErrCompacted) {
			return fmt.Errorf("compact log at %d: %w", compactAt, err)
		}
	}
	if err := CompactJournal(c.store, c.journal, j.index); err != nil {
		return err
	}

	c.taken.Add(1)
	slog.Info("log compacted", "snapshot_index", j.index, "catch_up", c.policy.CatchUpEntries)
	return nil
}

// CompactJournal drops the durable log prefix that every retained snapshot
// covers, never going past index.
func CompactJournal(store *Store, journal Journal, index uint64) error {
	if oldest, ok := store.OldestIndex(); ok && oldest < index {
		index = oldest
	}
	if err := journal.Compact(index); err != nil {
		return fmt.Errorf("compact journal at %d: %w", index, err)
	}
	return nil
}

// SnapshotIndex is the index of the newest persisted snapshot.
func (c *Coordinator) SnapshotIndex() uint64 {
	return c.snapIndex.Load()
}

// Taken counts completed snapshot and compaction rounds.
func (c *Coordinator) Taken() uint64 {
	return c.taken.Load()
}
