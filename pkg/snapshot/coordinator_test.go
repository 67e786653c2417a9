package snapshot

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

type recordingJournal struct {
	mu        sync.Mutex
	compacted []uint64
}

func (j *recordingJournal) Compact(index uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.compacted = append(j.compacted, index)
	return nil
}

func (j *recordingJournal) last() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.compacted) == 0 {
		return 0
	}
	return j.compacted[len(j.compacted)-1]
}

func newLog(t *testing.T, last uint64) *raft.MemoryStorage {
	t.Helper()
	ms := raft.NewMemoryStorage()
	ents := make([]raftpb.Entry, 0, last)
	for i := uint64(1); i <= last; i++ {
		ents = append(ents, raftpb.Entry{Term: 1, Index: i})
	}
	if err := ms.Append(ents); err != nil {
		t.Fatal(err)
	}
	return ms
}

func waitTaken(t *testing.T, c *Coordinator, n uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Taken() < n {
		if time.Now().After(deadline) {
			t.Fatalf("snapshot %d was not taken in time", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newCoordinator(t *testing.T, policy Policy, ms *raft.MemoryStorage) (*Coordinator, *Store, *recordingJournal) {
	t.Helper()
	store, err := NewStore(t.TempDir(), 3)
	if err != nil {
		t.Fatal(err)
	}
	journal := &recordingJournal{}
	c := NewCoordinator(policy, store, ms, journal, func() ([]byte, error) {
		return []byte("state"), nil
	})
	c.Start(context.Background())
	t.Cleanup(c.Stop)
	return c, store, journal
}

func TestSnapshotAfterEntryThreshold(t *testing.T) {
	ms := newLog(t, 20)
	c, store, journal := newCoordinator(t, Policy{Entries: 10, CatchUpEntries: 5}, ms)
	conf := raftpb.ConfState{Voters: []uint64{1}}

	if c.MaybeSnapshot(9, conf, false) {
		t.Fatal("9 entries must not trigger a snapshot")
	}
	if !c.MaybeSnapshot(10, conf, false) {
		t.Fatal("10 entries must trigger a snapshot")
	}
	waitTaken(t, c, 1)

	snap, err := store.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if snap.Metadata.Index != 10 || string(snap.Data) != "state" {
		t.Fatalf("unexpected snapshot %+v", snap.Metadata)
	}
	if c.SnapshotIndex() != 10 {
		t.Fatalf("snapshot index: got %d", c.SnapshotIndex())
	}
	first, _ := ms.FirstIndex()
	if first != 6 {
		t.Fatalf("expected log to start at 6 after compaction, got %d", first)
	}
	if journal.last() != 10 {
		t.Fatalf("journal compacted to %d, want 10", journal.last())
	}
}

func TestTombstoneForcesSnapshot(t *testing.T) {
	ms := newLog(t, 5)
	c, _, _ := newCoordinator(t, Policy{Entries: 1000}, ms)

	if !c.MaybeSnapshot(3, raftpb.ConfState{Voters: []uint64{1}}, true) {
		t.Fatal("tombstone must trigger a snapshot")
	}
	waitTaken(t, c, 1)

	// nothing new applied since
	if c.MaybeSnapshot(3, raftpb.ConfState{Voters: []uint64{1}}, true) {
		t.Fatal("no snapshot without new entries")
	}
}

func TestResetMovesBaseline(t *testing.T) {
	ms := newLog(t, 30)
	c, _, _ := newCoordinator(t, Policy{Entries: 10}, ms)

	c.Reset(25)
	if c.MaybeSnapshot(30, raftpb.ConfState{Voters: []uint64{1}}, false) {
		t.Fatal("5 entries past an installed snapshot must not trigger")
	}
}

func TestJournalKeepsEntriesAfterOldestSnapshot(t *testing.T) {
	ms := newLog(t, 40)
	c, _, journal := newCoordinator(t, Policy{Entries: 10}, ms)
	conf := raftpb.ConfState{Voters: []uint64{1}}

	for i, applied := range []uint64{10, 20, 30, 40} {
		if !c.MaybeSnapshot(applied, conf, false) {
			t.Fatalf("snapshot at %d not triggered", applied)
		}
		waitTaken(t, c, uint64(i+1))
	}

	// three files are retained: 20, 30, 40
	if journal.last() != 20 {
		t.Fatalf("journal compacted to %d, want 20", journal.last())
	}
}
