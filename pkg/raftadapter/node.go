package raftadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"raftmap/pkg/config"
	"raftmap/pkg/dberrors"
	"raftmap/pkg/operation"
	"raftmap/pkg/session"
	"raftmap/pkg/snapshot"
	"raftmap/pkg/statemachine"
	"raftmap/pkg/types"
	"raftmap/pkg/wal"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

var errRemoved = errors.New("node removed from cluster")

type iTransport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

type Node struct {
	ID   uint64
	Addr string

	peersMu sync.RWMutex
	peers   map[uint64]string

	underlying     raft.Node
	sm             *statemachine.Map
	sessions       *session.Table
	jr             *raft.MemoryStorage
	journal        *wal.WAL
	snaps          *snapshot.Store
	coord          *snapshot.Coordinator
	conf           raftpb.ConfState
	tickInterval   time.Duration
	sessionTimeout time.Duration
	transport      iTransport

	ctx      context.Context
	stop     context.CancelFunc
	stopOnce sync.Once

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan Outcome

	readsMu sync.Mutex
	reads   map[string]chan uint64

	changesMu sync.Mutex
	changes   map[uint64]chan error

	applied   atomic.Uint64
	appliedMu sync.Mutex
	appliedCh chan struct{}
}

// NewNode opens the node's durable state under cfg.Storage.DataDir and starts
// raft. A node with existing state restarts from it; a joining node starts
// empty and waits for the leader to catch it up; otherwise the node
// bootstraps a new cluster from cfg.Raft.Peers.
func NewNode(cfg *config.Config, sm *statemachine.Map, join bool) (*Node, error) {
	addr := cfg.Server.AdvertiseURL()
	id := cfg.Raft.ID
	if id == 0 {
		id = IDFromAddress(addr)
	}

	var (
		peers     = make(map[uint64]string, len(cfg.Raft.Peers)+1)
		raftPeers = make([]raft.Peer, 0, len(cfg.Raft.Peers)+1)
	)
	for _, p := range cfg.Raft.Peers {
		if _, ok := peers[p.ID]; ok {
			return nil, fmt.Errorf("duplicate peer ID %d", p.ID)
		}
		peers[p.ID] = p.Address
		raftPeers = append(raftPeers, raft.Peer{
			ID:      p.ID,
			Context: []byte(p.Address),
		})
	}
	if _, ok := peers[id]; !ok {
		if len(cfg.Raft.Peers) > 0 && !join {
			return nil, fmt.Errorf("node %d is not in the configured peer list", id)
		}
		peers[id] = addr
		raftPeers = append(raftPeers, raft.Peer{ID: id, Context: []byte(addr)})
	}

	journal, err := wal.New(filepath.Join(cfg.Storage.DataDir, "wal"))
	if err != nil {
		return nil, err
	}
	snaps, err := snapshot.NewStore(filepath.Join(cfg.Storage.DataDir, "snap"), cfg.Snapshot.Retain)
	if err != nil {
		_ = journal.Close()
		return nil, err
	}

	storage := raft.NewMemoryStorage()
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		ID:             id,
		Addr:           addr,
		peers:          peers,
		sm:             sm,
		sessions:       session.NewTable(sm),
		jr:             storage,
		journal:        journal,
		snaps:          snaps,
		tickInterval:   cfg.Raft.TickInterval,
		sessionTimeout: cfg.Session.Timeout,
		transport:      NewTransport(peers),
		ctx:            ctx,
		stop:           cancel,
		proposals:      make(map[uuid.UUID]chan Outcome),
		reads:          make(map[string]chan uint64),
		changes:        make(map[uint64]chan error),
		appliedCh:      make(chan struct{}),
	}
	n.coord = snapshot.NewCoordinator(snapshot.Policy{
		Entries:        cfg.Snapshot.Entries,
		Interval:       cfg.Snapshot.Interval,
		CatchUpEntries: cfg.Snapshot.CatchUpEntries,
	}, snaps, storage, journal, n.capture)

	// the journal must accept writes before recovery reads it back
	journal.Start(context.Background())

	restarted, err := n.recover()
	if err != nil {
		journal.Stop()
		_ = journal.Close()
		cancel()
		return nil, fmt.Errorf("recover: %w", err)
	}

	rc := toRaftConfig(&cfg.Raft, id)
	rc.Storage = storage
	rc.Applied = n.applied.Load()

	switch {
	case restarted:
		slog.Info("restarting raft node", "id", id, "applied", rc.Applied)
		n.underlying = raft.RestartNode(rc)
	case join:
		slog.Info("joining raft cluster", "id", id, "peers", len(peers))
		n.underlying = raft.RestartNode(rc)
	default:
		slog.Info("bootstrapping raft cluster", "id", id, "peers", len(raftPeers))
		n.underlying = raft.StartNode(rc, raftPeers)
	}

	n.coord.Start(context.Background())
	return n, nil
}

// recover loads the newest snapshot the durable log continues from, then
// the log after it. It reports whether any durable state existed.
func (n *Node) recover() (bool, error) {
	st, err := n.journal.ReadAll()
	if err != nil {
		return false, err
	}

	var first, last uint64
	if len(st.Entries) > 0 {
		first = st.Entries[0].Index
		last = st.Entries[len(st.Entries)-1].Index
	}
	commit := st.HardState.Commit

	restarted := false
	var snapIndex uint64

	snap, err := n.snaps.LatestMatching(func(meta raftpb.SnapshotMetadata) error {
		return continuous(meta.Index, first, last, commit)
	})
	switch {
	case errors.Is(err, snapshot.ErrNoSnapshot):
		if err := continuous(0, first, last, commit); err != nil {
			return false, fmt.Errorf("no usable snapshot: %w", err)
		}
	case err != nil:
		return false, err
	default:
		if err := n.jr.ApplySnapshot(snap); err != nil {
			return false, fmt.Errorf("apply snapshot: %w", err)
		}
		if err := n.restore(snap.Data); err != nil {
			return false, err
		}
		snapIndex = snap.Metadata.Index
		n.conf = snap.Metadata.ConfState
		n.applied.Store(snapIndex)
		n.coord.Reset(snapIndex)
		restarted = true
		slog.Info("restored snapshot", "index", snapIndex, "term", snap.Metadata.Term, "keys", n.sm.Len())
	}

	entries := make([]raftpb.Entry, 0, len(st.Entries))
	for _, e := range st.Entries {
		if e.Index > snapIndex {
			entries = append(entries, e)
		}
	}
	if len(entries) > 0 {
		if err := n.jr.Append(entries); err != nil {
			return false, fmt.Errorf("append recovered entries: %w", err)
		}
		restarted = true
	}
	if !raft.IsEmptyHardState(st.HardState) {
		if st.HardState.Commit < snapIndex {
			st.HardState.Commit = snapIndex
		}
		if err := n.jr.SetHardState(st.HardState); err != nil {
			return false, fmt.Errorf("set hard state: %w", err)
		}
		restarted = true
	}

	slog.Info("recovered durable state", "snapshot_index", snapIndex, "entries", len(entries), "commit", st.HardState.Commit)
	return restarted, nil
}

// continuous checks that a snapshot at snapIndex and the logged entries
// [first, last] form one log without a gap that reaches commit.
func continuous(snapIndex, first, last, commit uint64) error {
	if first > snapIndex+1 {
		return fmt.Errorf("log starts at %d, state ends at %d", first, snapIndex)
	}
	if commit > max(snapIndex, last) {
		return fmt.Errorf("commit %d is past the durable log end %d", commit, max(snapIndex, last))
	}
	return nil
}

func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	expiry := time.NewTicker(max(n.sessionTimeout/2, n.tickInterval))
	defer expiry.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			_ = n.Stop()
			return ctx.Err()
		case <-ticker.C:
			n.underlying.Tick()
		case <-expiry.C:
			n.proposeTick()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(rd); err != nil {
				if !errors.Is(err, errRemoved) {
					slog.Error("critical: raft loop stopped", "id", n.ID, "error", err)
				}
				_ = n.Stop()
				return err
			}
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) error {
	incoming := !raft.IsEmptySnap(rd.Snapshot) && rd.Snapshot.Metadata.Index > n.applied.Load()

	// Снапшот пишется до hard state: commit из WAL не должен указывать
	// за конец того, что есть на диске.
	if incoming {
		if err := n.snaps.Save(rd.Snapshot); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
	}

	if err := n.journal.Save(rd.HardState, rd.Entries); err != nil {
		return fmt.Errorf("save to wal: %w", err)
	}

	if incoming {
		if err := n.installSnapshot(rd.Snapshot); err != nil {
			return err
		}
	}

	if err := n.jr.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}

	n.sendMessages(rd.Messages)
	n.deliverReadStates(rd.ReadStates)

	tombstone, err := n.applyCommitted(rd.CommittedEntries)
	if err != nil {
		return err
	}
	n.coord.MaybeSnapshot(n.applied.Load(), n.conf, tombstone)

	n.underlying.Advance()
	return nil
}

// installSnapshot replaces the local state with a snapshot sent by the
// leader; its file is already on disk. It runs before any entry that
// follows the snapshot is applied.
func (n *Node) installSnapshot(snap raftpb.Snapshot) error {
	index := snap.Metadata.Index
	if err := n.jr.ApplySnapshot(snap); err != nil && !errors.Is(err, raft.ErrSnapOutOfDate) {
		return fmt.Errorf("apply snapshot: %w", err)
	}
	if err := n.restore(snap.Data); err != nil {
		return err
	}
	n.conf = snap.Metadata.ConfState
	n.setApplied(index)
	n.coord.Reset(index)

	if err := snapshot.CompactJournal(n.snaps, n.journal, index); err != nil {
		slog.Warn("failed to compact wal after snapshot install", "index", index, "error", err)
	}
	slog.Info("installed snapshot from leader", "index", index, "term", snap.Metadata.Term, "keys", n.sm.Len())
	return nil
}

func (n *Node) applyCommitted(entries []raftpb.Entry) (bool, error) {
	var (
		tombstone bool
		last      = n.applied.Load()
	)
	for _, entry := range entries {
		if entry.Index <= last {
			continue
		}
		t, err := n.applyEntry(entry)
		if err != nil {
			if last > n.applied.Load() {
				n.setApplied(last)
			}
			return false, err
		}
		tombstone = tombstone || t
		last = entry.Index
	}
	if last > n.applied.Load() {
		n.setApplied(last)
	}
	return tombstone, nil
}

func (n *Node) applyEntry(entry raftpb.Entry) (bool, error) {
	switch entry.Type {
	case raftpb.EntryConfChange:
		var cc raftpb.ConfChange
		if err := cc.Unmarshal(entry.Data); err != nil {
			return false, fmt.Errorf("unmarshal conf change: %w", err)
		}
		n.conf = *n.underlying.ApplyConfChange(cc)
		n.updateTransport(cc)
		n.notifyChange(cc.ID, nil)
		if cc.Type == raftpb.ConfChangeRemoveNode && cc.NodeID == n.ID {
			slog.Info("this node was removed from the cluster", "id", n.ID)
			return false, errRemoved
		}
		return false, nil

	case raftpb.EntryNormal:
		if len(entry.Data) == 0 {
			// empty entry appended by a new leader
			return false, nil
		}

	default:
		return false, nil
	}

	var e Entry
	if err := json.Unmarshal(entry.Data, &e); err != nil {
		return false, fmt.Errorf("%w: entry %d: %v", dberrors.ErrDeterminism, entry.Index, err)
	}

	var (
		index     = types.LogIndex(entry.Index)
		own       = Outcome{Index: index}
		ownDone   = true
		tombstone bool
		done      []session.Completion
		err       error
	)
	switch e.Kind {
	case EntryRegister:
		done = n.sessions.Register(e.Timestamp, e.Session, e.TimeoutMs)
	case EntryKeepAlive:
		done, own.Err = n.sessions.KeepAlive(e.Timestamp, e.Session, e.Ack)
	case EntryUnregister:
		done = n.sessions.Unregister(e.Timestamp, e.Session)
	case EntryTick:
		done = n.sessions.Touch(e.Timestamp)
	case EntryCommand:
		if e.Op == nil {
			own.Err = fmt.Errorf("%w: command without operation", dberrors.ErrMalformedOperation)
			break
		}
		done, err = n.sessions.Command(e.Timestamp, e.Session, e.Seq, e.Ack, e.ID, *e.Op)
		if err != nil {
			return false, fmt.Errorf("apply entry %d: %w", entry.Index, err)
		}
		// the proposer hears back through done, now or once a gap fills
		ownDone = false
		tombstone = e.Op.Compaction() == operation.CompactionTombstone
	default:
		own.Err = fmt.Errorf("%w: unknown entry kind %q", dberrors.ErrMalformedOperation, e.Kind)
	}

	for _, c := range done {
		n.notifyProposalResult(c.RequestID, Outcome{Index: index, Result: c.Result, Err: c.Err})
	}
	if ownDone {
		n.notifyProposalResult(e.ID, own)
	}
	return tombstone, nil
}

func (n *Node) updateTransport(cc raftpb.ConfChange) {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	switch cc.Type {
	case raftpb.ConfChangeAddNode, raftpb.ConfChangeAddLearnerNode:
		peerAddr := string(cc.Context)
		n.peers[cc.NodeID] = peerAddr
		if cc.NodeID != n.ID {
			n.transport.AddPeer(cc.NodeID, peerAddr)
		}
		slog.Info("added peer", "id", cc.NodeID, "addr", peerAddr)

	case raftpb.ConfChangeRemoveNode:
		delete(n.peers, cc.NodeID)
		n.transport.RemovePeer(cc.NodeID)
		slog.Info("removed peer", "id", cc.NodeID)

	case raftpb.ConfChangeUpdateNode:
		peerAddr := string(cc.Context)
		n.peers[cc.NodeID] = peerAddr
		n.transport.UpdatePeer(cc.NodeID, peerAddr)
		slog.Info("updated peer", "id", cc.NodeID, "addr", peerAddr)
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.ID {
			continue
		}

		go func(m raftpb.Message) {
			err := n.transport.Send(m)
			if err != nil {
				slog.Warn("failed to send raft message",
					"from", m.From,
					"to", m.To,
					"type", m.Type,
					"error", err)
				n.underlying.ReportUnreachable(m.To)
			}
			if m.Type == raftpb.MsgSnap {
				status := raft.SnapshotFinish
				if err != nil {
					status = raft.SnapshotFailure
				}
				n.underlying.ReportSnapshot(m.To, status)
			}
		}(msg)
	}
}

// proposeTick lets the leader advance the replicated session clock when
// there is no other traffic, so idle sessions still expire.
func (n *Node) proposeTick() {
	if !n.IsLeader() || n.sessions.Len() == 0 {
		return
	}
	data, err := json.Marshal(newTick())
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(n.ctx, n.sessionTimeout)
		defer cancel()
		if err := n.underlying.Propose(ctx, data); err != nil {
			slog.Debug("session tick not proposed", "error", err)
		}
	}()
}

func (n *Node) notifyProposalResult(id uuid.UUID, result Outcome) {
	n.proposalsMu.RLock()
	resultChan, ok := n.proposals[id]
	n.proposalsMu.RUnlock()

	if !ok {
		// applied on a replica that did not propose it, or the proposer gave up
		return
	}

	// не блокируем apply, если вдруг слушатель уже ушёл
	select {
	case resultChan <- result:
	default:
		slog.Debug("proposal result channel is full (ignored)", "id", id)
	}
}

// Propose submits an entry and waits until it has been applied. For commands
// the outcome carries the state machine result; result errors are returned
// both in the outcome and as the error.
func (n *Node) Propose(ctx context.Context, e Entry) (Outcome, error) {
	if e.Op != nil {
		if err := e.Op.Validate(); err != nil {
			return Outcome{}, err
		}
	}
	data, err := json.Marshal(e)
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal entry: %w", err)
	}

	resultChan := make(chan Outcome, 1)

	n.proposalsMu.Lock()
	n.proposals[e.ID] = resultChan
	n.proposalsMu.Unlock()

	defer func() {
		n.proposalsMu.Lock()
		delete(n.proposals, e.ID)
		n.proposalsMu.Unlock()
	}()

	if err := n.underlying.Propose(ctx, data); err != nil {
		return Outcome{}, n.proposeErr(ctx, err)
	}

	select {
	case out := <-resultChan:
		return out, out.Err
	case <-ctx.Done():
		return Outcome{}, fmt.Errorf("%w: %v", dberrors.ErrTimeout, ctx.Err())
	case <-n.ctx.Done():
		return Outcome{}, dberrors.ErrClosed
	}
}

func (n *Node) proposeErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, raft.ErrProposalDropped):
		return fmt.Errorf("%w: proposal dropped", dberrors.ErrNotLeader)
	case errors.Is(err, raft.ErrStopped):
		return dberrors.ErrClosed
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %v", dberrors.ErrTimeout, ctx.Err())
	}
	return fmt.Errorf("propose: %w", err)
}

// Handle обрабатывает входящие Raft-сообщения от других нод
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	return n.underlying.Step(ctx, msg)
}

func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		slog.Info("stopping raft node", "id", n.ID)

		n.underlying.Stop()
		n.stop()
		n.coord.Stop()
		n.journal.Stop()
		if err := n.journal.Close(); err != nil {
			slog.Warn("failed to close wal", "error", err)
		}

		n.proposalsMu.Lock()
		for _, resultChan := range n.proposals {
			select {
			case resultChan <- Outcome{Err: dberrors.ErrClosed}:
			default:
			}
		}
		n.proposalsMu.Unlock()

		slog.Info("raft node stopped", "id", n.ID)
	})
	return nil
}

func (n *Node) IsLeader() bool {
	return n.underlying.Status().Lead == n.ID
}

func (n *Node) LeaderID() uint64 {
	return n.underlying.Status().Lead
}

func (n *Node) LeaderAddr() string {
	leaderID := n.LeaderID()
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	return n.peers[leaderID]
}

// Peers returns a copy of the member address map.
func (n *Node) Peers() map[uint64]string {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	out := make(map[uint64]string, len(n.peers))
	for id, addr := range n.peers {
		out[id] = addr
	}
	return out
}

func (n *Node) Applied() uint64 {
	return n.applied.Load()
}

// StateMachine exposes the local replica for metrics and tests.
func (n *Node) StateMachine() *statemachine.Map {
	return n.sm
}

func (n *Node) Sessions() *session.Table {
	return n.sessions
}
