package raftadapter

import (
	"context"
	"fmt"

	"raftmap/pkg/dberrors"
	"raftmap/pkg/operation"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
)

// Consistency of a read served by Query.
type Consistency string

const (
	// Linearizable reads confirm leadership through raft's read index and
	// observe every write committed before the read started.
	Linearizable Consistency = "linearizable"
	// Sequential reads are served locally once the replica has applied the
	// caller's last observed index.
	Sequential Consistency = "sequential"
)

func (c Consistency) Valid() bool {
	return c == Linearizable || c == Sequential
}

// Query serves a read-only operation without appending to the log.
func (n *Node) Query(ctx context.Context, op operation.Operation, level Consistency, minIndex uint64) (Outcome, error) {
	if err := op.Validate(); err != nil {
		return Outcome{}, err
	}
	if !op.Kind.ReadOnly() {
		return Outcome{}, fmt.Errorf("%w: %s is not a query", dberrors.ErrMalformedOperation, op.Kind)
	}

	wait := minIndex
	if level == Linearizable {
		idx, err := n.ReadIndex(ctx)
		if err != nil {
			return Outcome{}, err
		}
		wait = max(wait, idx)
	}
	if err := n.WaitApplied(ctx, wait); err != nil {
		return Outcome{}, err
	}

	res, err := n.sm.Query(op)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Index: n.applied.Load(), Result: res}, nil
}

// ReadIndex returns a commit index that is safe to read at: once it is
// applied locally, the state reflects every write acknowledged before the
// call.
func (n *Node) ReadIndex(ctx context.Context) (uint64, error) {
	rctx := uuid.New()
	key := string(rctx[:])
	ch := make(chan uint64, 1)

	n.readsMu.Lock()
	n.reads[key] = ch
	n.readsMu.Unlock()
	defer func() {
		n.readsMu.Lock()
		delete(n.reads, key)
		n.readsMu.Unlock()
	}()

	if err := n.underlying.ReadIndex(ctx, rctx[:]); err != nil {
		return 0, n.proposeErr(ctx, err)
	}

	select {
	case idx := <-ch:
		return idx, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: read index: %v", dberrors.ErrTimeout, ctx.Err())
	case <-n.ctx.Done():
		return 0, dberrors.ErrClosed
	}
}

func (n *Node) deliverReadStates(states []raft.ReadState) {
	if len(states) == 0 {
		return
	}
	n.readsMu.Lock()
	defer n.readsMu.Unlock()
	for _, rs := range states {
		if ch, ok := n.reads[string(rs.RequestCtx)]; ok {
			select {
			case ch <- rs.Index:
			default:
			}
		}
	}
}

// WaitApplied blocks until the local replica has applied index.
func (n *Node) WaitApplied(ctx context.Context, index uint64) error {
	for {
		if n.applied.Load() >= index {
			return nil
		}
		n.appliedMu.Lock()
		ch := n.appliedCh
		n.appliedMu.Unlock()
		if n.applied.Load() >= index {
			return nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for index %d: %v", dberrors.ErrTimeout, index, ctx.Err())
		case <-n.ctx.Done():
			return dberrors.ErrClosed
		}
	}
}

func (n *Node) setApplied(index uint64) {
	n.applied.Store(index)

	n.appliedMu.Lock()
	close(n.appliedCh)
	n.appliedCh = make(chan struct{})
	n.appliedMu.Unlock()
}
