package raftadapter

import (
	"context"
	"encoding/binary"
	"fmt"

	"raftmap/pkg/dberrors"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

// AddMember adds a voter. The address travels in the change context so every
// replica learns it when the change is applied.
func (n *Node) AddMember(ctx context.Context, id uint64, addr string) error {
	return n.proposeChange(ctx, raftpb.ConfChange{
		Type:    raftpb.ConfChangeAddNode,
		NodeID:  id,
		Context: []byte(addr),
	})
}

func (n *Node) RemoveMember(ctx context.Context, id uint64) error {
	return n.proposeChange(ctx, raftpb.ConfChange{
		Type:   raftpb.ConfChangeRemoveNode,
		NodeID: id,
	})
}

func (n *Node) proposeChange(ctx context.Context, cc raftpb.ConfChange) error {
	u := uuid.New()
	cc.ID = binary.BigEndian.Uint64(u[:8])
	done := make(chan error, 1)

	n.changesMu.Lock()
	n.changes[cc.ID] = done
	n.changesMu.Unlock()
	defer func() {
		n.changesMu.Lock()
		delete(n.changes, cc.ID)
		n.changesMu.Unlock()
	}()

	if err := n.underlying.ProposeConfChange(ctx, cc); err != nil {
		return n.proposeErr(ctx, err)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: membership change: %v", dberrors.ErrTimeout, ctx.Err())
	case <-n.ctx.Done():
		return dberrors.ErrClosed
	}
}

func (n *Node) notifyChange(id uint64, err error) {
	n.changesMu.Lock()
	defer n.changesMu.Unlock()
	if ch, ok := n.changes[id]; ok {
		select {
		case ch <- err:
		default:
		}
	}
}
