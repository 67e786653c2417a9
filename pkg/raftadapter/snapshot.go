package raftadapter

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Номера полей конверта снапшота.
const (
	fieldState    protowire.Number = 1
	fieldSessions protowire.Number = 2
	fieldPeer     protowire.Number = 3

	fieldPeerID   protowire.Number = 1
	fieldPeerAddr protowire.Number = 2
)

// snapshotData is the payload of a raft snapshot: the map, the session table
// and the member addresses, all as of the same applied index. It is written
// in protobuf wire format without generated messages.
type snapshotData struct {
	State    []byte
	Sessions []byte
	Peers    map[uint64]string
}

func (s snapshotData) marshal() []byte {
	b := protowire.AppendTag(nil, fieldState, protowire.BytesType)
	b = protowire.AppendBytes(b, s.State)
	b = protowire.AppendTag(b, fieldSessions, protowire.BytesType)
	b = protowire.AppendBytes(b, s.Sessions)

	ids := make([]uint64, 0, len(s.Peers))
	for id := range s.Peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		var peer []byte
		peer = protowire.AppendTag(peer, fieldPeerID, protowire.VarintType)
		peer = protowire.AppendVarint(peer, id)
		peer = protowire.AppendTag(peer, fieldPeerAddr, protowire.BytesType)
		peer = protowire.AppendString(peer, s.Peers[id])

		b = protowire.AppendTag(b, fieldPeer, protowire.BytesType)
		b = protowire.AppendBytes(b, peer)
	}
	return b
}

func (s *snapshotData) unmarshal(b []byte) error {
	s.Peers = make(map[uint64]string)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case fieldState:
			s.State = append([]byte(nil), v...)
		case fieldSessions:
			s.Sessions = append([]byte(nil), v...)
		case fieldPeer:
			id, addr, err := unmarshalPeer(v)
			if err != nil {
				return err
			}
			s.Peers[id] = addr
		}
	}
	return nil
}

func unmarshalPeer(b []byte) (uint64, string, error) {
	var (
		id   uint64
		addr string
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, "", protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldPeerID && typ == protowire.VarintType:
			id, n = protowire.ConsumeVarint(b)
		case num == fieldPeerAddr && typ == protowire.BytesType:
			addr, n = protowire.ConsumeString(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return 0, "", protowire.ParseError(n)
		}
		b = b[n:]
	}
	if id == 0 {
		return 0, "", fmt.Errorf("snapshot peer without id")
	}
	return id, addr, nil
}

// capture runs on the apply goroutine.
func (n *Node) capture() ([]byte, error) {
	state, err := n.sm.Serialize()
	if err != nil {
		return nil, err
	}
	sessions, err := n.sessions.Encode()
	if err != nil {
		return nil, err
	}
	snap := snapshotData{
		State:    state,
		Sessions: sessions,
		Peers:    n.Peers(),
	}
	return snap.marshal(), nil
}

// restore installs a captured snapshot. The map is restored exactly once per
// installed snapshot.
func (n *Node) restore(data []byte) error {
	var snap snapshotData
	if err := snap.unmarshal(data); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if err := n.sm.Restore(snap.State); err != nil {
		return fmt.Errorf("restore state machine: %w", err)
	}
	if err := n.sessions.Decode(snap.Sessions); err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}

	n.peersMu.Lock()
	defer n.peersMu.Unlock()
	for id := range n.peers {
		if _, ok := snap.Peers[id]; !ok {
			n.transport.RemovePeer(id)
		}
	}
	n.peers = make(map[uint64]string, len(snap.Peers))
	for id, addr := range snap.Peers {
		n.peers[id] = addr
		if id != n.ID {
			n.transport.AddPeer(id, addr)
		}
	}
	return nil
}
