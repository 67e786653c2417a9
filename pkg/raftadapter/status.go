package raftadapter

type Status struct {
	ID            uint64            `json:"id"`
	Addr          string            `json:"addr"`
	State         string            `json:"state"`
	Leader        uint64            `json:"leader"`
	LeaderAddr    string            `json:"leader_addr,omitempty"`
	Term          uint64            `json:"term"`
	Commit        uint64            `json:"commit"`
	Applied       uint64            `json:"applied"`
	SnapshotIndex uint64            `json:"snapshot_index"`
	Snapshots     uint64            `json:"snapshots_taken"`
	Keys          int               `json:"keys"`
	Sessions      int               `json:"sessions"`
	Peers         map[uint64]string `json:"peers"`
}

func (n *Node) Status() Status {
	st := n.underlying.Status()
	return Status{
		ID:            n.ID,
		Addr:          n.Addr,
		State:         st.RaftState.String(),
		Leader:        st.Lead,
		LeaderAddr:    n.LeaderAddr(),
		Term:          st.Term,
		Commit:        st.Commit,
		Applied:       n.applied.Load(),
		SnapshotIndex: n.coord.SnapshotIndex(),
		Snapshots:     n.coord.Taken(),
		Keys:          n.sm.Len(),
		Sessions:      n.sessions.Len(),
		Peers:         n.Peers(),
	}
}
