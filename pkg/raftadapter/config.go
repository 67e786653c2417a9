package raftadapter

import (
	"hash/fnv"

	"raftmap/pkg/config"

	"go.etcd.io/etcd/raft/v3"
)

func toRaftConfig(c *config.RaftConfig, id uint64) *raft.Config {
	return &raft.Config{
		ID:                        id,
		ElectionTick:              c.ElectionTick,
		HeartbeatTick:             c.HeartbeatTick,
		MaxSizePerMsg:             c.MaxSizePerMsg,
		MaxCommittedSizePerReady:  c.MaxCommittedSizePerReady,
		MaxUncommittedEntriesSize: c.MaxUncommittedEntriesSize,
		MaxInflightMsgs:           c.MaxInflightMsgs,
		CheckQuorum:               c.CheckQuorum,
		PreVote:                   c.PreVote,
		ReadOnlyOption:            raft.ReadOnlySafe,
	}
}

// IDFromAddress derives a stable node id from the advertised address.
func IDFromAddress(addr string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(addr))
	if id := h.Sum64(); id != 0 {
		return id
	}
	return 1
}
