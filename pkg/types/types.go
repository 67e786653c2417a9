package types

// NodeID identifies a replica in the raft group.
type NodeID = uint64

// Term and Index are used by consensus/replication components.
type Term = uint64

type LogIndex = uint64

// SessionID identifies a client session. It is chosen by the client and
// registered through the log, so every replica agrees on it.
type SessionID string

// Seq is a per-session command sequence number starting at 1.
type Seq = uint64

// TimestampMs is a millisecond-precision timestamp carried inside log
// entries. Replicas never read the local clock while applying.
type TimestampMs int64
