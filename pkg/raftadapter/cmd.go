package raftadapter

import (
	"time"

	"raftmap/pkg/operation"
	"raftmap/pkg/types"

	"github.com/google/uuid"
)

type EntryKind string

const (
	EntryRegister   EntryKind = "register"
	EntryKeepAlive  EntryKind = "keepalive"
	EntryUnregister EntryKind = "unregister"
	EntryCommand    EntryKind = "command"
	// EntryTick only carries the proposer's clock; it lets idle sessions
	// expire.
	EntryTick EntryKind = "tick"
)

// Entry is the payload of every normal raft log entry.
type Entry struct {
	Kind      EntryKind            `json:"kind"`
	ID        uuid.UUID            `json:"id"`
	Timestamp types.TimestampMs    `json:"ts"`
	Session   types.SessionID      `json:"session,omitempty"`
	Seq       types.Seq            `json:"seq,omitempty"`
	Ack       types.Seq            `json:"ack,omitempty"`
	TimeoutMs int64                `json:"timeout_ms,omitempty"`
	Op        *operation.Operation `json:"op,omitempty"`
}

func newEntry(kind EntryKind, session types.SessionID) Entry {
	return Entry{
		Kind:      kind,
		ID:        uuid.New(),
		Timestamp: types.TimestampMs(time.Now().UnixMilli()),
		Session:   session,
	}
}

func NewRegister(session types.SessionID, timeout time.Duration) Entry {
	e := newEntry(EntryRegister, session)
	e.TimeoutMs = timeout.Milliseconds()
	return e
}

func NewKeepAlive(session types.SessionID, ack types.Seq) Entry {
	e := newEntry(EntryKeepAlive, session)
	e.Ack = ack
	return e
}

func NewUnregister(session types.SessionID) Entry {
	return newEntry(EntryUnregister, session)
}

func NewCommand(session types.SessionID, seq, ack types.Seq, op operation.Operation) Entry {
	e := newEntry(EntryCommand, session)
	e.Seq = seq
	e.Ack = ack
	e.Op = &op
	return e
}

func newTick() Entry {
	return newEntry(EntryTick, "")
}

// Outcome is what a proposer learns once its entry has been applied.
type Outcome struct {
	Index  types.LogIndex
	Result operation.Result
	Err    error
}
