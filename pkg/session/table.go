// Package session keeps the replicated client session table. It sits between
// the committed log and the state machine and turns at-least-once delivery of
// client commands into exactly-once application.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"raftmap/pkg/dberrors"
	"raftmap/pkg/operation"
	"raftmap/pkg/types"

	"github.com/google/uuid"
)

// ErrStaleSequence is returned for a resend whose result the client has
// already acknowledged.
var ErrStaleSequence = errors.New("session: sequence already acknowledged")

// Applier is the state machine the table feeds.
type Applier interface {
	Apply(op operation.Operation) (operation.Result, error)
}

// Completion reports the outcome of one command to whoever proposed it.
type Completion struct {
	RequestID uuid.UUID
	Session   types.SessionID
	Seq       types.Seq
	Result    operation.Result
	Err       error
}

type parked struct {
	RequestID uuid.UUID           `json:"request_id"`
	Op        operation.Operation `json:"op"`
}

type state struct {
	ID       types.SessionID                `json:"id"`
	Timeout  int64                          `json:"timeout_ms"`
	LastSeen types.TimestampMs              `json:"last_seen"`
	LastSeq  types.Seq                      `json:"last_seq"`
	Results  map[types.Seq]operation.Result `json:"results,omitempty"`
	Parked   map[types.Seq]parked           `json:"parked,omitempty"`
}

// Table must only be driven from the apply path. Every method is a pure
// function of the table contents and its arguments, so replicas that apply
// the same log hold the same table.
type Table struct {
	// mu only guards against concurrent readers (status, snapshot capture)
	mu       sync.RWMutex
	sm       Applier
	now      types.TimestampMs
	sessions map[types.SessionID]*state
}

func NewTable(sm Applier) *Table {
	return &Table{
		sm:       sm,
		sessions: make(map[types.SessionID]*state),
	}
}

// Register opens a session, or refreshes it when the id is already known.
func (t *Table) Register(now types.TimestampMs, id types.SessionID, timeoutMs int64) []Completion {
	t.mu.Lock()
	defer t.mu.Unlock()

	done := t.advance(now)
	if s, ok := t.sessions[id]; ok {
		s.LastSeen = t.now
		s.Timeout = timeoutMs
		return done
	}
	t.sessions[id] = &state{
		ID:       id,
		Timeout:  timeoutMs,
		LastSeen: t.now,
		Results:  make(map[types.Seq]operation.Result),
		Parked:   make(map[types.Seq]parked),
	}
	slog.Debug("session registered", "session", id, "timeout_ms", timeoutMs)
	return done
}

// KeepAlive refreshes the session and releases results up to ack.
func (t *Table) KeepAlive(now types.TimestampMs, id types.SessionID, ack types.Seq) ([]Completion, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	done := t.advance(now)
	s, ok := t.sessions[id]
	if !ok {
		return done, fmt.Errorf("%w: %s", dberrors.ErrSessionExpired, id)
	}
	s.LastSeen = t.now
	s.release(ack)
	return done, nil
}

// Unregister closes the session. Parked commands are failed.
func (t *Table) Unregister(now types.TimestampMs, id types.SessionID) []Completion {
	t.mu.Lock()
	defer t.mu.Unlock()

	done := t.advance(now)
	if s, ok := t.sessions[id]; ok {
		done = append(done, t.drop(s, dberrors.ErrClosed)...)
	}
	return done
}

// Command applies op as the seq-th command of session id. Commands are
// applied in sequence order: a duplicate gets its cached result, a command
// that arrives ahead of its predecessors is parked until the gap fills.
func (t *Table) Command(now types.TimestampMs, id types.SessionID, seq, ack types.Seq, requestID uuid.UUID, op operation.Operation) ([]Completion, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	done := t.advance(now)

	s, ok := t.sessions[id]
	if !ok {
		return append(done, Completion{
			RequestID: requestID,
			Session:   id,
			Seq:       seq,
			Err:       fmt.Errorf("%w: %s", dberrors.ErrSessionExpired, id),
		}), nil
	}
	s.LastSeen = t.now

	switch {
	case seq <= s.LastSeq:
		c := Completion{RequestID: requestID, Session: id, Seq: seq}
		if res, ok := s.Results[seq]; ok {
			c.Result = res
		} else {
			c.Err = ErrStaleSequence
		}
		done = append(done, c)

	case seq > s.LastSeq+1:
		s.Parked[seq] = parked{RequestID: requestID, Op: op}

	default:
		c, err := t.apply(s, seq, requestID, op)
		if err != nil {
			return done, err
		}
		done = append(done, c)

		for {
			next, ok := s.Parked[s.LastSeq+1]
			if !ok {
				break
			}
			delete(s.Parked, s.LastSeq+1)
			c, err := t.apply(s, s.LastSeq+1, next.RequestID, next.Op)
			if err != nil {
				return done, err
			}
			done = append(done, c)
		}
	}

	// ack is applied last: it never covers the command it travels with
	s.release(min(ack, s.LastSeq))
	return done, nil
}

// Touch advances the table clock without any other effect. It is called for
// log entries that carry a timestamp but no session work.
func (t *Table) Touch(now types.TimestampMs) []Completion {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.advance(now)
}

func (t *Table) apply(s *state, seq types.Seq, requestID uuid.UUID, op operation.Operation) (Completion, error) {
	res, err := t.sm.Apply(op)
	if err != nil {
		return Completion{}, err
	}
	s.LastSeq = seq
	s.Results[seq] = res
	return Completion{RequestID: requestID, Session: s.ID, Seq: seq, Result: res}, nil
}

func (s *state) release(ack types.Seq) {
	for seq := range s.Results {
		if seq <= ack {
			delete(s.Results, seq)
		}
	}
}

// advance moves the clock forward and expires idle sessions.
func (t *Table) advance(now types.TimestampMs) []Completion {
	if now > t.now {
		t.now = now
	}

	var done []Completion
	for _, id := range t.ids() {
		s := t.sessions[id]
		if int64(t.now-s.LastSeen) > s.Timeout {
			slog.Info("session expired", "session", id, "last_seen", s.LastSeen, "now", t.now)
			done = append(done, t.drop(s, dberrors.ErrSessionExpired)...)
		}
	}
	return done
}

func (t *Table) drop(s *state, reason error) []Completion {
	delete(t.sessions, s.ID)

	seqs := make([]types.Seq, 0, len(s.Parked))
	for seq := range s.Parked {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	done := make([]Completion, 0, len(seqs))
	for _, seq := range seqs {
		done = append(done, Completion{
			RequestID: s.Parked[seq].RequestID,
			Session:   s.ID,
			Seq:       seq,
			Err:       fmt.Errorf("%w: %s", reason, s.ID),
		})
	}
	return done
}

func (t *Table) ids() []types.SessionID {
	ids := make([]types.SessionID, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Has reports whether the session is open.
func (t *Table) Has(id types.SessionID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.sessions[id]
	return ok
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

func (t *Table) Now() types.TimestampMs {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.now
}
