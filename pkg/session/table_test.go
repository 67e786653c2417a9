package session

import (
	"errors"
	"testing"

	"raftmap/pkg/dberrors"
	"raftmap/pkg/operation"
	"raftmap/pkg/statemachine"
	"raftmap/pkg/types"

	"github.com/google/uuid"
)

const sid types.SessionID = "client-1"

func newTable(t *testing.T) (*Table, *statemachine.Map) {
	t.Helper()
	sm := statemachine.New()
	tbl := NewTable(sm)
	tbl.Register(1000, sid, 5000)
	return tbl, sm
}

func command(t *testing.T, tbl *Table, now types.TimestampMs, seq, ack types.Seq, op operation.Operation) []Completion {
	t.Helper()
	done, err := tbl.Command(now, sid, seq, ack, uuid.New(), op)
	if err != nil {
		t.Fatalf("command %d: %v", seq, err)
	}
	return done
}

func TestDuplicateIsAppliedOnce(t *testing.T) {
	tbl, sm := newTable(t)

	first := command(t, tbl, 1001, 1, 0, operation.Put("foo", []byte("bar")))
	if len(first) != 1 || first[0].Result.Found {
		t.Fatalf("first put: unexpected completions %+v", first)
	}

	// resend after a lost response
	again := command(t, tbl, 1002, 1, 0, operation.Put("foo", []byte("bar")))
	if len(again) != 1 || again[0].Err != nil || again[0].Result.Found {
		t.Fatalf("resend must get the cached result, got %+v", again)
	}
	if sm.AppliedOps() != 1 {
		t.Fatalf("expected 1 applied op, got %d", sm.AppliedOps())
	}
}

func TestOutOfOrderCommandsAreParked(t *testing.T) {
	tbl, sm := newTable(t)

	if done := command(t, tbl, 1001, 2, 0, operation.Put("foo", []byte("second"))); len(done) != 0 {
		t.Fatalf("seq 2 before seq 1 must be parked, got %+v", done)
	}
	if sm.Len() != 0 {
		t.Fatal("parked command must not be applied")
	}

	done := command(t, tbl, 1002, 1, 0, operation.Put("foo", []byte("first")))
	if len(done) != 2 {
		t.Fatalf("expected seq 1 and the parked seq 2, got %d completions", len(done))
	}
	if done[0].Seq != 1 || done[1].Seq != 2 {
		t.Fatalf("completions out of order: %d, %d", done[0].Seq, done[1].Seq)
	}
	if !done[1].Result.Found || string(done[1].Result.Value) != "first" {
		t.Fatalf("seq 2 must observe seq 1, got %+v", done[1].Result)
	}

	res, _ := sm.Query(operation.Get("foo"))
	if string(res.Value) != "second" {
		t.Fatalf("expected 'second', got %q", res.Value)
	}
}

func TestAckReleasesResults(t *testing.T) {
	tbl, _ := newTable(t)

	command(t, tbl, 1001, 1, 0, operation.Put("a", []byte("1")))
	command(t, tbl, 1002, 2, 1, operation.Put("b", []byte("2")))

	done := command(t, tbl, 1003, 1, 1, operation.Put("a", []byte("1")))
	if len(done) != 1 || !errors.Is(done[0].Err, ErrStaleSequence) {
		t.Fatalf("acked seq must not be answered from cache, got %+v", done)
	}

	done = command(t, tbl, 1004, 2, 1, operation.Put("b", []byte("2")))
	if len(done) != 1 || done[0].Err != nil {
		t.Fatalf("unacked seq must be answered from cache, got %+v", done)
	}
}

func TestSessionExpiry(t *testing.T) {
	tbl, sm := newTable(t)

	command(t, tbl, 1001, 2, 0, operation.Put("foo", []byte("parked")))

	done := tbl.Touch(1001 + 5001)
	if len(done) != 1 || !errors.Is(done[0].Err, dberrors.ErrSessionExpired) {
		t.Fatalf("parked command must fail on expiry, got %+v", done)
	}
	if tbl.Has(sid) {
		t.Fatal("session must be gone")
	}

	done = command(t, tbl, 7000, 1, 0, operation.Put("foo", []byte("late")))
	if len(done) != 1 || !errors.Is(done[0].Err, dberrors.ErrSessionExpired) {
		t.Fatalf("command on expired session must fail, got %+v", done)
	}
	if sm.Len() != 0 {
		t.Fatal("expired session must not mutate state")
	}
}

func TestClockNeverGoesBackwards(t *testing.T) {
	tbl, _ := newTable(t)
	tbl.Touch(4000)
	tbl.Touch(2000)
	if tbl.Now() != 4000 {
		t.Fatalf("expected clock 4000, got %d", tbl.Now())
	}
}

func TestKeepAliveKeepsSessionOpen(t *testing.T) {
	tbl, _ := newTable(t)
	for now := types.TimestampMs(2000); now < 20000; now += 2000 {
		if _, err := tbl.KeepAlive(now, sid, 0); err != nil {
			t.Fatalf("keepalive at %d: %v", now, err)
		}
	}
	if !tbl.Has(sid) {
		t.Fatal("session expired despite keep-alives")
	}
}

func TestUnregisterFailsParked(t *testing.T) {
	tbl, _ := newTable(t)
	command(t, tbl, 1001, 3, 0, operation.Put("x", nil))

	done := tbl.Unregister(1002, sid)
	if len(done) != 1 || !errors.Is(done[0].Err, dberrors.ErrClosed) {
		t.Fatalf("expected parked command to fail with ErrClosed, got %+v", done)
	}
	if tbl.Len() != 0 {
		t.Fatal("session must be removed")
	}
}

func TestEncodeDecodeKeepsDedupState(t *testing.T) {
	tbl, _ := newTable(t)
	command(t, tbl, 1001, 1, 0, operation.Put("foo", []byte("bar")))
	command(t, tbl, 1002, 3, 0, operation.Put("foo", []byte("parked")))

	data, err := tbl.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	sm := statemachine.New()
	restored := NewTable(sm)
	if err := restored.Decode(data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if restored.Now() != tbl.Now() || !restored.Has(sid) {
		t.Fatal("restored table lost its clock or sessions")
	}

	done, err := restored.Command(1003, sid, 1, 0, uuid.New(), operation.Put("foo", []byte("bar")))
	if err != nil || len(done) != 1 || done[0].Err != nil {
		t.Fatalf("duplicate after restore must hit the cache, got %+v %v", done, err)
	}
	if sm.AppliedOps() != 0 {
		t.Fatal("duplicate after restore was re-applied")
	}

	done, err = restored.Command(1004, sid, 2, 0, uuid.New(), operation.Put("foo", []byte("two")))
	if err != nil || len(done) != 2 {
		t.Fatalf("seq 2 must drain the restored parked seq 3, got %+v %v", done, err)
	}
}
