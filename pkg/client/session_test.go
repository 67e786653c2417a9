package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"raftmap/pkg/api"
	"raftmap/pkg/dberrors"
	"raftmap/pkg/operation"
	"raftmap/pkg/session"
	"raftmap/pkg/statemachine"
	"raftmap/pkg/types"

	"github.com/google/uuid"
)

type delivered struct {
	comp  session.Completion
	index types.LogIndex
}

// fakeCluster is an in-memory Conn backed by the real session table, so the
// dedup path under test is the one the servers run.
type fakeCluster struct {
	mu          sync.Mutex
	sm          *statemachine.Map
	table       *session.Table
	index       types.LogIndex
	waiters     map[uuid.UUID]chan delivered
	down        map[string]bool
	dropReplies int
	gate        chan struct{}
	calls       atomic.Int64
}

func newFakeCluster() *fakeCluster {
	sm := statemachine.New()
	return &fakeCluster{
		sm:      sm,
		table:   session.NewTable(sm),
		waiters: make(map[uuid.UUID]chan delivered),
		down:    make(map[string]bool),
	}
}

func now() types.TimestampMs {
	return types.TimestampMs(time.Now().UnixMilli())
}

func (c *fakeCluster) reachable(addr string) error {
	c.calls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down[addr] {
		return transient(fmt.Errorf("dial %s: connection refused", addr))
	}
	return nil
}

func (c *fakeCluster) deliver(comps []session.Completion) {
	for _, comp := range comps {
		c.index++
		if ch, ok := c.waiters[comp.RequestID]; ok {
			ch <- delivered{comp: comp, index: c.index}
			delete(c.waiters, comp.RequestID)
		}
	}
}

func (c *fakeCluster) Register(_ context.Context, addr string, id types.SessionID, timeout time.Duration) (types.LogIndex, error) {
	if err := c.reachable(addr); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliver(c.table.Register(now(), id, timeout.Milliseconds()))
	c.index++
	return c.index, nil
}

func (c *fakeCluster) KeepAlive(_ context.Context, addr string, id types.SessionID, ack types.Seq) error {
	if err := c.reachable(addr); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	comps, err := c.table.KeepAlive(now(), id, ack)
	c.deliver(comps)
	return err
}

func (c *fakeCluster) Unregister(_ context.Context, addr string, id types.SessionID) error {
	if err := c.reachable(addr); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliver(c.table.Unregister(now(), id))
	return nil
}

func (c *fakeCluster) Command(ctx context.Context, addr string, req api.CommandRequest) (Reply, error) {
	if err := c.reachable(addr); err != nil {
		return Reply{}, err
	}

	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Reply{}, fmt.Errorf("%w: %v", dberrors.ErrTimeout, ctx.Err())
		}
	}

	id := uuid.New()
	ch := make(chan delivered, 1)

	c.mu.Lock()
	c.waiters[id] = ch
	comps, err := c.table.Command(now(), req.SessionID, req.Seq, req.Ack, id, req.Op)
	c.deliver(comps)
	drop := c.dropReplies > 0
	if drop {
		// ответ потерян, а реплика отвалилась
		c.dropReplies--
		c.down[addr] = true
	}
	c.mu.Unlock()
	if err != nil {
		return Reply{}, err
	}

	var d delivered
	select {
	case d = <-ch:
	case <-ctx.Done():
		return Reply{}, fmt.Errorf("%w: %v", dberrors.ErrTimeout, ctx.Err())
	}
	if drop {
		return Reply{}, transient(errors.New("connection reset by peer"))
	}
	if d.comp.Err != nil {
		return Reply{}, d.comp.Err
	}
	return Reply{Index: d.index, Result: d.comp.Result}, nil
}

func (c *fakeCluster) Query(_ context.Context, addr string, req api.QueryRequest) (Reply, error) {
	if err := c.reachable(addr); err != nil {
		return Reply{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.sm.Query(req.Op)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Index: c.index, Result: res}, nil
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(_, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, to)
}

func (l *stateLog) saw(st State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.states {
		if s == st {
			return true
		}
	}
	return false
}

func putOp(key string) operation.Operation {
	return operation.Put(key, []byte("v"))
}

func testOptions() Options {
	return Options{
		SessionTimeout:   time.Second,
		OperationTimeout: 2 * time.Second,
		RetryDelay:       5 * time.Millisecond,
	}
}

func connect(t *testing.T, c *fakeCluster, opts Options) *Map {
	t.Helper()
	s := NewSession(c, StaticResolver{"a", "b", "c"}, opts)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return NewMap(s)
}

func TestMapOperations(t *testing.T) {
	c := newFakeCluster()
	m := connect(t, c, testOptions())
	ctx := context.Background()

	prev, existed, err := m.Put(ctx, "baz", []byte("Hello world!"))
	if err != nil || existed || prev != nil {
		t.Fatalf("first put: %q %v %v", prev, existed, err)
	}
	prev, existed, err = m.Put(ctx, "baz", []byte("again"))
	if err != nil || !existed || string(prev) != "Hello world!" {
		t.Fatalf("second put: %q %v %v", prev, existed, err)
	}
	if _, _, err := m.Put(ctx, "alpha", []byte("1")); err != nil {
		t.Fatal(err)
	}

	v, ok, err := m.Get(ctx, "baz")
	if err != nil || !ok || string(v) != "again" {
		t.Fatalf("get: %q %v %v", v, ok, err)
	}
	if ok, _ := m.ContainsKey(ctx, "missing"); ok {
		t.Fatal("missing key reported as present")
	}
	if n, err := m.Size(ctx); err != nil || n != 2 {
		t.Fatalf("size: %d %v", n, err)
	}

	keys, err := m.Keys(ctx)
	if err != nil || len(keys) != 2 || keys[0] != "alpha" || keys[1] != "baz" {
		t.Fatalf("keys: %v %v", keys, err)
	}
	values, err := m.Values(ctx)
	if err != nil || string(values[0]) != "1" || string(values[1]) != "again" {
		t.Fatalf("values: %q %v", values, err)
	}

	if err := m.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if empty, err := m.IsEmpty(ctx); err != nil || !empty {
		t.Fatalf("is empty after clear: %v %v", empty, err)
	}
	entries, err := m.Entries(ctx)
	if err != nil || len(entries) != 0 {
		t.Fatalf("entries after clear: %v %v", entries, err)
	}
}

func TestReconnectDoesNotApplyTwice(t *testing.T) {
	c := newFakeCluster()
	c.dropReplies = 1

	log := &stateLog{}
	opts := testOptions()
	opts.OnStateChange = log.record
	m := connect(t, c, opts)
	ctx := context.Background()

	prev, existed, err := m.Put(ctx, "baz", []byte("Hello world!"))
	if err != nil {
		t.Fatalf("put across a dropped connection: %v", err)
	}
	if existed || prev != nil {
		t.Fatalf("resend must return the original result, got %q %v", prev, existed)
	}
	if got := c.sm.AppliedOps(); got != 1 {
		t.Fatalf("put applied %d times", got)
	}
	if !log.saw(Reconnecting) {
		t.Fatal("session never reported reconnecting")
	}
	if m.Session().Addr() == "a" {
		t.Fatal("session stayed on the failed replica")
	}
	if st := m.Session().State(); st != Connected {
		t.Fatalf("expected connected after a successful resend, got %s", st)
	}

	v, ok, err := m.Get(ctx, "baz")
	if err != nil || !ok || string(v) != "Hello world!" {
		t.Fatalf("get after reconnect: %q %v %v", v, ok, err)
	}
}

func TestConcurrentCallersShareOneSession(t *testing.T) {
	c := newFakeCluster()
	m := connect(t, c, testOptions())

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, _, err := m.Put(context.Background(), fmt.Sprintf("k%02d", i), []byte("v")); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("put: %v", err)
	}

	if n, _ := m.Size(context.Background()); n != 20 {
		t.Fatalf("size %d, want 20", n)
	}
	if got := c.sm.AppliedOps(); got != 20 {
		t.Fatalf("applied %d ops, want 20", got)
	}
}

func TestTimedOutResultIsNotMisdelivered(t *testing.T) {
	c := newFakeCluster()
	gate := make(chan struct{})
	c.gate = gate

	opts := testOptions()
	opts.OperationTimeout = 0
	m := connect(t, c, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, _, err := m.Put(ctx, "k", []byte("v1"))
	cancel()
	if !errors.Is(err, dberrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// the abandoned put still commits; the next caller sees its effect, not its result
	close(gate)
	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	prev, existed, err := m.Put(ctx, "k", []byte("v2"))
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if !existed || string(prev) != "v1" {
		t.Fatalf("second put got %q %v, want the first put's value", prev, existed)
	}
}

func TestCloseFailsOutstandingRequests(t *testing.T) {
	c := newFakeCluster()
	c.gate = make(chan struct{})
	m := connect(t, c, testOptions())
	s := m.Session()

	f := s.Submit(putOp("k"))
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := f.Await(context.Background()); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if s.State() != Closed {
		t.Fatalf("state %s after close", s.State())
	}
	if _, _, err := m.Put(context.Background(), "k", nil); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("put after close: %v", err)
	}
	if c.table.Has(s.ID()) {
		t.Fatal("session still registered after close")
	}
}

func TestExpiredSessionFailsDefinitively(t *testing.T) {
	c := newFakeCluster()
	m := connect(t, c, testOptions())
	s := m.Session()

	c.mu.Lock()
	c.table.Unregister(now(), s.ID())
	c.mu.Unlock()

	if _, _, err := m.Put(context.Background(), "k", nil); !errors.Is(err, dberrors.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if s.State() != Closed {
		t.Fatalf("state %s after expiry", s.State())
	}
	if _, _, err := m.Put(context.Background(), "k", nil); !errors.Is(err, dberrors.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired on a dead session, got %v", err)
	}
}

func TestUnsupportedOperationsFailFast(t *testing.T) {
	c := newFakeCluster()
	m := connect(t, c, testOptions())
	ctx := context.Background()
	before := c.calls.Load()

	checks := map[string]error{}
	_, _, checks["remove"] = m.Remove(ctx, "k")
	_, _, checks["putIfAbsent"] = m.PutIfAbsent(ctx, "k", nil)
	_, _, checks["replace"] = m.Replace(ctx, "k", nil)
	_, checks["compareAndReplace"] = m.CompareAndReplace(ctx, "k", nil, nil)
	_, checks["removeIfEquals"] = m.RemoveIfEquals(ctx, "k", nil)
	checks["putAll"] = m.PutAll(ctx, map[string][]byte{"k": nil})

	for name, err := range checks {
		if !errors.Is(err, dberrors.ErrUnsupportedOperation) {
			t.Fatalf("%s: expected ErrUnsupportedOperation, got %v", name, err)
		}
	}
	if c.calls.Load() != before {
		t.Fatal("unsupported operations reached the wire")
	}
}

func TestConnectWithoutReplicas(t *testing.T) {
	c := newFakeCluster()
	c.down["a"] = true
	s := NewSession(c, StaticResolver{"a"}, testOptions())

	if err := s.Connect(context.Background()); !errors.Is(err, dberrors.ErrNoReplicas) {
		t.Fatalf("expected ErrNoReplicas, got %v", err)
	}
	if s.State() != Disconnected {
		t.Fatalf("state %s after failed connect", s.State())
	}
	if _, err := s.Submit(putOp("k")).Await(context.Background()); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("submit on a disconnected session: %v", err)
	}
}
