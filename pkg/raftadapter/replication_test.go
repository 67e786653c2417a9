package raftadapter

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"raftmap/pkg/config"
	"raftmap/pkg/operation"
	"raftmap/pkg/statemachine"
	"raftmap/pkg/types"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

// inprocTransport маршрутизирует raft сообщения между нодами в памяти
type inprocTransport struct {
	nodesMu sync.RWMutex
	nodes   map[uint64]*Node
	blocked map[uint64]bool
}

func newInprocTransport() *inprocTransport {
	return &inprocTransport{
		nodes:   make(map[uint64]*Node),
		blocked: make(map[uint64]bool),
	}
}

func (t *inprocTransport) Send(msg raftpb.Message) error {
	t.nodesMu.RLock()
	target, ok := t.nodes[msg.To]
	cut := t.blocked[msg.To] || t.blocked[msg.From]
	t.nodesMu.RUnlock()
	if !ok || cut {
		return nil
	}
	go func() {
		_ = target.Handle(context.Background(), msg)
	}()
	return nil
}

func (t *inprocTransport) AddPeer(id uint64, addr string) {
	_ = id
	_ = addr
}
func (t *inprocTransport) RemovePeer(id uint64)              { _ = id }
func (t *inprocTransport) UpdatePeer(id uint64, addr string) { _ = id; _ = addr }

func (t *inprocTransport) setBlocked(id uint64, blocked bool) {
	t.nodesMu.Lock()
	defer t.nodesMu.Unlock()
	t.blocked[id] = blocked
}

// helper: wait until exactly one leader among nodes or timeout
func waitForLeader(t *testing.T, nodes []*Node, timeout time.Duration) *Node {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var leaders []*Node
		for _, n := range nodes {
			if n.IsLeader() {
				leaders = append(leaders, n)
			}
		}
		if len(leaders) == 1 {
			return leaders[0]
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("leader not elected within %s", timeout)
	return nil
}

type testCluster struct {
	nodes     []*Node
	transport *inprocTransport
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func startCluster(t *testing.T, size int, tweak func(*config.Config)) *testCluster {
	t.Helper()
	peers := make([]config.RaftPeerConfig, 0, size)
	for i := 1; i <= size; i++ {
		peers = append(peers, config.RaftPeerConfig{ID: uint64(i), Address: fmt.Sprintf("n%d", i)})
	}

	c := &testCluster{transport: newInprocTransport()}
	for i := 1; i <= size; i++ {
		cfg := testConfig(t, uint64(i), peers, t.TempDir())
		if tweak != nil {
			tweak(cfg)
		}
		n, err := NewNode(cfg, statemachine.New(), false)
		if err != nil {
			t.Fatalf("failed to create node %d: %v", i, err)
		}
		n.transport = c.transport
		c.nodes = append(c.nodes, n)
	}

	c.transport.nodesMu.Lock()
	for _, n := range c.nodes {
		c.transport.nodes[n.ID] = n
	}
	c.transport.nodesMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(len(c.nodes))
	for _, n := range c.nodes {
		go func(node *Node) {
			defer c.wg.Done()
			_ = node.Run(ctx)
		}(n)
	}

	t.Cleanup(func() {
		c.cancel()
		c.wg.Wait()
		for _, n := range c.nodes {
			_ = n.Stop()
		}
	})
	return c
}

func (c *testCluster) follower(leader *Node) *Node {
	for _, n := range c.nodes {
		if n != leader {
			return n
		}
	}
	return nil
}

func TestReplication_3Nodes(t *testing.T) {
	c := startCluster(t, 3, nil)
	leader := waitForLeader(t, c.nodes, 5*time.Second)
	t.Logf("leader elected: %d", leader.ID)

	const sid types.SessionID = "s1"
	propose(t, leader, NewRegister(sid, time.Minute))
	propose(t, leader, NewCommand(sid, 1, 0, operation.Put("k", []byte("v"))))

	// followers forward proposals to the leader
	follower := c.follower(leader)
	out := propose(t, follower, NewCommand(sid, 2, 1, operation.Put("k2", []byte("v2"))))
	if out.Result.Found {
		t.Fatalf("unexpected previous value %+v", out.Result)
	}

	waitFor(t, 3*time.Second, func() bool {
		for _, n := range c.nodes {
			if n.StateMachine().Len() != 2 {
				return false
			}
		}
		return true
	})

	// every replica holds byte-identical state
	want, err := leader.StateMachine().Serialize()
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range c.nodes {
		waitFor(t, 3*time.Second, func() bool { return n.Applied() >= leader.Applied() })
		got, err := n.StateMachine().Serialize()
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != string(want) {
			t.Fatalf("node %d diverged from the leader", n.ID)
		}
	}
}

func TestLinearizableReadOnFollower(t *testing.T) {
	c := startCluster(t, 3, nil)
	leader := waitForLeader(t, c.nodes, 5*time.Second)

	const sid types.SessionID = "s1"
	propose(t, leader, NewRegister(sid, time.Minute))
	propose(t, leader, NewCommand(sid, 1, 0, operation.Put("foo", []byte("bar"))))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := c.follower(leader).Query(ctx, operation.Get("foo"), Linearizable, 0)
	if err != nil {
		t.Fatalf("follower read: %v", err)
	}
	if !out.Result.Found || string(out.Result.Value) != "bar" {
		t.Fatalf("follower read missed an acknowledged write: %+v", out.Result)
	}
}

func TestLaggingFollowerCatchesUpFromSnapshot(t *testing.T) {
	c := startCluster(t, 3, func(cfg *config.Config) {
		cfg.Snapshot.Entries = 10
		cfg.Snapshot.CatchUpEntries = 0
	})
	leader := waitForLeader(t, c.nodes, 5*time.Second)
	lagging := c.follower(leader)
	c.transport.setBlocked(lagging.ID, true)

	const sid types.SessionID = "s1"
	propose(t, leader, NewRegister(sid, time.Minute))
	for i := 1; i <= 50; i++ {
		propose(t, leader, NewCommand(sid, types.Seq(i), types.Seq(i-1), operation.Put(fmt.Sprintf("k%02d", i), []byte("v"))))
	}
	waitFor(t, 5*time.Second, func() bool { return leader.Status().SnapshotIndex >= 30 })
	if lagging.StateMachine().Len() != 0 {
		t.Fatal("partitioned follower received writes")
	}

	c.transport.setBlocked(lagging.ID, false)
	waitFor(t, 10*time.Second, func() bool { return lagging.StateMachine().Len() == 50 })

	if !lagging.Sessions().Has(sid) {
		t.Fatal("session table did not travel with the snapshot")
	}
}
