package cluster

import (
	"context"
	"testing"
	"time"
)

func TestNodePathRoundTrip(t *testing.T) {
	p := NodePath("/raftmap", 0xabc)
	if p != "/raftmap/nodes/abc" {
		t.Fatalf("unexpected path %q", p)
	}
	id, ok := ParseNodeName("abc")
	if !ok || id != 0xabc {
		t.Fatalf("parse: %d %v", id, ok)
	}
}

func TestParseNodeNameRejectsGarbage(t *testing.T) {
	for _, name := range []string{"", "0", "zz", "node-1"} {
		if _, ok := ParseNodeName(name); ok {
			t.Fatalf("%q must be rejected", name)
		}
	}
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := NewZKResolver(nil, "/raftmap", time.Second); err == nil {
		t.Fatal("expected error without servers")
	}
	if _, err := NewZKRegistry(nil, "/raftmap", time.Second, 1, "http://a"); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestResolveHonoursContext(t *testing.T) {
	// nothing listens on this port; the resolver must give up with ctx
	r, err := NewZKResolver([]string{"127.0.0.1:1"}, "/raftmap", time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := r.Resolve(ctx); err == nil {
		t.Fatal("expected error from unreachable zookeeper")
	}
}
