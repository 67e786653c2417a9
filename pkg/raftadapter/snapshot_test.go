package raftadapter

import (
	"bytes"
	"testing"
)

func TestSnapshotEnvelope(t *testing.T) {
	in := snapshotData{
		State:    []byte("state"),
		Sessions: []byte(`{"sessions":[]}`),
		Peers:    map[uint64]string{1: "http://a:1", 2: "http://b:2", 7: "http://c:3"},
	}

	var out snapshotData
	if err := out.unmarshal(in.marshal()); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !bytes.Equal(out.State, in.State) || !bytes.Equal(out.Sessions, in.Sessions) {
		t.Fatalf("payload mismatch: %q %q", out.State, out.Sessions)
	}
	if len(out.Peers) != len(in.Peers) {
		t.Fatalf("expected %d peers, got %d", len(in.Peers), len(out.Peers))
	}
	for id, addr := range in.Peers {
		if out.Peers[id] != addr {
			t.Errorf("peer %d: expected %q, got %q", id, addr, out.Peers[id])
		}
	}
}

func TestSnapshotEnvelopeRejectsGarbage(t *testing.T) {
	var out snapshotData
	if err := out.unmarshal([]byte{0x0a, 0xff}); err == nil {
		t.Fatal("expected error for truncated envelope")
	}
}
