package raftadapter

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

func TestTransportSendsProtobuf(t *testing.T) {
	got := make(chan raftpb.Message, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != RaftEndpoint || r.Header.Get("Content-Type") != ContentTypeRaft {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		msg, err := DecodeMessage(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		got <- msg
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tr := NewTransport(map[uint64]string{2: srv.URL})
	msg := raftpb.Message{Type: raftpb.MsgApp, From: 1, To: 2, Term: 3, Index: 7,
		Entries: []raftpb.Entry{{Term: 3, Index: 8, Data: []byte("payload")}}}
	if err := tr.Send(msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	recv := <-got
	if recv.Type != raftpb.MsgApp || recv.Term != 3 || len(recv.Entries) != 1 || string(recv.Entries[0].Data) != "payload" {
		t.Fatalf("unexpected message %+v", recv)
	}
}

func TestTransportPeers(t *testing.T) {
	tr := NewTransport(nil)
	if err := tr.Send(raftpb.Message{To: 5}); err == nil || !strings.Contains(err.Error(), "unknown peer") {
		t.Fatalf("expected unknown peer error, got %v", err)
	}

	tr.UpdatePeer(5, "http://ignored")
	if _, ok := tr.peerURL(5); ok {
		t.Fatal("update must not add a peer")
	}

	tr.AddPeer(5, "http://a")
	tr.UpdatePeer(5, "http://b")
	if url, _ := tr.peerURL(5); url != "http://b"+RaftEndpoint {
		t.Fatalf("unexpected url %q", url)
	}

	tr.RemovePeer(5)
	if _, ok := tr.peerURL(5); ok {
		t.Fatal("peer not removed")
	}
}

func TestTransportGivesUpOnHeartbeat(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewTransport(map[uint64]string{2: srv.URL})
	if err := tr.Send(raftpb.Message{Type: raftpb.MsgHeartbeat, To: 2}); err == nil {
		t.Fatal("expected error")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("heartbeat must be sent once, got %d", n)
	}
}
