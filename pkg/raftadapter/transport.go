package raftadapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	RaftEndpoint = "/api/internal/raft"

	// ContentTypeRaft is the body type of the raft endpoint: a raftpb.Message
	// in its protobuf encoding.
	ContentTypeRaft = "application/x-protobuf"

	transportTimeout = 3 * time.Second
	sendAttempts     = 3
	backoffBase      = 50 * time.Millisecond
)

// Transport delivers raft messages to peers over HTTP.
type Transport struct {
	mu     sync.RWMutex
	peers  map[uint64]string
	client *http.Client
}

func NewTransport(peers map[uint64]string) *Transport {
	t := &Transport{
		peers:  make(map[uint64]string, len(peers)),
		client: &http.Client{Timeout: transportTimeout},
	}
	for id, addr := range peers {
		t.peers[id] = addr
	}
	return t
}

func (t *Transport) AddPeer(id uint64, addr string) {
	t.mu.Lock()
	t.peers[id] = addr
	t.mu.Unlock()
}

func (t *Transport) RemovePeer(id uint64) {
	t.mu.Lock()
	delete(t.peers, id)
	t.mu.Unlock()
}

// UpdatePeer меняет адрес только известного узла.
func (t *Transport) UpdatePeer(id uint64, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; ok {
		t.peers[id] = addr
	}
}

func (t *Transport) peerURL(id uint64) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.peers[id]
	if !ok {
		return "", false
	}
	return addr + RaftEndpoint, true
}

// Send posts msg to its target. Heartbeats go once; raft resends them on
// the next tick anyway. Everything else is retried with doubling backoff.
func (t *Transport) Send(msg raftpb.Message) error {
	url, ok := t.peerURL(msg.To)
	if !ok {
		return fmt.Errorf("unknown peer node: %d", msg.To)
	}

	body, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}

	attempts := sendAttempts
	if msg.Type == raftpb.MsgHeartbeat || msg.Type == raftpb.MsgHeartbeatResp {
		attempts = 1
	}

	delay := backoffBase
	for attempt := 1; ; attempt++ {
		err = t.post(url, body)
		if err == nil {
			return nil
		}
		if attempt == attempts {
			return fmt.Errorf("send %s to %d after %d attempts: %w", msg.Type, msg.To, attempts, err)
		}
		slog.Debug("raft send failed, retrying",
			"to", msg.To,
			"type", msg.Type,
			"attempt", attempt,
			"error", err)
		time.Sleep(delay)
		delay *= 2
	}
}

func (t *Transport) post(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), transportTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", ContentTypeRaft)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// DecodeMessage reads a raft message posted by Transport.
func DecodeMessage(r io.Reader) (raftpb.Message, error) {
	var msg raftpb.Message
	data, err := io.ReadAll(r)
	if err != nil {
		return msg, err
	}
	if err := msg.Unmarshal(data); err != nil {
		return msg, fmt.Errorf("unmarshal raft message: %w", err)
	}
	return msg, nil
}
