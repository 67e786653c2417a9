package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"raftmap/pkg/api"
	"raftmap/pkg/client"
)

// JoinCluster asks a running member to add this node and returns the member
// addresses the new node starts with.
func JoinCluster(ctx context.Context, seed string, id uint64, addr string) (map[uint64]string, error) {
	body, err := json.Marshal(api.MemberRequest{ID: id, Address: addr})
	if err != nil {
		return nil, fmt.Errorf("marshal join request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.BaseURL(seed)+"/api/v1/members", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create join request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)

	httpClient := &http.Client{Timeout: 2 * defaultRequestTimeout}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("join via %s: %w", seed, err)
	}
	defer resp.Body.Close()

	var out api.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode join response: status=%d: %w", resp.StatusCode, err)
	}
	if out.Status != api.StatusSuccess {
		return nil, fmt.Errorf("join via %s: %w", seed, api.ErrorOf(out.Code, out.Error))
	}
	if out.Peers == nil {
		out.Peers = make(map[uint64]string)
	}
	if _, ok := out.Peers[id]; !ok {
		out.Peers[id] = addr
	}
	return out.Peers, nil
}

// joinRetryDelay is the pause between join attempts while the seed elects a
// leader.
const joinRetryDelay = 500 * time.Millisecond

// JoinClusterRetry keeps trying until ctx is done.
func JoinClusterRetry(ctx context.Context, seed string, id uint64, addr string) (map[uint64]string, error) {
	for {
		peers, err := JoinCluster(ctx, seed, id, addr)
		if err == nil {
			return peers, nil
		}
		select {
		case <-time.After(joinRetryDelay):
		case <-ctx.Done():
			return nil, err
		}
	}
}
