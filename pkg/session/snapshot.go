package session

import (
	"encoding/json"
	"fmt"

	"raftmap/pkg/operation"
	"raftmap/pkg/types"
)

type tableSnapshot struct {
	Now      types.TimestampMs `json:"now"`
	Sessions []*state          `json:"sessions"`
}

// Encode serializes the table. Sessions are written in id order.
func (t *Table) Encode() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := tableSnapshot{Now: t.now, Sessions: make([]*state, 0, len(t.sessions))}
	for _, id := range t.ids() {
		snap.Sessions = append(snap.Sessions, t.sessions[id])
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode session table: %w", err)
	}
	return data, nil
}

// Decode replaces the table contents with an encoded table.
func (t *Table) Decode(data []byte) error {
	var snap tableSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode session table: %w", err)
	}

	sessions := make(map[types.SessionID]*state, len(snap.Sessions))
	for _, s := range snap.Sessions {
		if s.Results == nil {
			s.Results = make(map[types.Seq]operation.Result)
		}
		if s.Parked == nil {
			s.Parked = make(map[types.Seq]parked)
		}
		sessions[s.ID] = s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = snap.Now
	t.sessions = sessions
	return nil
}
