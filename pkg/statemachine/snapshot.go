package statemachine

import (
	"errors"
	"fmt"

	"raftmap/pkg/encoding/custom"
)

const formatVersion = 1

// snapshot message layout
const (
	fieldVersion uint32 = iota + 1
	fieldCount
	fieldEntries
)

// entry message layout
const (
	fieldKey uint32 = iota + 1
	fieldValue
)

var ErrBadSnapshot = errors.New("statemachine: bad snapshot")

// Serialize encodes the full state. Keys are written in sorted order, so two
// replicas holding the same state produce identical bytes.
func (m *Map) Serialize() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state := m.state.Load()
	entries := make([]custom.Value, 0, state.Len())
	state.Range(func(key string, value []byte) bool {
		entries = append(entries, custom.Message(
			custom.Field{Number: fieldKey, Value: custom.String(key)},
			custom.Field{Number: fieldValue, Value: custom.Bytes(value)},
		))
		return true
	})

	data, err := custom.Encode(custom.Message(
		custom.Field{Number: fieldVersion, Value: custom.Int32(formatVersion)},
		custom.Field{Number: fieldCount, Value: custom.Int64(int64(len(entries)))},
		custom.Field{Number: fieldEntries, Value: custom.List(entries)},
	))
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Restore replaces the whole state with the snapshot contents. The snapshot
// is decoded completely before anything is swapped in; on error the current
// state is untouched.
func (m *Map) Restore(data []byte) error {
	restored, err := decodeSnapshot(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Store(restored)
	m.applied.Store(0)
	return nil
}

func decodeSnapshot(data []byte) (*concurrentMap, error) {
	root, n, err := custom.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if n != len(data) || root.Type != custom.TypeMessage {
		return nil, fmt.Errorf("%w: unexpected layout", ErrBadSnapshot)
	}

	version, ok := root.Lookup(fieldVersion)
	if !ok || version.Type != custom.TypeInt32 || version.Int32 != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version", ErrBadSnapshot)
	}
	count, _ := root.Lookup(fieldCount)
	list, ok := root.Lookup(fieldEntries)
	if !ok || list.Type != custom.TypeList {
		return nil, fmt.Errorf("%w: missing entries", ErrBadSnapshot)
	}
	if int64(len(list.List)) != count.Int64 {
		return nil, fmt.Errorf("%w: expected %d entries, found %d", ErrBadSnapshot, count.Int64, len(list.List))
	}

	state := newConcurrentMap()
	for _, e := range list.List {
		key, kok := e.Lookup(fieldKey)
		value, vok := e.Lookup(fieldValue)
		if !kok || !vok || key.Type != custom.TypeString || value.Type != custom.TypeBytes {
			return nil, fmt.Errorf("%w: malformed entry", ErrBadSnapshot)
		}
		state.Store(key.String, value.Bytes)
	}
	return state, nil
}
