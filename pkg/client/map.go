package client

import (
	"context"
	"fmt"
	"sort"

	"raftmap/pkg/dberrors"
	"raftmap/pkg/operation"
)

// Map is a blocking map API over a Session. Every call waits for a
// definitive result or for the operation timeout.
type Map struct {
	s *Session
}

func NewMap(s *Session) *Map {
	return &Map{s: s}
}

func (m *Map) Session() *Session {
	return m.s
}

func (m *Map) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := m.s.Execute(ctx, operation.Get(key))
	if err != nil {
		return nil, false, err
	}
	return res.Value, res.Found, nil
}

// Put returns the previous value and whether the key existed.
func (m *Map) Put(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	res, err := m.s.Execute(ctx, operation.Put(key, value))
	if err != nil {
		return nil, false, err
	}
	return res.Value, res.Found, nil
}

func (m *Map) Clear(ctx context.Context) error {
	_, err := m.s.Execute(ctx, operation.Clear())
	return err
}

func (m *Map) Size(ctx context.Context) (int, error) {
	res, err := m.s.Execute(ctx, operation.Size())
	if err != nil {
		return 0, err
	}
	return res.Size, nil
}

func (m *Map) IsEmpty(ctx context.Context) (bool, error) {
	n, err := m.Size(ctx)
	return n == 0, err
}

func (m *Map) ContainsKey(ctx context.Context, key string) (bool, error) {
	_, found, err := m.Get(ctx, key)
	return found, err
}

// Entries returns a point-in-time copy of the whole map.
func (m *Map) Entries(ctx context.Context) (map[string][]byte, error) {
	res, err := m.s.Execute(ctx, operation.Snapshot())
	if err != nil {
		return nil, err
	}
	if res.Entries == nil {
		return map[string][]byte{}, nil
	}
	return res.Entries, nil
}

// Keys are sorted.
func (m *Map) Keys(ctx context.Context) ([]string, error) {
	entries, err := m.Entries(ctx)
	if err != nil {
		return nil, err
	}
	return sortedKeys(entries), nil
}

// Values are ordered by key.
func (m *Map) Values(ctx context.Context) ([][]byte, error) {
	entries, err := m.Entries(ctx)
	if err != nil {
		return nil, err
	}
	keys := sortedKeys(entries)
	values := make([][]byte, 0, len(keys))
	for _, k := range keys {
		values = append(values, entries[k])
	}
	return values, nil
}

func sortedKeys(entries map[string][]byte) []string {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Conditional and bulk updates have no log operation behind them.

func (m *Map) Remove(context.Context, string) ([]byte, bool, error) {
	return nil, false, unsupported("remove")
}

func (m *Map) PutIfAbsent(context.Context, string, []byte) ([]byte, bool, error) {
	return nil, false, unsupported("putIfAbsent")
}

func (m *Map) Replace(context.Context, string, []byte) ([]byte, bool, error) {
	return nil, false, unsupported("replace")
}

func (m *Map) CompareAndReplace(context.Context, string, []byte, []byte) (bool, error) {
	return false, unsupported("compareAndReplace")
}

func (m *Map) RemoveIfEquals(context.Context, string, []byte) (bool, error) {
	return false, unsupported("removeIfEquals")
}

func (m *Map) PutAll(context.Context, map[string][]byte) error {
	return unsupported("putAll")
}

func unsupported(name string) error {
	return fmt.Errorf("%w: %s", dberrors.ErrUnsupportedOperation, name)
}
