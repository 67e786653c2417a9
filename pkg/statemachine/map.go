package statemachine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"raftmap/pkg/dberrors"
	"raftmap/pkg/operation"

	"github.com/zhangyunhao116/skipmap"
)

type concurrentMap = skipmap.FuncMap[string, []byte]

func newConcurrentMap() *concurrentMap {
	return skipmap.NewFunc[string, []byte](func(a, b string) bool {
		return a < b
	})
}

// Map is the replicated map state. Apply and Restore are only called from
// the log application path; everything else is read-only.
type Map struct {
	// mu serializes writers against full-state readers (Snapshot query,
	// Serialize). Point reads go straight to the skipmap.
	mu      sync.RWMutex
	state   atomic.Pointer[concurrentMap]
	applied atomic.Uint64
}

func New() *Map {
	m := &Map{}
	m.state.Store(newConcurrentMap())
	return m
}

// Apply executes one committed operation. It is a pure function of the
// current state and op, so every replica computes the same result.
func (m *Map) Apply(op operation.Operation) (operation.Result, error) {
	if !op.Kind.Mutating() {
		return m.Query(op)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied.Add(1)

	switch op.Kind {
	case operation.KindPut:
		state := m.state.Load()
		prev, ok := state.Load(op.Key)
		state.Store(op.Key, clone(op.Value))
		if !ok {
			return operation.Absent(), nil
		}
		return operation.Present(prev), nil

	case operation.KindClear:
		m.state.Store(newConcurrentMap())
		return operation.Unit(), nil
	}

	return operation.Result{}, fmt.Errorf("%w: no effect defined for %s", dberrors.ErrDeterminism, op)
}

// Query serves a read-only operation from the current state.
func (m *Map) Query(op operation.Operation) (operation.Result, error) {
	switch op.Kind {
	case operation.KindGet:
		v, ok := m.state.Load().Load(op.Key)
		if !ok {
			return operation.Absent(), nil
		}
		return operation.Present(clone(v)), nil

	case operation.KindSize:
		return operation.SizeOf(m.state.Load().Len()), nil

	case operation.KindSnapshot:
		return operation.EntriesOf(m.Entries()), nil

	case operation.KindPut, operation.KindClear:
		return operation.Result{}, fmt.Errorf("%w: %s is not a query", dberrors.ErrMalformedOperation, op.Kind)
	}

	return operation.Result{}, fmt.Errorf("%w: unknown kind %q", dberrors.ErrMalformedOperation, op.Kind)
}

// Entries returns a private copy of the whole map.
func (m *Map) Entries() map[string][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state := m.state.Load()
	out := make(map[string][]byte, state.Len())
	state.Range(func(key string, value []byte) bool {
		out[key] = clone(value)
		return true
	})
	return out
}

func (m *Map) Len() int {
	return m.state.Load().Len()
}

// AppliedOps counts mutating operations applied since start or restore.
func (m *Map) AppliedOps() uint64 {
	return m.applied.Load()
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
