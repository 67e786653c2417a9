package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"raftmap/pkg/dberrors"
	"raftmap/pkg/operation"
	"raftmap/pkg/types"
)

// Future is the pending result of one submitted operation. It resolves
// exactly once; a caller that stops waiting leaves it to be resolved (and
// dropped) later.
type Future struct {
	op      operation.Operation
	timeout time.Duration

	once   sync.Once
	done   chan struct{}
	result operation.Result
	index  types.LogIndex
	err    error
}

func newFuture(op operation.Operation, timeout time.Duration) *Future {
	return &Future{op: op, timeout: timeout, done: make(chan struct{})}
}

// failedFuture is returned for submissions rejected before reaching the wire.
func failedFuture(op operation.Operation, err error) *Future {
	f := newFuture(op, 0)
	f.resolve(operation.Result{}, 0, err)
	return f
}

func (f *Future) resolve(result operation.Result, index types.LogIndex, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.result = result
		f.index = index
		f.err = err
		resolved = true
		close(f.done)
	})
	return resolved
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the result is known, ctx is done or the operation
// timeout elapses. Giving up wraps dberrors.ErrTimeout: the operation may
// still be applied.
func (f *Future) Await(ctx context.Context) (operation.Result, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		// результат мог прийти одновременно с таймаутом
		select {
		case <-f.done:
			return f.result, f.err
		default:
		}
		return operation.Result{}, fmt.Errorf("%w: %s: %v", dberrors.ErrTimeout, f.op, ctx.Err())
	}
}

// Index is the log index the result was observed at. Valid after Done.
func (f *Future) Index() types.LogIndex {
	<-f.done
	return f.index
}
