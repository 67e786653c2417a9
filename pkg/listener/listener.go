package listener

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Listener runs handler for every value received on in, one at a time, on a
// single goroutine. A failing input is logged and the worker keeps going.
// The loop ends when in is closed or the context is cancelled; onStop runs
// after that, from Stop.
type Listener[T any] struct {
	name    string
	in      <-chan T
	handler func(T) error
	onStop  func()

	cancel  context.CancelFunc
	started atomic.Bool
	done    chan struct{}
	once    sync.Once
}

func New[T any](in <-chan T, handler func(T) error, onStop ...func()) *Listener[T] {
	l := &Listener[T]{
		in:      in,
		handler: handler,
		onStop:  func() {},
		cancel:  func() {},
		done:    make(chan struct{}),
	}
	if len(onStop) > 0 && onStop[0] != nil {
		l.onStop = onStop[0]
	}
	return l
}

// Named sets the name used in log records.
func (l *Listener[T]) Named(name string) *Listener[T] {
	l.name = name
	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.started.Store(true)
	go l.loop(ctx)
}

func (l *Listener[T]) loop(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-l.in:
			if !ok {
				return
			}
			if err := l.handler(v); err != nil {
				slog.Error("listener: failed to handle input", "listener", l.name, "error", err)
			}
		}
	}
}

// Stop is safe to call more than once; a listener that was never started
// only runs onStop.
func (l *Listener[T]) Stop() {
	l.once.Do(func() {
		l.cancel()
		if l.started.Load() {
			<-l.done
		}
		l.onStop()
	})
}
