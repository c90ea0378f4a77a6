package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

// Listener runs handler for every value received on in, one at a time, on a
// single goroutine. Values are handled in the order they were sent.
type Listener[T any] struct {
	handler     func(ctx context.Context, input T) error
	errHandler  func(input T, err error)
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

type Option[T any] func(*Listener[T])

// WithErrorHandler is called with every error returned by the handler. The
// listener keeps running afterwards.
func WithErrorHandler[T any](fn func(T, error)) Option[T] {
	return func(l *Listener[T]) { l.errHandler = fn }
}

// WithStopHandler is called once the listener has stopped.
func WithStopHandler[T any](fn func()) Option[T] {
	return func(l *Listener[T]) { l.stopHandler = fn }
}

func New[T any](
	in <-chan T,
	handler func(context.Context, T) error,
	opts ...Option[T],
) *Listener[T] {
	l := &Listener[T]{
		in:          in,
		handler:     handler,
		errHandler:  func(T, error) {},
		stopHandler: func() {},
		cancel:      func() {},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the worker goroutine. It exits when ctx is cancelled, Stop
// is called, or in is closed and drained.
func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		defer l.stopHandler()
		for {
			if err := l.run(ctx); errors.Is(err, errListenerStopped) {
				return
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		if err := l.handler(ctx, inp); err != nil {
			l.errHandler(inp, fmt.Errorf("failed to handle input: %w", err))
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

// Wait blocks until the worker has exited.
func (l *Listener[T]) Wait() {
	l.wg.Wait()
}

// Stop cancels the worker and waits for it. A handler already running sees
// its context cancelled.
func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
}
