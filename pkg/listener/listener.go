package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var errListenerStopped = errors.New("listener stopped")

// Job is a background worker with an explicit lifecycle.
type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener drains a channel on a background goroutine, feeding each element
// to a handler. Handler errors are reported through onError and do not stop
// the loop; stopping is only ever triggered through Stop or context
// cancellation.
type Listener[T any] struct {
	handler     func(input T) error
	onError     func(error)
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

type Option[T any] func(*Listener[T])

// WithOnError overrides the default error reporter (slog).
func WithOnError[T any](f func(error)) Option[T] {
	return func(l *Listener[T]) { l.onError = f }
}

// WithStopHandler runs f once after the loop has fully drained out.
func WithStopHandler[T any](f func()) Option[T] {
	return func(l *Listener[T]) { l.stopHandler = f }
}

func New[T any](in <-chan T, handler func(T) error, opts ...Option[T]) *Listener[T] {
	l := &Listener[T]{
		in:      in,
		handler: handler,
		onError: func(err error) {
			slog.Error("listener handler failed", "error", err)
		},
		stopHandler: func() {},
		cancel:      func() {},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			if err := l.run(ctx); errors.Is(err, errListenerStopped) {
				return
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp := <-l.in:
		if err := l.handler(inp); err != nil {
			l.onError(err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
