// Package bridge runs blocking and streaming operations for a host which cannot block: every
// operation is executed on goroutines owned by a Runtime, and results or updates are handed
// back through a Sink.
package bridge

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/matrix-org/syncbridge/internal"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type ctxKeyOnRuntime struct{}

// Runtime owns every background goroutine started on behalf of the host. Closing it cancels
// them all and waits for them to return.
type Runtime struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewRuntime() *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		ctx:    context.WithValue(ctx, ctxKeyOnRuntime{}, true),
		cancel: cancel,
	}
}

// Context is cancelled when the runtime closes.
func (rt *Runtime) Context() context.Context {
	return rt.ctx
}

// Go runs fn on the runtime. It returns false without running fn if the runtime is closed.
// A panic inside fn is logged and reported rather than taking down the process.
func (rt *Runtime) Go(name string, fn func(ctx context.Context)) bool {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return false
	}
	rt.wg.Add(1)
	rt.mu.Unlock()
	go func() {
		defer rt.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("%s: panic: %v", name, r)
				logger.Error().Err(err).Str("stack", string(debug.Stack())).Msg("background task panicked")
				internal.ReportError(rt.ctx, err)
			}
		}()
		ctx, task := internal.StartTask(rt.ctx, name)
		defer task.End()
		fn(ctx)
	}()
	return true
}

// Close cancels every task and waits for them. Safe to call more than once.
func (rt *Runtime) Close() {
	rt.mu.Lock()
	rt.closed = true
	rt.mu.Unlock()
	rt.cancel()
	rt.wg.Wait()
}

func (rt *Runtime) isClosed() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.closed
}

// OnRuntime reports whether ctx belongs to a runtime task.
func OnRuntime(ctx context.Context) bool {
	on, _ := ctx.Value(ctxKeyOnRuntime{}).(bool)
	return on
}

// Block runs fn to completion and returns its result. When called from a host thread, fn runs
// on the runtime and the caller waits; when already on the runtime, fn runs inline so nested
// calls cannot deadlock. Cancelling ctx or closing the runtime stops the wait.
func Block[T any](ctx context.Context, rt *Runtime, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if rt == nil || rt.isClosed() {
		return zero, internal.NotInitialized(op)
	}
	ctx, span := internal.StartSpan(ctx, op)
	defer span.End()
	if OnRuntime(ctx) {
		return callSafely(ctx, op, fn)
	}

	type result struct {
		val T
		err error
	}
	resCh := make(chan result, 1)
	started := rt.Go(op, func(rtCtx context.Context) {
		// The call is bound to the caller's ctx, but must also end when the runtime does.
		callCtx, cancel := context.WithCancel(context.WithValue(ctx, ctxKeyOnRuntime{}, true))
		defer cancel()
		stop := context.AfterFunc(rtCtx, cancel)
		defer stop()
		val, err := callSafely(callCtx, op, fn)
		resCh <- result{val, err}
	})
	if !started {
		return zero, internal.NotInitialized(op)
	}
	select {
	case res := <-resCh:
		return res.val, res.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func callSafely[T any](ctx context.Context, op string, fn func(ctx context.Context) (T, error)) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = internal.ProtocolFailure(op, fmt.Errorf("panic: %v", r))
			logger.Error().Err(err).Str("stack", string(debug.Stack())).Msg("operation panicked")
			internal.ReportError(ctx, err)
		}
	}()
	return fn(ctx)
}

// Sink receives updates from a stream. Send is called from a runtime goroutine, in order.
// Returning an error ends the stream.
type Sink[T any] interface {
	Send(update T) error
	// Close is called once, with the error that ended the stream or nil.
	Close(err error)
}

// SinkFunc adapts a function to a Sink with no close notification.
type SinkFunc[T any] func(update T) error

func (f SinkFunc[T]) Send(update T) error { return f(update) }
func (f SinkFunc[T]) Close(err error)     {}

// ChanSink delivers updates on C and the terminal error on Err.
type ChanSink[T any] struct {
	C   chan T
	Err chan error
}

func NewChanSink[T any](buffer int) *ChanSink[T] {
	return &ChanSink[T]{
		C:   make(chan T, buffer),
		Err: make(chan error, 1),
	}
}

func (s *ChanSink[T]) Send(update T) error {
	s.C <- update
	return nil
}

func (s *ChanSink[T]) Close(err error) {
	close(s.C)
	s.Err <- err
}

// Stream runs produce on the runtime and blocks for the whole life of the subscription. Each
// value produced is handed to sink before produce continues, so nothing is buffered or
// reordered. Stream returns once produce has returned, after sink.Close has been called with
// the terminal error. Cancelling ctx or closing the runtime ends the stream.
func Stream[T any](ctx context.Context, rt *Runtime, op string, produce func(ctx context.Context, emit func(T) error) error, sink Sink[T]) error {
	if rt == nil || rt.isClosed() {
		return internal.NotInitialized(op)
	}
	ctx, span := internal.StartSpan(ctx, op)
	defer span.End()
	if OnRuntime(ctx) {
		err := callStreamSafely(ctx, op, produce, sink.Send)
		sink.Close(err)
		return err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)
	started := rt.Go(op, func(rtCtx context.Context) {
		stop := context.AfterFunc(rtCtx, cancel)
		defer stop()
		err := callStreamSafely(streamCtx, op, produce, sink.Send)
		if err != nil && streamCtx.Err() == nil {
			internal.DecorateLogger(ctx, logger.Warn()).Err(err).Str("stream", op).Msg("stream ended with error")
		}
		sink.Close(err)
		errCh <- err
	})
	if !started {
		return internal.NotInitialized(op)
	}
	// wait for produce to return even when cancelled, so no task outlives the call
	return <-errCh
}

func callStreamSafely[T any](ctx context.Context, op string, produce func(ctx context.Context, emit func(T) error) error, emit func(T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = internal.ProtocolFailure(op, fmt.Errorf("panic: %v", r))
			internal.ReportError(ctx, err)
		}
	}()
	return produce(context.WithValue(ctx, ctxKeyOnRuntime{}, true), emit)
}
