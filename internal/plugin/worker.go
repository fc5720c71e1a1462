package plugin

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type callFunc func(ctx context.Context) (map[string]interface{}, error)

type callResult struct {
	data map[string]interface{}
	err  error
}

type call struct {
	ctx   context.Context
	fn    callFunc
	reply chan callResult
}

// worker owns the only goroutine allowed to touch one plugin instance.
// Callers submit work on calls and wait on a per-call reply channel.
type worker struct {
	id      string
	logger  *zap.Logger
	limiter *rate.Limiter

	calls    chan call
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newWorker(id string, limiter *rate.Limiter, logger *zap.Logger) *worker {
	w := &worker{
		id:      id,
		logger:  logger.With(zap.String("plugin_id", id), zap.String("component", "plugin_worker")),
		limiter: limiter,
		calls:   make(chan call),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case c := <-w.calls:
			w.serve(c)
		}
	}
}

func (w *worker) serve(c call) {
	if err := c.ctx.Err(); err != nil {
		c.reply <- callResult{err: err}
		return
	}
	if w.limiter != nil {
		if err := w.limiter.Wait(c.ctx); err != nil {
			c.reply <- callResult{err: fmt.Errorf("rate limit wait: %w", err)}
			return
		}
	}
	data, err := w.invoke(c)
	c.reply <- callResult{data: data, err: err}
}

func (w *worker) invoke(c call) (data map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Plugin panicked during call", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			data, err = nil, fmt.Errorf("panic in plugin %s: %v", w.id, r)
		}
	}()
	return c.fn(c.ctx)
}

// do submits fn and blocks until it completes, ctx ends, or the worker stops.
// If ctx ends after submission the call still runs to completion and its result is dropped.
func (w *worker) do(ctx context.Context, fn callFunc) (map[string]interface{}, error) {
	c := call{ctx: ctx, fn: fn, reply: make(chan callResult, 1)}
	select {
	case w.calls <- c:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, fmt.Errorf("%w: %s", ErrWorkerStopped, w.id)
	}
	select {
	case r := <-c.reply:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// stop ends the loop after any in-flight call and waits for it to exit.
func (w *worker) stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	<-w.done
}
