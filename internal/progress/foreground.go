package progress

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// foregroundQueueSize bounds pending deliveries before Submit starts
// dropping tasks.
const foregroundQueueSize = 256

// Foreground runs submitted functions one at a time on a single goroutine.
// The serving layer registers one with the bus at startup so event fan-out
// happens off the worker goroutines in submission order.
type Foreground struct {
	tasks   chan func()
	logger  *slog.Logger
	started atomic.Bool
	done    chan struct{}
}

// NewForeground creates a foreground executor. Call Start before use.
func NewForeground(logger *slog.Logger) *Foreground {
	return &Foreground{
		tasks:  make(chan func(), foregroundQueueSize),
		logger: logger.With("component", "foreground"),
		done:   make(chan struct{}),
	}
}

// Start launches the task loop. It runs until ctx is cancelled, then drains
// whatever is already queued and exits.
func (f *Foreground) Start(ctx context.Context) {
	if !f.started.CompareAndSwap(false, true) {
		return
	}
	go f.loop(ctx)
}

func (f *Foreground) loop(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case fn := <-f.tasks:
			f.run(fn)
		case <-ctx.Done():
			for {
				select {
				case fn := <-f.tasks:
					f.run(fn)
				default:
					return
				}
			}
		}
	}
}

func (f *Foreground) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("foreground task panicked", "panic", r)
		}
	}()
	fn()
}

// Submit enqueues fn without blocking the caller. When the queue is full the
// task is dropped: running it inline would deliver it ahead of older queued
// work and reorder the stream.
func (f *Foreground) Submit(fn func()) {
	select {
	case f.tasks <- fn:
	default:
		f.logger.Warn("foreground queue full, dropping task")
	}
}

// Wait blocks until the loop has drained and exited. Returns immediately if
// Start was never called.
func (f *Foreground) Wait() {
	if !f.started.Load() {
		return
	}
	<-f.done
}
