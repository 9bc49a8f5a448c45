package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Mailbox is one direction of a worker boundary. The producer pushes under
// the lock and the consumer swaps the whole list out in one step.
type Mailbox[T any] struct {
	mu    sync.Mutex
	items []T
}

// Push appends an item
func (m *Mailbox[T]) Push(item T) {
	m.mu.Lock()
	m.items = append(m.items, item)
	m.mu.Unlock()
}

// Drain takes every pending item and leaves the mailbox empty
func (m *Mailbox[T]) Drain() []T {
	m.mu.Lock()
	items := m.items
	m.items = nil
	m.mu.Unlock()
	return items
}

// Len returns the number of pending items
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// ErrWorkerStopTimeout is returned when a worker does not exit in time
var ErrWorkerStopTimeout = errors.New("worker did not stop in time")

// Worker runs a blocking service client on its own goroutine
type Worker struct {
	name string
	run  func(ctx context.Context) error
	log  zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewWorker creates a stopped worker
func NewWorker(name string, log zerolog.Logger, run func(ctx context.Context) error) *Worker {
	return &Worker{
		name: name,
		run:  run,
		log:  log.With().Str("worker", name).Logger(),
	}
}

// Start launches the goroutine unless it is already running
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		select {
		case <-w.done:
		default:
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	w.err = nil

	go func() {
		defer close(done)
		err := w.safeRun(ctx)
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
		if err != nil && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("Worker exited")
		}
	}()
}

func (w *Worker) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s panicked: %v\n%s", w.name, r, debug.Stack())
		}
	}()
	return w.run(ctx)
}

// Alive reports whether the goroutine is running
func (w *Worker) Alive() bool {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Err returns why the last run ended
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Stop cancels the worker and waits up to timeout for it to exit
func (w *Worker) Stop(timeout time.Duration) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrWorkerStopTimeout
	}
}
