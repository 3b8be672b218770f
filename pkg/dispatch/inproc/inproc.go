// Package inproc provides an in-process implementation of
// [dispatch.Dispatcher] for single-binary deployments and tests. Jobs run
// on a background goroutine per dispatch; the at-least-once contract
// degenerates to exactly-once within the process.
package inproc

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/shelfwise/pkg/dispatch"
)

// Compile-time interface check.
var _ dispatch.Dispatcher = (*Dispatcher)(nil)

// Dispatcher runs registered handlers on background goroutines.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]dispatch.Handler

	// wg tracks in-flight jobs so tests and shutdown can wait for them.
	wg sync.WaitGroup

	// Synchronous, when set, runs jobs inline on the dispatching goroutine.
	// Tests use this to avoid sleeping.
	Synchronous bool
}

// New creates an empty in-process Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]dispatch.Handler)}
}

// Handle registers a handler for the named job.
func (d *Dispatcher) Handle(name string, h dispatch.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

// Dispatch implements [dispatch.Dispatcher]. Jobs with no registered
// handler are logged and dropped, mirroring a NATS subject nobody
// subscribes to.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args any) error {
	job, err := dispatch.NewJob(name, args)
	if err != nil {
		return err
	}

	d.mu.RLock()
	h, ok := d.handlers[name]
	d.mu.RUnlock()
	if !ok {
		slog.Warn("inproc dispatch: no handler", "job", name)
		return nil
	}

	run := func() {
		if err := h(context.WithoutCancel(ctx), job); err != nil {
			slog.Error("inproc dispatch: job failed", "job", job.Name, "job_id", job.ID, "err", err)
		}
	}

	if d.Synchronous {
		run()
		return nil
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		run()
	}()
	return nil
}

// Wait blocks until all asynchronous jobs dispatched so far have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
