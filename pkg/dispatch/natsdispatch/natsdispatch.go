// Package natsdispatch provides a NATS-backed implementation of
// [dispatch.Dispatcher] plus the matching worker that consumes jobs.
//
// Jobs are published to "<prefix>.<job name>" subjects; workers subscribe
// with a shared queue group so a job is handled by one worker at a time,
// while NATS redelivery semantics give the at-least-once contract.
package natsdispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/shelfwise/pkg/dispatch"
)

// DefaultSubjectPrefix is the subject prefix for all dispatched jobs.
const DefaultSubjectPrefix = "shelfwise.jobs"

// queueGroup is the shared queue group name for job workers.
const queueGroup = "shelfwise-workers"

// Compile-time interface check.
var _ dispatch.Dispatcher = (*Dispatcher)(nil)

// Dispatcher publishes jobs to NATS. Safe for concurrent use.
type Dispatcher struct {
	conn   *nats.Conn
	prefix string
}

// New creates a Dispatcher over an established NATS connection. prefix
// defaults to DefaultSubjectPrefix when empty.
func New(conn *nats.Conn, prefix string) *Dispatcher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Dispatcher{conn: conn, prefix: strings.TrimRight(prefix, ".")}
}

// Dispatch implements [dispatch.Dispatcher].
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args any) error {
	job, err := dispatch.NewJob(name, args)
	if err != nil {
		return err
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("nats dispatch: marshal job %q: %w", name, err)
	}

	if err := d.conn.Publish(d.prefix+"."+name, data); err != nil {
		return fmt.Errorf("nats dispatch: publish %q: %w", name, err)
	}
	return nil
}

// Worker consumes jobs from NATS and routes them to registered handlers.
type Worker struct {
	conn     *nats.Conn
	prefix   string
	handlers map[string]dispatch.Handler
	subs     []*nats.Subscription
}

// NewWorker creates a Worker over an established NATS connection.
func NewWorker(conn *nats.Conn, prefix string) *Worker {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Worker{
		conn:     conn,
		prefix:   strings.TrimRight(prefix, "."),
		handlers: make(map[string]dispatch.Handler),
	}
}

// Handle registers a handler for the named job. Must be called before Start.
func (w *Worker) Handle(name string, h dispatch.Handler) {
	w.handlers[name] = h
}

// Start subscribes to every registered job subject. Handlers run on NATS
// callback goroutines with ctx as their base context; cancel ctx and call
// Stop to shut down.
func (w *Worker) Start(ctx context.Context) error {
	for name, h := range w.handlers {
		handler := h
		sub, err := w.conn.QueueSubscribe(w.prefix+"."+name, queueGroup, func(msg *nats.Msg) {
			var job dispatch.Job
			if err := json.Unmarshal(msg.Data, &job); err != nil {
				slog.Error("dispatch worker: bad job payload", "subject", msg.Subject, "err", err)
				return
			}
			if err := handler(ctx, job); err != nil {
				slog.Error("dispatch worker: job failed", "job", job.Name, "job_id", job.ID, "err", err)
			}
		})
		if err != nil {
			return fmt.Errorf("nats dispatch: subscribe %q: %w", name, err)
		}
		w.subs = append(w.subs, sub)
	}
	return nil
}

// Stop drains all subscriptions.
func (w *Worker) Stop() error {
	var firstErr error
	for _, sub := range w.subs {
		if err := sub.Drain(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("nats dispatch: drain: %w", err)
		}
	}
	w.subs = nil
	return firstErr
}
