// Package dispatch defines the fire-and-forget job dispatcher the engine
// uses to decouple embedding maintenance from catalog write latency.
//
// Delivery is at-least-once with no ordering guarantee across jobs, so every
// job handler must be idempotent — re-encoding a book's embedding twice is
// harmless.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job is the envelope placed on the wire for every dispatched job.
type Job struct {
	// ID uniquely identifies this dispatch for log correlation. Handlers
	// must not use it for dedupe; delivery is at-least-once by contract.
	ID string `json:"id"`

	// Name selects the handler (e.g. "embed_books").
	Name string `json:"name"`

	// Args is the handler-specific JSON payload.
	Args json.RawMessage `json:"args"`

	// EnqueuedAt is when the job was handed to the dispatcher.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewJob builds a Job envelope, marshalling args to JSON.
func NewJob(name string, args any) (Job, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return Job{}, fmt.Errorf("dispatch: marshal args for %q: %w", name, err)
	}
	return Job{
		ID:         uuid.NewString(),
		Name:       name,
		Args:       raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// UnmarshalArgs decodes the job payload into v.
func (j Job) UnmarshalArgs(v any) error {
	if err := json.Unmarshal(j.Args, v); err != nil {
		return fmt.Errorf("dispatch: unmarshal args for %q: %w", j.Name, err)
	}
	return nil
}

// Dispatcher submits jobs for asynchronous execution.
type Dispatcher interface {
	// Dispatch enqueues the named job. It returns once the job has been
	// accepted by the transport, not once it has run.
	Dispatch(ctx context.Context, name string, args any) error
}

// Handler executes one job. Returning an error causes the transport to log
// it; there is no automatic retry beyond the transport's own redelivery.
type Handler func(ctx context.Context, job Job) error
