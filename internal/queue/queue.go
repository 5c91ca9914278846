// Package queue provides the work queue that carries chat turns from the
// gateway to the processing workers. Two interchangeable backends satisfy
// the contract: an in-process FIFO (non-durable, single consumer) and a
// Redis Streams consumer group (durable, multi-consumer, explicit ack).
// The backend is selected once at startup and never mixed at runtime.
package queue

import (
	"context"
	"errors"
	"time"

	"botpipe/internal/model"

	"github.com/oklog/ulid/v2"
)

var ErrClosed = errors.New("queue is closed")

// Delivery is one dequeued job plus the handle the consumer must ack with
// after the job is fully processed.
type Delivery struct {
	Handle string
	Job    model.Job
}

// Queue is the enqueue/receive/ack contract shared by both backends.
// Application code must never branch on backend identity outside the
// startup selection point.
type Queue interface {
	// Enqueue appends a job and returns its id. The id is assigned here
	// if the job does not carry one yet.
	Enqueue(ctx context.Context, job model.Job) (string, error)

	// Receive blocks up to block for at least one job and returns up to
	// batch deliveries. An empty slice with a nil error means the wait
	// timed out.
	Receive(ctx context.Context, batch int, block time.Duration) ([]Delivery, error)

	// Ack marks a delivery as fully processed. For the durable backend an
	// un-acked delivery becomes eligible for redelivery.
	Ack(ctx context.Context, handle string) error

	Close() error
}

// NewJobID returns a fresh job identifier.
func NewJobID() string {
	return ulid.Make().String()
}
