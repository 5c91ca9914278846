package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"botpipe/internal/model"
)

// Memory is the in-process fallback backend: a bounded FIFO delivered to a
// single consumer. Removal at dequeue time is the only acknowledgment; a
// crash mid-processing loses the job.
type Memory struct {
	ch   chan model.Job
	done chan struct{}
	once sync.Once
}

// NewMemory creates an in-process queue with the given capacity.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memory{
		ch:   make(chan model.Job, capacity),
		done: make(chan struct{}),
	}
}

func (m *Memory) Enqueue(ctx context.Context, job model.Job) (string, error) {
	if job.ID == "" {
		job.ID = NewJobID()
	}
	select {
	case <-m.done:
		return "", ErrClosed
	default:
	}

	select {
	case <-m.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	case m.ch <- job:
		return job.ID, nil
	default:
		return "", errors.New("in-process queue is full")
	}
}

func (m *Memory) Receive(ctx context.Context, batch int, block time.Duration) ([]Delivery, error) {
	if batch <= 0 {
		batch = 1
	}

	timer := time.NewTimer(block)
	defer timer.Stop()

	var first model.Job
	select {
	case <-m.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case first = <-m.ch:
	}

	deliveries := []Delivery{{Handle: first.ID, Job: first}}
	for len(deliveries) < batch {
		select {
		case job := <-m.ch:
			deliveries = append(deliveries, Delivery{Handle: job.ID, Job: job})
		default:
			return deliveries, nil
		}
	}
	return deliveries, nil
}

// Ack is a no-op: dequeue already removed the job.
func (m *Memory) Ack(ctx context.Context, handle string) error {
	return nil
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}
