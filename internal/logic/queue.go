package logic

import (
	"context"

	"github.com/WendelHime/peershare/internal/shared/models"
)

// Envelope is one inbound message tagged with the peer it came from.
type Envelope struct {
	From    string
	Message models.Message
}

// Queue carries inbound messages from every connection to the processor.
// Messages from one producer keep their order.
type Queue struct {
	ch chan Envelope
}

func NewQueue(size int) *Queue {
	return &Queue{ch: make(chan Envelope, size)}
}

func (q *Queue) Push(ctx context.Context, env Envelope) error {
	select {
	case q.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Pop(ctx context.Context) (Envelope, error) {
	select {
	case env := <-q.ch:
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (q *Queue) Len() int {
	return len(q.ch)
}
