// Package channel carries execution results from the trigger to in-process
// consumers over a buffered Go channel.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/taskwheel/taskwheel/internal/domain"
)

// ErrBufferFull is returned when a result cannot be enqueued within the
// emit timeout.
var ErrBufferFull = errors.New("event bus buffer is full")

// DefaultEmitTimeout bounds how long Emit blocks on a saturated buffer.
const DefaultEmitTimeout = 2 * time.Second

type EventBus struct {
	ch          chan domain.ExecutionResult
	emitTimeout time.Duration
}

type Option func(*EventBus)

// WithEmitTimeout overrides the time Emit waits for buffer space.
func WithEmitTimeout(d time.Duration) Option {
	return func(b *EventBus) {
		b.emitTimeout = d
	}
}

func NewEventBus(buffer int, opts ...Option) *EventBus {
	b := &EventBus{
		ch:          make(chan domain.ExecutionResult, buffer),
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit enqueues a result, blocking up to the emit timeout when the buffer
// is full. It returns ErrBufferFull on timeout and ctx.Err() when the
// context is cancelled first.
func (b *EventBus) Emit(ctx context.Context, result domain.ExecutionResult) error {
	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- result:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrBufferFull
	}
}

// Channel exposes the receive side for consumers.
func (b *EventBus) Channel() <-chan domain.ExecutionResult {
	return b.ch
}
