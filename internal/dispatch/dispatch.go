// Package dispatch executes task actions through a per-kind handler
// registry. Handlers are injected by the host; the engine never interprets
// action parameters itself.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/taskwheel/taskwheel/internal/domain"
)

// Error classifies a dispatch failure. Permanent failures must not be
// retried for the same occurrence; everything else is retried on the next
// poll.
type Error struct {
	Kind      domain.ActionKind
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	class := "retryable"
	if e.Permanent {
		class = "permanent"
	}
	return fmt.Sprintf("dispatch %s (%s): %v", e.Kind, class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// PermanentError wraps err as a non-retryable dispatch failure.
func PermanentError(kind domain.ActionKind, err error) *Error {
	return &Error{Kind: kind, Permanent: true, Err: err}
}

// RetryableError wraps err as a retryable dispatch failure.
func RetryableError(kind domain.ActionKind, err error) *Error {
	return &Error{Kind: kind, Permanent: false, Err: err}
}

// Handler executes one action kind. Implementations classify their own
// failures by returning *Error; a plain error is treated as retryable.
type Handler interface {
	Execute(ctx context.Context, params map[string]string) error
}

// Dispatcher routes actions to the handler registered for their kind.
type Dispatcher struct {
	handlers map[domain.ActionKind]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[domain.ActionKind]Handler)}
}

// Register binds a handler to an action kind, replacing any previous one.
func (d *Dispatcher) Register(kind domain.ActionKind, h Handler) *Dispatcher {
	d.handlers[kind] = h
	return d
}

// Dispatch executes the action. An unregistered kind is a permanent failure:
// retrying cannot make a handler appear.
func (d *Dispatcher) Dispatch(ctx context.Context, action domain.ActionSpec) error {
	h, ok := d.handlers[action.Kind]
	if !ok {
		return PermanentError(action.Kind, fmt.Errorf("no handler registered"))
	}

	err := h.Execute(ctx, action.Params)
	if err == nil {
		return nil
	}
	var derr *Error
	if errors.As(err, &derr) {
		return derr
	}
	return RetryableError(action.Kind, err)
}

// IsPermanent reports whether err carries a permanent classification.
func IsPermanent(err error) bool {
	var derr *Error
	return errors.As(err, &derr) && derr.Permanent
}
