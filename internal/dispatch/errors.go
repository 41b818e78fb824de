package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled resolves a Handle cancelled before its body started.
	ErrCancelled = errors.New("task cancelled")

	// ErrNoManager is returned when a transactional item is dispatched by a
	// Dispatcher built without a transaction manager.
	ErrNoManager = errors.New("transactional work requires a transaction manager")

	// ErrNilBody is returned when a WorkItem has no body.
	ErrNilBody = errors.New("work item has no body")
)

// PanicError is the failure recorded for a body that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}
