package pool

import "errors"

var (
	// ErrCapacityExceeded is returned by Submit when the pool is saturated
	// under the Abort policy.
	ErrCapacityExceeded = errors.New("worker pool capacity exceeded")

	// ErrPoolClosed is returned by Submit after Shutdown, and handed to tasks
	// discarded by ShutdownNow.
	ErrPoolClosed = errors.New("worker pool closed")

	// ErrDiscarded is handed to tasks dropped by a discard policy.
	ErrDiscarded = errors.New("task discarded by rejection policy")

	// ErrNilTask is returned when Submit is called with a nil task.
	ErrNilTask = errors.New("nil task")
)
