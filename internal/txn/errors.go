package txn

import "errors"

var (
	// ErrNoActiveTransaction is returned by Mandatory when no record is active.
	ErrNoActiveTransaction = errors.New("no active transaction")

	// ErrUnexpectedActiveTransaction is returned by Never when a record is active.
	ErrUnexpectedActiveTransaction = errors.New("unexpected active transaction")

	// ErrRollbackOnly is returned by the owning level when a joined participant
	// marked the record rollback-only. The record has been rolled back.
	ErrRollbackOnly = errors.New("transaction marked rollback-only")

	// ErrTransactionTimeout is returned when the body outlives the descriptor
	// timeout. The record has been rolled back.
	ErrTransactionTimeout = errors.New("transaction timed out")

	// ErrSavepointsUnsupported is returned when the resource has no savepoints.
	ErrSavepointsUnsupported = errors.New("resource does not support savepoints")

	// ErrUnknownSavepoint is returned for a savepoint name not on the record.
	ErrUnknownSavepoint = errors.New("unknown savepoint")

	// ErrNilContext is returned when Run is called without a Context.
	ErrNilContext = errors.New("nil transaction context")

	// ErrInvalidDescriptor is returned for an unknown propagation or isolation.
	ErrInvalidDescriptor = errors.New("invalid transaction descriptor")
)
