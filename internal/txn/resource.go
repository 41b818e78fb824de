package txn

import "context"

// Handle is a resource's opaque per-transaction state, such as a connection
// or an open *sql.Tx. It is owned exclusively by one Record.
type Handle any

// Resource is the transactional store the Manager drives. Implementations
// apply the isolation discipline for the level in Options.
type Resource interface {
	Begin(ctx context.Context, opts Options) (Handle, error)
	Commit(ctx context.Context, h Handle) error
	Rollback(ctx context.Context, h Handle) error
}

// SavepointResource is implemented by resources that support savepoints.
type SavepointResource interface {
	Savepoint(ctx context.Context, h Handle, name string) error
	RollbackToSavepoint(ctx context.Context, h Handle, name string) error
	ReleaseSavepoint(ctx context.Context, h Handle, name string) error
}
