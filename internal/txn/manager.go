package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/seantiz/conduit/internal/model"
)

// Body is the code run inside a transaction boundary. tc is the caller's
// Context; nested Run calls must pass it on. tc.Current() is the record the
// body runs in, or nil when it runs without a transaction.
type Body func(ctx context.Context, tc *Context) (any, error)

// Stats counts Manager outcomes since construction.
type Stats struct {
	Begun      int64 `json:"begun"`
	Joined     int64 `json:"joined"`
	Suspended  int64 `json:"suspended"`
	Committed  int64 `json:"committed"`
	RolledBack int64 `json:"rolled_back"`
	Refused    int64 `json:"refused"`
}

// Manager runs bodies under transaction descriptors against one Resource.
// It holds no per-goroutine state and is safe for concurrent use.
type Manager struct {
	resource Resource
	logger   *slog.Logger
	metrics  *Metrics

	begun, joined, suspended atomic.Int64
	committed, rolledBack    atomic.Int64
	refused                  atomic.Int64
}

// NewManager creates a Manager for res. metrics may be nil.
func NewManager(res Resource, logger *slog.Logger, metrics *Metrics) *Manager {
	return &Manager{
		resource: res,
		logger:   logger,
		metrics:  metrics,
	}
}

// Stats returns a snapshot of the outcome counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Begun:      m.begun.Load(),
		Joined:     m.joined.Load(),
		Suspended:  m.suspended.Load(),
		Committed:  m.committed.Load(),
		RolledBack: m.rolledBack.Load(),
		Refused:    m.refused.Load(),
	}
}

// Run executes body according to d relative to the record active in tc.
//
// Only the call that begins a record commits or rolls it back. A joined call
// whose body fails marks the shared record rollback-only and returns the
// error; the owning call then rolls back and, if its own body succeeded,
// returns ErrRollbackOnly.
func (m *Manager) Run(ctx context.Context, tc *Context, d Descriptor, body Body) (any, error) {
	if tc == nil {
		return nil, ErrNilContext
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	current := tc.Current()

	switch d.Propagation {
	case Required:
		if current != nil {
			return m.join(ctx, tc, current, d, body)
		}
		return m.runNew(ctx, tc, d, "", body)

	case RequiresNew:
		if current == nil {
			return m.runNew(ctx, tc, d, "", body)
		}
		suspended := m.suspend(tc)
		defer tc.resume(suspended)
		return m.runNew(ctx, tc, d, suspended.ID(), body)

	case Supports:
		if current != nil {
			return m.join(ctx, tc, current, d, body)
		}
		return body(ctx, tc)

	case NotSupported:
		if current != nil {
			suspended := m.suspend(tc)
			defer tc.resume(suspended)
		}
		return body(ctx, tc)

	case Mandatory:
		if current == nil {
			m.refuse(d.Propagation)
			return nil, fmt.Errorf("%v: %w", d.Propagation, ErrNoActiveTransaction)
		}
		return m.join(ctx, tc, current, d, body)

	case Never:
		if current != nil {
			m.refuse(d.Propagation)
			return nil, fmt.Errorf("%v: %w (tx %s)", d.Propagation, ErrUnexpectedActiveTransaction, current.ID())
		}
		return body(ctx, tc)
	}

	return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, d.Propagation)
}

func (m *Manager) refuse(p Propagation) {
	m.refused.Add(1)
	m.metrics.refused(p)
}

func (m *Manager) suspend(tc *Context) *Record {
	r := tc.suspend()
	m.suspended.Add(1)
	m.logger.Debug("transaction suspended", "tx_id", r.ID())
	return r
}

// join runs body inside a record owned by an outer call.
func (m *Manager) join(ctx context.Context, tc *Context, rec *Record, d Descriptor, body Body) (res any, err error) {
	m.joined.Add(1)
	m.metrics.joined(d.Propagation)

	returned := false
	defer func() {
		if !returned {
			rec.SetRollbackOnly()
		}
	}()

	res, err = body(ctx, tc)
	returned = true
	if err != nil {
		rec.SetRollbackOnly()
		m.logger.Debug("joined participant failed, marking rollback-only",
			"tx_id", rec.ID(),
			"propagation", d.Propagation.String(),
			"error", err,
		)
		return nil, err
	}
	return res, nil
}

// runNew begins a record, runs body in it and completes it.
func (m *Manager) runNew(ctx context.Context, tc *Context, d Descriptor, parentID string, body Body) (any, error) {
	bodyCtx := ctx
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		bodyCtx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	h, err := m.resource.Begin(bodyCtx, Options{Isolation: d.Isolation.Effective(), ReadOnly: d.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	rec := newRecord(model.NewID(), parentID, d, h)
	tc.push(rec)
	m.begun.Add(1)
	m.metrics.begun(d.Propagation)
	m.logger.Debug("transaction begun",
		"tx_id", rec.ID(),
		"parent_tx_id", parentID,
		"propagation", d.Propagation.String(),
		"isolation", rec.Isolation().String(),
		"read_only", d.ReadOnly,
	)

	// Commit and rollback must run even when the caller's ctx is done.
	finishCtx := context.WithoutCancel(ctx)

	returned := false
	defer func() {
		if returned {
			return
		}
		p := recover()
		tc.popTo(rec)
		if rerr := m.rollback(finishCtx, rec, reasonPanic); rerr != nil {
			m.logger.Error("rollback after panic failed", "tx_id", rec.ID(), "error", rerr)
		}
		if p != nil {
			panic(p)
		}
	}()

	res, err := body(bodyCtx, tc)
	returned = true
	tc.popTo(rec)

	if err == nil && d.Timeout > 0 && errors.Is(bodyCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("tx %s after %v: %w", rec.ID(), d.Timeout, ErrTransactionTimeout)
	}
	if err != nil {
		reason := reasonError
		if errors.Is(err, ErrTransactionTimeout) {
			reason = reasonTimeout
		}
		if rerr := m.rollback(finishCtx, rec, reason); rerr != nil {
			return nil, errors.Join(err, rerr)
		}
		return nil, err
	}

	if rec.RollbackOnly() {
		if rerr := m.rollback(finishCtx, rec, reasonRollbackOnly); rerr != nil {
			return nil, errors.Join(fmt.Errorf("tx %s: %w", rec.ID(), ErrRollbackOnly), rerr)
		}
		m.logger.Info("rolled back transaction marked rollback-only by a participant", "tx_id", rec.ID())
		return nil, fmt.Errorf("tx %s: %w", rec.ID(), ErrRollbackOnly)
	}

	if err := m.resource.Commit(finishCtx, rec.handle); err != nil {
		cerr := fmt.Errorf("commit tx %s: %w", rec.ID(), err)
		if rerr := m.rollback(finishCtx, rec, reasonCommitFailed); rerr != nil {
			return nil, errors.Join(cerr, rerr)
		}
		return nil, cerr
	}

	m.committed.Add(1)
	m.metrics.committed()
	m.logger.Debug("transaction committed", "tx_id", rec.ID())
	rec.finish(StatusCommitted)
	return res, nil
}

// rollback rolls rec back at the resource. The record ends rolled back even
// when the resource reports an error.
func (m *Manager) rollback(ctx context.Context, rec *Record, reason string) error {
	err := m.resource.Rollback(ctx, rec.handle)
	m.rolledBack.Add(1)
	m.metrics.rolledBack(reason)
	m.logger.Debug("transaction rolled back", "tx_id", rec.ID(), "reason", reason)
	rec.finish(StatusRolledBack)
	if err != nil {
		return fmt.Errorf("rollback tx %s: %w", rec.ID(), err)
	}
	return nil
}

// Savepoint records a named savepoint on the current record.
func (m *Manager) Savepoint(ctx context.Context, tc *Context, name string) error {
	rec, sp, err := m.savepointTarget(tc)
	if err != nil {
		return err
	}
	if err := sp.Savepoint(ctx, rec.handle, name); err != nil {
		return fmt.Errorf("savepoint %q: %w", name, err)
	}
	rec.savepoints = append(rec.savepoints, name)
	return nil
}

// RollbackToSavepoint undoes work done since the named savepoint. The
// savepoint itself remains; later ones are discarded.
func (m *Manager) RollbackToSavepoint(ctx context.Context, tc *Context, name string) error {
	rec, sp, err := m.savepointTarget(tc)
	if err != nil {
		return err
	}
	i := slices.Index(rec.savepoints, name)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownSavepoint, name)
	}
	if err := sp.RollbackToSavepoint(ctx, rec.handle, name); err != nil {
		return fmt.Errorf("rollback to savepoint %q: %w", name, err)
	}
	rec.savepoints = rec.savepoints[:i+1]
	return nil
}

// ReleaseSavepoint forgets the named savepoint and any created after it.
func (m *Manager) ReleaseSavepoint(ctx context.Context, tc *Context, name string) error {
	rec, sp, err := m.savepointTarget(tc)
	if err != nil {
		return err
	}
	i := slices.Index(rec.savepoints, name)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownSavepoint, name)
	}
	if err := sp.ReleaseSavepoint(ctx, rec.handle, name); err != nil {
		return fmt.Errorf("release savepoint %q: %w", name, err)
	}
	rec.savepoints = rec.savepoints[:i]
	return nil
}

func (m *Manager) savepointTarget(tc *Context) (*Record, SavepointResource, error) {
	if tc == nil {
		return nil, nil, ErrNilContext
	}
	rec := tc.Current()
	if rec == nil {
		return nil, nil, ErrNoActiveTransaction
	}
	sp, ok := m.resource.(SavepointResource)
	if !ok {
		return nil, nil, ErrSavepointsUnsupported
	}
	return rec, sp, nil
}
