package txn

import (
	"fmt"
	"time"

	"github.com/seantiz/conduit/internal/isolation"
)

// Status is the lifecycle state of a Record.
type Status int

const (
	StatusActive Status = iota
	StatusRollbackOnly
	StatusCommitted
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusRollbackOnly:
		return "rollback-only"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled-back"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether the record is committed or rolled back.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusRolledBack
}

// Record is one logical transaction. It is created, committed and rolled back
// only by the Run call that began it; joined participants may only mark it
// rollback-only. A terminal Record is immutable.
type Record struct {
	id         string
	parentID   string
	status     Status
	descriptor Descriptor
	handle     Handle
	savepoints []string
	startedAt  time.Time
	completion []func(Status)
}

func newRecord(id, parentID string, d Descriptor, h Handle) *Record {
	return &Record{
		id:         id,
		parentID:   parentID,
		status:     StatusActive,
		descriptor: d,
		handle:     h,
		startedAt:  time.Now(),
	}
}

// ID returns the record id.
func (r *Record) ID() string { return r.id }

// ParentID returns the id of the record suspended to begin this one, or "".
func (r *Record) ParentID() string { return r.parentID }

// Status returns the current status.
func (r *Record) Status() Status { return r.status }

// Handle returns the resource handle owned by the record.
func (r *Record) Handle() Handle { return r.handle }

// Isolation returns the effective isolation level the record was begun with.
func (r *Record) Isolation() isolation.Level { return r.descriptor.Isolation.Effective() }

// ReadOnly reports whether the record was begun read-only.
func (r *Record) ReadOnly() bool { return r.descriptor.ReadOnly }

// StartedAt returns when the record began.
func (r *Record) StartedAt() time.Time { return r.startedAt }

// Savepoints returns the savepoint names in creation order.
func (r *Record) Savepoints() []string {
	out := make([]string, len(r.savepoints))
	copy(out, r.savepoints)
	return out
}

// SetRollbackOnly vetoes the commit of the record. It has no effect on a
// terminal record.
func (r *Record) SetRollbackOnly() {
	if r.status == StatusActive {
		r.status = StatusRollbackOnly
	}
}

// RollbackOnly reports whether the record has been marked rollback-only.
func (r *Record) RollbackOnly() bool { return r.status == StatusRollbackOnly }

// AfterCompletion registers fn to run with the final status once the owning
// level has committed or rolled back the record.
func (r *Record) AfterCompletion(fn func(Status)) {
	if r.status.Terminal() {
		fn(r.status)
		return
	}
	r.completion = append(r.completion, fn)
}

func (r *Record) finish(s Status) {
	r.status = s
	hooks := r.completion
	r.completion = nil
	for _, fn := range hooks {
		fn(s)
	}
}
