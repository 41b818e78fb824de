package pool

import (
	"fmt"
	"strings"
)

// Rejection is what a RejectionPolicy decided for a task the pool could not
// accept. The pool applies it after releasing its lock: Dropped is discarded
// with ErrDiscarded, Run is executed on the submitting goroutine and Err is
// returned from Submit.
type Rejection struct {
	Run     Task
	Dropped Task
	Err     error
}

// RejectionPolicy decides what happens to a task submitted to a saturated
// pool. Reject is called with the pool lock held and may modify q.
type RejectionPolicy interface {
	Name() string
	Reject(t Task, q *Queue[Task]) Rejection
}

// Policy names accepted by ParsePolicy.
const (
	PolicyCallerRuns    = "caller-runs"
	PolicyAbort         = "abort"
	PolicyDiscard       = "discard"
	PolicyDiscardOldest = "discard-oldest"
)

// ParsePolicy returns the policy registered under name.
func ParsePolicy(name string) (RejectionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case PolicyCallerRuns:
		return CallerRuns(), nil
	case PolicyAbort, "":
		return Abort(), nil
	case PolicyDiscard:
		return DiscardSilently(), nil
	case PolicyDiscardOldest:
		return DiscardOldest(), nil
	default:
		return nil, fmt.Errorf("unknown rejection policy %q", name)
	}
}

type callerRuns struct{}

// CallerRuns executes the rejected task synchronously on the submitter.
func CallerRuns() RejectionPolicy { return callerRuns{} }

func (callerRuns) Name() string { return PolicyCallerRuns }

func (callerRuns) Reject(t Task, _ *Queue[Task]) Rejection {
	return Rejection{Run: t}
}

type abort struct{}

// Abort fails the submission with ErrCapacityExceeded.
func Abort() RejectionPolicy { return abort{} }

func (abort) Name() string { return PolicyAbort }

func (abort) Reject(Task, *Queue[Task]) Rejection {
	return Rejection{Err: ErrCapacityExceeded}
}

type discardSilently struct{}

// DiscardSilently drops the rejected task and reports success.
func DiscardSilently() RejectionPolicy { return discardSilently{} }

func (discardSilently) Name() string { return PolicyDiscard }

func (discardSilently) Reject(t Task, _ *Queue[Task]) Rejection {
	return Rejection{Dropped: t}
}

type discardOldest struct{}

// DiscardOldest evicts the queue head and enqueues the rejected task. With an
// empty queue it behaves like Abort.
func DiscardOldest() RejectionPolicy { return discardOldest{} }

func (discardOldest) Name() string { return PolicyDiscardOldest }

func (discardOldest) Reject(t Task, q *Queue[Task]) Rejection {
	oldest, ok := q.Pop()
	if !ok {
		return Rejection{Err: ErrCapacityExceeded}
	}
	q.Push(t)
	return Rejection{Dropped: oldest}
}
