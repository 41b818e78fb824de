package isolation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/btree"
)

// DefaultWaitTimeout bounds a single lock wait unless WithWaitTimeout says
// otherwise.
const DefaultWaitTimeout = 50 * time.Second

var (
	// ErrDeadlock is returned to the waiter whose wait would close a cycle in
	// the wait-for graph. Its transaction should roll back to free the others.
	ErrDeadlock = errors.New("deadlock detected")

	// ErrLockWaitTimeout is returned when a lock is not granted within the
	// controller's wait timeout.
	ErrLockWaitTimeout = errors.New("lock wait timeout exceeded")
)

// Range is a half-open key interval [Start, End). An empty End is unbounded.
type Range struct {
	Start string
	End   string
}

// Contains reports whether key falls inside r.
func (r Range) Contains(key string) bool {
	return key >= r.Start && (r.End == "" || key < r.End)
}

// rowLock is the lock state of a single key.
type rowLock struct {
	exclusive uint64 // owning session id, 0 when free
	shared    map[uint64]struct{}
}

func (rl *rowLock) free() bool {
	return rl.exclusive == 0 && len(rl.shared) == 0
}

// predicate is a range lock held by one session until it ends.
type predicate struct {
	Range
	owner uint64
}

func predicateLess(a, b predicate) bool {
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	if a.owner != b.owner {
		return a.owner < b.owner
	}
	return a.End < b.End
}

// LockStats is a snapshot of the lock table.
type LockStats struct {
	Rows       int `json:"rows"`
	Exclusive  int `json:"exclusive"`
	Shared     int `json:"shared"`
	Predicates int `json:"predicates"`
	Sessions   int `json:"sessions"`
	Waiting    int `json:"waiting"`
	Deadlocks  int `json:"deadlocks"`
	Timeouts   int `json:"timeouts"`
}

// Controller owns the lock table shared by all sessions of one resource.
// It is safe for concurrent use.
type Controller struct {
	mu         sync.Mutex
	rows       btree.Map[string, *rowLock]
	predicates *btree.BTreeG[predicate]
	wake       chan struct{}
	sessions   int
	nextID     atomic.Uint64

	// waits is the wait-for graph: waiting session id to the sessions
	// holding the locks it needs.
	waits       map[uint64][]uint64
	waitTimeout time.Duration
	deadlocks   int
	timeouts    int
}

// Option configures a Controller.
type Option func(*Controller)

// WithWaitTimeout bounds each lock wait. Zero or negative disables the bound;
// deadlock detection still applies.
func WithWaitTimeout(d time.Duration) Option {
	return func(c *Controller) { c.waitTimeout = d }
}

// NewController creates an empty lock controller.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		predicates:  btree.NewBTreeG(predicateLess),
		wake:        make(chan struct{}),
		waits:       make(map[uint64][]uint64),
		waitTimeout: DefaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Begin opens a lock session for a transaction at the given level. Default
// resolves to DefaultLevel.
func (c *Controller) Begin(level Level) *Session {
	level = level.Effective()
	c.mu.Lock()
	c.sessions++
	c.mu.Unlock()
	return &Session{
		c:          c,
		id:         c.nextID.Add(1),
		level:      level,
		discipline: DisciplineFor(level),
		held:       make(map[string]Hold),
	}
}

// Stats returns a snapshot of the lock table.
func (c *Controller) Stats() LockStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := LockStats{
		Rows:       c.rows.Len(),
		Predicates: c.predicates.Len(),
		Sessions:   c.sessions,
		Waiting:    len(c.waits),
		Deadlocks:  c.deadlocks,
		Timeouts:   c.timeouts,
	}
	c.rows.Scan(func(_ string, rl *rowLock) bool {
		if rl.exclusive != 0 {
			st.Exclusive++
		}
		st.Shared += len(rl.shared)
		return true
	})
	return st
}

// acquire retries try under the controller mutex until it succeeds, ctx
// ends, the wait times out, or waiting would deadlock. try reports the
// sessions blocking it when it fails. Every release wakes all waiters.
func (c *Controller) acquire(ctx context.Context, waiter uint64, try func() ([]uint64, bool)) error {
	var timeout <-chan time.Time
	if c.waitTimeout > 0 {
		timer := time.NewTimer(c.waitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		c.mu.Lock()
		blockers, ok := try()
		if ok {
			delete(c.waits, waiter)
			c.mu.Unlock()
			return nil
		}
		c.waits[waiter] = blockers
		if c.closesCycleLocked(waiter) {
			delete(c.waits, waiter)
			c.deadlocks++
			c.mu.Unlock()
			return ErrDeadlock
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-wake:
		case <-timeout:
			c.mu.Lock()
			delete(c.waits, waiter)
			c.timeouts++
			c.mu.Unlock()
			return ErrLockWaitTimeout
		case <-ctx.Done():
			c.mu.Lock()
			delete(c.waits, waiter)
			c.mu.Unlock()
			return ctx.Err()
		}
	}
}

// closesCycleLocked reports whether waiter is reachable from the sessions it
// waits for.
func (c *Controller) closesCycleLocked(waiter uint64) bool {
	seen := make(map[uint64]struct{})
	stack := slices.Clone(c.waits[waiter])
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == waiter {
			return true
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		stack = append(stack, c.waits[id]...)
	}
	return false
}

func (c *Controller) broadcastLocked() {
	close(c.wake)
	c.wake = make(chan struct{})
}

func (c *Controller) rowLocked(key string) *rowLock {
	rl, ok := c.rows.Get(key)
	if !ok {
		rl = &rowLock{shared: make(map[uint64]struct{})}
		c.rows.Set(key, rl)
	}
	return rl
}

// foreignPredicateOwners returns the sessions other than owner whose
// predicate ranges contain key.
func (c *Controller) foreignPredicateOwners(key string, owner uint64) []uint64 {
	var owners []uint64
	pivot := predicate{Range: Range{Start: key}, owner: math.MaxUint64}
	c.predicates.Descend(pivot, func(p predicate) bool {
		if p.owner != owner && p.Contains(key) && !slices.Contains(owners, p.owner) {
			owners = append(owners, p.owner)
		}
		return true
	})
	return owners
}

// foreignExclusiveIn returns the sessions other than owner holding an
// exclusive lock on a key inside r.
func (c *Controller) foreignExclusiveIn(r Range, owner uint64) []uint64 {
	var owners []uint64
	c.rows.Ascend(r.Start, func(key string, rl *rowLock) bool {
		if !r.Contains(key) {
			return false
		}
		if rl.exclusive != 0 && rl.exclusive != owner && !slices.Contains(owners, rl.exclusive) {
			owners = append(owners, rl.exclusive)
		}
		return true
	})
	return owners
}

// Session is the lock owner for one transaction. A Session is confined to the
// goroutine running its transaction.
type Session struct {
	c          *Controller
	id         uint64
	level      Level
	discipline Discipline

	// held maps keys to the hold of the exclusive or shared lock we own.
	held       map[string]Hold
	statement  []string
	predicates []predicate
	ended      bool
}

// ID returns the session's lock owner id.
func (s *Session) ID() uint64 { return s.id }

// Level returns the isolation level the session was opened with.
func (s *Session) Level() Level { return s.level }

// Discipline returns the locking discipline in force for the session.
func (s *Session) Discipline() Discipline { return s.discipline }

// Read takes the shared lock required before reading key, if any. It blocks
// while another session holds an exclusive lock on key.
func (s *Session) Read(ctx context.Context, key string) error {
	if s.discipline.ReadLock == HoldNone {
		return nil
	}
	err := s.c.acquire(ctx, s.id, func() ([]uint64, bool) {
		rl := s.c.rowLocked(key)
		if rl.exclusive == s.id {
			return nil, true
		}
		if rl.exclusive != 0 {
			return []uint64{rl.exclusive}, false
		}
		rl.shared[s.id] = struct{}{}
		s.remember(key, s.discipline.ReadLock)
		return nil, true
	})
	if err != nil {
		return fmt.Errorf("shared lock %q: %w", key, err)
	}
	return nil
}

// Write takes the exclusive lock required before modifying key. It blocks
// while any other session holds a shared or exclusive lock on key.
func (s *Session) Write(ctx context.Context, key string) error {
	if err := s.c.acquire(ctx, s.id, func() ([]uint64, bool) { return s.tryExclusive(key) }); err != nil {
		return fmt.Errorf("exclusive lock %q: %w", key, err)
	}
	return nil
}

// Insert is Write for a key that does not exist yet or is being removed. It
// additionally blocks while key lies in a range scanned by another
// serializable session.
func (s *Session) Insert(ctx context.Context, key string) error {
	err := s.c.acquire(ctx, s.id, func() ([]uint64, bool) {
		if owners := s.c.foreignPredicateOwners(key, s.id); len(owners) > 0 {
			return owners, false
		}
		return s.tryExclusive(key)
	})
	if err != nil {
		return fmt.Errorf("insert lock %q: %w", key, err)
	}
	return nil
}

// ReadRange records a predicate lock on r when the discipline calls for one.
// It blocks while another session holds an exclusive lock inside r.
func (s *Session) ReadRange(ctx context.Context, r Range) error {
	if !s.discipline.PredicateLocks {
		return nil
	}
	err := s.c.acquire(ctx, s.id, func() ([]uint64, bool) {
		if owners := s.c.foreignExclusiveIn(r, s.id); len(owners) > 0 {
			return owners, false
		}
		p := predicate{Range: r, owner: s.id}
		s.c.predicates.Set(p)
		s.predicates = append(s.predicates, p)
		return nil, true
	})
	if err != nil {
		return fmt.Errorf("predicate lock [%q,%q): %w", r.Start, r.End, err)
	}
	return nil
}

// tryExclusive must be called with the controller mutex held. On failure it
// returns the sessions holding conflicting locks on key.
func (s *Session) tryExclusive(key string) ([]uint64, bool) {
	rl := s.c.rowLocked(key)
	var blockers []uint64
	if rl.exclusive != 0 && rl.exclusive != s.id {
		blockers = append(blockers, rl.exclusive)
	}
	for owner := range rl.shared {
		if owner != s.id {
			blockers = append(blockers, owner)
		}
	}
	if len(blockers) > 0 {
		return blockers, false
	}
	delete(rl.shared, s.id)
	rl.exclusive = s.id
	s.remember(key, s.discipline.WriteLock)
	return nil, true
}

func (s *Session) remember(key string, hold Hold) {
	prev, ok := s.held[key]
	if ok && prev >= hold {
		return
	}
	s.held[key] = hold
	if hold == HoldStatement {
		s.statement = append(s.statement, key)
	}
}

// EndStatement releases locks held only for the duration of a statement.
func (s *Session) EndStatement() {
	if len(s.statement) == 0 {
		return
	}
	s.c.mu.Lock()
	defer s.c.mu.Unlock()

	for _, key := range s.statement {
		if s.held[key] != HoldStatement {
			continue
		}
		s.releaseKeyLocked(key)
	}
	s.statement = s.statement[:0]
	s.c.broadcastLocked()
}

// Release drops every lock the session holds. It is called once, when the
// owning transaction commits or rolls back; later calls are no-ops.
func (s *Session) Release() {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()

	if s.ended {
		return
	}
	s.ended = true
	for key := range s.held {
		s.releaseKeyLocked(key)
	}
	for _, p := range s.predicates {
		s.c.predicates.Delete(p)
	}
	s.predicates = nil
	s.statement = nil
	delete(s.c.waits, s.id)
	s.c.sessions--
	s.c.broadcastLocked()
}

func (s *Session) releaseKeyLocked(key string) {
	delete(s.held, key)
	rl, ok := s.c.rows.Get(key)
	if !ok {
		return
	}
	if rl.exclusive == s.id {
		rl.exclusive = 0
	}
	delete(rl.shared, s.id)
	if rl.free() {
		s.c.rows.Delete(key)
	}
}
