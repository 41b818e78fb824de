package isolation

import (
	"context"
	"errors"
	"testing"
	"time"
)

// blocked runs fn in a goroutine and reports whether it is still blocked
// after a short wait. The returned channel yields fn's error once it returns.
func blocked(t *testing.T, fn func() error) (bool, <-chan error) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		done <- err
		return false, done
	case <-time.After(50 * time.Millisecond):
		return true, done
	}
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unblocked call returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call still blocked after release")
	}
}

func TestRepeatableReadSharedLockBlocksWriter(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	reader := c.Begin(RepeatableRead)
	if err := reader.Read(ctx, "row1"); err != nil {
		t.Fatalf("Read: %v", err)
	}

	writer := c.Begin(ReadCommitted)
	isBlocked, done := blocked(t, func() error { return writer.Write(ctx, "row1") })
	if !isBlocked {
		t.Fatal("writer acquired exclusive lock on a row shared-locked by a repeatable-read reader")
	}

	reader.Release()
	waitDone(t, done)
	writer.Release()
}

func TestReadCommittedReaderTakesNoLock(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	writer := c.Begin(ReadCommitted)
	if err := writer.Write(ctx, "row1"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	reader := c.Begin(ReadCommitted)
	isBlocked, done := blocked(t, func() error { return reader.Read(ctx, "row1") })
	if isBlocked {
		t.Fatal("read-committed reader blocked on an exclusive lock")
	}
	waitDone(t, done)

	if st := c.Stats(); st.Shared != 0 {
		t.Errorf("shared locks = %d, want 0", st.Shared)
	}
	writer.Release()
	reader.Release()
}

func TestRepeatableReadReaderWaitsForWriter(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	writer := c.Begin(ReadCommitted)
	if err := writer.Write(ctx, "row1"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	reader := c.Begin(RepeatableRead)
	isBlocked, done := blocked(t, func() error { return reader.Read(ctx, "row1") })
	if !isBlocked {
		t.Fatal("repeatable-read reader did not wait for exclusive lock")
	}
	writer.Release()
	waitDone(t, done)
	reader.Release()
}

func TestReadUncommittedWriteLockIsStatementScoped(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	w1 := c.Begin(ReadUncommitted)
	if err := w1.Write(ctx, "row1"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	w2 := c.Begin(ReadUncommitted)
	isBlocked, done := blocked(t, func() error { return w2.Write(ctx, "row1") })
	if !isBlocked {
		t.Fatal("second writer not blocked during first writer's statement")
	}

	w1.EndStatement()
	waitDone(t, done)
	w2.EndStatement()

	if st := c.Stats(); st.Exclusive != 0 {
		t.Errorf("exclusive locks after statements = %d, want 0", st.Exclusive)
	}
	w1.Release()
	w2.Release()
}

func TestReadCommittedWriteLockSurvivesStatement(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	w := c.Begin(ReadCommitted)
	if err := w.Write(ctx, "row1"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	w.EndStatement()

	if st := c.Stats(); st.Exclusive != 1 {
		t.Errorf("exclusive locks = %d, want 1", st.Exclusive)
	}
	w.Release()
	if st := c.Stats(); st.Exclusive != 0 || st.Rows != 0 {
		t.Errorf("after release: %+v, want empty table", st)
	}
}

func TestSerializablePredicateBlocksInsert(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	reader := c.Begin(Serializable)
	if err := reader.ReadRange(ctx, Range{Start: "order:100", End: "order:200"}); err != nil {
		t.Fatalf("ReadRange: %v", err)
	}

	writer := c.Begin(ReadCommitted)
	isBlocked, done := blocked(t, func() error { return writer.Insert(ctx, "order:150") })
	if !isBlocked {
		t.Fatal("insert into a serializable reader's range was not blocked")
	}

	outside := c.Begin(ReadCommitted)
	if err := outside.Insert(ctx, "order:250"); err != nil {
		t.Fatalf("insert outside range: %v", err)
	}

	reader.Release()
	waitDone(t, done)
	writer.Release()
	outside.Release()
}

func TestRepeatableReadTakesNoPredicateLock(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	reader := c.Begin(RepeatableRead)
	if err := reader.ReadRange(ctx, Range{Start: "a"}); err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if st := c.Stats(); st.Predicates != 0 {
		t.Errorf("predicates = %d, want 0", st.Predicates)
	}

	writer := c.Begin(ReadCommitted)
	if err := writer.Insert(ctx, "b"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	reader.Release()
	writer.Release()
}

func TestPredicateWaitsForExclusiveInRange(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	writer := c.Begin(ReadCommitted)
	if err := writer.Write(ctx, "k5"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	reader := c.Begin(Serializable)
	isBlocked, done := blocked(t, func() error { return reader.ReadRange(ctx, Range{Start: "k0", End: "k9"}) })
	if !isBlocked {
		t.Fatal("predicate lock ignored an uncommitted write inside the range")
	}
	writer.Release()
	waitDone(t, done)
	reader.Release()
}

func TestLockWaitHonoursContext(t *testing.T) {
	c := NewController()

	holder := c.Begin(ReadCommitted)
	if err := holder.Write(context.Background(), "row1"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	defer holder.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	waiter := c.Begin(ReadCommitted)
	defer waiter.Release()
	err := waiter.Write(ctx, "row1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Write error = %v, want DeadlineExceeded", err)
	}
}

func TestUpgradeSharedToExclusive(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	s := c.Begin(RepeatableRead)
	if err := s.Read(ctx, "row1"); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := s.Write(ctx, "row1"); err != nil {
		t.Fatalf("Write after Read by same session: %v", err)
	}
	st := c.Stats()
	if st.Exclusive != 1 || st.Shared != 0 {
		t.Errorf("stats = %+v, want 1 exclusive and 0 shared", st)
	}
	s.Release()
	s.Release()
	if st := c.Stats(); st.Sessions != 0 {
		t.Errorf("sessions = %d after double release, want 0", st.Sessions)
	}
}

func TestRangeContains(t *testing.T) {
	r := Range{Start: "b", End: "d"}
	for key, want := range map[string]bool{"a": false, "b": true, "c": true, "d": false} {
		if got := r.Contains(key); got != want {
			t.Errorf("Contains(%q) = %v, want %v", key, got, want)
		}
	}
	if !(Range{Start: "b"}).Contains("zzz") {
		t.Error("unbounded range should contain zzz")
	}
}

func TestConcurrentUpgradeDeadlock(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	a := c.Begin(RepeatableRead)
	b := c.Begin(RepeatableRead)
	for _, s := range []*Session{a, b} {
		if err := s.Read(ctx, "counter"); err != nil {
			t.Fatalf("Read: %v", err)
		}
	}

	isBlocked, done := blocked(t, func() error { return a.Write(ctx, "counter") })
	if !isBlocked {
		t.Fatal("upgrade acquired while another session holds a shared lock")
	}
	if st := c.Stats(); st.Waiting != 1 {
		t.Errorf("waiting = %d, want 1", st.Waiting)
	}

	err := b.Write(ctx, "counter")
	if !errors.Is(err, ErrDeadlock) {
		t.Fatalf("second upgrade = %v, want ErrDeadlock", err)
	}

	// Rolling back the victim lets the first upgrade through.
	b.Release()
	waitDone(t, done)

	st := c.Stats()
	if st.Deadlocks != 1 || st.Waiting != 0 || st.Exclusive != 1 {
		t.Errorf("stats = %+v, want 1 deadlock, 0 waiting, 1 exclusive", st)
	}
	a.Release()
}

func TestPredicateDeadlock(t *testing.T) {
	c := NewController()
	ctx := context.Background()
	r := Range{Start: "a", End: "c"}

	a := c.Begin(Serializable)
	b := c.Begin(Serializable)
	for _, s := range []*Session{a, b} {
		if err := s.ReadRange(ctx, r); err != nil {
			t.Fatalf("ReadRange: %v", err)
		}
	}

	isBlocked, done := blocked(t, func() error { return a.Insert(ctx, "b1") })
	if !isBlocked {
		t.Fatal("insert into a range scanned by another session was not blocked")
	}
	if err := b.Insert(ctx, "b2"); !errors.Is(err, ErrDeadlock) {
		t.Fatalf("second insert = %v, want ErrDeadlock", err)
	}

	b.Release()
	waitDone(t, done)
	a.Release()
}

func TestNoDeadlockWithoutCycle(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	holder := c.Begin(ReadCommitted)
	if err := holder.Write(ctx, "row1"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// The waiter waits on holder, and holder then touches a free row: a
	// chain, not a cycle.
	waiter := c.Begin(ReadCommitted)
	isBlocked, done := blocked(t, func() error { return waiter.Write(ctx, "row1") })
	if !isBlocked {
		t.Fatal("writer was not blocked")
	}
	if err := holder.Write(ctx, "row2"); err != nil {
		t.Fatalf("holder Write(row2): %v", err)
	}

	holder.Release()
	waitDone(t, done)
	if st := c.Stats(); st.Deadlocks != 0 {
		t.Errorf("deadlocks = %d, want 0", st.Deadlocks)
	}
	waiter.Release()
}

func TestLockWaitTimeout(t *testing.T) {
	c := NewController(WithWaitTimeout(30 * time.Millisecond))
	ctx := context.Background()

	holder := c.Begin(ReadCommitted)
	if err := holder.Write(ctx, "row1"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	defer holder.Release()

	waiter := c.Begin(ReadCommitted)
	defer waiter.Release()
	start := time.Now()
	err := waiter.Write(ctx, "row1")
	if !errors.Is(err, ErrLockWaitTimeout) {
		t.Fatalf("Write = %v, want ErrLockWaitTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timed out after %v, want about 30ms", elapsed)
	}
	if st := c.Stats(); st.Timeouts != 1 || st.Waiting != 0 {
		t.Errorf("stats = %+v, want 1 timeout and 0 waiting", st)
	}
}
