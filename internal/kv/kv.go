package kv

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tidwall/btree"

	"github.com/seantiz/conduit/internal/isolation"
	"github.com/seantiz/conduit/internal/txn"
)

var (
	// ErrNotFound is returned when a key has no visible value.
	ErrNotFound = errors.New("key not found")

	// ErrReadOnly is returned for a write inside a read-only transaction.
	ErrReadOnly = errors.New("write in read-only transaction")

	// ErrTxDone is returned for any operation on a finished transaction.
	ErrTxDone = errors.New("transaction already finished")

	// ErrBadHandle is returned when a handle was not issued by the store.
	ErrBadHandle = errors.New("handle is not a kv transaction")
)

var _ txn.Resource = (*Store)(nil)

// Entry is a key and its value.
type Entry struct {
	Key   string
	Value []byte
}

type write struct {
	value   []byte
	deleted bool
}

type dirtyWrite struct {
	owner uint64
	write
}

// Store holds committed data and the lock controller shared by its
// transactions. It is safe for concurrent use.
type Store struct {
	locks *isolation.Controller

	mu        sync.RWMutex
	committed btree.Map[string, []byte]
	dirty     map[string][]dirtyWrite
}

// New creates an empty store. opts configure its lock controller.
func New(opts ...isolation.Option) *Store {
	return &Store{
		locks: isolation.NewController(opts...),
		dirty: make(map[string][]dirtyWrite),
	}
}

// Locks returns the store's lock controller.
func (s *Store) Locks() *isolation.Controller { return s.locks }

// Len returns the number of committed keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.committed.Len()
}

// Begin opens a transaction at opts.Isolation.
func (s *Store) Begin(_ context.Context, opts txn.Options) (txn.Handle, error) {
	return &Tx{
		s:        s,
		session:  s.locks.Begin(opts.Isolation),
		readOnly: opts.ReadOnly,
	}, nil
}

// Commit applies the transaction's writes and releases its locks.
func (s *Store) Commit(_ context.Context, h txn.Handle) error {
	tx, err := s.handle(h)
	if err != nil {
		return err
	}
	if tx.done {
		return ErrTxDone
	}

	s.mu.Lock()
	tx.writes.Scan(func(key string, w write) bool {
		if w.deleted {
			s.committed.Delete(key)
		} else {
			s.committed.Set(key, w.value)
		}
		return true
	})
	s.clearDirtyLocked(tx)
	s.mu.Unlock()

	tx.finish()
	return nil
}

// Rollback discards the transaction's writes and releases its locks.
func (s *Store) Rollback(_ context.Context, h txn.Handle) error {
	tx, err := s.handle(h)
	if err != nil {
		return err
	}
	if tx.done {
		return nil
	}

	s.mu.Lock()
	s.clearDirtyLocked(tx)
	s.mu.Unlock()

	tx.finish()
	return nil
}

func (s *Store) handle(h txn.Handle) (*Tx, error) {
	tx, ok := h.(*Tx)
	if !ok || tx == nil || tx.s != s {
		return nil, ErrBadHandle
	}
	return tx, nil
}

func (s *Store) clearDirtyLocked(tx *Tx) {
	tx.writes.Scan(func(key string, _ write) bool {
		ws := slices.DeleteFunc(s.dirty[key], func(d dirtyWrite) bool {
			return d.owner == tx.session.ID()
		})
		if len(ws) == 0 {
			delete(s.dirty, key)
		} else {
			s.dirty[key] = ws
		}
		return true
	})
}

// visible returns the value another transaction would see for key.
func (s *Store) visible(key string, dirtyReads bool) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if dirtyReads {
		if ws := s.dirty[key]; len(ws) > 0 {
			w := ws[len(ws)-1]
			if w.deleted {
				return nil, false
			}
			return slices.Clone(w.value), true
		}
	}
	v, ok := s.committed.Get(key)
	if !ok {
		return nil, false
	}
	return slices.Clone(v), true
}

func (s *Store) exists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.committed.Get(key)
	return ok
}

// keysIn lists committed keys in r, plus keys with uncommitted writes when
// dirtyReads is set.
func (s *Store) keysIn(r isolation.Range, dirtyReads bool) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	s.committed.Ascend(r.Start, func(key string, _ []byte) bool {
		if !r.Contains(key) {
			return false
		}
		keys = append(keys, key)
		return true
	})
	if dirtyReads {
		for key := range s.dirty {
			if r.Contains(key) {
				keys = append(keys, key)
			}
		}
	}
	return keys
}

func (s *Store) publishDirty(tx *Tx, key string, w write) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := slices.DeleteFunc(s.dirty[key], func(d dirtyWrite) bool {
		return d.owner == tx.session.ID()
	})
	s.dirty[key] = append(ws, dirtyWrite{owner: tx.session.ID(), write: w})
}

// txOf returns the kv transaction behind rec, or nil when rec is nil.
func (s *Store) txOf(rec *txn.Record) (*Tx, error) {
	if rec == nil {
		return nil, nil
	}
	return s.handle(rec.Handle())
}

// autocommit runs fn in a single-statement transaction at the default level.
func (s *Store) autocommit(ctx context.Context, fn func(*Tx) error) error {
	h, _ := s.Begin(ctx, txn.Options{})
	tx := h.(*Tx)
	if err := fn(tx); err != nil {
		return errors.Join(err, s.Rollback(ctx, tx))
	}
	return s.Commit(ctx, tx)
}

// Get reads key inside rec, or as a single autocommit statement when rec is
// nil.
func (s *Store) Get(ctx context.Context, rec *txn.Record, key string) ([]byte, error) {
	tx, err := s.txOf(rec)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		v, ok := s.visible(key, false)
		if !ok {
			return nil, ErrNotFound
		}
		return v, nil
	}
	return tx.Get(ctx, key)
}

// Put writes key inside rec, or as a single autocommit statement when rec is
// nil.
func (s *Store) Put(ctx context.Context, rec *txn.Record, key string, value []byte) error {
	tx, err := s.txOf(rec)
	if err != nil {
		return err
	}
	if tx == nil {
		return s.autocommit(ctx, func(tx *Tx) error { return tx.Put(ctx, key, value) })
	}
	return tx.Put(ctx, key, value)
}

// Delete removes key inside rec, or as a single autocommit statement when rec
// is nil.
func (s *Store) Delete(ctx context.Context, rec *txn.Record, key string) error {
	tx, err := s.txOf(rec)
	if err != nil {
		return err
	}
	if tx == nil {
		return s.autocommit(ctx, func(tx *Tx) error { return tx.Delete(ctx, key) })
	}
	return tx.Delete(ctx, key)
}

// Scan returns the entries in r inside rec, or from committed data when rec
// is nil.
func (s *Store) Scan(ctx context.Context, rec *txn.Record, r isolation.Range) ([]Entry, error) {
	tx, err := s.txOf(rec)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		var out []Entry
		for _, key := range s.keysIn(r, false) {
			if v, ok := s.visible(key, false); ok {
				out = append(out, Entry{Key: key, Value: v})
			}
		}
		return out, nil
	}
	return tx.Scan(ctx, r)
}

// Tx is a kv transaction handle. It is confined to the goroutine running the
// transaction.
type Tx struct {
	s        *Store
	session  *isolation.Session
	readOnly bool
	writes   btree.Map[string, write]
	done     bool
}

// Level returns the isolation level the transaction runs at.
func (t *Tx) Level() isolation.Level { return t.session.Level() }

func (t *Tx) finish() {
	t.done = true
	t.session.Release()
}

// Get returns the value of key as seen by the transaction.
func (t *Tx) Get(ctx context.Context, key string) ([]byte, error) {
	if t.done {
		return nil, ErrTxDone
	}
	if err := t.session.Read(ctx, key); err != nil {
		return nil, err
	}
	defer t.session.EndStatement()

	if w, ok := t.writes.Get(key); ok {
		if w.deleted {
			return nil, ErrNotFound
		}
		return slices.Clone(w.value), nil
	}
	v, ok := t.s.visible(key, t.session.Discipline().DirtyReads)
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// Put sets key to value.
func (t *Tx) Put(ctx context.Context, key string, value []byte) error {
	return t.write(ctx, key, write{value: slices.Clone(value)})
}

// Delete removes key. Deleting a key with no visible value is ErrNotFound.
func (t *Tx) Delete(ctx context.Context, key string) error {
	if _, err := t.Get(ctx, key); err != nil {
		return err
	}
	return t.write(ctx, key, write{deleted: true})
}

func (t *Tx) write(ctx context.Context, key string, w write) error {
	if t.done {
		return ErrTxDone
	}
	if t.readOnly {
		return fmt.Errorf("%w: %q", ErrReadOnly, key)
	}

	_, own := t.writes.Get(key)
	var err error
	if w.deleted || (!own && !t.s.exists(key)) {
		err = t.session.Insert(ctx, key)
	} else {
		err = t.session.Write(ctx, key)
	}
	if err != nil {
		return err
	}
	defer t.session.EndStatement()

	t.writes.Set(key, w)
	t.s.publishDirty(t, key, w)
	return nil
}

// Scan returns the entries in r in key order as seen by the transaction.
func (t *Tx) Scan(ctx context.Context, r isolation.Range) ([]Entry, error) {
	if t.done {
		return nil, ErrTxDone
	}
	if err := t.session.ReadRange(ctx, r); err != nil {
		return nil, err
	}

	keys := t.s.keysIn(r, t.session.Discipline().DirtyReads)
	t.writes.Ascend(r.Start, func(key string, _ write) bool {
		if !r.Contains(key) {
			return false
		}
		keys = append(keys, key)
		return true
	})
	slices.Sort(keys)
	keys = slices.Compact(keys)

	var out []Entry
	for _, key := range keys {
		v, err := t.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Key: key, Value: v})
	}
	return out, nil
}
