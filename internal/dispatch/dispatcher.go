package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/conduit/internal/model"
	"github.com/seantiz/conduit/internal/pool"
	"github.com/seantiz/conduit/internal/txn"
)

// WorkItem is one unit of asynchronous work. It must not be modified after it
// is dispatched.
type WorkItem struct {
	// Name identifies the work in logs, the journal and uncaught reports.
	Name string
	// Args are reported to the UncaughtHandler alongside Name.
	Args []any
	// Body runs on a pool worker with an empty transaction context.
	Body txn.Body
	// Descriptor, when set, runs Body inside a transaction boundary.
	Descriptor *txn.Descriptor
}

// UncaughtHandler receives failures of fire-and-forget work.
type UncaughtHandler func(name string, args []any, err error)

// Executor runs pool tasks. *pool.Pool implements it.
type Executor interface {
	Submit(t pool.Task) error
}

// Journal persists task lifecycle entries.
type Journal interface {
	CreateTask(ctx context.Context, t *model.Task) error
	UpdateTask(ctx context.Context, t *model.Task) error
}

// Stats counts Dispatcher outcomes since construction.
type Stats struct {
	Dispatched int64 `json:"dispatched"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
	Uncaught   int64 `json:"uncaught"`
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithJournal records every task's lifecycle in j.
func WithJournal(j Journal) Option {
	return func(d *Dispatcher) { d.journal = j }
}

// WithMetrics records task outcomes in m.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithUncaughtHandler replaces the default uncaught handler.
func WithUncaughtHandler(h UncaughtHandler) Option {
	return func(d *Dispatcher) {
		if h != nil {
			d.uncaught = h
		}
	}
}

// Dispatcher submits WorkItems to an Executor.
type Dispatcher struct {
	exec    Executor
	manager *txn.Manager
	logger  *slog.Logger
	journal Journal
	metrics *Metrics
	broker  *Broker

	mu       sync.RWMutex
	uncaught UncaughtHandler

	liveMu sync.Mutex
	live   map[string]*Handle

	dispatched, completed, failed atomic.Int64
	cancelled, uncaughtCount      atomic.Int64
}

// New creates a Dispatcher. manager may be nil if no transactional work is
// dispatched.
func New(exec Executor, manager *txn.Manager, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		exec:    exec,
		manager: manager,
		logger:  logger,
		broker:  NewBroker(),
		live:    make(map[string]*Handle),
	}
	d.uncaught = d.logUncaught
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Broker returns the lifecycle broker.
func (d *Dispatcher) Broker() *Broker { return d.broker }

// SetUncaughtHandler replaces the handler for fire-and-forget failures. A nil
// h restores the default, which logs the failure.
//
// The handler belongs to this Dispatcher. A process that builds a single
// Dispatcher, as the binaries do, therefore has one process-wide handler;
// separate Dispatchers keep separate handlers.
func (d *Dispatcher) SetUncaughtHandler(h UncaughtHandler) {
	if h == nil {
		h = d.logUncaught
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uncaught = h
}

// Stats returns a snapshot of the outcome counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Load(),
		Completed:  d.completed.Load(),
		Failed:     d.failed.Load(),
		Cancelled:  d.cancelled.Load(),
		Uncaught:   d.uncaughtCount.Load(),
	}
}

// Lookup returns the handle of a task that has not yet finished.
func (d *Dispatcher) Lookup(id string) (*Handle, bool) {
	d.liveMu.Lock()
	defer d.liveMu.Unlock()
	h, ok := d.live[id]
	return h, ok
}

// Dispatch submits item and returns a Handle carrying its result. Body
// failures are only observable through the Handle. A non-nil error means the
// item was not accepted; a rejected item's handle is not returned.
func (d *Dispatcher) Dispatch(ctx context.Context, item WorkItem) (*Handle, error) {
	h, err := d.submit(ctx, item, false)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Execute submits item without a result handle. Body failures are routed to
// the uncaught handler. The returned error only reports submission failures.
func (d *Dispatcher) Execute(ctx context.Context, item WorkItem) error {
	_, err := d.submit(ctx, item, true)
	return err
}

func (d *Dispatcher) submit(ctx context.Context, item WorkItem, detached bool) (*Handle, error) {
	if item.Body == nil {
		return nil, ErrNilBody
	}
	if item.Descriptor != nil {
		if d.manager == nil {
			return nil, ErrNoManager
		}
		if err := item.Descriptor.Validate(); err != nil {
			return nil, err
		}
	}

	// Work outlives the submitting request; only Cancel stops its context.
	bodyCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		d:        d,
		item:     item,
		id:       model.NewID(),
		detached: detached,
		ctx:      bodyCtx,
		cancel:   cancel,
		created:  time.Now().UTC(),
		done:     make(chan struct{}),
		status:   model.StatusSubmitted,
	}

	if d.journal != nil {
		if err := d.journal.CreateTask(ctx, h.task()); err != nil {
			cancel()
			return nil, fmt.Errorf("create task: %w", err)
		}
	}
	d.dispatched.Add(1)
	d.liveMu.Lock()
	d.live[h.id] = h
	d.liveMu.Unlock()
	d.publish(h)

	if err := d.exec.Submit(h); err != nil {
		if h.resolve(model.StatusCancelled, nil, err) {
			d.finish(h)
		}
		return nil, fmt.Errorf("submit %s: %w", item.Name, err)
	}
	return h, nil
}

// invoke runs the body with a fresh transaction context and converts a panic
// into a *PanicError.
func (d *Dispatcher) invoke(h *Handle) (res any, err error) {
	tc := txn.NewContext()
	defer func() {
		if n := tc.Reset(); n > 0 {
			d.logger.Warn("transaction context not empty after task", "task_id", h.id, "records", n)
		}
	}()
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, &PanicError{Value: p, Stack: debug.Stack()}
		}
	}()

	if h.item.Descriptor == nil {
		return h.item.Body(h.ctx, tc)
	}
	return d.manager.Run(h.ctx, tc, *h.item.Descriptor, h.item.Body)
}

func (d *Dispatcher) started(h *Handle) {
	d.logger.Debug("task started", "task_id", h.id, "name", h.item.Name)
	if d.journal != nil {
		if err := d.journal.UpdateTask(context.Background(), h.task()); err != nil {
			d.logger.Error("failed to journal running task", "task_id", h.id, "error", err)
		}
	}
	d.publish(h)
}

// finish records a terminal handle and routes detached failures.
func (d *Dispatcher) finish(h *Handle) {
	d.liveMu.Lock()
	delete(d.live, h.id)
	d.liveMu.Unlock()

	t := h.task()
	switch t.Status {
	case model.StatusCompleted:
		d.completed.Add(1)
	case model.StatusFailed:
		d.failed.Add(1)
	case model.StatusCancelled:
		d.cancelled.Add(1)
	}
	d.metrics.finished(t.Status)

	if d.journal != nil {
		if err := d.journal.UpdateTask(context.Background(), t); err != nil {
			d.logger.Error("failed to journal finished task", "task_id", h.id, "status", t.Status, "error", err)
		}
	}
	d.publish(h)
	d.broker.Close(h.id)

	d.logger.Debug("task finished", "task_id", h.id, "name", h.item.Name, "status", t.Status)

	if h.detached && t.Status == model.StatusFailed {
		_, err := h.Await(context.Background())
		d.uncaughtCount.Add(1)
		d.metrics.uncaught()
		d.mu.RLock()
		handler := d.uncaught
		d.mu.RUnlock()
		handler(h.item.Name, h.item.Args, err)
	}
}

func (d *Dispatcher) publish(h *Handle) {
	t := h.task()
	d.broker.Publish(Event{TaskID: t.ID, Status: t.Status, Error: t.Error, At: time.Now().UTC()})
}

// logUncaught is the default UncaughtHandler.
func (d *Dispatcher) logUncaught(name string, args []any, err error) {
	attrs := []any{"method", name, "args", args, "error", err}
	var pe *PanicError
	if errors.As(err, &pe) {
		attrs = append(attrs, "stack", string(pe.Stack))
	}
	d.logger.Error("uncaught error in asynchronous task", attrs...)
}
