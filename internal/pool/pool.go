package pool

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a unit of work run by the pool. Discard is called instead of Run
// when the task is dropped by a rejection policy or by ShutdownNow.
type Task interface {
	Run()
	Discard(err error)
}

// Func adapts a plain function to Task. Discarding a Func does nothing.
type Func func()

// Run calls f.
func (f Func) Run() { f() }

// Discard does nothing.
func (Func) Discard(error) {}

type worker struct {
	id    int
	core  bool
	inbox chan Task
	idle  bool
}

func (w *worker) kind() string {
	if w.core {
		return kindCore
	}
	return kindOverflow
}

// Stats is a point-in-time snapshot of a Pool.
type Stats struct {
	CoreSize        int    `json:"core_size"`
	MaxSize         int    `json:"max_size"`
	QueueCapacity   int    `json:"queue_capacity"`
	Policy          string `json:"policy"`
	CoreWorkers     int    `json:"core_workers"`
	OverflowWorkers int    `json:"overflow_workers"`
	IdleWorkers     int    `json:"idle_workers"`
	ActiveWorkers   int    `json:"active_workers"`
	LargestPoolSize int    `json:"largest_pool_size"`
	Queued          int    `json:"queued"`
	Submitted       int64  `json:"submitted"`
	Completed       int64  `json:"completed"`
	Rejected        int64  `json:"rejected"`
	CallerRuns      int64  `json:"caller_runs"`
	Discarded       int64  `json:"discarded"`
	OverflowRetired int64  `json:"overflow_retired"`
	Closed          bool   `json:"closed"`
}

// Pool runs Tasks on a bounded set of worker goroutines. It is safe for
// concurrent use. Its Config is fixed at construction.
type Pool struct {
	cfg     Config
	policy  RejectionPolicy
	logger  *slog.Logger
	metrics *Metrics

	mu           sync.Mutex
	queue        *Queue[Task]
	idleCore     []*worker
	idleOverflow []*worker
	coreCount    int
	overflow     int
	active       int
	largest      int
	nextID       int
	closed       bool
	quit         chan struct{}
	wg           sync.WaitGroup

	submitted  atomic.Int64
	completed  atomic.Int64
	rejected   atomic.Int64
	callerRuns atomic.Int64
	discarded  atomic.Int64
	retired    atomic.Int64
}

// New validates cfg and starts a pool with all core workers idle. metrics
// may be nil.
func New(cfg Config, logger *slog.Logger, metrics *Metrics) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy := cfg.Rejection
	if policy == nil {
		policy = Abort()
	}

	p := &Pool{
		cfg:     cfg,
		policy:  policy,
		logger:  logger,
		metrics: metrics,
		queue:   NewQueue[Task](cfg.QueueCapacity),
		quit:    make(chan struct{}),
	}

	p.mu.Lock()
	for range cfg.CoreSize {
		w := p.spawnLocked(true, nil)
		w.idle = true
		p.idleCore = append(p.idleCore, w)
	}
	p.mu.Unlock()

	logger.Info("worker pool started",
		"core_size", cfg.CoreSize,
		"max_size", cfg.MaxSize,
		"queue_capacity", cfg.QueueCapacity,
		"keep_alive", cfg.KeepAlive.String(),
		"rejection_policy", policy.Name(),
	)
	return p, nil
}

// Submit hands t to an idle worker, queues it, starts an overflow worker for
// it, or applies the rejection policy, in that order. A nil error means the
// task was accepted, ran on the caller, or was discarded by policy.
func (p *Pool) Submit(t Task) error {
	if t == nil {
		return ErrNilTask
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.submitted.Add(1)
	p.metrics.submitted()

	if w := p.takeIdleLocked(); w != nil {
		p.active++
		w.inbox <- t
		p.mu.Unlock()
		return nil
	}

	workers := p.coreCount + p.overflow
	if workers > 0 && p.queue.Push(t) {
		p.metrics.queueDepth(p.queue.Len())
		p.mu.Unlock()
		return nil
	}

	if workers < p.cfg.MaxSize {
		p.active++
		p.spawnLocked(false, t)
		p.mu.Unlock()
		return nil
	}

	rej := p.policy.Reject(t, p.queue)
	p.rejected.Add(1)
	p.metrics.rejected(p.policy.Name())
	p.mu.Unlock()

	if rej.Dropped != nil {
		p.discarded.Add(1)
		rej.Dropped.Discard(ErrDiscarded)
	}
	if rej.Run != nil {
		p.callerRuns.Add(1)
		p.execute(rej.Run)
	}
	return rej.Err
}

// takeIdleLocked removes and returns an idle worker, preferring core workers.
func (p *Pool) takeIdleLocked() *worker {
	var w *worker
	switch {
	case len(p.idleCore) > 0:
		w = p.idleCore[len(p.idleCore)-1]
		p.idleCore = p.idleCore[:len(p.idleCore)-1]
	case len(p.idleOverflow) > 0:
		w = p.idleOverflow[len(p.idleOverflow)-1]
		p.idleOverflow = p.idleOverflow[:len(p.idleOverflow)-1]
	default:
		return nil
	}
	w.idle = false
	return w
}

func (p *Pool) removeIdleLocked(w *worker) {
	list := &p.idleOverflow
	if w.core {
		list = &p.idleCore
	}
	for i, x := range *list {
		if x == w {
			*list = append((*list)[:i], (*list)[i+1:]...)
			break
		}
	}
	w.idle = false
}

func (p *Pool) spawnLocked(core bool, first Task) *worker {
	p.nextID++
	w := &worker{id: p.nextID, core: core, inbox: make(chan Task, 1)}
	if core {
		p.coreCount++
	} else {
		p.overflow++
		p.logger.Debug("overflow worker started", "worker_id", w.id, "workers", p.coreCount+p.overflow)
	}
	if n := p.coreCount + p.overflow; n > p.largest {
		p.largest = n
	}
	p.metrics.workers(w.kind(), 1)

	p.wg.Add(1)
	go p.runWorker(w, first)
	return w
}

func (p *Pool) exitLocked(w *worker) {
	if w.core {
		p.coreCount--
	} else {
		p.overflow--
	}
	p.metrics.workers(w.kind(), -1)
}

// runWorker is the worker loop. A worker started without a task has already
// been registered as idle.
func (p *Pool) runWorker(w *worker, t Task) {
	defer p.wg.Done()

	for {
		if t != nil {
			p.execute(t)
			var ok bool
			if t, ok = p.next(w); !ok {
				return
			}
			if t != nil {
				continue
			}
		}
		var ok bool
		if t, ok = p.await(w); !ok {
			return
		}
	}
}

// next returns the queue head, or registers w as idle and returns nil. It
// reports false when w should exit.
func (p *Pool) next(w *worker) (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.queue.Pop(); ok {
		p.metrics.queueDepth(p.queue.Len())
		return t, true
	}
	p.active--
	if p.closed {
		p.exitLocked(w)
		return nil, false
	}
	w.idle = true
	if w.core {
		p.idleCore = append(p.idleCore, w)
	} else {
		p.idleOverflow = append(p.idleOverflow, w)
	}
	return nil, true
}

// await blocks an idle worker until it is handed a task. Overflow workers
// give up after the keep-alive; every idle worker gives up on shutdown.
func (p *Pool) await(w *worker) (Task, bool) {
	var expire <-chan time.Time
	if !w.core {
		timer := time.NewTimer(p.cfg.KeepAlive)
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case t := <-w.inbox:
		return t, true
	case <-expire:
	case <-p.quit:
	}

	p.mu.Lock()
	if w.idle {
		p.removeIdleLocked(w)
		p.exitLocked(w)
		closed := p.closed
		p.mu.Unlock()
		if !closed {
			p.retired.Add(1)
			p.logger.Debug("overflow worker retired", "worker_id", w.id)
		}
		return nil, false
	}
	p.mu.Unlock()

	// A task was handed over while the timer or shutdown raced it.
	return <-w.inbox, true
}

func (p *Pool) execute(t Task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
		p.completed.Add(1)
		p.metrics.observe(time.Since(start))
	}()
	t.Run()
}

// Shutdown stops accepting tasks, lets workers drain the queue and waits for
// them to exit or for ctx to end.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped", "completed", p.completed.Load())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShutdownNow stops accepting tasks and discards everything still queued with
// ErrPoolClosed. Running tasks finish; it does not wait for them.
func (p *Pool) ShutdownNow() []Task {
	p.close()

	p.mu.Lock()
	pending := p.queue.Drain()
	p.metrics.queueDepth(0)
	p.mu.Unlock()

	for _, t := range pending {
		p.discarded.Add(1)
		t.Discard(ErrPoolClosed)
	}
	if len(pending) > 0 {
		p.logger.Warn("worker pool discarded queued tasks", "count", len(pending))
	}
	return pending
}

func (p *Pool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.quit)
	}
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		CoreSize:        p.cfg.CoreSize,
		MaxSize:         p.cfg.MaxSize,
		QueueCapacity:   p.cfg.QueueCapacity,
		Policy:          p.policy.Name(),
		CoreWorkers:     p.coreCount,
		OverflowWorkers: p.overflow,
		IdleWorkers:     len(p.idleCore) + len(p.idleOverflow),
		ActiveWorkers:   p.active,
		LargestPoolSize: p.largest,
		Queued:          p.queue.Len(),
		Submitted:       p.submitted.Load(),
		Completed:       p.completed.Load(),
		Rejected:        p.rejected.Load(),
		CallerRuns:      p.callerRuns.Load(),
		Discarded:       p.discarded.Load(),
		OverflowRetired: p.retired.Load(),
		Closed:          p.closed,
	}
}
