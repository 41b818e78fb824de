package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/seantiz/conduit/internal/model"
)

// Handle tracks one dispatched WorkItem. It moves submitted → running →
// completed/failed, or submitted → cancelled when it is cancelled, rejected
// or discarded before starting. It implements pool.Task.
type Handle struct {
	d        *Dispatcher
	item     WorkItem
	id       string
	detached bool
	ctx      context.Context
	cancel   context.CancelFunc
	created  time.Time
	done     chan struct{}

	mu       sync.Mutex
	status   string
	started  *time.Time
	finished *time.Time
	result   any
	err      error
}

// ID returns the task id.
func (h *Handle) ID() string { return h.id }

// Name returns the WorkItem name.
func (h *Handle) Name() string { return h.item.Name }

// Status returns the current lifecycle status.
func (h *Handle) Status() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Done is closed once the handle reaches a terminal status.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Await blocks until the task finishes or ctx ends, and returns the body's
// result and error. A ctx ending does not cancel the task.
func (h *Handle) Await(ctx context.Context) (any, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Cancel resolves a task that has not started with ErrCancelled and reports
// true. For a running task it cancels the body's context, which the body
// must observe on its own, and reports false.
func (h *Handle) Cancel() bool {
	if h.resolve(model.StatusCancelled, nil, ErrCancelled) {
		h.d.finish(h)
		return true
	}
	if h.Status() == model.StatusRunning {
		h.cancel()
	}
	return false
}

// Run executes the item on the calling goroutine unless it was cancelled.
func (h *Handle) Run() {
	if !h.begin() {
		return
	}
	h.d.started(h)

	res, err := h.d.invoke(h)
	status := model.StatusCompleted
	if err != nil {
		status = model.StatusFailed
	}
	if h.resolve(status, res, err) {
		h.d.finish(h)
	}
}

// Discard resolves a task the pool dropped without running it.
func (h *Handle) Discard(err error) {
	if h.resolve(model.StatusCancelled, nil, err) {
		h.d.finish(h)
	}
}

func (h *Handle) begin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != model.StatusSubmitted {
		return false
	}
	now := time.Now().UTC()
	h.status = model.StatusRunning
	h.started = &now
	return true
}

// resolve records a terminal outcome. Only the first valid transition wins.
func (h *Handle) resolve(status string, res any, err error) bool {
	h.mu.Lock()
	if !model.ValidTransition(h.status, status) {
		h.mu.Unlock()
		return false
	}
	now := time.Now().UTC()
	h.status, h.result, h.err = status, res, err
	h.finished = &now
	close(h.done)
	h.mu.Unlock()

	h.cancel()
	return true
}

// task snapshots the handle as a journal entry.
func (h *Handle) task() *model.Task {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := &model.Task{
		ID:         h.id,
		Name:       h.item.Name,
		Status:     h.status,
		CreatedAt:  h.created,
		StartedAt:  h.started,
		FinishedAt: h.finished,
	}
	if d := h.item.Descriptor; d != nil {
		t.Transactional = true
		t.Propagation = d.Propagation.String()
	}
	if h.err != nil {
		t.Error = h.err.Error()
	}
	if h.started != nil && h.finished != nil {
		ms := int(h.finished.Sub(*h.started).Milliseconds())
		t.DurationMS = &ms
	}
	return t
}
