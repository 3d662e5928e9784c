// Package tasks tracks long-running operations so the front-end can render
// progress and request cancellation.
//
// Every task has a stable ID, metadata, a progress counter and a cancellation
// context. Tasks form a tree: a parent allocates dependencies from its handle.
// Cancellation is cooperative; task bodies must watch Context().Done() at I/O
// boundaries.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/manderrow/manderrow/internal/events"
	"github.com/manderrow/manderrow/internal/report"
)

// ID identifies a task for the lifetime of the process. IDs are never reused.
type ID uint64

// Kind classifies a task for display.
type Kind string

// Known task kinds.
const (
	KindDownload Kind = "download"
	KindInstall  Kind = "install"
	KindIndex    Kind = "index"
	KindLaunch   Kind = "launch"
	KindOther    Kind = "other"
)

// ProgressUnit says how completed/total should be rendered.
type ProgressUnit string

// Progress units.
const (
	UnitBytes ProgressUnit = "bytes"
	UnitOther ProgressUnit = "other"
)

// Metadata describes a task.
type Metadata struct {
	Title        string       `json:"title"`
	Kind         Kind         `json:"kind"`
	ProgressUnit ProgressUnit `json:"progress_unit"`
}

// ErrNoSuchTask is returned by Manager.Cancel for unknown IDs.
var ErrNoSuchTask = errors.New("no such task")

type (
	createdEvent struct {
		ID       ID       `json:"id"`
		Parent   *ID      `json:"parent,omitempty"`
		Metadata Metadata `json:"metadata"`
	}

	progressEvent struct {
		ID        ID     `json:"id"`
		Completed uint64 `json:"completed"`
		Total     uint64 `json:"total"`
	}

	// Status is the terminal state reported in task_dropped.
	Status struct {
		Kind   string         `json:"kind"`
		Direct *bool          `json:"direct,omitempty"`
		Error  *report.Report `json:"error,omitempty"`
	}

	droppedEvent struct {
		ID     ID     `json:"id"`
		Status Status `json:"status"`
	}
)

// Manager allocates tasks and routes cancellation requests.
type Manager struct {
	sink   events.Sink
	nextID atomic.Uint64

	mu    sync.Mutex
	tasks map[ID]*Handle
}

// NewManager creates a Manager emitting to sink.
func NewManager(sink events.Sink) *Manager {
	if sink == nil {
		sink = events.Discard
	}
	return &Manager{sink: sink, tasks: make(map[ID]*Handle)}
}

// Start creates a root task bound to ctx.
func (m *Manager) Start(ctx context.Context, meta Metadata) *Handle {
	return m.start(ctx, meta, nil)
}

func (m *Manager) start(ctx context.Context, meta Metadata, parent *Handle) *Handle {
	id := ID(m.nextID.Add(1))
	cctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		id:      id,
		meta:    meta,
		manager: m,
		ctx:     cctx,
		cancel:  cancel,
		dirty:   make(chan struct{}, 1),
		stopped: make(chan struct{}),
		idle:    make(chan struct{}),
	}
	ev := createdEvent{ID: id, Metadata: meta}
	if parent != nil {
		pid := parent.id
		ev.Parent = &pid
	}

	m.mu.Lock()
	m.tasks[id] = h
	m.mu.Unlock()

	_ = m.sink.Emit(events.TaskCreated, ev)
	go h.forwardProgress()
	return h
}

// Cancel requests cancellation of the task with the given id.
func (m *Manager) Cancel(id ID) error {
	m.mu.Lock()
	h, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchTask, id)
	}
	h.Cancel()
	return nil
}

func (m *Manager) forget(id ID) {
	m.mu.Lock()
	delete(m.tasks, id)
	m.mu.Unlock()
}

// Handle is the owner's view of a running task.
type Handle struct {
	id      ID
	meta    Metadata
	manager *Manager
	ctx     context.Context
	cancel  context.CancelFunc

	completed atomic.Uint64
	total     atomic.Uint64
	direct    atomic.Bool

	dirty   chan struct{}
	stopped chan struct{}
	idle    chan struct{} // closed when forwardProgress returns
	once    sync.Once
}

// ID returns the task id.
func (h *Handle) ID() ID { return h.id }

// Metadata returns the task metadata.
func (h *Handle) Metadata() Metadata { return h.meta }

// Context is cancelled when the task is cancelled.
func (h *Handle) Context() context.Context { return h.ctx }

// Dependency allocates a child task.
func (h *Handle) Dependency(meta Metadata) *Handle {
	return h.manager.start(h.ctx, meta, h)
}

// Cancel cancels the task directly.
func (h *Handle) Cancel() {
	h.direct.Store(true)
	h.cancel()
}

// AddProgress increments completed and total. Notifications may coalesce
// several increments.
func (h *Handle) AddProgress(completed, total uint64) {
	if completed != 0 {
		h.completed.Add(completed)
	}
	if total != 0 {
		h.total.Add(total)
	}
	h.markDirty()
}

// SetProgress raises completed and total to at least the given values.
func (h *Handle) SetProgress(completed, total uint64) {
	raise(&h.completed, completed)
	raise(&h.total, total)
	h.markDirty()
}

func raise(a *atomic.Uint64, v uint64) {
	for {
		cur := a.Load()
		if v <= cur || a.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Progress returns the current (completed, total).
func (h *Handle) Progress() (uint64, uint64) {
	return h.completed.Load(), h.total.Load()
}

func (h *Handle) markDirty() {
	select {
	case h.dirty <- struct{}{}:
	default:
	}
}

func (h *Handle) forwardProgress() {
	defer close(h.idle)
	for {
		select {
		case <-h.dirty:
			c, t := h.Progress()
			_ = h.manager.sink.Emit(events.TaskProgress, progressEvent{ID: h.id, Completed: c, Total: t})
		case <-h.stopped:
			return
		}
	}
}

// Finish reports the outcome of the task and releases it. Subsequent calls
// (and Close) are no-ops.
func (h *Handle) Finish(err error) {
	h.once.Do(func() {
		h.emitDropped(h.statusFor(err))
	})
}

// Close releases the task. A task closed without Finish is reported as
// cancelled indirectly.
func (h *Handle) Close() {
	h.once.Do(func() {
		f := false
		h.emitDropped(Status{Kind: "Cancelled", Direct: &f})
	})
}

func (h *Handle) statusFor(err error) Status {
	switch {
	case err == nil:
		return Status{Kind: "Success"}
	case errors.Is(err, context.Canceled) || report.IsAborted(err):
		d := h.direct.Load()
		return Status{Kind: "Cancelled", Direct: &d}
	default:
		r := report.New(err)
		return Status{Kind: "Failed", Error: &r}
	}
}

func (h *Handle) emitDropped(s Status) {
	close(h.stopped)
	<-h.idle
	h.cancel()
	h.manager.forget(h.id)
	c, t := h.Progress()
	_ = h.manager.sink.Emit(events.TaskProgress, progressEvent{ID: h.id, Completed: c, Total: t})
	_ = h.manager.sink.Emit(events.TaskDropped, droppedEvent{ID: h.id, Status: s})
}

// Run executes fn under the task's context and finishes the task with its
// result. fn must return promptly once ctx is cancelled.
func Run[T any](h *Handle, fn func(ctx context.Context) (T, error)) (T, error) {
	defer h.Close()
	v, err := fn(h.ctx)
	if err == nil && h.ctx.Err() != nil {
		err = h.ctx.Err()
	}
	h.Finish(err)
	return v, err
}
