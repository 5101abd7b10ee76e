// Package deferred implements LibMary's deferred-task processor (spec.md
// component C3): a per-event-loop FIFO queue of tasks that guarantees a
// task scheduled from within another task's execution is drained on the
// next Drain call, never the current one.
package deferred

import (
	"sync"
	"sync/atomic"
)

// Task is a unit of deferred work. Returning true requests rescheduling:
// the task is re-armed and will run again on a later Drain.
type Task func() (reschedule bool)

// triggerFunc wakes whatever is blocked waiting for new work (typically a
// PollGroup's Trigger). It is optional; Processor works standalone.
type triggerFunc func()

// Registration is the handle returned by Register, used to Schedule or
// Unschedule the task later.
type Registration struct {
	task      Task
	scheduled int32 // atomic CAS guard: already present in the pending queue
	p         *Processor
}

// Processor owns one FIFO queue of scheduled tasks, intended to be drained
// by exactly one goroutine (the event loop that owns it). Scheduling from
// any other goroutine is safe; running Drain concurrently with itself is
// not.
type Processor struct {
	mu      sync.Mutex
	pending []*Registration

	onTrigger triggerFunc
}

// New creates an empty processor. onTrigger, if non-nil, is called once
// whenever a task transitions from idle to scheduled, so that an owning
// event loop blocked in a readiness wait can be woken up; it is typically
// PollGroup.Trigger.
func New(onTrigger triggerFunc) *Processor {
	return &Processor{onTrigger: onTrigger}
}

// SetTrigger installs or replaces the function called on every idle-to-
// scheduled transition. It exists because a Processor is typically
// constructed before the PollGroup that will own it (PollGroup.Open takes
// an existing *Processor), so the trigger can only be wired up afterward.
func (p *Processor) SetTrigger(onTrigger triggerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrigger = onTrigger
}

// Register creates a Registration for task without scheduling it. Call
// Schedule to actually enqueue a run.
func (p *Processor) Register(task Task) *Registration {
	return &Registration{task: task, p: p}
}

// Schedule enqueues r for execution on the next Drain, unless it is
// already scheduled (scheduling an already-pending task is a no-op, not a
// duplicate run).
func (r *Registration) Schedule() {
	if !atomic.CompareAndSwapInt32(&r.scheduled, 0, 1) {
		return
	}
	r.p.mu.Lock()
	r.p.pending = append(r.p.pending, r)
	onTrigger := r.p.onTrigger
	r.p.mu.Unlock()

	if onTrigger != nil {
		onTrigger()
	}
}

// Unschedule removes r from the pending queue if present. If r's task is
// currently executing (called from within Drain on the same goroutine),
// Unschedule has no effect on that in-flight call; it only prevents a
// pending reschedule.
func (r *Registration) Unschedule() {
	if !atomic.CompareAndSwapInt32(&r.scheduled, 1, 0) {
		return
	}
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	for i, reg := range r.p.pending {
		if reg == r {
			r.p.pending = append(r.p.pending[:i], r.p.pending[i+1:]...)
			return
		}
	}
}

// Drain runs every task that was scheduled as of the moment Drain was
// called. A task that calls Schedule on itself, or on another task, during
// its own execution is guaranteed to run on a subsequent Drain, never this
// one: Drain takes a snapshot of the pending queue up front and clears the
// "scheduled" flag for each entry only once that entry actually runs, so
// a fresh Schedule from inside the batch starts a new queue rather than
// being appended to and then immediately consumed by the snapshot in
// progress.
func (p *Processor) Drain() {
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, r := range batch {
		atomic.StoreInt32(&r.scheduled, 0)
		if r.task() {
			r.Schedule()
		}
	}
}

// Pending reports how many tasks are currently queued, for diagnostics and
// tests.
func (p *Processor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
