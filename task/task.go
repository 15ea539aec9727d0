// Package task implements alpenhorn's asynchronous I/O task object
// (spec.md §4.C): a unit of work placed on a queue.Queue, run by a worker
// until it either finishes or asks to be resumed later, with an ordered
// cleanup stack that runs once the task finishes without error.
//
// Grounded on original_source/alpenhorn/scheduler/task.py. Python's task
// body is a plain function that may be a generator (it `yield`s to suspend
// itself, with the yielded value as a resume delay in seconds); Go has no
// generator primitive, so Step is called once per step and reports whether
// it is done, mirroring the effect of one lap around the original's
// `next(self._generator)` loop rather than its generator syntax.
package task

import (
	"time"

	"github.com/google/uuid"

	"github.com/radiocosmology/alpenhorn/queue"
)

// Step is one execution step of a task body. Return done=true when the task
// has completed; its cleanup stack then runs automatically. Return
// done=false with resumeAfter to be requeued and stepped again after that
// delay (0 means "as soon as possible") — the Go equivalent of the
// original's "yield N" suspension.
type Step func(t *Task) (done bool, resumeAfter time.Duration, err error)

type cleanupFunc struct {
	fn func()
}

// Task is alpenhorn's asynchronous I/O task object.
type Task struct {
	id        string
	name      string
	step      Step
	q         *queue.Queue
	key       any
	exclusive bool
	requeue   bool

	cleanup []cleanupFunc
}

// New builds a Task and immediately enqueues it on q under FIFO key.
// requeueOnDBErr controls what Requeue (called by a worker that's abandoning
// the task after a DB error) does: true for auto-import-style tasks that
// won't fire again on their own, false for update-loop tasks that a later
// pass will naturally re-discover.
func New(name string, step Step, q *queue.Queue, key any, exclusive, requeueOnDBErr bool) *Task {
	t := &Task{
		id:        uuid.NewString(),
		name:      name,
		step:      step,
		q:         q,
		key:       key,
		exclusive: exclusive,
		requeue:   requeueOnDBErr,
	}
	q.Put(t, key, exclusive, 0)
	return t
}

// Name returns the task's log-facing name.
func (t *Task) Name() string { return t.name }

// ID is a process-unique handle minted for this task attempt, for
// correlating its log lines across a run; it is not a data-index primary
// key and a requeued retry gets a fresh one.
func (t *Task) ID() string { return t.id }

// Key returns the FIFO key this task was queued under.
func (t *Task) Key() any { return t.key }

// Run executes one step. It is called by a worker immediately after Get
// returns this task; it does not call queue.TaskDone itself (the worker owns
// that, since it must call it exactly once per Get regardless of outcome).
// Returns done=true when the task is finished (cleanup has already run);
// done=false means the task has re-enqueued itself and will run again later.
// If the step returns an error, Run returns done=true and that error without
// running cleanup.
func (t *Task) Run() (done bool, err error) {
	finished, resumeAfter, err := t.step(t)
	if err != nil {
		return true, err
	}
	if finished {
		t.doCleanup()
		return true, nil
	}
	t.q.Put(t, t.key, t.exclusive, resumeAfter)
	return false, nil
}

// doCleanup runs every registered cleanup function, oldest-popped-first,
// exactly once. Safe to call more than once (subsequent calls are no-ops)
// so a worker that's mid-abort can call it again without re-running
// functions already popped.
func (t *Task) doCleanup() {
	for len(t.cleanup) > 0 {
		c := t.cleanup[0]
		t.cleanup = t.cleanup[1:]
		c.fn()
	}
}

// DoCleanup exposes the cleanup drain to the worker pool, which must run it
// directly when abandoning a task after a DB error (spec.md §4.B).
func (t *Task) DoCleanup() { t.doCleanup() }

// Requeue re-enqueues a fresh copy of this task (restarting its Step from
// the beginning) if this Task was built with requeueOnDBErr=true. Called by
// a worker that is abandoning the task after a DB error, per spec.md §4.B.
func (t *Task) Requeue() {
	if !t.requeue {
		return
	}
	New(t.name, t.step, t.q, t.key, t.exclusive, t.requeue)
}

// OnCleanup registers fn to run after the task finishes (spec.md §4.C).
// first=true pushes onto the front of the stack (LIFO: runs before
// currently-registered functions); first=false appends to the back (FIFO).
// The two modes may be freely mixed, matching the original's on_cleanup.
func (t *Task) OnCleanup(fn func(), first bool) {
	c := cleanupFunc{fn: fn}
	if first {
		t.cleanup = append([]cleanupFunc{c}, t.cleanup...)
	} else {
		t.cleanup = append(t.cleanup, c)
	}
}
