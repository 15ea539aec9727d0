// Package workerpool implements alpenhorn's dynamic worker pool
// (spec.md §4.B): a resizable set of goroutines that pull tasks from a
// queue.Queue, with DB-reconnect resilience (a database error abandons and
// respawns a single worker) and global-abort semantics (any other uncaught
// error takes down the whole daemon).
//
// Grounded on original_source/alpenhorn/scheduler/pool.py's Worker/
// WorkerPool/EmptyPool trio. Each worker is independently restartable (a DB
// error abandons and respawns just that one goroutine), so the pool tracks
// its own goroutines directly rather than handing the whole running set to
// a single errgroup.Group (an errgroup only reports the first error and
// cannot restart one member while the others keep running). Shutdown does
// use golang.org/x/sync/errgroup to wait for every worker to drain
// concurrently, the same fan-out-then-join shape used elsewhere in the
// ecosystem for bounded goroutine groups.
package workerpool

import (
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/radiocosmology/alpenhorn/cmn/metrics"
	"github.com/radiocosmology/alpenhorn/cmn/nlog"
	"github.com/radiocosmology/alpenhorn/model"
	"github.com/radiocosmology/alpenhorn/queue"
	"github.com/radiocosmology/alpenhorn/task"
)

// GlobalAbort is the big red button (spec.md §4.B): set once any worker
// hits an uncaught, non-database error. Once set, every worker exits as
// soon as possible, and the daemon shuts down — there is no guarantee the
// queue or pool is in a consistent state past this point.
type GlobalAbort struct {
	mu  sync.Mutex
	hit bool
	ch  chan struct{}
}

func NewGlobalAbort() *GlobalAbort { return &GlobalAbort{ch: make(chan struct{})} }

func (g *GlobalAbort) Set() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.hit {
		g.hit = true
		close(g.ch)
	}
}

func (g *GlobalAbort) IsSet() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *GlobalAbort) Done() <-chan struct{} { return g.ch }

type worker struct {
	id      int
	stop    chan struct{}
	stopped chan struct{}
}

// Pool is alpenhorn's dynamic worker pool.
type Pool struct {
	q       *queue.Queue
	abort   *GlobalAbort
	metrics *metrics.Set

	mu      sync.Mutex
	workers []*worker // indexed 0..len-1, the "running" set
	next    int       // next worker id to hand out
}

// New starts numWorkers workers pulling tasks from q.
func New(numWorkers int, q *queue.Queue, abort *GlobalAbort, ms *metrics.Set) *Pool {
	p := &Pool{q: q, abort: abort, metrics: ms}
	for i := 0; i < numWorkers; i++ {
		p.newWorkerLocked(-1)
	}
	p.setCountMetric()
	return p
}

// newWorkerLocked starts a worker and appends it, or, if replaceIdx >= 0,
// replaces the worker at that index (used by check() to respawn a dead
// worker in place). Caller must hold p.mu.
func (p *Pool) newWorkerLocked(replaceIdx int) {
	p.next++
	w := &worker{id: p.next, stop: make(chan struct{}), stopped: make(chan struct{})}
	if replaceIdx < 0 {
		p.workers = append(p.workers, w)
	} else {
		p.workers[replaceIdx] = w
	}
	go p.run(w)
}

func (p *Pool) run(w *worker) {
	defer close(w.stopped)
	if p.metrics != nil {
		p.metrics.WorkerRunning.WithLabelValues(idLabel(w.id)).Set(1)
	}
	defer func() {
		if p.metrics != nil {
			p.metrics.WorkerRunning.WithLabelValues(idLabel(w.id)).Set(0)
		}
	}()

	for {
		if p.metrics != nil {
			p.metrics.WorkerIdle.WithLabelValues(idLabel(w.id)).Set(1)
		}
		if p.abort.IsSet() {
			nlog.Infof("worker#%d: stopped due to global abort", w.id)
			return
		}
		select {
		case <-w.stop:
			nlog.Infof("worker#%d: stopped", w.id)
			return
		default:
		}

		v, key, ok := p.q.Get(5 * time.Second)
		if !ok {
			continue
		}
		if p.metrics != nil {
			p.metrics.WorkerIdle.WithLabelValues(idLabel(w.id)).Set(0)
		}

		t, isTask := v.(*task.Task)
		if !isTask {
			p.q.TaskDone(key)
			continue
		}

		if p.abort.IsSet() {
			p.q.TaskDone(key)
			nlog.Infof("worker#%d: stopped due to global abort", w.id)
			return
		}

		if p.runOne(w, t, key) {
			return
		}
	}
}

// runOne runs one step of t and reports whether the worker must exit.
func (p *Pool) runOne(w *worker, t *task.Task, key any) (exit bool) {
	nlog.Infof("worker#%d: beginning task %s (id=%s)", w.id, t.Name(), t.ID())

	done, err := p.safeRun(t)

	if err != nil {
		if model.RetryOperational(err) {
			// Attempt to clean up, then abandon this task; the worker
			// exits so check() respawns it with a fresh DB handle.
			safeCleanup(t)
			p.q.TaskDone(key)
			t.Requeue()
			nlog.Errorf("worker#%d: exiting due to db error in task %s (id=%s): %s", w.id, t.Name(), t.ID(), err)
			return true
		}
		p.abort.Set()
		nlog.Errorf("worker#%d: aborting due to uncaught error in task %s (id=%s): %s", w.id, t.Name(), t.ID(), err)
		p.q.TaskDone(key)
		return false
	}

	p.q.TaskDone(key)
	if done {
		nlog.Infof("worker#%d: finished task %s (id=%s)", w.id, t.Name(), t.ID())
	} else {
		nlog.Infof("worker#%d: deferring task %s (id=%s)", w.id, t.Name(), t.ID())
	}
	return false
}

// safeRun recovers a panicking task body into an error so a single broken
// task degrades to (at most) a global abort instead of taking the whole
// process down with it.
func (p *Pool) safeRun(t *task.Task) (done bool, err error) {
	return safeRunTask(t)
}

func safeRunTask(t *task.Task) (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicErr(r)
		}
	}()
	return t.Run()
}

func safeCleanup(t *task.Task) {
	defer func() { recover() }()
	t.DoCleanup()
}

func (p *Pool) setCountMetric() {
	if p.metrics == nil {
		return
	}
	p.metrics.WorkerCount.WithLabelValues("WorkerPool").Set(float64(len(p.workers)))
}

// AddWorker increments the pool size by one.
func (p *Pool) AddWorker() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.newWorkerLocked(-1)
	p.setCountMetric()
}

// DelWorker decrements the pool size by one, always stopping the
// highest-indexed worker (which finishes its current task before exiting).
// A no-op on an empty pool.
func (p *Pool) DelWorker() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) == 0 {
		nlog.Warningln("workerpool: ignoring decrement request: no workers")
		return
	}
	w := p.workers[len(p.workers)-1]
	p.workers = p.workers[:len(p.workers)-1]
	close(w.stop)
	p.setCountMetric()
}

// Check looks for workers that exited unexpectedly (DB error) and restarts
// them in place. A no-op while the global abort is set.
func (p *Pool) Check() {
	if p.abort.IsSet() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.workers {
		select {
		case <-w.stopped:
			nlog.Warningf("workerpool: respawning dead worker#%d", w.id)
			p.newWorkerLocked(i)
		default:
		}
	}
}

// Len returns the number of workers currently in the running set (workers
// told to stop via DelWorker but not yet exited are excluded).
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Shutdown stops every worker and waits for them all to exit.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	for _, w := range workers {
		select {
		case <-w.stop:
		default:
			close(w.stop)
		}
	}

	var g errgroup.Group
	for _, w := range workers {
		w := w
		g.Go(func() error {
			<-w.stopped
			return nil
		})
	}
	g.Wait()

	p.setCountMetric()
}

func idLabel(id int) string { return strconv.Itoa(id) }

// EmptyPool is the serial-I/O stand-in (spec.md §4.B default ceiling ~15min
// idle, used when num_workers configures no concurrency): same surface as
// Pool, always empty, every mutator a no-op except a logged AddWorker.
type EmptyPool struct{}

func (EmptyPool) AddWorker() {
	nlog.Infoln("workerpool: ignoring request to add worker: serial I/O only")
}
func (EmptyPool) DelWorker() {}
func (EmptyPool) Check()     {}
func (EmptyPool) Len() int   { return 0 }
func (EmptyPool) Shutdown()  {}

// DrainSerial runs queued tasks in-line on the calling goroutine for up to
// timeout, the "serial I/O" mode spec.md §4.B describes as the EmptyPool's
// companion housekeeping step: a single-threaded deployment has no workers
// to run tasks, so the main loop executes them itself within a bounded
// window each pass rather than leaving the queue to grow unbounded.
func DrainSerial(q *queue.Queue, abort *GlobalAbort, ms *metrics.Set, timeout time.Duration) {
	if ms != nil {
		ms.SerialioLoops.Inc()
	}
	deadline := time.Now().Add(timeout)
	for {
		if abort.IsSet() {
			return
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		wait := remaining
		if wait > 5*time.Second {
			wait = 5 * time.Second
		}
		v, key, ok := q.Get(wait)
		if !ok {
			continue
		}
		t, isTask := v.(*task.Task)
		if !isTask {
			q.TaskDone(key)
			continue
		}
		runSerialTask(q, abort, ms, t, key)
	}
}

func runSerialTask(q *queue.Queue, abort *GlobalAbort, ms *metrics.Set, t *task.Task, key any) {
	nlog.Infof("serialio: running task %s (id=%s)", t.Name(), t.ID())
	done, err := safeRunTask(t)
	if ms != nil {
		ms.SerialioTasks.Inc()
	}

	if err != nil {
		if model.RetryOperational(err) {
			safeCleanup(t)
			q.TaskDone(key)
			t.Requeue()
			nlog.Errorf("serialio: db error running task %s (id=%s): %s", t.Name(), t.ID(), err)
			return
		}
		abort.Set()
		nlog.Errorf("serialio: aborting due to uncaught error in task %s (id=%s): %s", t.Name(), t.ID(), err)
		q.TaskDone(key)
		return
	}

	q.TaskDone(key)
	if done {
		nlog.Infof("serialio: finished task %s (id=%s)", t.Name(), t.ID())
	} else {
		nlog.Infof("serialio: deferring task %s (id=%s)", t.Name(), t.ID())
	}
}

func panicErr(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &panicError{r}
}

type panicError struct{ v any }

func (p *panicError) Error() string { return "panic: " + toStr(p.v) }

func toStr(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if e, ok := v.(error); ok {
		return e.Error()
	}
	return "unknown panic value"
}
