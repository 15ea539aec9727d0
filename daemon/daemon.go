// Package daemon implements alpenhorn's process entry point (spec.md §4.E
// step 7, §6 signal handling): the main loop that binds update.Loop.RunOnce
// to the worker pool's respawn/serial-drain housekeeping and the configured
// update interval, the three exit modes of a single run, and the
// SIGUSR1/SIGUSR2/SIGINT/SIGTERM signal surface.
//
// Grounded on original_source/alpenhorn/daemon/update.py's update_loop (the
// while-not-global_abort main loop, its "once" branch, and its
// pool.check()/serial_io() housekeeping tail) and
// original_source/alpenhorn/scheduler/pool.py's setsignals (SIGUSR1/SIGUSR2
// wired to add_worker/del_worker). Python installs its signal handlers with
// the stdlib signal module and blocks on a threading.Event; Go has no
// blocking-wait-with-timeout primitive on a plain channel that also composes
// with a timer, so the loop here selects across a time.Timer, the abort
// channel, and an os/signal channel instead.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/radiocosmology/alpenhorn/cmn/metrics"
	"github.com/radiocosmology/alpenhorn/cmn/nlog"
	"github.com/radiocosmology/alpenhorn/fswatch"
	"github.com/radiocosmology/alpenhorn/queue"
	"github.com/radiocosmology/alpenhorn/update"
	"github.com/radiocosmology/alpenhorn/workerpool"
)

// Pool is the surface Daemon needs from a worker pool; both workerpool.Pool
// and workerpool.EmptyPool satisfy it.
type Pool interface {
	AddWorker()
	DelWorker()
	Check()
	Len() int
	Shutdown()
}

// ExitMode selects how Run behaves once the abort condition fires or the
// caller asks it to stop (spec.md §4.E).
type ExitMode int

const (
	// ExitContinuous runs forever, until a global abort or SIGINT/SIGTERM.
	ExitContinuous ExitMode = iota
	// ExitOnce runs exactly one pass, waits for the queue to fully drain,
	// then returns 0 — the CLI's "-o/--once" behaviour.
	ExitOnce
)

// Daemon owns one running instance of the main loop.
type Daemon struct {
	Loop  *update.Loop
	Pool  Pool
	Q     *queue.Queue
	Abort *workerpool.GlobalAbort
	MS    *metrics.Set

	UpdateInterval  time.Duration
	SerialIOTimeout time.Duration

	watchers map[uint]context.CancelFunc
	watchCh  chan watchEvent
}

type watchEvent struct {
	nodeID  uint
	relPath string
}

// New builds a Daemon ready to Run.
func New(loop *update.Loop, pool Pool, q *queue.Queue, abort *workerpool.GlobalAbort, ms *metrics.Set, updateInterval, serialIOTimeout time.Duration) *Daemon {
	return &Daemon{
		Loop: loop, Pool: pool, Q: q, Abort: abort, MS: ms,
		UpdateInterval:  updateInterval,
		SerialIOTimeout: serialIOTimeout,
		watchers:        map[uint]context.CancelFunc{},
		watchCh:         make(chan watchEvent, 64),
	}
}

// Run executes the main loop until the abort condition fires, the context
// is cancelled, or (in ExitOnce mode) the queue fully drains. It returns the
// process exit code, per spec.md §4.E: 0 on a clean stop (once-mode drain,
// or a signal-driven clean interrupt), 1 on global abort.
func (d *Daemon) Run(ctx context.Context, mode ExitMode) int {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	defer d.stopWatchers()

	for !d.Abort.IsSet() {
		select {
		case <-ctx.Done():
			nlog.Infoln("daemon: context cancelled, shutting down")
			d.Abort.Set()
			return d.finish(mode)
		default:
		}

		loopStart := time.Now()

		if err := d.Loop.RunOnce(ctx); err != nil {
			if _, ok := err.(*update.ErrUpdateSkew); ok {
				nlog.Errorf("daemon: %s", err)
			} else {
				nlog.Errorf("daemon: update loop error: %s", err)
			}
			d.Abort.Set()
			break
		}

		d.syncWatchers()
		d.drainWatchEvents()

		// Housekeeping tail (spec.md §4.E step 7): respawn dead workers,
		// then let a zero-worker pool drain the queue in-line.
		d.Pool.Check()
		if d.Pool.Len() == 0 {
			workerpool.DrainSerial(d.Q, d.Abort, d.MS, d.SerialIOTimeout)
		}

		loopTime := time.Since(loopStart)
		if d.MS != nil {
			d.MS.MainLoops.Inc()
			d.MS.MainLoopTime.Observe(loopTime.Seconds())
		}
		nlog.Infof("daemon: main loop took %s; %d queued, %d deferred, %d in-progress on %d workers",
			loopTime, d.Q.QSize(), d.Q.DeferredSize(), d.Q.InProgressSize(), d.Pool.Len())

		if mode == ExitOnce {
			return d.waitForDrain(sigCh)
		}

		remaining := d.UpdateInterval - loopTime
		if remaining <= 0 {
			continue
		}
		if d.sleepOrSignal(remaining, sigCh) {
			return d.finish(mode)
		}
	}

	nlog.Warningln("daemon: exiting due to global abort")
	return 1
}

// waitForDrain implements ExitOnce's tail: block until the queue is
// completely empty, then return 0 (spec.md §4.E "once" mode).
func (d *Daemon) waitForDrain(sigCh <-chan os.Signal) int {
	first := true
	for {
		if d.Q.QSize()+d.Q.InProgressSize()+d.Q.DeferredSize() == 0 {
			nlog.Infoln("daemon: update complete, exiting")
			return 0
		}
		if first {
			first = false
			nlog.Infoln("daemon: waiting for updates to complete")
		}
		if d.sleepOrSignal(d.UpdateInterval, sigCh) {
			return d.finish(ExitOnce)
		}
	}
}

// sleepOrSignal waits up to d for the next loop tick, servicing
// SIGUSR1/SIGUSR2 as they arrive and returning true the moment a terminal
// condition (global abort or SIGINT/SIGTERM) is observed.
func (d *Daemon) sleepOrSignal(wait time.Duration, sigCh <-chan os.Signal) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return false
		case <-d.Abort.Done():
			return true
		case sig := <-sigCh:
			if d.handleSignal(sig) {
				return true
			}
		}
	}
}

// handleSignal applies one received signal (spec.md §6) and reports whether
// it's terminal (SIGINT/SIGTERM).
func (d *Daemon) handleSignal(sig os.Signal) bool {
	switch sig {
	case syscall.SIGUSR1:
		nlog.Infoln("daemon: caught SIGUSR1, adding a worker")
		d.Pool.AddWorker()
	case syscall.SIGUSR2:
		nlog.Infoln("daemon: caught SIGUSR2, removing a worker")
		d.Pool.DelWorker()
	case syscall.SIGINT, syscall.SIGTERM:
		nlog.Infof("daemon: caught %s, shutting down", sig)
		d.Abort.Set()
		return true
	}
	return false
}

// finish implements the clean-interrupt exit path (spec.md §4.E): let
// in-progress tasks complete, then stop the pool and return 0. A finish
// triggered by the background loop observing the abort flag itself (rather
// than a clean SIGINT/SIGTERM) instead falls through to the 1-returning tail
// of Run.
func (d *Daemon) finish(mode ExitMode) int {
	nlog.Infoln("daemon: waiting for in-progress tasks to finish")
	for d.Q.InProgressSize() > 0 {
		time.Sleep(100 * time.Millisecond)
	}
	d.Pool.Shutdown()
	return 0
}
