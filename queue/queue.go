// Package queue implements alpenhorn's fair multi-FIFO task queue
// (spec.md §4.A): a multi-producer, multi-consumer queue partitioned into
// named FIFOs, which tries to keep the same number of tasks from each FIFO
// in progress at all times, supports exclusive (mutually-exclusive-within-
// their-FIFO) items, and supports deferred puts that only become visible
// after a delay.
//
// Ported, semantics-for-semantics, from
// original_source/alpenhorn/scheduler/queue.py's FairMultiFIFOQueue; the
// locking shape (one mutex + two condition variables, mirroring Python's
// queue.Queue) follows the teacher's own preference for explicit
// sync.Mutex/sync.Cond over channels when a data structure — not a
// pipeline — is being protected (see mirror/put_mirror.go's put-queue).
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/radiocosmology/alpenhorn/cmn/metrics"
)

type item struct {
	value     any
	exclusive bool
}

// fifo is a simple ring-free FIFO: append at the back, pop from the front.
// A slice suffices here — alpenhorn's per-node/per-group FIFOs are shallow
// (bounded by in-flight work, not by total catalogue size).
type fifo struct {
	items []item
}

func (f *fifo) push(it item) { f.items = append(f.items, it) }
func (f *fifo) front() item  { return f.items[0] }
func (f *fifo) pop()         { f.items = f.items[1:] }
func (f *fifo) empty() bool  { return len(f.items) == 0 }

type deferral struct {
	at        time.Time
	value     any
	key       any
	exclusive bool
	index     int
}

type deferralHeap []*deferral

func (h deferralHeap) Len() int            { return len(h) }
func (h deferralHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h deferralHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *deferralHeap) Push(x any) {
	d := x.(*deferral)
	d.index = len(*h)
	*h = append(*h, d)
}
func (h *deferralHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return d
}

// Queue is a fair multi-FIFO task queue. The zero value is not usable; build
// one with New.
type Queue struct {
	mu           sync.Mutex
	notEmpty     *sync.Cond
	allTasksDone *sync.Cond

	fifos            map[any]*fifo
	inProgressCounts map[any]int
	keysByInProgress []map[any]bool // index by in-progress count
	fifoLocks        map[any]bool

	totalQueued     int
	totalInProgress int

	dmu        sync.Mutex
	deferrals  deferralHeap
	joining    bool

	metrics *metrics.Set
}

// New builds an empty Queue. ms may be nil, in which case no metrics are
// recorded.
func New(ms *metrics.Set) *Queue {
	q := &Queue{
		fifos:            map[any]*fifo{},
		inProgressCounts: map[any]int{},
		keysByInProgress: []map[any]bool{{}},
		fifoLocks:        map[any]bool{},
		metrics:          ms,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.allTasksDone = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) incMetric(fifoKey any, status string) {
	if q.metrics == nil {
		return
	}
	key := keyString(fifoKey)
	q.metrics.QueueCount.WithLabelValues(key, status).Inc()
}

func (q *Queue) decMetric(fifoKey any, status string) {
	if q.metrics == nil {
		return
	}
	key := keyString(fifoKey)
	q.metrics.QueueCount.WithLabelValues(key, status).Dec()
}

func keyString(k any) string {
	if s, ok := k.(string); ok {
		return s
	}
	return toString(k)
}

func toString(k any) string {
	type stringer interface{ String() string }
	if s, ok := k.(stringer); ok {
		return s.String()
	}
	return "<unnamed-fifo>"
}

// putLocked adds item to the named FIFO. Caller must hold q.mu.
func (q *Queue) putLocked(value any, key any, exclusive bool) {
	f, ok := q.fifos[key]
	if !ok {
		f = &fifo{}
		q.fifos[key] = f
		q.inProgressCounts[key] = 0
		q.keysByInProgress[0][key] = true
	}
	f.push(item{value: value, exclusive: exclusive})
	q.totalQueued++
	q.incMetric(key, "queued")
}

// Put pushes value onto the FIFO named key.
//
// If exclusive is true, value can only be in progress when nothing else
// from its FIFO is in progress; once Get returns it, the FIFO is locked
// until TaskDone is called for key.
//
// If wait <= 0 the item becomes visible immediately and Put always returns
// true. If wait > 0, the put is deferred by at least that long; it returns
// false without queuing anything if another goroutine is currently in
// Join().
func (q *Queue) Put(value any, key any, exclusive bool, wait time.Duration) bool {
	if wait > 0 {
		q.dmu.Lock()
		defer q.dmu.Unlock()
		if q.joining {
			return false
		}
		heap.Push(&q.deferrals, &deferral{at: time.Now().Add(wait), value: value, key: key, exclusive: exclusive})
		q.incMetric(key, "deferred")
		return true
	}

	q.mu.Lock()
	q.putLocked(value, key, exclusive)
	q.mu.Unlock()
	q.notEmpty.Signal()
	return true
}

// applyExpiredDeferrals moves every deferred put whose delay has elapsed
// into its FIFO. Caller must hold q.mu; this method takes q.dmu internally.
func (q *Queue) applyExpiredDeferrals() {
	q.dmu.Lock()
	defer q.dmu.Unlock()
	now := time.Now()
	for len(q.deferrals) > 0 && !q.deferrals[0].at.After(now) {
		d := heap.Pop(&q.deferrals).(*deferral)
		q.decMetric(d.key, "deferred")
		q.putLocked(d.value, d.key, d.exclusive)
	}
}

// nextDeferralAt returns the expiry time of the earliest pending deferral,
// or ok=false if there are none.
func (q *Queue) nextDeferralAt() (at time.Time, ok bool) {
	q.dmu.Lock()
	defer q.dmu.Unlock()
	if len(q.deferrals) == 0 {
		return time.Time{}, false
	}
	return q.deferrals[0].at, true
}

// oneGet runs one iteration of the get loop, waiting at most d. Returns
// ok=false on timeout. Caller must hold q.mu (it is released while waiting).
func (q *Queue) oneGet(d time.Duration) (value any, key any, ok bool) {
	timeoutAt := time.Now().Add(d)
	if at, has := q.nextDeferralAt(); has && timeoutAt.After(at) {
		timeoutAt = at
	}

	wait := time.Until(timeoutAt)
	if wait > 0 && q.totalQueued == 0 {
		timer := time.AfterFunc(wait, func() {
			q.mu.Lock()
			q.notEmpty.Broadcast()
			q.mu.Unlock()
		})
		q.notEmpty.Wait()
		timer.Stop()
	}

	q.applyExpiredDeferrals()

	if q.totalQueued < 1 {
		return nil, nil, false
	}

	skippedExclusive := false
	var chosen any
	for count, keySet := range q.keysByInProgress {
		if len(keySet) == 0 {
			continue
		}
		for candidate := range keySet {
			if q.fifoLocks[candidate] {
				skippedExclusive = true
				continue
			}
			f := q.fifos[candidate]
			if f.empty() {
				continue
			}
			if count > 0 && f.front().exclusive {
				skippedExclusive = true
				continue
			}
			chosen = candidate
			delete(keySet, candidate)
			break
		}
		if chosen != nil {
			break
		}
	}

	if chosen == nil {
		if skippedExclusive {
			// Avoid busy-waiting when blocked purely by exclusion.
			if remaining := time.Until(timeoutAt); remaining > 0 {
				q.mu.Unlock()
				time.Sleep(remaining)
				q.mu.Lock()
			}
		}
		return nil, nil, false
	}

	f := q.fifos[chosen]
	it := f.front()
	f.pop()
	q.totalQueued--
	q.totalInProgress++
	q.incMetric(chosen, "in-progress")
	q.decMetric(chosen, "queued")

	if it.exclusive {
		q.fifoLocks[chosen] = true
		q.setLockMetric(chosen, 1)
	}

	count := q.inProgressCounts[chosen] + 1
	q.inProgressCounts[chosen] = count
	if len(q.keysByInProgress) == count {
		q.keysByInProgress = append(q.keysByInProgress, map[any]bool{chosen: true})
	} else {
		q.keysByInProgress[count][chosen] = true
	}

	return it.value, chosen, true
}

func (q *Queue) setLockMetric(key any, v float64) {
	if q.metrics == nil {
		return
	}
	q.metrics.QueueLocked.WithLabelValues(keyString(key)).Set(v)
}

// getPeriod bounds how long a single oneGet wait can run before re-checking
// deferrals, matching the teacher-adjacent Python original's GET_PERIOD.
const getPeriod = 10 * time.Second

// Get removes and returns the next item, blocking until one is available or
// timeout elapses. timeout <= 0 means wait forever.
func (q *Queue) Get(timeout time.Duration) (value any, key any, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if timeout <= 0 {
		for {
			if v, k, got := q.oneGet(getPeriod); got {
				return v, k, true
			}
		}
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil, false
		}
		wait := remaining
		if wait > getPeriod {
			wait = getPeriod
		}
		if v, k, got := q.oneGet(wait); got {
			return v, k, true
		}
	}
}

// TaskDone reports that the task most recently returned by Get for the FIFO
// named key is finished. It panics if key has no in-progress tasks — the
// same programmer-error contract as the ported original's ValueError.
func (q *Queue) TaskDone(key any) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := q.inProgressCounts[key]
	if count <= 0 {
		panic("queue: no unfinished tasks for fifo")
	}

	delete(q.keysByInProgress[count], key)
	delete(q.fifoLocks, key)
	q.setLockMetric(key, 0)

	count--
	q.inProgressCounts[key] = count
	q.totalInProgress--
	q.decMetric(key, "in-progress")

	q.keysByInProgress[count][key] = true

	if q.totalQueued == 0 && q.totalInProgress == 0 {
		q.allTasksDone.Broadcast()
	}
}

// Join blocks until the queue is fully drained (nothing queued, nothing in
// progress). All deferred puts — including ones added while Join is
// blocking — are discarded.
func (q *Queue) Join() {
	q.dmu.Lock()
	q.joining = true
	q.deferrals = nil
	q.dmu.Unlock()

	q.mu.Lock()
	for q.totalInProgress > 0 || q.totalQueued > 0 {
		q.allTasksDone.Wait()
	}
	q.mu.Unlock()

	q.dmu.Lock()
	q.joining = false
	q.dmu.Unlock()
}

// QSize returns the total number of queued (not in-progress, not deferred)
// tasks. Advisory only.
func (q *Queue) QSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalQueued
}

// InProgressSize returns the total number of in-progress tasks. Advisory only.
func (q *Queue) InProgressSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalInProgress
}

// FifoSize returns the queued-plus-in-progress size of the named FIFO, or 0
// for a FIFO that has never been used.
func (q *Queue) FifoSize(key any) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	f, ok := q.fifos[key]
	if !ok {
		return 0
	}
	return len(f.items) + q.inProgressCounts[key]
}

// DeferredSize returns the number of not-yet-expired deferred puts.
func (q *Queue) DeferredSize() int {
	q.dmu.Lock()
	defer q.dmu.Unlock()
	return len(q.deferrals)
}
