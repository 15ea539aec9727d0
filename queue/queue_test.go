package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/radiocosmology/alpenhorn/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPutGetFIFOOrder(t *testing.T) {
	q := queue.New(nil)
	require.True(t, q.Put("a", "k", false, 0))
	require.True(t, q.Put("b", "k", false, 0))

	v, k, ok := q.Get(time.Second)
	require.True(t, ok)
	require.Equal(t, "k", k)
	require.Equal(t, "a", v)

	v, k, ok = q.Get(time.Second)
	require.True(t, ok)
	require.Equal(t, "b", v)
	q.TaskDone("k")
	q.TaskDone("k")
}

func TestGetTimesOutWhenEmpty(t *testing.T) {
	q := queue.New(nil)
	_, _, ok := q.Get(50 * time.Millisecond)
	require.False(t, ok)
}

// Fairness: with two FIFOs each holding 2 items, Get should alternate
// between them rather than draining one FIFO first, since it always prefers
// the FIFO with the fewest in-progress tasks.
func TestFairnessAlternatesBetweenFIFOs(t *testing.T) {
	q := queue.New(nil)
	q.Put("a1", "a", false, 0)
	q.Put("a2", "a", false, 0)
	q.Put("b1", "b", false, 0)
	q.Put("b2", "b", false, 0)

	seen := map[any]int{}
	for i := 0; i < 2; i++ {
		_, k, ok := q.Get(time.Second)
		require.True(t, ok)
		seen[k]++
	}
	require.Equal(t, 1, seen["a"])
	require.Equal(t, 1, seen["b"])
}

func TestExclusiveItemLocksFIFO(t *testing.T) {
	q := queue.New(nil)
	q.Put("excl", "k", true, 0)
	q.Put("next", "k", false, 0)

	v, k, ok := q.Get(time.Second)
	require.True(t, ok)
	require.Equal(t, "excl", v)

	// The FIFO is locked while the exclusive item is in progress: a second
	// Get must not return "next" yet.
	_, _, ok = q.Get(50 * time.Millisecond)
	require.False(t, ok)

	q.TaskDone(k)

	v, _, ok = q.Get(time.Second)
	require.True(t, ok)
	require.Equal(t, "next", v)
	q.TaskDone("k")
}

func TestTaskDoneWithoutInProgressPanics(t *testing.T) {
	q := queue.New(nil)
	require.Panics(t, func() { q.TaskDone("nope") })
}

func TestDeferredPutBecomesVisibleAfterDelay(t *testing.T) {
	q := queue.New(nil)
	q.Put("later", "k", false, 60*time.Millisecond)

	_, _, ok := q.Get(10 * time.Millisecond)
	require.False(t, ok)

	v, _, ok := q.Get(200 * time.Millisecond)
	require.True(t, ok)
	require.Equal(t, "later", v)
	q.TaskDone("k")
}

func TestJoinDiscardsDeferredPuts(t *testing.T) {
	q := queue.New(nil)
	q.Put("later", "k", false, time.Hour)
	require.Equal(t, 1, q.DeferredSize())

	done := make(chan struct{})
	go func() {
		q.Join()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Join did not return")
	}
	require.Equal(t, 0, q.DeferredSize())
}

func TestFifoSizeReportsQueuedPlusInProgress(t *testing.T) {
	q := queue.New(nil)
	require.Equal(t, 0, q.FifoSize("missing"))

	q.Put("a", "k", false, 0)
	require.Equal(t, 1, q.FifoSize("k"))

	_, _, ok := q.Get(time.Second)
	require.True(t, ok)
	require.Equal(t, 1, q.FifoSize("k")) // now in-progress, still counted
	q.TaskDone("k")
	require.Equal(t, 0, q.FifoSize("k"))
}
