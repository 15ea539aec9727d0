package workerpool_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/radiocosmology/alpenhorn/queue"
	"github.com/radiocosmology/alpenhorn/task"
	"github.com/radiocosmology/alpenhorn/workerpool"
)

func TestPoolRunsTaskToCompletion(t *testing.T) {
	q := queue.New(nil)
	abort := workerpool.NewGlobalAbort()
	p := workerpool.New(2, q, abort, nil)
	defer p.Shutdown()

	done := make(chan struct{})
	task.New("t", func(*task.Task) (bool, time.Duration, error) {
		close(done)
		return true, 0, nil
	}, q, "k", false, false)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	require.False(t, abort.IsSet())
}

func TestPoolAddDelWorker(t *testing.T) {
	q := queue.New(nil)
	abort := workerpool.NewGlobalAbort()
	p := workerpool.New(1, q, abort, nil)
	defer p.Shutdown()

	require.Equal(t, 1, p.Len())
	p.AddWorker()
	require.Equal(t, 2, p.Len())
	p.DelWorker()
	require.Equal(t, 1, p.Len())
}

func TestPoolDelWorkerOnEmptyPoolIsNoOp(t *testing.T) {
	q := queue.New(nil)
	abort := workerpool.NewGlobalAbort()
	p := workerpool.New(0, q, abort, nil)
	defer p.Shutdown()
	require.Equal(t, 0, p.Len())
	p.DelWorker()
	require.Equal(t, 0, p.Len())
}

func TestUncaughtTaskErrorTriggersGlobalAbort(t *testing.T) {
	q := queue.New(nil)
	abort := workerpool.NewGlobalAbort()
	p := workerpool.New(1, q, abort, nil)
	defer p.Shutdown()

	task.New("bad", func(*task.Task) (bool, time.Duration, error) {
		return false, 0, errors.New("boom")
	}, q, "k", false, false)

	require.Eventually(t, abort.IsSet, 2*time.Second, 10*time.Millisecond)
}

func TestEmptyPoolIsInert(t *testing.T) {
	var p workerpool.EmptyPool
	require.Equal(t, 0, p.Len())
	p.AddWorker()
	p.DelWorker()
	p.Check()
	p.Shutdown()
}
