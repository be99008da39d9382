package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/workspacecore/internal/tracker"
	"github.com/standardbeagle/workspacecore/internal/types"
)

// countingRunner counts concurrent and total invocations per target/file so
// tests can assert on coalescing and ordering without racing on shared
// state themselves.
type countingRunner struct {
	prepareDelay time.Duration
	indexDelay   time.Duration

	prepareCalls  int64
	prepareActive int64
	maxPrepActive int64

	indexCalls  int64
	indexActive int64
	maxIndexActive int64

	prepareOrder chan types.TargetID
	indexOrder   chan types.FileID
	failTargets  map[types.TargetID]bool

	tr *tracker.Tracker
}

func newCountingRunner(tr *tracker.Tracker) *countingRunner {
	return &countingRunner{tr: tr, prepareOrder: make(chan types.TargetID, 64), indexOrder: make(chan types.FileID, 64)}
}

func (r *countingRunner) RunPrepare(ctx context.Context, target types.TargetID) error {
	atomic.AddInt64(&r.prepareCalls, 1)
	active := atomic.AddInt64(&r.prepareActive, 1)
	for {
		max := atomic.LoadInt64(&r.maxPrepActive)
		if active <= max || atomic.CompareAndSwapInt64(&r.maxPrepActive, max, active) {
			break
		}
	}
	defer atomic.AddInt64(&r.prepareActive, -1)

	if r.prepareDelay > 0 {
		select {
		case <-time.After(r.prepareDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.prepareOrder <- target
	if r.failTargets[target] {
		return context.DeadlineExceeded
	}
	r.tr.MarkPrepared(target)
	return nil
}

func (r *countingRunner) RunIndex(ctx context.Context, file types.FileID, target types.TargetID) error {
	atomic.AddInt64(&r.indexCalls, 1)
	active := atomic.AddInt64(&r.indexActive, 1)
	for {
		max := atomic.LoadInt64(&r.maxIndexActive)
		if active <= max || atomic.CompareAndSwapInt64(&r.maxIndexActive, max, active) {
			break
		}
	}
	defer atomic.AddInt64(&r.indexActive, -1)

	if r.indexDelay > 0 {
		select {
		case <-time.After(r.indexDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.indexOrder <- file
	r.tr.MarkIndexed(file, target)
	return nil
}

func waitAll(t *testing.T, handles ...*Handle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, h := range handles {
		require.NoError(t, h.Wait(ctx))
	}
}

// P1: no two prepare(T) tasks for the same target ever run concurrently.
func TestNoDuplicateConcurrentPrepare(t *testing.T) {
	tr := tracker.New()
	runner := newCountingRunner(tr)
	runner.prepareDelay = 20 * time.Millisecond
	sched := New(tr, runner, 4, 4)
	defer sched.Shutdown(context.Background())

	var handles []*Handle
	for i := 0; i < 8; i++ {
		handles = append(handles, sched.Submit(types.TaskKey{Kind: types.TaskPrepare, Target: "Lib"}, types.PriorityNormal))
	}
	waitAll(t, handles...)

	require.Equal(t, int64(1), atomic.LoadInt64(&runner.prepareCalls), "8 submissions for the same target must coalesce into one run")
	require.Equal(t, int64(1), atomic.LoadInt64(&runner.maxPrepActive))
}

// P2: no two index(F,T) tasks for the same (file,target) ever run
// concurrently.
func TestNoDuplicateConcurrentIndex(t *testing.T) {
	tr := tracker.New()
	tr.MarkPrepared("Lib")
	runner := newCountingRunner(tr)
	runner.indexDelay = 20 * time.Millisecond
	sched := New(tr, runner, 4, 4)
	defer sched.Shutdown(context.Background())

	var handles []*Handle
	for i := 0; i < 8; i++ {
		handles = append(handles, sched.Submit(types.TaskKey{Kind: types.TaskIndex, File: "a.swift", Target: "Lib"}, types.PriorityNormal))
	}
	waitAll(t, handles...)

	require.Equal(t, int64(1), atomic.LoadInt64(&runner.indexCalls))
	require.Equal(t, int64(1), atomic.LoadInt64(&runner.maxIndexActive))
}

// P3: prepare(T) always completes before index(F,T) runs.
func TestPrepareRunsBeforeIndex(t *testing.T) {
	tr := tracker.New()
	runner := newCountingRunner(tr)
	runner.prepareDelay = 30 * time.Millisecond
	sched := New(tr, runner, 2, 2)
	defer sched.Shutdown(context.Background())

	h := sched.Submit(types.TaskKey{Kind: types.TaskIndex, File: "a.swift", Target: "Lib"}, types.PriorityNormal)
	waitAll(t, h)

	require.Equal(t, int64(1), atomic.LoadInt64(&runner.prepareCalls))
	require.Equal(t, int64(1), atomic.LoadInt64(&runner.indexCalls))
	require.True(t, tr.IsPrepared("Lib"))
	require.True(t, tr.IsIndexed("a.swift", "Lib"))
}

// If the target is already prepared, index(F,T) must not trigger a
// redundant prepare(T).
func TestIndexSkipsPrepareWhenAlreadyPrepared(t *testing.T) {
	tr := tracker.New()
	tr.MarkPrepared("Lib")
	runner := newCountingRunner(tr)
	sched := New(tr, runner, 2, 2)
	defer sched.Shutdown(context.Background())

	h := sched.Submit(types.TaskKey{Kind: types.TaskIndex, File: "a.swift", Target: "Lib"}, types.PriorityNormal)
	waitAll(t, h)

	require.Equal(t, int64(0), atomic.LoadInt64(&runner.prepareCalls))
	require.Equal(t, int64(1), atomic.LoadInt64(&runner.indexCalls))
}

// P6: re-submitting an already-queued task coalesces rather than
// re-running.
func TestCoalescingAcrossQueuedAndRunning(t *testing.T) {
	tr := tracker.New()
	runner := newCountingRunner(tr)
	runner.prepareDelay = 30 * time.Millisecond
	sched := New(tr, runner, 1, 1)
	defer sched.Shutdown(context.Background())

	h1 := sched.Submit(types.TaskKey{Kind: types.TaskPrepare, Target: "Lib"}, types.PriorityLow)
	time.Sleep(5 * time.Millisecond) // let the first submission start running
	h2 := sched.Submit(types.TaskKey{Kind: types.TaskPrepare, Target: "Lib"}, types.PriorityLow)

	waitAll(t, h1, h2)
	require.Equal(t, int64(1), atomic.LoadInt64(&runner.prepareCalls))
}

// P7: priority is raised, never lowered, by a later coalescing submission,
// and a high-priority late submission still jumps ahead of low-priority
// work still waiting in the queue.
func TestPriorityPromotionIsMonotoneAndReordersQueue(t *testing.T) {
	tr := tracker.New()
	tr.MarkPrepared("A")
	tr.MarkPrepared("B")
	tr.MarkPrepared("C")
	runner := newCountingRunner(tr)
	runner.indexDelay = 15 * time.Millisecond
	// One index slot: the first submission occupies it immediately, so the
	// rest queue up and order is fully determined by the heap.
	sched := New(tr, runner, 1, 1)
	defer sched.Shutdown(context.Background())

	blocker := sched.Submit(types.TaskKey{Kind: types.TaskIndex, File: "blocker.swift", Target: "A"}, types.PriorityLow)
	time.Sleep(3 * time.Millisecond)

	low := sched.Submit(types.TaskKey{Kind: types.TaskIndex, File: "low.swift", Target: "B"}, types.PriorityLow)
	high := sched.Submit(types.TaskKey{Kind: types.TaskIndex, File: "high.swift", Target: "C"}, types.PriorityLow)
	// Raise high's priority after both are queued; low's stays put.
	high2 := sched.Submit(types.TaskKey{Kind: types.TaskIndex, File: "high.swift", Target: "C"}, types.PriorityInteractive)

	waitAll(t, blocker, low, high, high2)

	<-runner.indexOrder // blocker.swift
	first := <-runner.indexOrder
	second := <-runner.indexOrder
	require.Equal(t, types.FileID("high.swift"), first, "promoted task must run before the still-low-priority one")
	require.Equal(t, types.FileID("low.swift"), second)

	require.Equal(t, types.StatusCompleted, high.Status())
}

// Regression test: a priority promotion arriving after an index task's
// creation must also promote its implicit prepare prerequisite, not just
// the index task itself (rule 6: prerequisites inherit at least the
// priority of their dependent). TestPriorityPromotionIsMonotoneAndReordersQueue
// pre-marks every target prepared, so the prerequisite is always already
// satisfied and this path goes untested there; here the prerequisite is
// still queued when the promotion happens.
func TestPriorityPromotionReachesQueuedPrerequisite(t *testing.T) {
	tr := tracker.New()
	runner := newCountingRunner(tr)
	runner.prepareDelay = 20 * time.Millisecond
	// One prep slot: the first prepare occupies it, forcing the other two
	// implicit prepare(T) tasks to actually queue rather than run inline.
	sched := New(tr, runner, 1, 1)
	defer sched.Shutdown(context.Background())

	blocker := sched.Submit(types.TaskKey{Kind: types.TaskPrepare, Target: "Busy"}, types.PriorityLow)
	time.Sleep(3 * time.Millisecond)

	low := sched.Submit(types.TaskKey{Kind: types.TaskIndex, File: "low.swift", Target: "LowT"}, types.PriorityLow)
	high := sched.Submit(types.TaskKey{Kind: types.TaskIndex, File: "high.swift", Target: "HighT"}, types.PriorityLow)
	// Promote high after both index tasks, and their implicit prepares, are
	// already queued behind the blocker.
	high2 := sched.Submit(types.TaskKey{Kind: types.TaskIndex, File: "high.swift", Target: "HighT"}, types.PriorityInteractive)

	waitAll(t, blocker, low, high, high2)

	<-runner.prepareOrder // Busy
	firstPrep := <-runner.prepareOrder
	secondPrep := <-runner.prepareOrder
	require.Equal(t, types.TargetID("HighT"), firstPrep, "promoted index task's implicit prepare must also jump the queue")
	require.Equal(t, types.TargetID("LowT"), secondPrep)
}

func TestCancelLastSubscriberDropsQueuedTask(t *testing.T) {
	tr := tracker.New()
	runner := newCountingRunner(tr)
	runner.prepareDelay = 50 * time.Millisecond
	sched := New(tr, runner, 1, 1)
	defer sched.Shutdown(context.Background())

	blocker := sched.Submit(types.TaskKey{Kind: types.TaskPrepare, Target: "A"}, types.PriorityLow)
	time.Sleep(3 * time.Millisecond)

	h := sched.Submit(types.TaskKey{Kind: types.TaskPrepare, Target: "B"}, types.PriorityLow)
	h.Cancel()

	waitAll(t, blocker)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := h.Wait(ctx)
	require.Error(t, err)
	require.Equal(t, types.StatusCancelled, h.Status())
	require.Equal(t, int64(1), atomic.LoadInt64(&runner.prepareCalls))
}
