// Package scheduler implements the priority-ordered, coalescing, two-pool
// task scheduler (C3): the component responsible for making sure a target
// is never prepared twice concurrently, a file is never indexed twice
// concurrently for the same target, preparation always finishes before the
// index work that depends on it, and urgent requests jump the queue
// without starving everything already waiting.
//
// The priority queue itself mirrors the upstream search coordinator's
// container/heap-based operation queue (mutex-guarded Enqueue/Dequeue
// around heap.Push/heap.Pop, a heap index kept current by Swap); what's
// new here is two independent queues/pools (preparation vs indexing) and
// the prerequisite chaining between them.
package scheduler

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/standardbeagle/workspacecore/internal/debug"
	errs "github.com/standardbeagle/workspacecore/internal/errors"
	"github.com/standardbeagle/workspacecore/internal/types"
)

// Checker answers the up-to-date tracker's fast-path questions. Satisfied
// directly by *tracker.Tracker; declared here as an interface so the
// scheduler doesn't import a business-logic package for one bool.
type Checker interface {
	IsPrepared(target types.TargetID) bool
	IsIndexed(file types.FileID, target types.TargetID) bool
}

// Runner performs the actual work behind a task. Implementations call into
// the build-system adapter and update the tracker on success; the
// scheduler only knows about ordering, concurrency, and cancellation.
type Runner interface {
	RunPrepare(ctx context.Context, target types.TargetID) error
	RunIndex(ctx context.Context, file types.FileID, target types.TargetID) error
}

// task is the scheduler's internal bookkeeping for one coalesced unit of
// work. All mutable fields are guarded by Scheduler.mu except ctx/cancel
// (immutable after construction) and err/done (written once under
// Scheduler.mu, then published via the done channel's happens-before).
type task struct {
	key       types.TaskKey
	priority  types.Priority
	topoRank  int
	submitSeq uint64
	status    types.TaskStatus
	heapIndex int

	subscribers int
	prereq      *Handle // non-nil only for TaskIndex tasks

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Handle is returned to every caller of Submit. Multiple handles can refer
// to the same coalesced task; Wait blocks until the task reaches a
// terminal state, and Cancel drops this caller's interest in the result.
type Handle struct {
	t         *task
	sched     *Scheduler // nil for handles to already-satisfied, never-queued work
	cancelled atomic.Bool
}

// Key reports the task key this handle refers to.
func (h *Handle) Key() types.TaskKey { return h.t.key }

// Wait blocks until the task completes, fails, or is cancelled, or ctx is
// done, whichever happens first.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.t.done:
		return h.t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports the task's current state-machine position.
func (h *Handle) Status() types.TaskStatus {
	h.sched.lockIfPresent()
	defer h.sched.unlockIfPresent()
	return h.t.status
}

// Err returns the task's terminal error. Only meaningful after Wait has
// returned (the done channel's close happens-before this read).
func (h *Handle) Err() error { return h.t.err }

// Cancel drops this handle's subscription to the task. If it was the last
// remaining subscriber, the underlying task is cancelled: a queued task is
// dequeued without running, a running one has its context cancelled.
func (h *Handle) Cancel() {
	if h.cancelled.Swap(true) {
		return
	}
	if h.sched == nil {
		return
	}
	h.sched.cancelSubscriber(h.t)
}

func (s *Scheduler) lockIfPresent() {
	if s != nil {
		s.mu.Lock()
	}
}

func (s *Scheduler) unlockIfPresent() {
	if s != nil {
		s.mu.Unlock()
	}
}

// Scheduler is the C3 task scheduler: one priority queue and one slot pool
// for preparation, another pair for indexing.
type Scheduler struct {
	checker Checker
	runner  Runner

	mu       sync.Mutex
	byKey    map[types.TaskKey]*task
	topoRank map[types.TargetID]int
	submitSeq uint64

	prepQueue  *taskHeap
	indexQueue *taskHeap

	prepSem  *semaphore.Weighted
	indexSem *semaphore.Weighted

	notifyPrep  chan struct{}
	notifyIndex chan struct{}

	closeCtx    context.Context
	closeCancel context.CancelFunc
	wg          sync.WaitGroup
}

// New builds a scheduler with prepSlots concurrent preparations and
// indexSlots concurrent index operations, and starts its two dispatch
// loops. Both slot counts are clamped to at least 1.
func New(checker Checker, runner Runner, prepSlots, indexSlots int) *Scheduler {
	if prepSlots < 1 {
		prepSlots = 1
	}
	if indexSlots < 1 {
		indexSlots = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		checker:     checker,
		runner:      runner,
		byKey:       make(map[types.TaskKey]*task),
		topoRank:    make(map[types.TargetID]int),
		prepSem:     semaphore.NewWeighted(int64(prepSlots)),
		indexSem:    semaphore.NewWeighted(int64(indexSlots)),
		notifyPrep:  make(chan struct{}, 1),
		notifyIndex: make(chan struct{}, 1),
		closeCtx:    ctx,
		closeCancel: cancel,
	}
	s.prepQueue = newTaskHeap(func(a, b *task) bool {
		if a.topoRank != b.topoRank {
			return a.topoRank < b.topoRank
		}
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.submitSeq < b.submitSeq
	})
	s.indexQueue = newTaskHeap(func(a, b *task) bool {
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.submitSeq < b.submitSeq
	})

	s.wg.Add(2)
	go s.dispatchLoop(s.prepQueue, s.notifyPrep, s.prepSem, s.runPrepare)
	go s.dispatchLoop(s.indexQueue, s.notifyIndex, s.indexSem, s.runIndex)
	return s
}

// SetTopoOrder installs a fresh topological order over targets (dependency
// targets before dependents), recomputed whenever the build-system adapter
// reloads the build graph. Queued preparations are re-ranked in place so
// the next dequeue reflects the new order.
func (s *Scheduler) SetTopoOrder(order []types.TargetID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rank := make(map[types.TargetID]int, len(order))
	for i, target := range order {
		rank[target] = i
	}
	s.topoRank = rank
	for _, t := range s.prepQueue.tasks {
		t.topoRank = s.rankOfLocked(t.key.Target)
	}
	s.prepQueue.reinit()
}

func (s *Scheduler) rankOfLocked(target types.TargetID) int {
	if r, ok := s.topoRank[target]; ok {
		return r
	}
	return math.MaxInt32
}

// Submit enqueues key at priority, or, if an equal key is already queued or
// running, coalesces onto it and raises its priority if this submission's
// priority is higher (priorities are raised, never lowered). If the
// tracker already considers the work up to date, Submit returns a handle
// that is already complete without ever touching the queue.
func (s *Scheduler) Submit(key types.TaskKey, priority types.Priority) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitLocked(key, priority)
}

func (s *Scheduler) submitLocked(key types.TaskKey, priority types.Priority) *Handle {
	if existing, ok := s.byKey[key]; ok {
		if priority > existing.priority {
			s.raisePriorityLocked(existing, priority)
		}
		existing.subscribers++
		debug.LogScheduler("coalesced %s at priority %d (%d subscribers)", key, existing.priority, existing.subscribers)
		return &Handle{t: existing, sched: s}
	}

	if key.Kind == types.TaskPrepare && s.checker.IsPrepared(key.Target) {
		return preCompletedHandle(key)
	}
	if key.Kind == types.TaskIndex && s.checker.IsIndexed(key.File, key.Target) {
		return preCompletedHandle(key)
	}

	s.submitSeq++
	ctx, cancel := context.WithCancel(s.closeCtx)
	t := &task{
		key:         key,
		priority:    priority,
		submitSeq:   s.submitSeq,
		status:      types.StatusQueued,
		heapIndex:   -1,
		subscribers: 1,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	if key.Kind == types.TaskIndex {
		// Prerequisite chaining: index(F,T) implies prepare(T), inheriting
		// at least this submission's priority.
		t.prereq = s.submitLocked(types.TaskKey{Kind: types.TaskPrepare, Target: key.Target}, priority)
	} else {
		t.topoRank = s.rankOfLocked(key.Target)
	}

	s.byKey[key] = t
	if key.Kind == types.TaskPrepare {
		s.prepQueue.push(t)
		signal(s.notifyPrep)
	} else {
		s.indexQueue.push(t)
		signal(s.notifyIndex)
	}
	debug.LogScheduler("submitted %s at priority %d", key, priority)
	return &Handle{t: t, sched: s}
}

// raisePriorityLocked raises t's priority and fixes its queue position if
// still queued. Rule 6 requires a prerequisite to inherit at least the
// priority of its dependent, not just at the dependent's creation time, so
// a promotion of an index task must also re-promote its still-pending
// prepare prerequisite (prereq.sched is nil for an already-satisfied
// prerequisite that never touched the queue, and has nothing left to
// raise).
func (s *Scheduler) raisePriorityLocked(t *task, priority types.Priority) {
	if priority <= t.priority {
		return
	}
	t.priority = priority
	if t.status == types.StatusQueued {
		if t.key.Kind == types.TaskPrepare {
			s.prepQueue.fix(t)
		} else {
			s.indexQueue.fix(t)
		}
	}
	if t.prereq != nil && t.prereq.sched != nil {
		s.raisePriorityLocked(t.prereq.t, priority)
	}
}

func preCompletedHandle(key types.TaskKey) *Handle {
	t := &task{key: key, status: types.StatusCompleted, heapIndex: -1, done: make(chan struct{})}
	close(t.done)
	return &Handle{t: t}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// cancelSubscriber drops one subscription to t. If it was the last one,
// the task is cancelled: dequeued without running if still queued, or its
// context cancelled if already running (the running goroutine observes
// ctx.Done() and finishes the task itself).
func (s *Scheduler) cancelSubscriber(t *task) {
	s.mu.Lock()
	t.subscribers--
	if t.subscribers > 0 {
		s.mu.Unlock()
		return
	}
	wasQueued := t.status == types.StatusQueued
	if wasQueued {
		if t.key.Kind == types.TaskPrepare {
			s.prepQueue.remove(t)
		} else {
			s.indexQueue.remove(t)
		}
		delete(s.byKey, t.key)
		t.status = types.StatusCancelled
		t.err = errs.NewTaskError(errs.KindCancelled, t.key, context.Canceled)
	}
	s.mu.Unlock()

	t.cancel()
	if t.prereq != nil {
		t.prereq.Cancel()
	}
	if wasQueued {
		close(t.done)
	}
}

// dispatchLoop acquires a slot from sem (blocking until one frees), then
// pops the highest-priority ready task from queue and runs it in its own
// goroutine, then loops. Acquiring before popping keeps every waiting task
// in the heap, so a later priority raise still reorders it. Blocking the
// Acquire here (rather than inside the spawned goroutine) keeps
// concurrency bounded to sem's weight without an unbounded number of
// goroutines parked on Acquire.
func (s *Scheduler) dispatchLoop(queue *taskHeap, notify chan struct{}, sem *semaphore.Weighted, run func(*task)) {
	defer s.wg.Done()
	for {
		if err := sem.Acquire(s.closeCtx, 1); err != nil {
			return
		}
		t := s.waitAndPop(queue, notify)
		if t == nil {
			sem.Release(1)
			return
		}
		s.wg.Add(1)
		go func() {
			defer sem.Release(1)
			run(t)
		}()
	}
}

func (s *Scheduler) waitAndPop(queue *taskHeap, notify chan struct{}) *task {
	for {
		s.mu.Lock()
		if s.closeCtx.Err() != nil {
			s.mu.Unlock()
			return nil
		}
		if t := queue.pop(); t != nil {
			t.status = types.StatusRunning
			s.mu.Unlock()
			return t
		}
		s.mu.Unlock()

		select {
		case <-notify:
		case <-s.closeCtx.Done():
			return nil
		}
	}
}

func (s *Scheduler) finishTask(t *task, status types.TaskStatus, err error) {
	s.mu.Lock()
	t.status = status
	t.err = err
	delete(s.byKey, t.key)
	s.mu.Unlock()
	close(t.done)
}

func (s *Scheduler) runPrepare(t *task) {
	defer s.wg.Done()
	err := s.runner.RunPrepare(t.ctx, t.key.Target)
	status := statusFor(t.ctx, err)
	debug.LogScheduler("finished %s: %s", t.key, status)
	s.finishTask(t, status, err)
}

func (s *Scheduler) runIndex(t *task) {
	defer s.wg.Done()
	if t.prereq != nil {
		defer t.prereq.Cancel()
		if err := t.prereq.Wait(t.ctx); err != nil {
			s.finishTask(t, statusFor(t.ctx, err), err)
			return
		}
		if t.prereq.Err() != nil {
			s.finishTask(t, types.StatusFailed, t.prereq.Err())
			return
		}
	}

	// Rule 5 fast-path re-check: someone else may have finished this exact
	// (file, target) pair while this task waited on its prerequisite or in
	// queue, in which case there's nothing left to do.
	if s.checker.IsIndexed(t.key.File, t.key.Target) {
		s.finishTask(t, types.StatusCompleted, nil)
		return
	}

	err := s.runner.RunIndex(t.ctx, t.key.File, t.key.Target)
	status := statusFor(t.ctx, err)
	debug.LogScheduler("finished %s: %s", t.key, status)
	s.finishTask(t, status, err)
}

func statusFor(ctx context.Context, err error) types.TaskStatus {
	if err == nil {
		return types.StatusCompleted
	}
	if ctx.Err() != nil {
		return types.StatusCancelled
	}
	return types.StatusFailed
}

// PendingCounts reports the number of queued (not yet running) tasks in
// each pool, for status reporting.
func (s *Scheduler) PendingCounts() (prep, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prepQueue.Len(), s.indexQueue.Len()
}

// IsIndexing reports whether any task is queued or running in either pool.
func (s *Scheduler) IsIndexing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey) > 0
}

// Shutdown cancels every in-flight and queued task and waits for both
// dispatch loops to exit, or for ctx to expire first.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.closeCancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
